package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit is the per-client budget for one route group.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type rateEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// rateLimiter tracks one token bucket per client address per route group.
type rateLimiter struct {
	limits map[string]RateLimit

	mu       sync.Mutex
	visitors map[string]*rateEntry
	now      func() time.Time
}

const visitorIdleTTL = 10 * time.Minute

func newRateLimiter(limits map[string]RateLimit) *rateLimiter {
	return &rateLimiter{
		limits:   limits,
		visitors: make(map[string]*rateEntry),
		now:      time.Now,
	}
}

// middleware returns a handler wrapper enforcing the named route group's
// budget. Groups without a configured limit pass through untouched.
func (rl *rateLimiter) middleware(group string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit, ok := rl.limits[group]
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if !rl.obtain(group+"|"+clientID(r), limit).Allow() {
				w.Header().Set("Retry-After", "60")
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *rateLimiter) obtain(id string, cfg RateLimit) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if entry, ok := rl.visitors[id]; ok {
		entry.seen = now
		return entry.limiter
	}

	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	rl.visitors[id] = &rateEntry{limiter: limiter, seen: now}

	// Opportunistic sweep of idle buckets keeps the map bounded without a
	// background goroutine per visitor.
	if len(rl.visitors)%256 == 0 {
		for key, entry := range rl.visitors {
			if now.Sub(entry.seen) > visitorIdleTTL {
				delete(rl.visitors, key)
			}
		}
	}
	return limiter
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if comma := strings.IndexByte(forwarded, ','); comma > 0 {
			first = forwarded[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
