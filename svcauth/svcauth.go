// Package svcauth implements the shared-secret HMAC scheme that protects the
// inter-service API between the upload and payment services. Requests are
// signed over (timestamp, nonce, method, canonical path, body) and replay is
// rejected through a TTL-bounded nonce cache with optional durable
// persistence.
package svcauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size hashed when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	defaultTimestampSkew = 2 * time.Minute
	defaultNonceTTL      = 10 * time.Minute
	defaultNonceCapacity = 4096

	persistencePruneInterval = time.Minute
)

// SecretLength is the required shared-secret size in bytes (hex-encoded in config).
const SecretLength = 32

var (
	// ErrBadSecret is returned when the configured secret is malformed.
	ErrBadSecret = errors.New("shared secret must be 32 bytes of hex")
	// ErrUnauthorized covers any signature, timestamp, or replay failure.
	ErrUnauthorized = errors.New("request authentication failed")
)

// ParseSecret validates and decodes the configured hex shared secret.
func ParseSecret(hexSecret string) ([]byte, error) {
	decoded, err := hex.DecodeString(strings.TrimSpace(hexSecret))
	if err != nil || len(decoded) != SecretLength {
		return nil, ErrBadSecret
	}
	return decoded, nil
}

// NonceRecord captures persisted nonce usage metadata.
type NonceRecord struct {
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for nonce usage across restarts.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Verifier checks HMAC signatures on incoming inter-service requests.
type Verifier struct {
	secret        []byte
	skew          time.Duration
	nonceTTL      time.Duration
	nonceCapacity int
	nowFn         func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]time.Time

	persistence NoncePersistence
	lastPruned  time.Time
}

// NewVerifier builds a Verifier for the decoded shared secret.
func NewVerifier(secret []byte, persistence NoncePersistence) (*Verifier, error) {
	if len(secret) != SecretLength {
		return nil, ErrBadSecret
	}
	return &Verifier{
		secret:        append([]byte(nil), secret...),
		skew:          defaultTimestampSkew,
		nonceTTL:      defaultNonceTTL,
		nonceCapacity: defaultNonceCapacity,
		nowFn:         time.Now,
		nonces:        make(map[string]time.Time),
		persistence:   persistence,
	}, nil
}

// WithClock overrides the verifier clock for deterministic tests.
func (v *Verifier) WithClock(now func() time.Time) {
	if now != nil {
		v.nowFn = now
	}
}

// Verify authenticates the request against the shared secret.
func (v *Verifier) Verify(r *http.Request, body []byte) error {
	if len(body) > MaxBodyForSignature {
		return fmt.Errorf("%w: body exceeds %d bytes", ErrUnauthorized, MaxBodyForSignature)
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return fmt.Errorf("%w: missing %s", ErrUnauthorized, HeaderTimestamp)
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp", ErrUnauthorized)
	}
	now := v.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.skew {
		return fmt.Errorf("%w: timestamp outside allowed skew of %s", ErrUnauthorized, v.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return fmt.Errorf("%w: missing %s", ErrUnauthorized, HeaderNonce)
	}
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if providedSig == "" {
		return fmt.Errorf("%w: missing %s", ErrUnauthorized, HeaderSignature)
	}
	expected := ComputeSignature(v.secret, timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return fmt.Errorf("%w: invalid signature encoding", ErrUnauthorized)
	}
	if !hmac.Equal(providedBytes, expected) {
		return fmt.Errorf("%w: invalid signature", ErrUnauthorized)
	}
	duplicate, err := v.registerNonce(r.Context(), timestampHeader, nonce, now)
	if err != nil {
		return err
	}
	if duplicate {
		return fmt.Errorf("%w: nonce already used", ErrUnauthorized)
	}
	return nil
}

func (v *Verifier) registerNonce(ctx context.Context, timestamp, nonce string, now time.Time) (bool, error) {
	composite := timestamp + "|" + nonce
	v.nonceMu.Lock()
	if seen, ok := v.nonces[composite]; ok && now.Sub(seen) <= v.nonceTTL {
		v.nonceMu.Unlock()
		return true, nil
	}
	v.pruneLocked(now)
	v.nonces[composite] = now
	v.nonceMu.Unlock()

	if v.persistence != nil {
		if err := v.prunePersistent(ctx, now); err != nil {
			return false, err
		}
		existed, err := v.persistence.EnsureNonce(ctx, NonceRecord{Timestamp: timestamp, Nonce: nonce, ObservedAt: now})
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			return true, nil
		}
	}
	return false, nil
}

func (v *Verifier) pruneLocked(now time.Time) {
	if len(v.nonces) <= v.nonceCapacity {
		return
	}
	cutoff := now.Add(-v.nonceTTL)
	for key, seen := range v.nonces {
		if seen.Before(cutoff) {
			delete(v.nonces, key)
		}
	}
}

func (v *Verifier) prunePersistent(ctx context.Context, now time.Time) error {
	if v.nonceTTL <= 0 {
		return nil
	}
	if v.lastPruned.IsZero() || now.Sub(v.lastPruned) >= persistencePruneInterval {
		if err := v.persistence.PruneNonces(ctx, now.Add(-v.nonceTTL)); err != nil {
			return fmt.Errorf("prune persistent nonces: %w", err)
		}
		v.lastPruned = now
	}
	return nil
}

// Signer produces the authentication headers for outbound requests.
type Signer struct {
	secret []byte
	nowFn  func() time.Time
	nonce  func() string
}

// NewSigner builds a Signer for the decoded shared secret.
func NewSigner(secret []byte, nonce func() string) (*Signer, error) {
	if len(secret) != SecretLength {
		return nil, ErrBadSecret
	}
	if nonce == nil {
		return nil, errors.New("nonce generator required")
	}
	return &Signer{secret: append([]byte(nil), secret...), nowFn: time.Now, nonce: nonce}, nil
}

// WithClock overrides the signer clock for deterministic tests.
func (s *Signer) WithClock(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

// Sign attaches the timestamp, nonce, and signature headers to the request.
func (s *Signer) Sign(r *http.Request, body []byte) {
	timestamp := strconv.FormatInt(s.nowFn().UTC().Unix(), 10)
	nonce := s.nonce()
	sig := ComputeSignature(s.secret, timestamp, nonce, r.Method, CanonicalRequestPath(r), body)
	r.Header.Set(HeaderTimestamp, timestamp)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, hex.EncodeToString(sig))
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery normalises raw query strings for stable HMAC signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature builds the HMAC-SHA256 signature bytes for the request metadata.
func ComputeSignature(secret []byte, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
