// Package server is the upload service's HTTP surface.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bundlegw/ans104"
	"bundlegw/services/uploadd/ingest"
	"bundlegw/services/uploadd/payment"
	"bundlegw/services/uploadd/store"
	"bundlegw/x402"
)

// Deps carries everything the HTTP layer needs.
type Deps struct {
	Ingest        *ingest.Engine
	RawSigner     *ingest.RawSigner
	FreeAllowance int64
	MaxItemBytes  int64
	Version       string
	Addresses     map[string]string
	RateLimits    map[string]RateLimit
	Log           *slog.Logger
}

// Route groups recognised by the rate limiter.
const (
	RouteGroupUpload = "upload"
	RouteGroupRead   = "read"
)

// Server is the uploadd HTTP handler set.
type Server struct {
	deps   Deps
	router chi.Router
}

// New builds the router.
func New(deps Deps) *Server {
	s := &Server{deps: deps}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/info", s.handleInfo)

	limiter := newRateLimiter(deps.RateLimits)
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(limiter.middleware(RouteGroupUpload))
			r.Post("/tx", s.handleSubmit)
			r.Post("/tx/raw", s.handleSubmitRaw)

			r.Post("/multipart", s.handleCreateSession)
			r.Put("/multipart/{id}/{offset}", s.handlePutChunk)
			r.Post("/multipart/{id}/finalize", s.handleFinalizeSession)
			r.Delete("/multipart/{id}", s.handleAbortSession)
		})
		r.Group(func(r chi.Router) {
			r.Use(limiter.middleware(RouteGroupRead))
			r.Get("/tx/{id}", s.handleStatus)
			r.Get("/tx/{id}/offset", s.handleOffsets)
			r.Get("/multipart/{id}", s.handleSessionStatus)
			r.Get("/multipart/{id}/status", s.handleSessionStatus)
		})
	})
	s.router = r
	return s
}

// Handler returns the traced root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "uploadd")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.deps.Log.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]string{"code": code, "message": message})
}

// mapError translates domain errors onto the HTTP taxonomy.
func (s *Server) mapError(w http.ResponseWriter, err error) {
	var paymentRequired *ingest.PaymentRequiredError
	switch {
	case errors.As(err, &paymentRequired):
		w.Header().Set(x402.HeaderPaymentRequired, x402.PaymentRequiredValue)
		s.writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"code":    "PaymentRequired",
			"message": "insufficient balance for upload",
			"accepts": paymentRequired.Requirements,
		})
	case errors.Is(err, ingest.ErrContentLengthRequired):
		s.writeError(w, http.StatusBadRequest, "ContentLengthRequired", "Content-Length header is required")
	case errors.Is(err, ingest.ErrTooLarge), errors.Is(err, ans104.ErrTooLarge):
		s.writeError(w, http.StatusRequestEntityTooLarge, "PayloadTooLarge", "item exceeds the maximum size")
	case errors.Is(err, ingest.ErrBlocked):
		s.writeError(w, http.StatusUnauthorized, "Unauthorized", "address is not allowed to upload")
	case errors.Is(err, ans104.ErrMalformed), errors.Is(err, ans104.ErrUnsupportedScheme),
		errors.Is(err, ingest.ErrBadChunk), errors.Is(err, ingest.ErrBadChunkSizeOpts),
		errors.Is(err, ingest.ErrSessionSparse), errors.Is(err, ingest.ErrTooManyChunks),
		errors.Is(err, ingest.ErrBadSessionSize), errors.Is(err, ingest.ErrSessionSizeShort),
		errors.Is(err, x402.ErrMalformedPayment):
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", err.Error())
	case errors.Is(err, payment.ErrPaymentRejected):
		s.writeError(w, http.StatusUnprocessableEntity, "PaymentVerificationFailed", err.Error())
	case errors.Is(err, payment.ErrInsufficientBalance):
		w.Header().Set(x402.HeaderPaymentRequired, x402.PaymentRequiredValue)
		s.writeError(w, http.StatusPaymentRequired, "InsufficientBalance", "insufficient balance for upload")
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ingest.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, "NotFound", "not found")
	case errors.Is(err, ingest.ErrSessionClosed):
		s.writeError(w, http.StatusConflict, "Conflict", "session is not in progress")
	case errors.Is(err, payment.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "UpstreamUnavailable", "payment service unavailable")
	default:
		s.deps.Log.Error("internal error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal", "internal error")
	}
}

func submitOptions(r *http.Request) ingest.SubmitOptions {
	query := r.URL.Query()
	return ingest.SubmitOptions{
		PaymentHeader: r.Header.Get(x402.HeaderPayment),
		Mode:          query.Get("mode"),
		PaidBy:        query["paidBy"],
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength < 0 {
		s.mapError(w, ingest.ErrContentLengthRequired)
		return
	}
	receipt, err := s.deps.Ingest.SubmitItem(r.Context(), r.Body, r.ContentLength, submitOptions(r))
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeReceipt(w, receipt)
}

func (s *Server) handleSubmitRaw(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength < 0 {
		s.mapError(w, ingest.ErrContentLengthRequired)
		return
	}
	opts := submitOptions(r)
	if opts.PaymentHeader == "" {
		w.Header().Set(x402.HeaderPaymentRequired, x402.PaymentRequiredValue)
		s.writeError(w, http.StatusPaymentRequired, "PaymentRequired",
			"raw uploads require an "+x402.HeaderPayment+" header")
		return
	}
	receipt, err := s.deps.Ingest.SubmitRaw(r.Context(), s.deps.RawSigner, r.Body,
		r.ContentLength, r.Header.Get("Content-Type"), opts)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeReceipt(w, receipt)
}

func (s *Server) writeReceipt(w http.ResponseWriter, receipt *ingest.Receipt) {
	if receipt.PaymentResponse != "" {
		w.Header().Set(x402.HeaderPaymentResponse, receipt.PaymentResponse)
	}
	s.writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Ingest.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleOffsets(w http.ResponseWriter, r *http.Request) {
	record, err := s.deps.Ingest.Offsets(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.mapError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":               record.ItemID,
		"rootBundleId":     record.RootBundleID,
		"startOffset":      record.StartOffset,
		"rawLength":        record.RawLength,
		"payloadDataStart": record.PayloadDataStart,
		"payloadContentType": func() string {
			if record.PayloadContentType != "" {
				return record.PayloadContentType
			}
			return "application/octet-stream"
		}(),
		"parentDataItemId": record.ParentItemID,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":               s.deps.Version,
		"addresses":             s.deps.Addresses,
		"freeUploadLimitBytes":  s.deps.FreeAllowance,
		"maxDataItemSizeBytes":  s.deps.MaxItemBytes,
		"multipartChunkMinSize": int64(ingest.MultipartMinChunk),
		"multipartChunkMaxSize": int64(ingest.MultipartMaxChunk),
	})
}

// --- multipart ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Size      int64  `json:"size"`
		ChunkSize int64  `json:"chunkSize"`
		Owner     string `json:"owner"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "ClientMalformed", "bad session request body")
			return
		}
	}
	session, err := s.deps.Ingest.CreateSession(r.Context(), body.Owner, body.Size, body.ChunkSize)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	offset, err := strconv.ParseInt(chi.URLParam(r, "offset"), 10, 64)
	if err != nil || offset < 0 {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", "chunk offset must be a non-negative integer")
		return
	}
	if r.ContentLength <= 0 {
		s.mapError(w, ingest.ErrContentLengthRequired)
		return
	}
	etag, err := s.deps.Ingest.PutChunk(r.Context(), chi.URLParam(r, "id"), offset, r.Body, r.ContentLength)
	if err != nil {
		s.mapError(w, err)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf("%q", etag))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleFinalizeSession(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.deps.Ingest.FinalizeSession(r.Context(), chi.URLParam(r, "id"), submitOptions(r))
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeReceipt(w, receipt)
}

func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Ingest.AbortSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	session, chunks, err := s.deps.Ingest.SessionStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.mapError(w, err)
		return
	}
	received := make([]map[string]any, 0, len(chunks))
	for _, chunk := range chunks {
		received = append(received, map[string]any{
			"offset": chunk.Offset,
			"size":   chunk.Size,
			"etag":   chunk.ETag,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":        session.ID,
		"size":      session.Size,
		"chunkSize": session.ChunkSize,
		"state":     strings.ToUpper(session.State),
		"chunks":    received,
	})
}
