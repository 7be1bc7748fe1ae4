// Package server exposes the payment service HTTP surface: pricing quotes,
// the gasless payment protocol, top-ups, delegations, and the protected
// balance operations the upload service calls.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bundlegw/services/paymentd/arns"
	"bundlegw/services/paymentd/gasless"
	"bundlegw/services/paymentd/ledger"
	"bundlegw/services/paymentd/pricing"
	"bundlegw/services/paymentd/topup"
	"bundlegw/svcauth"
	"bundlegw/x402"
)

// Deps is the explicit wiring for the HTTP server. Tests supply fakes.
type Deps struct {
	Ledger   *ledger.Engine
	Pricing  *pricing.Engine
	Gasless  *gasless.Engine
	Fiat     *topup.Fiat
	Crypto   *topup.Crypto
	ArNS     *arns.Engine
	Verifier *svcauth.Verifier
	Log      *slog.Logger

	// Countries served by the fiat processor.
	Countries []string
}

// Server is the chi router plus its dependencies.
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
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/x402/price/{scheme}/{address}", s.handlePrice)
		r.Post("/x402/payment/{scheme}/{address}", s.handlePayment)

		r.Post("/account/balance/{scheme}", s.handleCryptoTopUp)
		r.Get("/top-up/{method}/{address}/{currency}/{amount}", s.handleFiatTopUp)
		r.Post("/stripe-webhook", s.handleStripeWebhook)

		r.Get("/balance", s.handleBalance)
		r.Get("/account/approvals/create", s.handleCreateApproval)
		r.Get("/account/approvals/list", s.handleListApprovals)
		r.Get("/account/approvals/revoke", s.handleRevokeApproval)

		r.Get("/arns/price/{intent}/{name}", s.handleArNSPrice)
		r.Post("/arns/purchase/{intent}/{name}", s.handleArNSPurchase)
		r.Get("/arns/purchase/{nonce}", s.handleArNSStatus)

		r.Get("/price/bytes/{bytes}", s.handlePriceBytes)
		r.Get("/price/{currency}/{amount}", s.handlePriceFiat)
		r.Get("/rates", s.handleRates)
		r.Get("/currencies", s.handleCurrencies)
		r.Get("/countries", s.handleCountries)

		// Inter-service surface, shared-secret protected.
		r.Group(func(r chi.Router) {
			r.Use(s.requireServiceAuth)
			r.Get("/reserve-balance/{scheme}/{address}", s.handleReserve)
			r.Get("/refund-balance/{scheme}/{address}", s.handleRefund)
			r.Get("/check-balance/{scheme}/{address}", s.handleCheck)
			r.Post("/x402/finalize", s.handleFinalize)
		})
	})

	s.router = r
	return s
}

// Handler returns the HTTP handler with tracing attached.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "paymentd")
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.deps.Log.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, apiError{Code: code, Message: message})
}

// mapError translates engine errors into the HTTP taxonomy.
func (s *Server) mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		s.writeError(w, http.StatusPaymentRequired, "InsufficientBalance", "insufficient balance")
	case errors.Is(err, gasless.ErrVerificationFailed):
		s.writeError(w, http.StatusUnprocessableEntity, "PaymentVerificationFailed", err.Error())
	case errors.Is(err, gasless.ErrSettlementFailed):
		s.writeError(w, http.StatusUnprocessableEntity, "PaymentSettlementFailed", err.Error())
	case errors.Is(err, gasless.ErrUnknownNetwork):
		s.writeError(w, http.StatusUnprocessableEntity, "PaymentVerificationFailed", err.Error())
	case errors.Is(err, gasless.ErrPaymentNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, arns.ErrPurchaseNotFound):
		s.writeError(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, x402.ErrMalformedPayment), errors.Is(err, arns.ErrBadIntent):
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusServiceUnavailable, "UpstreamUnavailable", "upstream deadline exceeded")
	default:
		s.deps.Log.Error("internal error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal", "internal error")
	}
}

// requireServiceAuth verifies the shared-secret HMAC on inter-service calls.
func (s *Server) requireServiceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(svcauth.MaxBodyForSignature)))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "ClientMalformed", "unreadable body")
			return
		}
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		if err := s.deps.Verifier.Verify(r, body); err != nil {
			s.writeError(w, http.StatusUnauthorized, "Unauthorized", "service authentication failed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- x402 ---

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	n, err := strconv.ParseInt(r.URL.Query().Get("bytes"), 10, 64)
	if err != nil || n <= 0 {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", "bytes query parameter required")
		return
	}
	resp, err := s.deps.Gasless.Requirements(r.Context(), n, address, r.URL.Path)
	if err != nil {
		s.mapError(w, err)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		s.writePaywall(w, resp, n)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// writePaywall renders the browser-facing payment page for quote requests.
func (s *Server) writePaywall(w http.ResponseWriter, resp *x402.RequirementsResponse, n int64) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	var b strings.Builder
	b.WriteString("<!doctype html><html><head><title>Payment required</title></head><body>")
	fmt.Fprintf(&b, "<h1>Payment required</h1><p>Uploading %d bytes requires payment on one of:</p><ul>", n)
	for _, req := range resp.Accepts {
		fmt.Fprintf(&b, "<li>%s: %s atomic units to %s</li>", req.Network, req.MaxAmountRequired, req.PayTo)
	}
	b.WriteString("</ul></body></html>")
	_, _ = io.WriteString(w, b.String())
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	scheme := chi.URLParam(r, "scheme")
	query := r.URL.Query()
	n, err := strconv.ParseInt(query.Get("bytes"), 10, 64)
	if err != nil || n <= 0 {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", "bytes query parameter required")
		return
	}

	header := r.Header.Get(x402.HeaderPayment)
	if header == "" {
		body, readErr := io.ReadAll(io.LimitReader(r.Body, x402.MaxHeaderBytes))
		if readErr == nil && len(body) > 0 {
			header = strings.TrimSpace(string(body))
		}
	}
	payload, err := x402.DecodePaymentHeader(header)
	if err != nil {
		s.mapError(w, err)
		return
	}

	mode := query.Get("mode")
	result, err := s.deps.Gasless.VerifyAndSettle(r.Context(), gasless.AcceptInput{
		Payload:       payload,
		DeclaredBytes: n,
		ItemID:        query.Get("dataItemId"),
		Mode:          mode,
		Scheme:        scheme,
	})
	if err != nil {
		s.mapError(w, err)
		return
	}
	settleHeader, err := x402.EncodeSettleResponse(result.Settle)
	if err == nil {
		w.Header().Set(x402.HeaderPaymentResponse, settleHeader)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"paymentId": result.PaymentID,
		"payer":     result.Payer,
		"winc":      result.Credits.String(),
		"tx":        result.Settle.Transaction,
	})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DataItemID      string `json:"dataItemId"`
		ActualByteCount int64  `json:"actualByteCount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DataItemID == "" {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", "dataItemId and actualByteCount required")
		return
	}
	outcome, err := s.deps.Gasless.Finalize(r.Context(), body.DataItemID, body.ActualByteCount)
	if errors.Is(err, gasless.ErrPaymentNotFound) {
		// No gasless record: the item was funded from ledger balance (or was
		// free). Absorb whatever reservation is held under it.
		if err := s.deps.Ledger.FinalizeItem(r.Context(), body.DataItemID); err != nil {
			s.mapError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{
			"status":   ledger.PaymentConfirmed,
			"refunded": "0",
		})
		return
	}
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":   outcome.Status,
		"refunded": outcome.Refunded.String(),
	})
}

// --- top-ups ---

func (s *Server) handleCryptoTopUp(w http.ResponseWriter, r *http.Request) {
	scheme := chi.URLParam(r, "scheme")
	var body struct {
		TxID    string `json:"tx_id"`
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TxID == "" || body.Address == "" {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", "tx_id and address required")
		return
	}
	result, err := s.deps.Crypto.Submit(r.Context(), scheme, body.Address, body.TxID)
	if err != nil && errors.Is(err, topup.ErrDepositRejected) {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", "deposit transaction invalid")
		return
	}
	if err != nil && result == nil {
		s.mapError(w, err)
		return
	}
	status := http.StatusAccepted
	if result.Status == ledger.DepositConfirmed {
		status = http.StatusOK
	}
	credits := "0"
	if result.Credits != nil {
		credits = result.Credits.String()
	}
	s.writeJSON(w, status, map[string]string{"status": result.Status, "winc": credits})
}

func (s *Server) handleFiatTopUp(w http.ResponseWriter, r *http.Request) {
	kind := topup.SessionKind(chi.URLParam(r, "method"))
	if kind != topup.KindCheckoutSession && kind != topup.KindPaymentIntent {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", "unknown top-up method")
		return
	}
	amount, err := strconv.ParseInt(chi.URLParam(r, "amount"), 10, 64)
	if err != nil || amount <= 0 {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", "amount must be a positive integer of minor units")
		return
	}
	session, err := s.deps.Fiat.Quote(r.Context(),
		kind,
		chi.URLParam(r, "address"),
		chi.URLParam(r, "currency"),
		amount,
		r.URL.Query()["promoCode"],
	)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", "unreadable body")
		return
	}
	if err := s.deps.Fiat.VerifyWebhookSignature(r.Header.Get("Stripe-Signature"), payload); err != nil {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized", "webhook signature invalid")
		return
	}
	if err := s.deps.Fiat.HandleWebhook(r.Context(), payload); err != nil {
		if errors.Is(err, topup.ErrQuoteNotFound) {
			s.writeError(w, http.StatusNotFound, "NotFound", err.Error())
			return
		}
		s.mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- balances and approvals ---

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", "address query parameter required")
		return
	}
	summary, err := s.deps.Ledger.Summary(r.Context(), address)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"spendable": summary.Spendable.String(),
		"owned":     summary.Owned.String(),
		"effective": summary.Effective.String(),
		"given":     delegationsJSON(summary.Given),
		"received":  delegationsJSON(summary.Received),
	})
}

func delegationsJSON(delegations []ledger.Delegation) []map[string]any {
	out := make([]map[string]any, 0, len(delegations))
	for _, d := range delegations {
		entry := map[string]any{
			"id":       d.ID,
			"grantor":  d.Grantor,
			"grantee":  d.Grantee,
			"approved": d.Approved.String(),
			"used":     d.Used.String(),
		}
		if d.ExpiresAt != nil {
			entry["expiresAt"] = d.ExpiresAt.UTC().Format(time.RFC3339)
		}
		out = append(out, entry)
	}
	return out
}

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	grantor := query.Get("grantor")
	grantee := query.Get("grantee")
	amount, ok := new(big.Int).SetString(query.Get("amount"), 10)
	if grantor == "" || grantee == "" || !ok {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", "grantor, grantee, and amount required")
		return
	}
	var expiresAt *time.Time
	if raw := query.Get("expiresAt"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "ClientMalformed", "expiresAt must be RFC3339")
			return
		}
		expiresAt = &parsed
	}
	id, err := s.deps.Ledger.CreateDelegation(r.Context(), grantor, grantee, amount, expiresAt)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id.String()})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", "address query parameter required")
		return
	}
	summary, err := s.deps.Ledger.Summary(r.Context(), address)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"given":    delegationsJSON(summary.Given),
		"received": delegationsJSON(summary.Received),
	})
}

func (s *Server) handleRevokeApproval(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	id, err := uuid.Parse(query.Get("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", "id query parameter required")
		return
	}
	if err := s.deps.Ledger.RevokeDelegation(r.Context(), query.Get("grantor"), id); err != nil {
		s.mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- protected inter-service surface ---

func (s *Server) reserveInput(r *http.Request) (ledger.ReserveInput, error) {
	query := r.URL.Query()
	n, err := strconv.ParseInt(query.Get("bytes"), 10, 64)
	if err != nil || n <= 0 {
		return ledger.ReserveInput{}, fmt.Errorf("bytes query parameter required")
	}
	address := chi.URLParam(r, "address")
	assessment, err := s.deps.Pricing.CreditsForBytes(r.Context(), n, address)
	if err != nil {
		return ledger.ReserveInput{}, err
	}
	directive := ledger.Directive(query.Get("directive"))
	if directive == "" {
		directive = ledger.DirectiveListOrSelf
	}
	return ledger.ReserveInput{
		Grantee:   address,
		Scheme:    chi.URLParam(r, "scheme"),
		Cost:      assessment.Net,
		PaidBy:    query["paidBy"],
		Directive: directive,
		ItemID:    query.Get("dataItemId"),
	}, nil
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	in, err := s.reserveInput(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", err.Error())
		return
	}
	result, err := s.deps.Ledger.Reserve(r.Context(), in)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"reservationId": result.ReservationID,
		"winc":          result.Amount.String(),
	})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	itemID := r.URL.Query().Get("dataItemId")
	if itemID == "" {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", "dataItemId query parameter required")
		return
	}
	if err := s.deps.Ledger.Refund(r.Context(), chi.URLParam(r, "address"), itemID); err != nil {
		s.mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	in, err := s.reserveInput(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", err.Error())
		return
	}
	result, err := s.deps.Ledger.Check(r.Context(), in)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sufficient": result.Sufficient,
		"cost":       result.Cost.String(),
		"spendable":  result.Spendable.String(),
	})
}

// --- name system ---

func (s *Server) handleArNSPrice(w http.ResponseWriter, r *http.Request) {
	quote, err := s.deps.ArNS.Price(r.Context(), chi.URLParam(r, "intent"), chi.URLParam(r, "name"))
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleArNSPurchase(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	owner := query.Get("address")
	if owner == "" {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", "address query parameter required")
		return
	}
	receipt, err := s.deps.ArNS.Buy(r.Context(),
		chi.URLParam(r, "intent"),
		chi.URLParam(r, "name"),
		owner,
		query.Get("nonce"),
		query["paidBy"],
	)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleArNSStatus(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.deps.ArNS.Status(r.Context(), chi.URLParam(r, "nonce"))
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, receipt)
}

// --- pricing tables ---

func (s *Server) handlePriceBytes(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseInt(chi.URLParam(r, "bytes"), 10, 64)
	if err != nil || n <= 0 {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", "bytes must be a positive integer")
		return
	}
	assessment, err := s.deps.Pricing.CreditsForBytes(r.Context(), n, r.URL.Query().Get("address"))
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"winc":        assessment.Net.String(),
		"adjustments": assessment.ReportableAdjustments(),
	})
}

func (s *Server) handlePriceFiat(w http.ResponseWriter, r *http.Request) {
	amount, ok := new(big.Float).SetString(chi.URLParam(r, "amount"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "ClientMalformed", "amount must be numeric")
		return
	}
	assessment, err := s.deps.Pricing.CreditsForFiat(r.Context(),
		amount,
		chi.URLParam(r, "currency"),
		r.URL.Query()["promoCode"],
		r.URL.Query().Get("address"),
	)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"winc":        assessment.Net.String(),
		"adjustments": assessment.ReportableAdjustments(),
	})
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	currencies := s.deps.Pricing.Rates().Currencies()
	rates := make(map[string]string, len(currencies))
	for _, currency := range currencies {
		rate, err := s.deps.Pricing.Rates().USDRate(currency)
		if err != nil {
			continue
		}
		rates[currency] = rate.Text('f', 6)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rates": rates})
}

func (s *Server) handleCurrencies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"supportedCurrencies": s.deps.Pricing.Rates().Currencies(),
	})
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"countries": s.deps.Countries})
}
