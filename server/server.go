// Package server exposes the payment service over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"paylink/amount"
	"paylink/auth"
	"paylink/escrow"
	"paylink/limits"
	"paylink/models"
	"paylink/observability/metrics"
	"paylink/recipient"
	"paylink/relay"
	"paylink/send"
	"paylink/txledger"
	"paylink/userop"
)

// Server wires the HTTP routes to the domain components.
type Server struct {
	db      *gorm.DB
	router  *send.Router
	escrows *escrow.Ledger
	txs     *txledger.Ledger
	auth    *auth.Verifier
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Config collects the server's collaborators.
type Config struct {
	DB                  *gorm.DB
	Router              *send.Router
	Escrows             *escrow.Ledger
	Transactions        *txledger.Ledger
	Auth                *auth.Verifier
	Metrics             *metrics.Metrics
	Logger              *slog.Logger
	PublicRatePerMinute float64
}

// New constructs the server.
func New(cfg Config) *Server {
	s := &Server{
		db:      cfg.DB,
		router:  cfg.Router,
		escrows: cfg.Escrows,
		txs:     cfg.Transactions,
		auth:    cfg.Auth,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	return s
}

// Handler builds the chi route tree.
func (s *Server) Handler(publicRatePerMinute float64) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.durationMiddleware)

	limiter := newRateLimiter(publicRatePerMinute)

	r.Group(func(public chi.Router) {
		public.Use(limiter.middleware)
		public.Get("/v1/recipients/preview", s.handlePreviewRecipient)
		public.Get("/v1/claims/{trackingID}", s.handleTrackingView)
		public.Post("/v1/claims/{trackingID}/engagement", s.handleEngagement)
	})

	r.Group(func(private chi.Router) {
		private.Use(s.auth.Middleware)
		private.Post("/v1/send", s.handleSend)
		private.Get("/v1/escrows", s.handleListEscrows)
		private.Post("/v1/escrows/{id}/claim", s.handleClaim)
		private.Post("/v1/claims/{trackingID}/claim", s.handleClaim)
		private.Post("/v1/escrows/{id}/cancel", s.handleCancel)
		private.Get("/v1/transactions/{id}", s.handleGetTransaction)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	return r
}

// durationMiddleware observes handler latency by matched route pattern and
// response status.
func (s *Server) durationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RequestDuration.
			WithLabelValues(route, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

type transactionView struct {
	ID            string  `json:"id"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	Amount        string  `json:"amount"`
	TxHash        string  `json:"txHash,omitempty"`
	Sponsored     bool    `json:"sponsored"`
	FailureReason string  `json:"failureReason,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	CompletedAt   *string `json:"completedAt,omitempty"`
}

type escrowView struct {
	ID         string `json:"id"`
	TrackingID string `json:"trackingId"`
	Channel    string `json:"channel"`
	Recipient  string `json:"recipient"`
	Amount     string `json:"amount"`
	Message    string `json:"message,omitempty"`
	Status     string `json:"status"`
	ExpiresAt  string `json:"expiresAt"`
	CreatedAt  string `json:"createdAt"`
}

func viewTransaction(tx *models.Transaction) *transactionView {
	if tx == nil {
		return nil
	}
	v := &transactionView{
		ID:            tx.ID.String(),
		Type:          string(tx.Type),
		Status:        string(tx.Status),
		Amount:        amount.Format(tx.AmountMicros),
		TxHash:        tx.TxHash,
		Sponsored:     tx.Sponsored,
		FailureReason: tx.FailureReason,
		CreatedAt:     tx.CreatedAt.UTC().Format(time.RFC3339),
	}
	if tx.CompletedAt != nil {
		completed := tx.CompletedAt.UTC().Format(time.RFC3339)
		v.CompletedAt = &completed
	}
	return v
}

func viewEscrow(e *models.EscrowPayment) *escrowView {
	if e == nil {
		return nil
	}
	return &escrowView{
		ID:         e.ID.String(),
		TrackingID: e.TrackingID,
		Channel:    string(e.Channel),
		Recipient:  e.RecipientIdentifier,
		Amount:     amount.Format(e.AmountMicros),
		Message:    e.Message,
		Status:     string(e.Status),
		ExpiresAt:  e.ExpiresAt.UTC().Format(time.RFC3339),
		CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handlePreviewRecipient(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("q"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "q parameter is required")
		return
	}
	rec := recipient.Classify(raw)
	resp := map[string]interface{}{
		"kind":           string(rec.Kind),
		"normalized":     rec.Normalized,
		"explanation":    rec.Explanation,
		"requiresEscrow": rec.Valid() && rec.Kind != recipient.KindWallet,
	}
	if rawAmount := strings.TrimSpace(r.URL.Query().Get("amount")); rawAmount != "" {
		micros, err := amount.Parse(rawAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		resp["amount"] = amount.Format(micros)
	}
	writeJSON(w, http.StatusOK, resp)
}

type sendBody struct {
	Recipient      string `json:"recipient"`
	Amount         string `json:"amount"`
	Message        string `json:"message,omitempty"`
	ExpirationDays int    `json:"expirationDays,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var body sendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.router.Send(r.Context(), send.Request{
		SenderAccountID: claims.AccountID,
		Recipient:       body.Recipient,
		Amount:          body.Amount,
		Message:         body.Message,
		ExpirationDays:  body.ExpirationDays,
		IdempotencyKey:  strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		s.metrics.SendsTotal.WithLabelValues(methodLabel(body.Recipient), "error").Inc()
		s.writeMappedError(w, err)
		return
	}
	s.metrics.SendsTotal.WithLabelValues(strings.ToLower(string(result.Method)), "ok").Inc()

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	resp := map[string]interface{}{
		"method":      string(result.Method),
		"transaction": viewTransaction(result.Transaction),
	}
	if result.Escrow != nil {
		resp["escrow"] = viewEscrow(result.Escrow)
		resp["trackingId"] = result.TrackingID
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	payments, err := s.escrows.ListBySender(r.Context(), claims.AccountID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	views := make([]*escrowView, 0, len(payments))
	for i := range payments {
		views = append(views, viewEscrow(&payments[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"escrows": views})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	escrowID, err := s.resolveEscrowID(r)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	result, err := s.escrows.Claim(r.Context(), escrowID, claims.AccountID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.metrics.EscrowTransitions.WithLabelValues(string(models.EscrowClaimed)).Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"escrow":      viewEscrow(result.Escrow),
		"transaction": viewTransaction(result.Transaction),
	})
}

// resolveEscrowID accepts either the internal escrow uuid or the tracking
// token. Claim links carry only the token, so that is all a recipient has.
func (s *Server) resolveEscrowID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	if raw == "" {
		raw = chi.URLParam(r, "trackingID")
	}
	if id, err := uuid.Parse(raw); err == nil {
		return id, nil
	}
	payment, err := s.escrows.FindByTrackingID(r.Context(), raw)
	if err != nil {
		return uuid.Nil, err
	}
	return payment.ID, nil
}

type cancelBody struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	escrowID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}
	var body cancelBody
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	result, err := s.escrows.Cancel(r.Context(), escrowID, claims.AccountID, body.Reason)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.metrics.EscrowTransitions.WithLabelValues(string(models.EscrowCancelled)).Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"escrow":      viewEscrow(result.Escrow),
		"transaction": viewTransaction(result.Transaction),
	})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	txID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction id")
		return
	}
	tx, err := s.txs.Get(r.Context(), txID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if tx.SenderAccountID != claims.AccountID {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transaction": viewTransaction(tx)})
}

func (s *Server) handleTrackingView(w http.ResponseWriter, r *http.Request) {
	view, err := s.escrows.GetByTrackingID(r.Context(), chi.URLParam(r, "trackingID"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type engagementBody struct {
	State string `json:"state"`
}

var engagementStates = map[string]models.EscrowStatus{
	"DELIVERED": models.EscrowDelivered,
	"OPENED":    models.EscrowOpened,
	"CLICKED":   models.EscrowClicked,
}

func (s *Server) handleEngagement(w http.ResponseWriter, r *http.Request) {
	var body engagementBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	state, ok := engagementStates[strings.ToUpper(strings.TrimSpace(body.State))]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown engagement state")
		return
	}
	payment, err := s.escrows.FindByTrackingID(r.Context(), chi.URLParam(r, "trackingID"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if _, err := s.escrows.RecordEngagement(r.Context(), payment.TrackingID, state); err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.metrics.EscrowTransitions.WithLabelValues(string(state)).Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	status := mapError(err)
	if status >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, publicMessage(err, status))
}

func mapError(err error) int {
	switch {
	case errors.Is(err, send.ErrValidation),
		errors.Is(err, escrow.ErrUnsupportedChannel):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrInsufficientFunds),
		errors.Is(err, userop.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, escrow.ErrClaimantMismatch),
		errors.Is(err, escrow.ErrNotSender):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, txledger.ErrNotFound),
		errors.Is(err, send.ErrSenderNotFound),
		errors.Is(err, escrow.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrAlreadyClaimed),
		errors.Is(err, escrow.ErrAlreadyCancelled),
		errors.Is(err, escrow.ErrExpired),
		errors.Is(err, txledger.ErrInvalidTransition),
		errors.Is(err, send.ErrIdempotencyConflict),
		errors.Is(err, send.ErrIdempotencyInFlight):
		return http.StatusConflict
	case errors.Is(err, limits.ErrPerTransactionLimit),
		errors.Is(err, limits.ErrDailyLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, relay.ErrUnavailable),
		errors.Is(err, userop.ErrFeesUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(err error, status int) string {
	if status >= 500 {
		return http.StatusText(status)
	}
	return err.Error()
}

func methodLabel(raw string) string {
	return strings.ToLower(string(recipient.Classify(raw).Kind))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// ListenAndServe runs the HTTP server until the listener fails.
func (s *Server) ListenAndServe(port string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              ":" + strings.TrimPrefix(port, ":"),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("http server listening", "addr", srv.Addr)
	return srv.ListenAndServe()
}
