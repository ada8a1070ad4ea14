package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"naira-ramp/internal/domain"
	"naira-ramp/internal/metrics"
	"naira-ramp/internal/notify"
	"naira-ramp/internal/offramp"
	"naira-ramp/internal/onramp"
	"naira-ramp/internal/recon"
)

const maxBody = 64 << 10

// OnRampAPI is the on-ramp surface exposed over HTTP.
type OnRampAPI interface {
	Create(ctx context.Context, in onramp.CreateInput) (*domain.OnRampSession, error)
	Get(ctx context.Context, id string) (*domain.OnRampSession, error)
	List(ctx context.Context, status domain.OnRampStatus, limit int) ([]domain.OnRampSession, error)
	Approve(ctx context.Context, id, approver string) (*domain.OnRampSession, error)
	Reject(ctx context.Context, id, actor, reason string) (*domain.OnRampSession, error)
}

// OffRampAPI is the off-ramp surface exposed over HTTP.
type OffRampAPI interface {
	Create(ctx context.Context, in offramp.CreateInput) (*domain.OffRampRequest, error)
	Get(ctx context.Context, id string) (*domain.OffRampRequest, error)
	List(ctx context.Context, status domain.OffRampStatus, limit int) ([]domain.OffRampRequest, error)
	Approve(ctx context.Context, id, approver string) (*domain.OffRampRequest, error)
	Reject(ctx context.Context, id, actor, reason string) (*domain.OffRampRequest, error)
	RetryPayout(ctx context.Context, id, operator string) (*domain.OffRampRequest, error)
}

// Reconciler runs reconciliation on demand.
type Reconciler interface {
	Run(ctx context.Context, start, end time.Time) (*recon.Report, error)
	Last() *recon.Report
}

// Inbox lists operator notifications.
type Inbox interface {
	List(unreadOnly bool, limit int) []notify.Event
	MarkRead(id string) bool
}

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	PaystackWebhook http.Handler
}

// Dependencies exposes the services behind the API routes.
type Dependencies struct {
	OnRamp     OnRampAPI
	OffRamp    OffRampAPI
	Recon      Reconciler
	Inbox      Inbox
	AdminToken string
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr with health and metrics endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		handlers: handlers,
		basePath: normaliseBasePath(basePath),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /onramp", server.handleCreateOnRamp)
	mux.HandleFunc("GET /onramp/{id}", server.handleGetOnRamp)
	mux.HandleFunc("POST /offramp", server.handleCreateOffRamp)
	mux.HandleFunc("GET /offramp/{id}", server.handleGetOffRamp)

	mux.HandleFunc("GET /admin/onramp", server.admin(server.handleListOnRamp))
	mux.HandleFunc("POST /admin/onramp/{id}/approve", server.admin(server.handleApproveOnRamp))
	mux.HandleFunc("POST /admin/onramp/{id}/reject", server.admin(server.handleRejectOnRamp))
	mux.HandleFunc("GET /admin/offramp", server.admin(server.handleListOffRamp))
	mux.HandleFunc("POST /admin/offramp/{id}/approve", server.admin(server.handleApproveOffRamp))
	mux.HandleFunc("POST /admin/offramp/{id}/reject", server.admin(server.handleRejectOffRamp))
	mux.HandleFunc("POST /admin/offramp/{id}/retry-payout", server.admin(server.handleRetryPayout))
	mux.HandleFunc("POST /admin/reconcile", server.admin(server.handleReconcile))
	mux.HandleFunc("GET /admin/reconcile/last", server.admin(server.handleLastReport))
	mux.HandleFunc("GET /admin/notifications", server.admin(server.handleNotifications))
	mux.HandleFunc("POST /admin/notifications/{id}/read", server.admin(server.handleMarkRead))

	if handlers.PaystackWebhook != nil {
		mux.Handle("/webhooks/paystack", handlers.PaystackWebhook)
	}

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// SetDependencies makes dependencies accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Handler returns the root handler including the base path.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

type createOnRampRequest struct {
	UserID        string          `json:"user_id"`
	WalletAddress string          `json:"wallet_address"`
	FiatAmount    decimal.Decimal `json:"fiat_amount"`
	FiatCurrency  string          `json:"fiat_currency"`
	Stablecoin    string          `json:"stablecoin"`
	Email         string          `json:"email"`
}

func (s *Server) handleCreateOnRamp(w http.ResponseWriter, r *http.Request) {
	if s.deps.OnRamp == nil {
		http.Error(w, "onramp unavailable", http.StatusServiceUnavailable)
		return
	}
	var req createOnRampRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.deps.OnRamp.Create(r.Context(), onramp.CreateInput{
		UserID:        req.UserID,
		WalletAddress: req.WalletAddress,
		FiatAmount:    req.FiatAmount,
		FiatCurrency:  req.FiatCurrency,
		Stablecoin:    req.Stablecoin,
		Email:         req.Email,
	})
	if err != nil {
		s.writeError(w, "create onramp", err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, sess.View())
}

func (s *Server) handleGetOnRamp(w http.ResponseWriter, r *http.Request) {
	if s.deps.OnRamp == nil {
		http.Error(w, "onramp unavailable", http.StatusServiceUnavailable)
		return
	}
	sess, err := s.deps.OnRamp.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, "get onramp", err)
		return
	}
	writeJSON(w, sess.View())
}

type createOffRampRequest struct {
	UserID        string               `json:"user_id"`
	WalletAddress string               `json:"wallet_address"`
	TokenAmount   decimal.Decimal      `json:"token_amount"`
	Stablecoin    string               `json:"stablecoin"`
	FiatCurrency  string               `json:"fiat_currency"`
	PayoutMethod  domain.PayoutMethod  `json:"payout_method"`
	PayoutDetails domain.PayoutDetails `json:"payout_details"`
}

func (s *Server) handleCreateOffRamp(w http.ResponseWriter, r *http.Request) {
	if s.deps.OffRamp == nil {
		http.Error(w, "offramp unavailable", http.StatusServiceUnavailable)
		return
	}
	var req createOffRampRequest
	if !s.decode(w, r, &req) {
		return
	}
	created, err := s.deps.OffRamp.Create(r.Context(), offramp.CreateInput{
		UserID:        req.UserID,
		WalletAddress: req.WalletAddress,
		TokenAmount:   req.TokenAmount,
		Stablecoin:    req.Stablecoin,
		FiatCurrency:  req.FiatCurrency,
		PayoutMethod:  req.PayoutMethod,
		PayoutDetails: req.PayoutDetails,
	})
	if err != nil {
		s.writeError(w, "create offramp", err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, created.View())
}

func (s *Server) handleGetOffRamp(w http.ResponseWriter, r *http.Request) {
	if s.deps.OffRamp == nil {
		http.Error(w, "offramp unavailable", http.StatusServiceUnavailable)
		return
	}
	req, err := s.deps.OffRamp.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, "get offramp", err)
		return
	}
	writeJSON(w, req.View())
}

type decisionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleListOnRamp(w http.ResponseWriter, r *http.Request) {
	status := domain.OnRampAwaitingApproval
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, ok := domain.ParseOnRampStatus(raw)
		if !ok {
			s.writeError(w, "list onramp", fmt.Errorf("%w: unknown status %q", domain.ErrValidation, raw))
			return
		}
		status = parsed
	}
	items, err := s.deps.OnRamp.List(r.Context(), status, queryLimit(r))
	if err != nil {
		s.writeError(w, "list onramp", err)
		return
	}
	writeJSON(w, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleApproveOnRamp(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.deps.OnRamp.Approve(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		s.writeError(w, "approve onramp", err)
		return
	}
	writeJSON(w, sess)
}

func (s *Server) handleRejectOnRamp(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.deps.OnRamp.Reject(r.Context(), r.PathValue("id"), req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, "reject onramp", err)
		return
	}
	writeJSON(w, sess)
}

func (s *Server) handleListOffRamp(w http.ResponseWriter, r *http.Request) {
	status := domain.OffRampAwaitingApproval
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, ok := domain.ParseOffRampStatus(raw)
		if !ok {
			s.writeError(w, "list offramp", fmt.Errorf("%w: unknown status %q", domain.ErrValidation, raw))
			return
		}
		status = parsed
	}
	items, err := s.deps.OffRamp.List(r.Context(), status, queryLimit(r))
	if err != nil {
		s.writeError(w, "list offramp", err)
		return
	}
	writeJSON(w, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleApproveOffRamp(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.OffRamp.Approve(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		s.writeError(w, "approve offramp", err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleRejectOffRamp(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.OffRamp.Reject(r.Context(), r.PathValue("id"), req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, "reject offramp", err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleRetryPayout(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.OffRamp.RetryPayout(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		s.writeError(w, "retry payout", err)
		return
	}
	writeJSON(w, res)
}

type reconcileRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recon == nil {
		http.Error(w, "reconciliation unavailable", http.StatusServiceUnavailable)
		return
	}
	var req reconcileRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.End.IsZero() {
		req.End = time.Now().UTC()
	}
	if req.Start.IsZero() {
		req.Start = req.End.Add(-24 * time.Hour)
	}
	report, err := s.deps.Recon.Run(r.Context(), req.Start, req.End)
	if err != nil {
		s.writeError(w, "reconcile", err)
		return
	}
	writeJSON(w, report)
}

func (s *Server) handleLastReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recon == nil {
		http.Error(w, "reconciliation unavailable", http.StatusServiceUnavailable)
		return
	}
	report := s.deps.Recon.Last()
	if report == nil {
		http.Error(w, "no reconciliation has run", http.StatusNotFound)
		return
	}
	writeJSON(w, report)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.deps.Inbox == nil {
		http.Error(w, "notifications unavailable", http.StatusServiceUnavailable)
		return
	}
	unread, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	events := s.deps.Inbox.List(unread, queryLimit(r))
	writeJSON(w, map[string]any{"items": events, "count": len(events)})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if s.deps.Inbox == nil {
		http.Error(w, "notifications unavailable", http.StatusServiceUnavailable)
		return
	}
	if !s.deps.Inbox.MarkRead(r.PathValue("id")) {
		http.Error(w, "notification not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// admin guards operator routes with the static bearer token.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if s.deps.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminToken)) != 1 {
			s.writeError(w, "admin auth", domain.ErrAuthorization)
			return
		}
		if s.deps.OnRamp == nil || s.deps.OffRamp == nil {
			http.Error(w, "services unavailable", http.StatusServiceUnavailable)
			return
		}
		next(w, r)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	defer r.Body.Close()
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(dest)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	s.writeError(w, "decode body", fmt.Errorf("%w: malformed json: %v", domain.ErrValidation, err))
	return false
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "op", op, "error", err)
		s.metrics.Error("http")
	} else {
		s.logger.Debug("request rejected", "op", op, "error", err)
	}
	writeJSONStatus(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuthorization):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrStaleStatus),
		errors.Is(err, domain.ErrDuplicateDeposit),
		errors.Is(err, domain.ErrDuplicateMemo):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrIntegrityMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPaymentGateway),
		errors.Is(err, domain.ErrChainExecution),
		errors.Is(err, domain.ErrSubmissionUnknown):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
