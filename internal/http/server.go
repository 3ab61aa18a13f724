package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"tradegate/internal/audit"
	"tradegate/internal/config"
	"tradegate/internal/domain"
	"tradegate/internal/service/assistant"
	"tradegate/internal/service/pipeline"
	"tradegate/internal/service/risk"
	storepkg "tradegate/internal/store"
)

type Server struct {
	cfg       config.Config
	pipeline  *pipeline.Pipeline
	store     storepkg.Store
	hub       *Hub
	assistant *assistant.Gateway
	logger    *zap.Logger
}

// NewServer wires the HTTP surface. gateway may be nil, in which case the
// /ai routes are not mounted at all.
func NewServer(
	cfg config.Config,
	p *pipeline.Pipeline,
	store storepkg.Store,
	hub *Hub,
	gateway *assistant.Gateway,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hub == nil {
		hub = NewHub(logger)
	}
	return &Server{
		cfg:       cfg,
		pipeline:  p,
		store:     store,
		hub:       hub,
		assistant: gateway,
		logger:    logger.Named("http"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/api/login", s.handleLogin)

	r.Group(func(protected chi.Router) {
		protected.Use(s.requireAuth)
		protected.Get("/api/status", s.handleStatus)
		protected.Get("/api/strategies", s.handleStrategies)
		protected.Get("/api/journal/trades", s.handleTrades)
		protected.Get("/api/performance/summary", s.handlePerformance)
		protected.Post("/api/commands", s.handleSubmit)
		protected.Post("/api/commands/{id}/confirm", s.handleConfirm)
		protected.Get("/api/audit", s.handleListAudit)
		protected.Get("/api/audit/stream", s.handleAuditStream)

		protected.Group(func(admin chi.Router) {
			admin.Use(requireRole(RoleAdmin))
			admin.Post("/api/config", s.handleConfig)
			if s.assistant != nil {
				admin.Post("/ai/interpret", s.handleInterpret)
				admin.Post("/ai/confirm", s.handleAIConfirm)
			}
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.cfg.AdminUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.AdminPassword)) == 1
	if !userOK || !passOK {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := SignToken(s.cfg.JWTSecret, req.Username, RoleAdmin, s.cfg.TokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
		"type":       "Bearer",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Status())
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	state := s.pipeline.Strategies()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"allowed": state.AllowedKeys,
		"default": state.DefaultKey,
		"active":  state.ActiveKey,
	})
}

// handleConfig switches the active strategy through the full pipeline and
// returns the read-back key.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	var req struct {
		ActiveStrategyKey string `json:"active_strategy_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.pipeline.SwitchStrategy(r.Context(), p.Origin(), p.Session, req.ActiveStrategyKey)
	if err != nil {
		writeCommandError(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":                  true,
		"command_id":          res.Command.ID,
		"active_strategy_key": res.Strategy.ActiveKey,
		"allowed":             res.Strategy.AllowedKeys,
	})
}

type tradeView struct {
	ID                string       `json:"trade_id"`
	CommandID         string       `json:"command_id"`
	AccountIDRedacted string       `json:"account_id_redacted"`
	Instrument        string       `json:"instrument"`
	Side              domain.Side  `json:"side"`
	Size              float64      `json:"size"`
	EntryPrice        float64      `json:"entry_price"`
	ExitPrice         float64      `json:"exit_price"`
	PnL               float64      `json:"pnl"`
	Venue             domain.Venue `json:"venue"`
	OpenedAt          time.Time    `json:"opened_at"`
	ClosedAt          time.Time    `json:"closed_at"`
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), storepkg.DefaultListLimit)
	trades, err := s.store.ListTrades(r.Context(), limit)
	if err != nil {
		s.logger.Error("list trades failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read trade journal")
		return
	}
	out := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradeView{
			ID:                t.ID,
			CommandID:         t.CommandID,
			AccountIDRedacted: audit.RedactAccountID(t.AccountID),
			Instrument:        t.Instrument,
			Side:              t.Side,
			Size:              t.Size,
			EntryPrice:        t.EntryPrice,
			ExitPrice:         t.ExitPrice,
			PnL:               t.PnL,
			Venue:             t.Venue,
			OpenedAt:          t.OpenedAt,
			ClosedAt:          t.ClosedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"trades": out,
		"count":  len(out),
	})
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTrades(r.Context(), 1000)
	if err != nil {
		s.logger.Error("list trades failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read trade journal")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		risk.PerformanceSummary
	}{OK: true, PerformanceSummary: risk.Summarize(trades)})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	var req struct {
		Kind domain.CommandKind `json:"kind"`
		Args domain.CommandArgs `json:"args"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.pipeline.Submit(r.Context(), pipeline.Request{
		Origin:    p.Origin(),
		Kind:      req.Kind,
		Args:      req.Args,
		SessionID: p.Session,
	})
	if err != nil {
		writeCommandError(w, res, err)
		return
	}
	status := http.StatusAccepted
	if res.State == domain.StateSucceeded {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	var req struct {
		Token                  string `json:"token"`
		LiveConfirmationPhrase string `json:"live_confirmation_phrase"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.pipeline.Confirm(r.Context(), p.Session, domain.Confirmation{
		CommandID:              chi.URLParam(r, "id"),
		SuppliedToken:          req.Token,
		LiveConfirmationPhrase: req.LiveConfirmationPhrase,
	})
	if err != nil {
		writeCommandError(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), storepkg.DefaultListLimit)
	records, err := s.store.ListAudit(r.Context(), limit)
	if err != nil {
		s.logger.Error("list audit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

func (s *Server) handleInterpret(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reply, err := s.assistant.Interpret(r.Context(), p.Session, req.Message)
	if err != nil {
		writeCommandError(w, pipeline.Result{}, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleAIConfirm(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	var conf domain.Confirmation
	if err := decodeJSON(r, &conf); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.assistant.Confirm(r.Context(), p.Session, conf)
	if err != nil {
		writeCommandError(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StatusFor maps an error kind onto the HTTP status returned to callers.
func StatusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrRateLimited, domain.ErrCooldown:
		return http.StatusTooManyRequests
	case domain.ErrPolicyViolation, domain.ErrConfirmationMismatch:
		return http.StatusConflict
	case domain.ErrPreviewExpired:
		return http.StatusGone
	case domain.ErrModeGateDenied:
		return http.StatusForbidden
	case domain.ErrUnknownStrategy:
		return http.StatusNotFound
	case domain.ErrInvalidCommand:
		return http.StatusBadRequest
	case domain.ErrExecutionTimeout:
		return http.StatusGatewayTimeout
	case domain.ErrExecutionFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeCommandError(w http.ResponseWriter, res pipeline.Result, err error) {
	kind := domain.KindOf(err)
	var de *domain.Error
	if !errors.As(err, &de) {
		kind = domain.ErrExecutionFailed
	}
	body := map[string]interface{}{
		"error":  kind,
		"reason": domain.ReasonOf(err),
	}
	if res.Command.ID != "" {
		body["command_id"] = res.Command.ID
	}
	if res.State != "" {
		body["state"] = res.State
	}
	if res.AuditID != "" {
		body["audit_id"] = res.AuditID
	}
	writeJSON(w, StatusFor(kind), body)
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func decodeJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
