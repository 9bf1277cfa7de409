package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatguard/internal/agent"
	"chatguard/internal/bus"
	"chatguard/internal/inspect"
	"chatguard/internal/metrics"
	"chatguard/internal/policy"
	"chatguard/internal/prompts"
	"chatguard/internal/provider"
)

const (
	maxBodySize     = 1 << 20 // 1MB
	shutdownTimeout = 5 * time.Second
)

// Server exposes the chat, settings and inference JSON API.
type Server struct {
	host         string
	port         int
	apiKey       string
	readTimeout  time.Duration
	writeTimeout time.Duration
	version      string
	defaultModel string

	orch       *agent.Orchestrator
	policy     agent.PolicyEditor
	models     func() []string
	samples    *prompts.Catalog
	ping       func(ctx context.Context) error
	events     *bus.EventBus
	httpClient *http.Client
	limiter    *ipLimiter
	logger     *slog.Logger
	server     *http.Server
}

type ServerConfig struct {
	Host               string
	Port               int
	APIKey             string
	RateLimitPerMinute int
	RateLimitBurst     int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	Version            string
	DefaultModel       string

	Orchestrator *agent.Orchestrator
	Policy       agent.PolicyEditor
	Models       func() []string
	Samples      *prompts.Catalog
	// Ping reports storage health for /health. Optional.
	Ping func(ctx context.Context) error
	// Events backs /api/events. Optional.
	Events *bus.EventBus
	// HTTPClient is used by adapters built from inference request headers.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 180 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Samples == nil {
		cfg.Samples = prompts.Default()
	}
	if cfg.Models == nil {
		cfg.Models = func() []string { return nil }
	}
	return &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		apiKey:       cfg.APIKey,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		version:      cfg.Version,
		defaultModel: cfg.DefaultModel,
		orch:         cfg.Orchestrator,
		policy:       cfg.Policy,
		models:       cfg.Models,
		samples:      cfg.Samples,
		ping:         cfg.Ping,
		events:       cfg.Events,
		httpClient:   cfg.HTTPClient,
		limiter:      newIPLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
		logger:       cfg.Logger,
	}
}

// Handler returns the routed handler. Everything under /api/ requires the
// bearer key when one is configured and is rate limited per client address.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.guard(s.handleChat))
	mux.HandleFunc("POST /api/chat/clear", s.guard(s.handleClear))
	mux.HandleFunc("GET /api/chat/history", s.guard(s.handleHistory))
	mux.HandleFunc("GET /api/settings", s.guard(s.handleGetSettings))
	mux.HandleFunc("PUT /api/settings", s.guard(s.handlePutSettings))
	mux.HandleFunc("POST /api/inference", s.guard(s.handleInference))
	mux.HandleFunc("GET /api/models", s.guard(s.handleModels))
	mux.HandleFunc("GET /api/samples", s.guard(s.handleSamples))
	mux.HandleFunc("GET /api/events", s.guard(s.handleEvents))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Collector.Handler())
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	if s.limiter != nil {
		go s.sweepLimiters(ctx)
	}

	s.logger.Info("HTTP server started", "addr", "http://"+addr, "auth", s.apiKey != "")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) sweepLimiters(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.sweep(); n > 0 {
				s.logger.Debug("dropped idle rate limiters", "count", n)
			}
		}
	}
}

// guard wraps an API handler with bearer auth and rate limiting.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
				writeError(rw, http.StatusUnauthorized, "invalid API key")
				return
			}
		}
		if !s.limiter.Allow(clientAddr(r)) {
			metrics.RateLimited.Inc()
			rw.Header().Set("Retry-After", "60")
			writeError(rw, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(rw, r)
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Model     string `json:"model"`
	Document  string `json:"document"`
}

type chatResponse struct {
	SessionID string      `json:"session_id"`
	State     agent.State `json:"state"`
	Outcome   any         `json:"outcome"`
}

func (s *Server) handleChat(rw http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(rw, r, &req) {
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	req.Model = strings.TrimSpace(req.Model)
	if req.Model == "" {
		req.Model = s.defaultModel
	}

	res, err := s.orch.Submit(r.Context(), agent.Turn{
		SessionID: req.SessionID,
		Prompt:    req.Message,
		Model:     req.Model,
		Document:  req.Document,
	})
	if err != nil {
		if errors.Is(err, agent.ErrTurnInFlight) {
			writeJSON(rw, http.StatusConflict, map[string]string{"status": "ignored"})
			return
		}
		s.writeTurnError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, chatResponse{SessionID: req.SessionID, State: res.State, Outcome: res.Outcome})
}

// writeTurnError maps a pre-flight rejection to a response.
func (s *Server) writeTurnError(rw http.ResponseWriter, err error) {
	var ce *policy.ConfigError
	var ue *provider.UnsupportedError
	switch {
	case errors.As(err, &ce):
		writeError(rw, http.StatusBadRequest, ce.UserMessage())
	case errors.As(err, &ue):
		writeError(rw, http.StatusBadRequest, ue.UserMessage())
	case errors.Is(err, provider.ErrUnknownModel), errors.Is(err, agent.ErrEmptyPrompt):
		writeError(rw, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("turn failed to start", "err", err)
		writeError(rw, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleClear(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !decodeBody(rw, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(rw, http.StatusBadRequest, "session_id is required")
		return
	}
	if err := s.orch.Clear(r.Context(), req.SessionID); err != nil {
		s.logger.Error("clear session failed", "session", req.SessionID, "err", err)
		writeError(rw, http.StatusInternalServerError, "clear failed")
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleHistory(rw http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		writeError(rw, http.StatusBadRequest, "session_id is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	hist, err := s.orch.History(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("load history failed", "session", id, "err", err)
		writeError(rw, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"session_id": id, "turns": nonNil(hist)})
}

// handleEvents returns the newest audit events, optionally of one type.
func (s *Server) handleEvents(rw http.ResponseWriter, r *http.Request) {
	var events []bus.Event
	if s.events != nil {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 100
		}
		events = s.events.Recent(r.URL.Query().Get("type"), limit)
	}
	writeJSON(rw, http.StatusOK, map[string]any{"events": nonNil(events)})
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// maskedSettings is the settings view returned to clients.
func maskedSettings(cfg policy.Config) policy.Config {
	if cfg.InspectionAPIKey != "" {
		cfg.InspectionAPIKey = inspect.MaskKey(cfg.InspectionAPIKey)
	}
	return cfg
}

func (s *Server) handleGetSettings(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, maskedSettings(s.policy.Snapshot()))
}

// handlePutSettings replaces the settings. An empty or still masked API key
// keeps the stored one.
func (s *Server) handlePutSettings(rw http.ResponseWriter, r *http.Request) {
	var next policy.Config
	if !decodeBody(rw, r, &next) {
		return
	}
	cur := s.policy.Snapshot()
	if next.Mode == "" {
		next.Mode = cur.Mode
	}
	if next.InspectionAPIKey == "" || next.InspectionAPIKey == inspect.MaskKey(cur.InspectionAPIKey) {
		next.InspectionAPIKey = cur.InspectionAPIKey
	}
	if next.InspectionServer == "" {
		next.InspectionServer = cur.InspectionServer
	}
	if next.PromptRouting == "" {
		next.PromptRouting = cur.PromptRouting
	}
	if next.Rules == nil {
		next.Rules = cur.Rules
	}

	if err := s.policy.Update(r.Context(), next); err != nil {
		var ce *policy.ConfigError
		if errors.As(err, &ce) {
			writeError(rw, http.StatusBadRequest, ce.UserMessage())
			return
		}
		s.logger.Error("save settings failed", "err", err)
		writeError(rw, http.StatusInternalServerError, "save failed")
		return
	}
	s.logger.Info("settings updated", "mode", next.Mode, "rules", len(next.EnabledRules()))
	writeJSON(rw, http.StatusOK, maskedSettings(s.policy.Snapshot()))
}

func (s *Server) handleModels(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"default": s.defaultModel, "models": nonNil(s.models())})
}

func (s *Server) handleSamples(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.samples)
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func decodeBody(rw http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "bad request")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(rw, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}
