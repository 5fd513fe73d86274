// Package api serves the gateway's admin HTTP surface: channel control,
// sends, delivery history, statistics, contacts, and templates, plus the
// health and metrics endpoints.
package api

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

	"zapmail/internal/config"
	"zapmail/internal/domain"
	"zapmail/internal/metrics"
	"zapmail/internal/router"
	"zapmail/internal/template"
)

const maxBodySize = 1 << 20 // 1MB

// Server is the admin HTTP API. Routes under /api require the bearer token
// when one is configured; /healthz and the metrics endpoint stay open.
type Server struct {
	host        string
	port        int
	authToken   string
	metricsOn   bool
	metricsPath string
	router      *router.Router
	templates   *template.Registry
	logger      *slog.Logger
	server      *http.Server
}

type Config struct {
	API       config.APIConfig
	Metrics   config.MetricsConfig
	Router    *router.Router
	Templates *template.Registry
	Logger    *slog.Logger
}

func New(cfg Config) *Server {
	path := cfg.Metrics.Endpoint
	if path == "" {
		path = "/metrics"
	}
	return &Server{
		host:        cfg.API.Host,
		port:        cfg.API.Port,
		authToken:   cfg.API.AuthToken,
		metricsOn:   cfg.Metrics.Enabled,
		metricsPath: path,
		router:      cfg.Router,
		templates:   cfg.Templates,
		logger:      cfg.Logger,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth) // public endpoint
	if s.metricsOn {
		mux.Handle("GET "+s.metricsPath, metrics.Default.Handler())
	}

	mux.HandleFunc("GET /api/status", s.requireAuth(s.handleStatus))
	mux.HandleFunc("POST /api/connect", s.requireAuth(s.handleConnect))
	mux.HandleFunc("POST /api/disconnect", s.requireAuth(s.handleDisconnect))
	mux.HandleFunc("POST /api/send", s.requireAuth(s.handleSend))
	mux.HandleFunc("POST /api/send-bulk", s.requireAuth(s.handleSendBulk))
	mux.HandleFunc("GET /api/history", s.requireAuth(s.handleHistory))
	mux.HandleFunc("GET /api/statistics", s.requireAuth(s.handleStatistics))
	mux.HandleFunc("GET /api/contacts", s.requireAuth(s.handleContacts))
	mux.HandleFunc("GET /api/templates", s.requireAuth(s.handleTemplates))
	mux.HandleFunc("POST /api/templates/render", s.requireAuth(s.handleRenderTemplate))
	return mux
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // bulk sends pace out their envelopes
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("admin API started", "addr", addr, "auth", s.authToken != "")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes the server immediately. Cancelling the Start context drains
// in-flight requests instead.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// requireAuth wraps a handler with bearer-token auth when a token is configured.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next(rw, r)
			return
		}
		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if !strings.HasPrefix(auth, "Bearer ") ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			s.writeError(rw, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next(rw, r)
	}
}

func (s *Server) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	s.writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	s.writeJSON(rw, http.StatusOK, map[string]any{
		"channels": s.router.StatusAll(r.Context()),
	})
}

// handleConnect brings a channel up. A qr_required landing is a success:
// the response carries the QR payload for the operator to scan.
func (s *Server) handleConnect(rw http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if req.Channel == "" {
		s.writeError(rw, http.StatusBadRequest, "channel is required")
		return
	}

	state, err := s.router.Connect(r.Context(), req.Channel)
	if err != nil {
		if errors.Is(err, router.ErrUnknownChannel) {
			s.writeError(rw, http.StatusNotFound, err.Error())
			return
		}
		s.writeJSON(rw, http.StatusBadGateway, map[string]any{
			"state": state,
			"error": err.Error(),
		})
		return
	}

	status, _ := s.router.Status(r.Context(), req.Channel)
	s.writeJSON(rw, http.StatusOK, status)
}

func (s *Server) handleDisconnect(rw http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if req.Channel == "" {
		s.writeError(rw, http.StatusBadRequest, "channel is required")
		return
	}

	if err := s.router.Disconnect(r.Context(), req.Channel); err != nil {
		if errors.Is(err, router.ErrUnknownChannel) {
			s.writeError(rw, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(rw, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(rw, http.StatusOK, map[string]string{
		"channel": req.Channel,
		"state":   string(domain.StateDisconnected),
	})
}

// handleSend dispatches one envelope and answers 200 with the outcome,
// success or not. Only a malformed request is a client error.
func (s *Server) handleSend(rw http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(rw, http.StatusBadRequest, err.Error())
		return
	}

	env, err := s.envelopeFrom(req)
	if err != nil {
		s.writeError(rw, http.StatusBadRequest, err.Error())
		return
	}

	result := s.router.Send(r.Context(), env, req.Channel)
	s.writeJSON(rw, http.StatusOK, sendResponse{
		EnvelopeID: env.ID,
		Status:     router.StatusFor(result),
		Result:     result,
	})
}

func (s *Server) handleSendBulk(rw http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(rw, http.StatusBadRequest, "messages is empty")
		return
	}

	envelopes := make([]domain.Envelope, 0, len(req.Messages))
	for i, m := range req.Messages {
		env, err := s.envelopeFrom(m)
		if err != nil {
			s.writeError(rw, http.StatusBadRequest, fmt.Sprintf("message %d: %v", i, err))
			return
		}
		envelopes = append(envelopes, env)
	}

	results := s.router.SendBulk(r.Context(), envelopes)

	out := make([]sendResponse, len(results))
	sent := 0
	for i, res := range results {
		out[i] = sendResponse{
			EnvelopeID: envelopes[i].ID,
			Status:     router.StatusFor(res),
			Result:     res,
		}
		if res.Success {
			sent++
		}
	}
	s.writeJSON(rw, http.StatusOK, bulkResponse{Sent: sent, Total: len(results), Results: out})
}

func (s *Server) handleHistory(rw http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50)
	records, err := s.router.History(r.Context(), limit)
	if err != nil {
		s.writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(rw, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

func (s *Server) handleStatistics(rw http.ResponseWriter, r *http.Request) {
	days := intQuery(r, "days", 7)
	stats, err := s.router.Statistics(r.Context(), days)
	if err != nil {
		s.writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(rw, http.StatusOK, stats)
}

func (s *Server) handleContacts(rw http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("channel")
	if name == "" {
		name = s.router.DefaultChannel()
	}

	contacts, err := s.router.Contacts(r.Context(), name)
	if err != nil {
		if errors.Is(err, router.ErrUnknownChannel) {
			s.writeError(rw, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(rw, http.StatusOK, map[string]any{
		"channel":  name,
		"contacts": contacts,
		"count":    len(contacts),
	})
}

func (s *Server) handleTemplates(rw http.ResponseWriter, _ *http.Request) {
	s.writeJSON(rw, http.StatusOK, map[string]any{
		"templates": s.templates.List(),
	})
}

func (s *Server) handleRenderTemplate(rw http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if req.Template == "" {
		s.writeError(rw, http.StatusBadRequest, "template is required")
		return
	}
	if _, ok := s.templates.Get(req.Template); !ok {
		s.writeError(rw, http.StatusNotFound, fmt.Sprintf("unknown template: %q", req.Template))
		return
	}

	text, err := s.templates.Render(req.Template, req.Variables)
	if err != nil {
		s.writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(rw, http.StatusOK, map[string]string{
		"template": req.Template,
		"text":     text,
	})
}

// envelopeFrom builds a pending envelope from a send request, rendering the
// named template into the content text when one is given.
func (s *Server) envelopeFrom(req sendRequest) (domain.Envelope, error) {
	content := req.Content
	if req.Template != "" {
		text, err := s.templates.Render(req.Template, req.Variables)
		if err != nil {
			return domain.Envelope{}, err
		}
		content.Text = text
	}

	env := domain.NewEnvelope(req.Recipients, content)
	if req.Kind != "" {
		env.Kind = req.Kind
	}
	if req.Priority != "" {
		env.Priority = req.Priority
	}
	return env, nil
}

func (s *Server) writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		s.logger.Warn("encode response", "err", err)
	}
}

func (s *Server) writeError(rw http.ResponseWriter, code int, msg string) {
	s.writeJSON(rw, code, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %v", err)
	}
	return nil
}

func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// --- Request/response types ---

type channelRequest struct {
	Channel string `json:"channel"`
}

type sendRequest struct {
	Recipients []domain.Recipient `json:"recipients"`
	Content    domain.Content     `json:"content"`
	Kind       domain.MessageKind `json:"kind,omitempty"`
	Priority   domain.Priority    `json:"priority,omitempty"`
	Channel    string             `json:"channel,omitempty"`
	Template   string             `json:"template,omitempty"`
	Variables  map[string]string  `json:"variables,omitempty"`
}

type sendResponse struct {
	EnvelopeID string            `json:"envelopeId"`
	Status     domain.Status     `json:"status"`
	Result     domain.SendResult `json:"result"`
}

type bulkRequest struct {
	Messages []sendRequest `json:"messages"`
}

type bulkResponse struct {
	Sent    int            `json:"sent"`
	Total   int            `json:"total"`
	Results []sendResponse `json:"results"`
}

type renderRequest struct {
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables,omitempty"`
}
