// Package server exposes the relay over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/comigor/voice-relay/internal/apperr"
	"github.com/comigor/voice-relay/internal/authorize"
	"github.com/comigor/voice-relay/internal/config"
	"github.com/comigor/voice-relay/internal/logger"
	"github.com/comigor/voice-relay/internal/relay"
	"github.com/comigor/voice-relay/internal/stream"
	"github.com/comigor/voice-relay/internal/webhook"
)

const maxBodyBytes = 1 << 20

// Server routes webhook, authorization and health requests.
type Server struct {
	cfg   *config.Config
	relay *relay.Relay
	auth  *authorize.Client
	mux   *http.ServeMux
}

func New(cfg *config.Config, r *relay.Relay, auth *authorize.Client) *Server {
	s := &Server{cfg: cfg, relay: r, auth: auth, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /{$}", s.handleWebhook)
	s.mux.HandleFunc("POST /webhook", s.handleWebhook)
	s.mux.HandleFunc("POST /agent", s.handleWebhook)
	s.mux.HandleFunc("POST /authorize", s.handleAuthorize)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// Handler returns the routed handler wrapped in the middleware stack.
func (s *Server) Handler() http.Handler {
	var limiter *rate.Limiter
	if s.cfg.Server.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst)
	}
	return chain(s.mux, requestID, accessLog, recoverPanics, rateLimit(limiter))
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.cfg.LLM.APIKey == "" {
		writeError(w, r, apperr.Configurationf("GOOGLE_GENERATIVE_AI_API_KEY is not set"))
		return
	}
	if s.cfg.Layercode.WebhookSecret == "" {
		writeError(w, r, apperr.Configurationf("LAYERCODE_WEBHOOK_SECRET is not set"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, apperr.WrapValidation(err, "failed to read request body"))
		return
	}

	sw, err := stream.New(w)
	if err != nil {
		writeError(w, r, err)
		return
	}

	err = s.relay.Handle(ctx, relay.Request{
		Payload:   body,
		Signature: r.Header.Get(webhook.SignatureHeader),
	}, sw)
	if err == nil || ctx.Err() != nil {
		return
	}
	if sw.Started() {
		// Headers are gone; ending the response without response.end is how
		// the caller learns the turn failed.
		return
	}
	writeError(w, r, err)
}

type authorizeRequest struct {
	AgentID    string  `json:"agent_id"`
	PipelineID string  `json:"pipeline_id"`
	SessionID  *string `json:"session_id"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Layercode.APIKey == "" {
		writeError(w, r, apperr.Configurationf("LAYERCODE_API_KEY is not set"))
		return
	}

	var req authorizeRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, apperr.WrapValidation(err, "failed to read request body"))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, r, apperr.WrapValidation(err, "malformed request body"))
			return
		}
	}

	pipeline := req.AgentID
	if pipeline == "" {
		pipeline = req.PipelineID
	}
	if pipeline == "" {
		pipeline = s.cfg.Layercode.PipelineID
	}
	if pipeline == "" {
		writeError(w, r, apperr.Validationf("agent_id is required"))
		return
	}

	raw, err := s.auth.AuthorizeSession(r.Context(), authorize.Request{PipelineID: pipeline, SessionID: req.SessionID})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.Status(err)
	log := logger.From(r.Context())
	if status >= http.StatusInternalServerError && !errors.Is(err, apperr.Upstream) {
		log.Error("request failed", "status", status, "error", err)
	} else {
		log.Warn("request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{Error: apperr.MessageOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Debug("write response", "error", err)
	}
}
