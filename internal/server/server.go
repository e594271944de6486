// Package server exposes generation over HTTP: a JSON request/response
// endpoint with optional NDJSON streaming, a health probe, and the
// Prometheus scrape endpoint.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emberml/ember/internal/config"
	"github.com/emberml/ember/internal/engine"
	"github.com/emberml/ember/internal/kvcache"
	"github.com/emberml/ember/internal/logger"
	"github.com/emberml/ember/internal/tensor"
	"github.com/emberml/ember/internal/tracesink"
)

type Server struct {
	eng   *engine.Engine
	cfg   config.Config
	trace tracesink.Sink
	log   *logger.Logger
}

func New(eng *engine.Engine, cfg config.Config, trace tracesink.Sink) *Server {
	return &Server{
		eng:   eng,
		cfg:   cfg,
		trace: trace,
		log:   logger.Component("server"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/v1/generate", s.handleGenerate)
	return r
}

type generateRequest struct {
	Prompt        []int    `json:"prompt"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	RepPenalty    *float64 `json:"rep_penalty,omitempty"`
	Seed          int64    `json:"seed,omitempty"`
	StopTokens    []int    `json:"stop_tokens,omitempty"`
	CachePolicy   string   `json:"cache_policy,omitempty"`
	ContextLength int      `json:"context_length,omitempty"`
	Stream        bool     `json:"stream,omitempty"`
}

type generateResponse struct {
	Tokens       []int  `json:"tokens"`
	State        string `json:"state"`
	FinishReason string `json:"finish_reason"`
	PromptLen    int    `json:"prompt_len"`
	DurationMS   int64  `json:"duration_ms"`
}

type streamEvent struct {
	Token *int   `json:"token,omitempty"`
	Done  bool   `json:"done,omitempty"`
	State string `json:"state,omitempty"`
	Error string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	cfg := s.eng.Config()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"model": map[string]interface{}{
			"layers":      cfg.Layers,
			"hidden":      cfg.Hidden,
			"vocab_size":  cfg.VocabSize,
			"max_context": cfg.MaxContext,
			"quant":       cfg.Quant.String(),
		},
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "bad_request"})
		return
	}

	sessCfg, params, err := s.sessionConfig(&req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "bad_request"})
		return
	}

	sess, err := s.eng.NewSession(sessCfg)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "bad_request"})
		return
	}

	if req.Stream {
		s.generateStream(w, r, sess, req.Prompt, params)
		return
	}

	start := time.Now()
	res, err := sess.Generate(r.Context(), req.Prompt, params, nil)
	if err != nil {
		status, kind := classify(err)
		writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
		return
	}
	s.log.Debug("generate handled",
		"prompt_len", res.PromptLen, "tokens", len(res.Tokens),
		"state", res.State.String(), "duration_ms", time.Since(start).Milliseconds())
	writeJSON(w, http.StatusOK, generateResponse{
		Tokens:       res.Tokens,
		State:        res.State.String(),
		FinishReason: res.FinishReason,
		PromptLen:    res.PromptLen,
		DurationMS:   time.Since(start).Milliseconds(),
	})
}

// generateStream writes one NDJSON event per token as it is sampled,
// then a terminal event.
func (s *Server) generateStream(w http.ResponseWriter, r *http.Request, sess *engine.Session, prompt []int, params engine.GenerateParams) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	res, err := sess.Generate(r.Context(), prompt, params, func(id int) {
		tok := id
		_ = enc.Encode(streamEvent{Token: &tok})
		if flusher != nil {
			flusher.Flush()
		}
	})
	final := streamEvent{Done: true}
	if err != nil {
		final.State = engine.StateFailed.String()
		final.Error = err.Error()
	} else {
		final.State = res.State.String()
	}
	_ = enc.Encode(final)
	if flusher != nil {
		flusher.Flush()
	}
}

func (s *Server) sessionConfig(req *generateRequest) (engine.SessionConfig, engine.GenerateParams, error) {
	sampling := engine.SamplerConfig{
		Temperature: s.cfg.Temperature,
		TopK:        s.cfg.TopK,
		TopP:        s.cfg.TopP,
		RepPenalty:  s.cfg.RepPenalty,
		Seed:        req.Seed,
	}
	if req.Temperature != nil {
		sampling.Temperature = *req.Temperature
	}
	if req.TopK != nil {
		sampling.TopK = *req.TopK
	}
	if req.TopP != nil {
		sampling.TopP = *req.TopP
	}
	if req.RepPenalty != nil {
		sampling.RepPenalty = *req.RepPenalty
	}

	policyName := req.CachePolicy
	if policyName == "" {
		policyName = s.cfg.CachePolicy
	}
	policy, err := kvcache.ParsePolicy(policyName)
	if err != nil {
		return engine.SessionConfig{}, engine.GenerateParams{}, err
	}

	ctxLen := req.ContextLength
	if ctxLen == 0 {
		ctxLen = s.cfg.ContextLength
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = s.cfg.MaxTokens
	}

	return engine.SessionConfig{
			ContextLength: ctxLen,
			CachePolicy:   policy,
			Sampling:      sampling,
			Trace:         s.trace,
		}, engine.GenerateParams{
			MaxTokens:  maxTokens,
			StopTokens: req.StopTokens,
		}, nil
}

func classify(err error) (int, string) {
	var capErr *kvcache.CapacityError
	if errors.As(err, &capErr) {
		return http.StatusUnprocessableEntity, "context_exceeded"
	}
	var backendErr *tensor.BackendError
	if errors.As(err, &backendErr) {
		return http.StatusInternalServerError, "backend_failure"
	}
	return http.StatusBadRequest, "bad_request"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
