// Package engine drives autoregressive generation: it resolves model
// weights, owns the per-session execution state, and runs the
// prefill/decode loop against a tensor backend.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/emberml/ember/internal/artifact"
	"github.com/emberml/ember/internal/kvcache"
	"github.com/emberml/ember/internal/logger"
	"github.com/emberml/ember/internal/metrics"
	"github.com/emberml/ember/internal/tensor"
	"github.com/emberml/ember/internal/tracesink"
)

// State is the generation loop state. Done, Cancelled and Failed are
// terminal.
type State int

const (
	StateInit State = iota
	StatePrefill
	StateDecode
	StateDone
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePrefill:
		return "prefill"
	case StateDecode:
		return "decode"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Engine holds the resolved weights and the compute backend. It is
// immutable after construction and safe to share across sessions; all
// mutable state lives in Session.
type Engine struct {
	model   *artifact.Model
	weights *Weights
	backend tensor.Backend
	log     *logger.Logger
}

func New(model *artifact.Model, backend tensor.Backend) (*Engine, error) {
	if backend == nil {
		backend = tensor.NewRef()
	}
	w, err := ResolveWeights(model)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		model:   model,
		weights: w,
		backend: backend,
		log:     logger.Component("engine"),
	}
	e.log.Info("engine ready",
		"layers", model.Config.Layers,
		"hidden", model.Config.Hidden,
		"vocab", model.Config.VocabSize,
		"quant", model.Config.Quant.String(),
		"backend", backend.Name())
	return e, nil
}

func (e *Engine) Config() *artifact.ModelConfig { return &e.model.Config }

// SessionConfig fixes a session's cache geometry, overflow policy and
// sampling behavior at creation time.
type SessionConfig struct {
	// ContextLength caps the KV cache; 0 uses the model's MaxContext.
	ContextLength int
	CachePolicy   kvcache.Policy
	Sampling      SamplerConfig
	// Trace, when set, receives one record per forward step after the
	// session reaches a terminal state.
	Trace tracesink.Sink
}

// Session is one generation session: a KV cache, a scratch arena and a
// seeded sampler. Sessions are single-threaded; concurrent sessions
// each own their own Session.
type Session struct {
	eng     *Engine
	cfg     SessionConfig
	cache   *kvcache.Cache
	sc      *scratch
	sampler *Sampler
	state   State
	tokens  []int
	steps   []tracesink.StepRecord
}

func (e *Engine) NewSession(cfg SessionConfig) (*Session, error) {
	ctxLen := cfg.ContextLength
	if ctxLen == 0 {
		ctxLen = e.model.Config.MaxContext
	}
	if ctxLen <= 0 || ctxLen > e.model.Config.MaxContext {
		return nil, fmt.Errorf("context length %d outside (0, %d]", ctxLen, e.model.Config.MaxContext)
	}
	if cfg.CachePolicy == "" {
		cfg.CachePolicy = kvcache.PolicyHardStop
	}
	cache, err := kvcache.New(e.model.Config.Layers, e.model.Config.KVDim(), ctxLen, cfg.CachePolicy)
	if err != nil {
		return nil, err
	}
	return &Session{
		eng:     e,
		cfg:     cfg,
		cache:   cache,
		sc:      newScratch(&e.model.Config, ctxLen),
		sampler: NewSampler(cfg.Sampling),
		state:   StateInit,
	}, nil
}

func (s *Session) State() State { return s.state }

// Reset returns a terminal session to StateInit for reuse, clearing
// the cache but keeping every allocation.
func (s *Session) Reset() {
	s.cache.Reset()
	s.tokens = s.tokens[:0]
	s.steps = s.steps[:0]
	s.state = StateInit
}

// GenerateParams bounds one Generate call.
type GenerateParams struct {
	MaxTokens  int
	StopTokens []int
}

// Result reports one completed (or terminated) generation.
type Result struct {
	// Tokens are the newly generated ids, excluding the prompt. A
	// sampled stop token is included as the final element.
	Tokens       []int
	State        State
	FinishReason string
	PromptLen    int
}

// Generate runs prefill over prompt and then decodes until a stop
// token, MaxTokens, cancellation, or a fatal error. Cancellation is
// observed only between steps; prefill is one atomic step. onToken,
// when non-nil, is called once per generated token as it is produced.
//
// A cancelled generation returns a nil error with State Cancelled;
// only Failed carries an error.
func (s *Session) Generate(ctx context.Context, prompt []int, params GenerateParams, onToken func(id int)) (*Result, error) {
	if s.state != StateInit {
		return nil, fmt.Errorf("session in state %s, not reusable without Reset", s.state)
	}
	if len(prompt) == 0 {
		return s.fail(fmt.Errorf("empty prompt"))
	}
	vocab := s.eng.model.Config.VocabSize
	for i, id := range prompt {
		if id < 0 || id >= vocab {
			return s.fail(fmt.Errorf("prompt token %d: id %d outside vocabulary of size %d", i, id, vocab))
		}
	}
	if params.MaxTokens <= 0 {
		return s.fail(fmt.Errorf("max tokens must be positive, got %d", params.MaxTokens))
	}
	if s.cache.Policy() == kvcache.PolicyHardStop && len(prompt) > s.cache.Capacity() {
		return s.fail(fmt.Errorf("prompt: %w",
			&kvcache.CapacityError{Capacity: s.cache.Capacity(), Position: len(prompt) - 1}))
	}

	if err := ctx.Err(); err != nil {
		res := &Result{PromptLen: len(prompt)}
		return s.finish(res, StateCancelled, "cancelled"), nil
	}

	stop := make(map[int]struct{}, len(params.StopTokens))
	for _, id := range params.StopTokens {
		stop[id] = struct{}{}
	}

	res := &Result{PromptLen: len(prompt)}
	s.tokens = append(s.tokens, prompt...)

	// Prefill: every prompt position populates the cache, but only
	// the final one needs logits, so the output head is skipped for
	// the rest.
	s.state = StatePrefill
	prefillStart := time.Now()
	for i, id := range prompt {
		stepStart := time.Now()
		last := i == len(prompt)-1
		if err := s.forward(id, i, last); err != nil {
			return s.fail(fmt.Errorf("prefill position %d: %w", i, err))
		}
		s.record("prefill", i, id, last, stepStart)
	}
	metrics.RecordPrefill(len(prompt), time.Since(prefillStart))
	s.eng.log.Debug("prefill complete", "prompt_len", len(prompt),
		"duration_ms", time.Since(prefillStart).Milliseconds())

	s.state = StateDecode
	for len(res.Tokens) < params.MaxTokens {
		if err := ctx.Err(); err != nil {
			return s.finish(res, StateCancelled, "cancelled"), nil
		}

		next := s.sampler.Sample(s.sc.logits, s.tokens)
		res.Tokens = append(res.Tokens, next)
		s.tokens = append(s.tokens, next)
		metrics.RecordToken()
		if onToken != nil {
			onToken(next)
		}

		if _, isStop := stop[next]; isStop {
			return s.finish(res, StateDone, "stop_token"), nil
		}
		if len(res.Tokens) == params.MaxTokens {
			break
		}

		stepStart := time.Now()
		pos := s.cache.NextPosition()
		if err := s.forward(next, pos, true); err != nil {
			res.State = StateFailed
			s.publish()
			s.state = StateFailed
			metrics.RecordSession(StateFailed.String())
			return res, fmt.Errorf("decode position %d: %w", pos, err)
		}
		s.record("decode", pos, next, true, stepStart)
		metrics.RecordStep(time.Since(stepStart))
	}

	return s.finish(res, StateDone, "max_tokens"), nil
}

func (s *Session) fail(err error) (*Result, error) {
	s.state = StateFailed
	s.publish()
	metrics.RecordSession(StateFailed.String())
	return &Result{State: StateFailed, FinishReason: "error"}, err
}

func (s *Session) finish(res *Result, state State, reason string) *Result {
	s.state = state
	res.State = state
	res.FinishReason = reason
	s.publish()
	metrics.RecordSession(state.String())
	s.eng.log.Info("generation finished",
		"state", state.String(), "reason", reason,
		"prompt_len", res.PromptLen, "tokens", len(res.Tokens))
	return res
}

func (s *Session) record(phase string, pos, token int, scored bool, start time.Time) {
	if s.cfg.Trace == nil {
		return
	}
	// Positions run without the output head have no logit row.
	var best float32
	if scored {
		best = s.sc.logits[argMax(s.sc.logits)]
	}
	s.steps = append(s.steps, tracesink.StepRecord{
		Phase:      phase,
		Position:   int32(pos),
		Token:      int32(token),
		BestLogit:  best,
		DurationUS: time.Since(start).Microseconds(),
	})
}

func (s *Session) publish() {
	if s.cfg.Trace == nil || len(s.steps) == 0 {
		return
	}
	if err := s.cfg.Trace.Publish(context.Background(), s.steps); err != nil {
		s.eng.log.Warn("trace publish failed", "error", err.Error())
	}
	s.steps = s.steps[:0]
}
