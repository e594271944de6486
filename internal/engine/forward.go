package engine

import (
	"fmt"
	"math"

	"github.com/emberml/ember/internal/tensor"
)

// forward runs one token at one position through the full block stack.
// All key/value state for the position is appended to the session
// cache; the executor itself keeps nothing between calls. The output
// head is the vocab-sized projection, so it runs only when wantLogits
// is set, writing the logit row into s.sc.logits.
func (s *Session) forward(token, pos int, wantLogits bool) error {
	cfg := &s.eng.model.Config
	b := s.eng.backend
	sc := s.sc

	heads := cfg.Heads
	kvHeads := cfg.KVHeads
	headDim := cfg.HeadDim
	group := heads / kvHeads
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	tensor.DecodeRow(s.eng.weights.TokenEmbed, token, sc.x)

	winStart, _ := s.cache.Window()
	// Once the ring is full the incoming position reuses the oldest
	// slot, so that oldest position drops out of the attended window.
	if lo := pos - s.cache.Capacity() + 1; lo > winStart {
		winStart = lo
	}

	for l := range s.eng.weights.Layers {
		lw := &s.eng.weights.Layers[l]

		b.RMSNorm(sc.xNorm, sc.x, lw.AttnNorm, cfg.NormEps)

		if err := b.MatVec(sc.q, lw.AttnQ, sc.xNorm); err != nil {
			return fmt.Errorf("layer %d attn_q: %w", l, err)
		}
		if err := b.MatVec(sc.k, lw.AttnK, sc.xNorm); err != nil {
			return fmt.Errorf("layer %d attn_k: %w", l, err)
		}
		if err := b.MatVec(sc.v, lw.AttnV, sc.xNorm); err != nil {
			return fmt.Errorf("layer %d attn_v: %w", l, err)
		}

		b.Rope(sc.q, pos, heads, headDim, cfg.RopeBase)
		b.Rope(sc.k, pos, kvHeads, headDim, cfg.RopeBase)

		if err := s.cache.AppendLayer(l, pos, sc.k, sc.v); err != nil {
			return fmt.Errorf("layer %d kv append: %w", l, err)
		}

		// Causal attention: the query at pos sees every cached
		// position plus its own freshly projected key/value.
		for h := 0; h < heads; h++ {
			qh := sc.q[h*headDim : (h+1)*headDim]
			kvOff := (h / group) * headDim

			n := 0
			for p := winStart; p < pos; p++ {
				kp, err := s.cache.K(l, p)
				if err != nil {
					return fmt.Errorf("layer %d attention read: %w", l, err)
				}
				sc.scores[n] = b.Dot(qh, kp[kvOff:kvOff+headDim]) * scale
				n++
			}
			sc.scores[n] = b.Dot(qh, sc.k[kvOff:kvOff+headDim]) * scale
			n++

			b.Softmax(sc.scores[:n])

			out := sc.attn[h*headDim : (h+1)*headDim]
			for i := range out {
				out[i] = 0
			}
			i := 0
			for p := winStart; p < pos; p++ {
				vp, err := s.cache.V(l, p)
				if err != nil {
					return fmt.Errorf("layer %d attention read: %w", l, err)
				}
				b.Axpy(out, sc.scores[i], vp[kvOff:kvOff+headDim])
				i++
			}
			b.Axpy(out, sc.scores[i], sc.v[kvOff:kvOff+headDim])
		}

		if err := b.MatVec(sc.attnOut, lw.AttnOut, sc.attn); err != nil {
			return fmt.Errorf("layer %d attn_output: %w", l, err)
		}
		b.Add(sc.x, sc.x, sc.attnOut)

		b.RMSNorm(sc.xNorm, sc.x, lw.FfnNorm, cfg.NormEps)
		if err := b.MatVec(sc.gate, lw.FfnGate, sc.xNorm); err != nil {
			return fmt.Errorf("layer %d ffn_gate: %w", l, err)
		}
		if err := b.MatVec(sc.up, lw.FfnUp, sc.xNorm); err != nil {
			return fmt.Errorf("layer %d ffn_up: %w", l, err)
		}
		b.SwiGLU(sc.act, sc.gate, sc.up)
		if err := b.MatVec(sc.ffnOut, lw.FfnDown, sc.act); err != nil {
			return fmt.Errorf("layer %d ffn_down: %w", l, err)
		}
		b.Add(sc.x, sc.x, sc.ffnOut)
	}

	if err := s.cache.Commit(pos); err != nil {
		return fmt.Errorf("kv commit: %w", err)
	}
	if !wantLogits {
		return nil
	}

	b.RMSNorm(sc.xNorm, sc.x, s.eng.weights.OutputNorm, cfg.NormEps)
	if err := b.MatVec(sc.logits, s.eng.weights.Output, sc.xNorm); err != nil {
		return fmt.Errorf("output head: %w", err)
	}
	return nil
}
