package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// SamplerConfig controls next-token selection. Temperature 0 means
// greedy argmax. TopK <= 0 and TopP <= 0 or >= 1 disable the
// respective filters. RepPenalty 1.0 is a no-op.
type SamplerConfig struct {
	Temperature float64
	TopK        int
	TopP        float64
	RepPenalty  float64
	Seed        int64
}

type tokenProb struct {
	id   int
	prob float64
}

// Sampler turns one logit row into one token id. Deterministic for a
// fixed seed and identical logits.
type Sampler struct {
	Config SamplerConfig
	rng    *rand.Rand
}

func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Sample selects the next token. history is the token sequence so far,
// consulted only when a repetition penalty is configured.
func (s *Sampler) Sample(logits []float32, history []int) int {
	if !validLogits(logits) {
		return firstValidToken(logits)
	}

	if s.Config.RepPenalty > 1.0 && len(history) > 0 {
		s.applyRepetitionPenalty(logits, history)
	}

	if s.Config.Temperature == 0 {
		return argMax(logits)
	}

	probs := temperedSoftmax(logits, s.Config.Temperature)

	candidates := make([]tokenProb, 0, len(probs))
	for i, p := range probs {
		candidates = append(candidates, tokenProb{id: i, prob: p})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].prob == candidates[j].prob {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].prob > candidates[j].prob
	})

	candidates = applyTopK(candidates, s.Config.TopK)
	candidates = applyTopP(candidates, s.Config.TopP)

	return s.pick(candidates)
}

// argMax returns the index of the highest logit. On exact ties the
// lowest token id wins.
func argMax(logits []float32) int {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best
}

func validLogits(logits []float32) bool {
	for _, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

func firstValidToken(logits []float32) int {
	for i, v := range logits {
		if !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0) {
			return i
		}
	}
	return 0
}

func temperedSoftmax(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = float64(v) / temperature
	}

	maxVal := probs[0]
	for _, v := range probs {
		if v > maxVal {
			maxVal = v
		}
	}

	sum := 0.0
	for i := range probs {
		probs[i] = math.Exp(probs[i] - maxVal)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// applyTopK keeps the k highest-probability candidates. candidates
// must already be sorted descending.
func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

// applyTopP keeps the smallest sorted-descending prefix whose
// cumulative probability reaches p.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p <= 0 || p >= 1 {
		return candidates
	}
	acc := 0.0
	for i, c := range candidates {
		acc += c.prob
		if acc >= p {
			return candidates[:i+1]
		}
	}
	return candidates
}

func (s *Sampler) pick(candidates []tokenProb) int {
	if len(candidates) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}
	r := s.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[len(candidates)-1].id
}

func (s *Sampler) applyRepetitionPenalty(logits []float32, history []int) {
	start := 0
	if len(history) > 64 {
		start = len(history) - 64
	}
	seen := make(map[int]struct{}, len(history)-start)
	for _, id := range history[start:] {
		if id >= 0 && id < len(logits) {
			seen[id] = struct{}{}
		}
	}
	for id := range seen {
		if logits[id] > 0 {
			logits[id] /= float32(s.Config.RepPenalty)
		} else {
			logits[id] *= float32(s.Config.RepPenalty)
		}
	}
}
