package engine

import "github.com/emberml/ember/internal/artifact"

// scratch holds every working buffer one session's forward pass
// touches. Allocated once at session start and reused by index each
// step, so the decode loop itself never allocates.
type scratch struct {
	x       []float32 // residual stream, hidden
	xNorm   []float32 // normalized activations, hidden
	q       []float32 // query projection, hidden
	k       []float32 // key projection, kvDim
	v       []float32 // value projection, kvDim
	attn    []float32 // concatenated head outputs, hidden
	attnOut []float32 // attention output projection, hidden
	scores  []float32 // one head's attention scores, cache capacity
	gate    []float32 // ffn gate projection, ffnDim
	up      []float32 // ffn up projection, ffnDim
	act     []float32 // gated activation, ffnDim
	ffnOut  []float32 // ffn down projection, hidden
	logits  []float32 // output head, vocab
}

func newScratch(cfg *artifact.ModelConfig, cacheCapacity int) *scratch {
	kvDim := cfg.KVDim()
	return &scratch{
		x:       make([]float32, cfg.Hidden),
		xNorm:   make([]float32, cfg.Hidden),
		q:       make([]float32, cfg.Hidden),
		k:       make([]float32, kvDim),
		v:       make([]float32, kvDim),
		attn:    make([]float32, cfg.Hidden),
		attnOut: make([]float32, cfg.Hidden),
		scores:  make([]float32, cacheCapacity),
		gate:    make([]float32, cfg.FFNDim),
		up:      make([]float32, cfg.FFNDim),
		act:     make([]float32, cfg.FFNDim),
		ffnOut:  make([]float32, cfg.Hidden),
		logits:  make([]float32, cfg.VocabSize),
	}
}
