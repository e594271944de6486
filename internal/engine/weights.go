package engine

import (
	"fmt"

	"github.com/emberml/ember/internal/artifact"
)

// LayerWeights holds the resolved descriptors for one transformer
// block. Norm vectors are small and dequantized once up front; matrix
// operands stay in their stored scheme and are dequantized inline by
// the backend.
type LayerWeights struct {
	AttnNorm []float32
	AttnQ    *artifact.Descriptor
	AttnK    *artifact.Descriptor
	AttnV    *artifact.Descriptor
	AttnOut  *artifact.Descriptor

	FfnNorm []float32
	FfnGate *artifact.Descriptor
	FfnUp   *artifact.Descriptor
	FfnDown *artifact.Descriptor
}

// Weights is the full resolved weight set for a model.
type Weights struct {
	TokenEmbed *artifact.Descriptor
	OutputNorm []float32
	Output     *artifact.Descriptor
	Layers     []LayerWeights
}

// ResolveWeights looks up every tensor the forward pass needs by name
// and checks each shape against the model configuration. Any missing
// tensor or disagreeing shape is fatal.
func ResolveWeights(m *artifact.Model) (*Weights, error) {
	cfg := m.Config
	kvDim := cfg.KVDim()

	w := &Weights{Layers: make([]LayerWeights, cfg.Layers)}

	var err error
	if w.TokenEmbed, err = matrix(m, "token_embd.weight", cfg.VocabSize, cfg.Hidden); err != nil {
		return nil, err
	}
	if w.OutputNorm, err = vector(m, "output_norm.weight", cfg.Hidden); err != nil {
		return nil, err
	}
	if w.Output, err = matrix(m, "output.weight", cfg.VocabSize, cfg.Hidden); err != nil {
		return nil, err
	}

	for l := 0; l < cfg.Layers; l++ {
		lw := &w.Layers[l]
		prefix := fmt.Sprintf("blk.%d.", l)
		if lw.AttnNorm, err = vector(m, prefix+"attn_norm.weight", cfg.Hidden); err != nil {
			return nil, err
		}
		if lw.AttnQ, err = matrix(m, prefix+"attn_q.weight", cfg.Hidden, cfg.Hidden); err != nil {
			return nil, err
		}
		if lw.AttnK, err = matrix(m, prefix+"attn_k.weight", kvDim, cfg.Hidden); err != nil {
			return nil, err
		}
		if lw.AttnV, err = matrix(m, prefix+"attn_v.weight", kvDim, cfg.Hidden); err != nil {
			return nil, err
		}
		if lw.AttnOut, err = matrix(m, prefix+"attn_output.weight", cfg.Hidden, cfg.Hidden); err != nil {
			return nil, err
		}
		if lw.FfnNorm, err = vector(m, prefix+"ffn_norm.weight", cfg.Hidden); err != nil {
			return nil, err
		}
		if lw.FfnGate, err = matrix(m, prefix+"ffn_gate.weight", cfg.FFNDim, cfg.Hidden); err != nil {
			return nil, err
		}
		if lw.FfnUp, err = matrix(m, prefix+"ffn_up.weight", cfg.FFNDim, cfg.Hidden); err != nil {
			return nil, err
		}
		if lw.FfnDown, err = matrix(m, prefix+"ffn_down.weight", cfg.Hidden, cfg.FFNDim); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func matrix(m *artifact.Model, name string, rows, cols int) (*artifact.Descriptor, error) {
	d := m.Lookup(name)
	if d == nil {
		return nil, &artifact.ShapeError{Name: name, Reason: "tensor not present in artifact"}
	}
	if len(d.Dims) != 2 {
		return nil, &artifact.ShapeError{Name: name, Dims: d.Dims, Reason: "expected a matrix"}
	}
	if d.Dims[0] != rows || d.Dims[1] != cols {
		return nil, &artifact.ShapeError{
			Name: name, Dims: d.Dims,
			Reason: fmt.Sprintf("expected [%d %d]", rows, cols),
		}
	}
	return d, nil
}

func vector(m *artifact.Model, name string, size int) ([]float32, error) {
	d := m.Lookup(name)
	if d == nil {
		return nil, &artifact.ShapeError{Name: name, Reason: "tensor not present in artifact"}
	}
	if len(d.Dims) != 1 || d.Dims[0] != size {
		return nil, &artifact.ShapeError{
			Name: name, Dims: d.Dims,
			Reason: fmt.Sprintf("expected [%d]", size),
		}
	}
	return d.Float32s(), nil
}
