// Package tensor provides the numeric capability set the transformer
// executor is written against. Two implementations satisfy the same
// contract: Ref, a sequential scalar path used as the correctness
// reference, and Parallel, which dispatches row ranges across worker
// goroutines. Every operation accumulates in float32 regardless of
// the storage scheme of its operands.
package tensor

import (
	"fmt"

	"github.com/emberml/ember/internal/artifact"
)

// Backend is the operation contract shared by both compute paths.
// Calls are synchronous: a call returns only once the result is fully
// available, even when the implementation fans work out internally.
type Backend interface {
	Name() string

	// MatVec computes dst[r] = sum_c w[r,c] * x[c], dequantizing the
	// stored operand inline per quantization block.
	MatVec(dst []float32, w *artifact.Descriptor, x []float32) error

	// Elementwise.
	Add(dst, a, b []float32)
	Mul(dst, a, b []float32)

	// RMSNorm divides each row by the root mean square of its elements
	// (epsilon added before the square root) and scales by the learned
	// per-channel weight.
	RMSNorm(dst, x, weight []float32, eps float32)

	// Rope rotates feature pairs (2i, 2i+1) within each head by
	// pos * base^(-2i/headDim).
	Rope(v []float32, pos, heads, headDim int, base float32)

	// Softmax is row-wise with numerically stable max-subtraction.
	Softmax(x []float32)

	// SwiGLU writes silu(gate) * up.
	SwiGLU(dst, gate, up []float32)

	// Dot and Axpy are the attention primitives: a scaled dot product
	// and dst += s*v accumulation.
	Dot(a, b []float32) float32
	Axpy(dst []float32, s float32, v []float32)
}

// BackendError reports a dispatch failure. Surfaced to the caller; the
// reference path is never substituted without explicit opt-in.
type BackendError struct {
	Backend string
	Op      string
	Reason  string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %s: %s", e.Backend, e.Op, e.Reason)
}

func backendErrf(backend, op, format string, args ...interface{}) error {
	return &BackendError{Backend: backend, Op: op, Reason: fmt.Sprintf(format, args...)}
}

// New returns a backend by name: "ref" or "parallel".
func New(name string, workers int) (Backend, error) {
	switch name {
	case "ref", "":
		return NewRef(), nil
	case "parallel":
		return NewParallel(workers), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

func checkMatVec(backend string, dst []float32, w *artifact.Descriptor, x []float32) error {
	rows, cols := w.Rows(), w.Cols()
	if len(x) != cols {
		return backendErrf(backend, "matvec", "tensor %s: input length %d != cols %d", w.Name, len(x), cols)
	}
	if len(dst) != rows {
		return backendErrf(backend, "matvec", "tensor %s: output length %d != rows %d", w.Name, len(dst), rows)
	}
	if w.Scheme == artifact.SchemeQ8 && cols%artifact.Q8BlockSize != 0 {
		return backendErrf(backend, "matvec", "tensor %s: q8 cols %d not a multiple of %d", w.Name, cols, artifact.Q8BlockSize)
	}
	if !w.Scheme.Valid() {
		return backendErrf(backend, "matvec", "tensor %s: unknown scheme %d", w.Name, uint32(w.Scheme))
	}
	return nil
}
