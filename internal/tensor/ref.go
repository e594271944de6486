package tensor

import "github.com/emberml/ember/internal/artifact"

// Ref is the sequential scalar backend. It exists so every other
// implementation has a bit-exact answer to compare against.
type Ref struct{}

func NewRef() *Ref { return &Ref{} }

func (r *Ref) Name() string { return "ref" }

func (r *Ref) MatVec(dst []float32, w *artifact.Descriptor, x []float32) error {
	if err := checkMatVec(r.Name(), dst, w, x); err != nil {
		return err
	}
	rows := w.Rows()
	for row := 0; row < rows; row++ {
		dst[row] = rowDot(w, row, x)
	}
	return nil
}

func (r *Ref) Add(dst, a, b []float32) { addKernel(dst, a, b) }
func (r *Ref) Mul(dst, a, b []float32) { mulKernel(dst, a, b) }

func (r *Ref) RMSNorm(dst, x, weight []float32, eps float32) {
	rmsNormKernel(dst, x, weight, eps)
}

func (r *Ref) Rope(v []float32, pos, heads, headDim int, base float32) {
	ropeKernel(v, pos, heads, headDim, base)
}

func (r *Ref) Softmax(x []float32) { softmaxKernel(x) }

func (r *Ref) SwiGLU(dst, gate, up []float32) { swigluKernel(dst, gate, up) }

func (r *Ref) Dot(a, b []float32) float32 { return dotKernel(a, b) }

func (r *Ref) Axpy(dst []float32, s float32, v []float32) { axpyKernel(dst, s, v) }
