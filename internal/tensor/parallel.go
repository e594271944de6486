package tensor

import (
	"runtime"
	"sync"
	"time"

	"github.com/emberml/ember/internal/artifact"
	"github.com/emberml/ember/internal/metrics"
)

// Parallel fans MatVec rows out across a fixed set of worker
// goroutines. Each row is still computed by the same scalar kernel the
// reference backend uses, in the same accumulation order, so results
// match Ref exactly. All other operations are small relative to the
// matrix products and run inline.
type Parallel struct {
	workers int
}

// NewParallel builds a parallel backend with the given worker count.
// workers <= 0 selects runtime.NumCPU().
func NewParallel(workers int) *Parallel {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Parallel{workers: workers}
}

func (p *Parallel) Name() string { return "parallel" }

func (p *Parallel) MatVec(dst []float32, w *artifact.Descriptor, x []float32) error {
	if err := checkMatVec(p.Name(), dst, w, x); err != nil {
		return err
	}
	start := time.Now()
	rows := w.Rows()
	workers := p.workers
	if workers > rows {
		workers = rows
	}
	if workers <= 1 {
		for row := 0; row < rows; row++ {
			dst[row] = rowDot(w, row, x)
		}
		metrics.BackendOpDuration.WithLabelValues("matvec").Observe(time.Since(start).Seconds())
		return nil
	}

	chunk := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < rows; lo += chunk {
		hi := lo + chunk
		if hi > rows {
			hi = rows
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for row := lo; row < hi; row++ {
				dst[row] = rowDot(w, row, x)
			}
		}(lo, hi)
	}
	wg.Wait()
	metrics.BackendOpDuration.WithLabelValues("matvec").Observe(time.Since(start).Seconds())
	return nil
}

func (p *Parallel) Add(dst, a, b []float32) { addKernel(dst, a, b) }
func (p *Parallel) Mul(dst, a, b []float32) { mulKernel(dst, a, b) }

func (p *Parallel) RMSNorm(dst, x, weight []float32, eps float32) {
	rmsNormKernel(dst, x, weight, eps)
}

func (p *Parallel) Rope(v []float32, pos, heads, headDim int, base float32) {
	ropeKernel(v, pos, heads, headDim, base)
}

func (p *Parallel) Softmax(x []float32) { softmaxKernel(x) }

func (p *Parallel) SwiGLU(dst, gate, up []float32) { swigluKernel(dst, gate, up) }

func (p *Parallel) Dot(a, b []float32) float32 { return dotKernel(a, b) }

func (p *Parallel) Axpy(dst []float32, s float32, v []float32) { axpyKernel(dst, s, v) }
