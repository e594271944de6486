package tensor

import (
	"encoding/binary"
	"math"

	"github.com/emberml/ember/internal/artifact"
)

// Scalar kernels shared by both backends. Keeping one accumulation
// order per row means the parallel path is bitwise identical to the
// reference path.

func rowDot(w *artifact.Descriptor, row int, x []float32) float32 {
	cols := w.Cols()
	switch w.Scheme {
	case artifact.SchemeF32:
		return dotF32Row(w.Data, row, cols, x)
	case artifact.SchemeF16:
		return dotF16Row(w.Data, row, cols, x)
	case artifact.SchemeQ8:
		return dotQ8Row(w.Data, row, cols, x)
	default:
		return 0
	}
}

func dotF32Row(data []byte, row, cols int, x []float32) float32 {
	base := row * cols * 4
	var sum float32
	for c := 0; c < cols; c++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[base+c*4:]))
		sum += v * x[c]
	}
	return sum
}

func dotF16Row(data []byte, row, cols int, x []float32) float32 {
	base := row * cols * 2
	var sum float32
	for c := 0; c < cols; c++ {
		v := artifact.Float16ToFloat32(binary.LittleEndian.Uint16(data[base+c*2:]))
		sum += v * x[c]
	}
	return sum
}

func dotQ8Row(data []byte, row, cols int, x []float32) float32 {
	blocksPerRow := cols / artifact.Q8BlockSize
	var sum float32
	for b := 0; b < blocksPerRow; b++ {
		scale, zero, payload := artifact.Q8Block(data, row*blocksPerRow+b)
		off := b * artifact.Q8BlockSize
		var blockSum float32
		for i := 0; i < artifact.Q8BlockSize; i++ {
			blockSum += (float32(int8(payload[i])) - zero) * x[off+i]
		}
		sum += blockSum * scale
	}
	return sum
}

// DecodeRow dequantizes one matrix row into dst (the embedding lookup
// path). dst must hold Cols() elements.
func DecodeRow(w *artifact.Descriptor, row int, dst []float32) {
	cols := w.Cols()
	switch w.Scheme {
	case artifact.SchemeF32:
		base := row * cols * 4
		for c := 0; c < cols; c++ {
			dst[c] = math.Float32frombits(binary.LittleEndian.Uint32(w.Data[base+c*4:]))
		}
	case artifact.SchemeF16:
		base := row * cols * 2
		for c := 0; c < cols; c++ {
			dst[c] = artifact.Float16ToFloat32(binary.LittleEndian.Uint16(w.Data[base+c*2:]))
		}
	case artifact.SchemeQ8:
		blocksPerRow := cols / artifact.Q8BlockSize
		for b := 0; b < blocksPerRow; b++ {
			scale, zero, payload := artifact.Q8Block(w.Data, row*blocksPerRow+b)
			off := b * artifact.Q8BlockSize
			for i := 0; i < artifact.Q8BlockSize; i++ {
				dst[off+i] = (float32(int8(payload[i])) - zero) * scale
			}
		}
	}
}

func addKernel(dst, a, b []float32) {
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
}

func mulKernel(dst, a, b []float32) {
	for i := range dst {
		dst[i] = a[i] * b[i]
	}
}

func rmsNormKernel(dst, x, weight []float32, eps float32) {
	size := len(weight)
	for row := 0; row < len(x)/size; row++ {
		off := row * size
		var sum float32
		for j := 0; j < size; j++ {
			v := x[off+j]
			sum += v * v
		}
		inv := float32(1.0) / float32(math.Sqrt(float64(sum/float32(size))+float64(eps)))
		for j := 0; j < size; j++ {
			dst[off+j] = x[off+j] * inv * weight[j]
		}
	}
}

func ropeKernel(v []float32, pos, heads, headDim int, base float32) {
	for h := 0; h < heads; h++ {
		off := h * headDim
		for i := 0; i < headDim/2; i++ {
			angle := float64(pos) * math.Pow(float64(base), -2.0*float64(i)/float64(headDim))
			cosA := float32(math.Cos(angle))
			sinA := float32(math.Sin(angle))
			x0 := v[off+2*i]
			x1 := v[off+2*i+1]
			v[off+2*i] = x0*cosA - x1*sinA
			v[off+2*i+1] = x0*sinA + x1*cosA
		}
	}
}

func softmaxKernel(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		inv := float32(1.0) / sum
		for i := range x {
			x[i] *= inv
		}
	}
}

func swigluKernel(dst, gate, up []float32) {
	for i := range dst {
		g := gate[i]
		sigmoid := float32(1.0) / (float32(1.0) + float32(math.Exp(float64(-g))))
		dst[i] = g * sigmoid * up[i]
	}
}

func dotKernel(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func axpyKernel(dst []float32, s float32, v []float32) {
	for i := range dst {
		dst[i] += s * v[i]
	}
}
