package artifact

import (
	"encoding/binary"
	"math"
)

// Dequantization: value = (stored_int - zero_point) * scale, with the
// scale/zero-point pair looked up per block. Accumulation everywhere
// downstream is float32 regardless of the storage scheme.

// Float32s decodes the whole tensor to float32. Intended for small
// vectors (norm scales, biases); projections are consumed in place by
// the backend's quantized matmul.
func (d *Descriptor) Float32s() []float32 {
	n := d.NumElements()
	switch d.Scheme {
	case SchemeF32:
		return DequantizeF32(d.Data, n)
	case SchemeF16:
		return DequantizeF16(d.Data, n)
	case SchemeQ8:
		return DequantizeQ8(d.Data, n)
	default:
		return nil
	}
}

func DequantizeF32(data []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

func DequantizeF16(data []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = Float16ToFloat32(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

func DequantizeQ8(data []byte, n int) []float32 {
	out := make([]float32, n)
	for b := 0; b < n/Q8BlockSize; b++ {
		base := b * q8BlockBytes
		scale := math.Float32frombits(binary.LittleEndian.Uint32(data[base:]))
		zero := float32(int8(data[base+4]))
		payload := data[base+5 : base+q8BlockBytes]
		for i := 0; i < Q8BlockSize; i++ {
			out[b*Q8BlockSize+i] = (float32(int8(payload[i])) - zero) * scale
		}
	}
	return out
}

// Q8Block exposes one quantization block for inline-dequant consumers.
// payload[i] dequantizes as (int8(payload[i]) - zero) * scale.
func Q8Block(data []byte, block int) (scale float32, zero float32, payload []byte) {
	base := block * q8BlockBytes
	scale = math.Float32frombits(binary.LittleEndian.Uint32(data[base:]))
	zero = float32(int8(data[base+4]))
	payload = data[base+5 : base+q8BlockBytes]
	return scale, zero, payload
}

// QuantizeQ8 encodes values (len a multiple of Q8BlockSize) into the
// q8 block layout. Affine per block: min maps near -128, max near 127.
func QuantizeQ8(values []float32) []byte {
	blocks := len(values) / Q8BlockSize
	out := make([]byte, blocks*q8BlockBytes)
	for b := 0; b < blocks; b++ {
		chunk := values[b*Q8BlockSize : (b+1)*Q8BlockSize]
		lo, hi := chunk[0], chunk[0]
		for _, v := range chunk[1:] {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		scale := (hi - lo) / 255.0
		if scale == 0 {
			scale = 1
		}
		zero := int(math.Round(float64(-lo/scale))) - 128
		if zero < -128 {
			zero = -128
		}
		if zero > 127 {
			zero = 127
		}

		base := b * q8BlockBytes
		binary.LittleEndian.PutUint32(out[base:], math.Float32bits(scale))
		out[base+4] = byte(int8(zero))
		payload := out[base+5 : base+q8BlockBytes]
		for i, v := range chunk {
			q := int(math.Round(float64(v/scale))) + zero
			if q < -128 {
				q = -128
			}
			if q > 127 {
				q = 127
			}
			payload[i] = byte(int8(q))
		}
	}
	return out
}

// EncodeF32 and EncodeF16 are the storage encoders for the builder.
func EncodeF32(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func EncodeF16(values []float32) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[i*2:], Float32ToFloat16(v))
	}
	return out
}

// Float16ToFloat32 expands an IEEE 754 half-precision bit pattern.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h) & 0x3FF
	var f32 uint32
	if exp == 0 {
		if mant == 0 {
			f32 = sign << 31
		} else {
			// subnormal: renormalize
			shift := uint32(0)
			m := mant
			for m < 0x400 {
				m <<= 1
				shift++
			}
			m = (m & 0x3FF) << 13
			e := uint32(127 - 14 - shift)
			f32 = (sign << 31) | (e << 23) | m
		}
	} else if exp == 31 {
		f32 = (sign << 31) | 0x7F800000 | (mant << 13)
	} else {
		newExp := exp - 15 + 127
		f32 = (sign << 31) | (newExp << 23) | (mant << 13)
	}
	return math.Float32frombits(f32)
}

// Float32ToFloat16 narrows to a half-precision bit pattern.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := bits >> 31
	exp := (bits >> 23) & 0xFF
	mant := bits & 0x7FFFFF
	var h uint16
	if exp == 0 {
		h = uint16(sign << 15)
	} else if exp == 255 {
		h = uint16(sign<<15) | 0x7C00 | uint16(mant>>13)
	} else {
		newExp := int(exp) - 127 + 15
		if newExp >= 31 {
			h = uint16(sign<<15) | 0x7C00
		} else if newExp <= 0 {
			shift := uint32(1 - newExp)
			if shift > 24 {
				h = uint16(sign << 15)
			} else {
				m := mant | 0x800000
				h = uint16(sign<<15) | uint16(m>>(13+shift))
			}
		} else {
			h = uint16(sign<<15) | uint16(newExp<<10) | uint16(mant>>13)
		}
	}
	return h
}
