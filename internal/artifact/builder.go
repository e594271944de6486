package artifact

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Builder assembles a valid artifact buffer. It exists for the pack
// tool and for tests; the runtime itself only consumes artifacts.
type Builder struct {
	cfg     ModelConfig
	names   map[string]struct{}
	records []builderRecord
}

type builderRecord struct {
	name   string
	dims   []int
	scheme Scheme
	data   []byte
}

func NewBuilder(cfg ModelConfig) *Builder {
	return &Builder{cfg: cfg, names: make(map[string]struct{})}
}

// Add quantizes values under the given scheme and appends a tensor.
func (b *Builder) Add(name string, dims []int, scheme Scheme, values []float32) error {
	if _, dup := b.names[name]; dup {
		return fmt.Errorf("duplicate tensor %q", name)
	}
	n := 1
	for _, d := range dims {
		if d <= 0 {
			return fmt.Errorf("tensor %s: bad dim %d", name, d)
		}
		n *= d
	}
	if n != len(values) {
		return fmt.Errorf("tensor %s: shape %v holds %d elements, got %d values", name, dims, n, len(values))
	}

	var data []byte
	switch scheme {
	case SchemeF32:
		data = EncodeF32(values)
	case SchemeF16:
		data = EncodeF16(values)
	case SchemeQ8:
		if n%Q8BlockSize != 0 {
			return fmt.Errorf("tensor %s: %d elements not a multiple of q8 block %d", name, n, Q8BlockSize)
		}
		data = QuantizeQ8(values)
	default:
		return fmt.Errorf("tensor %s: unknown scheme %d", name, uint32(scheme))
	}

	b.names[name] = struct{}{}
	b.records = append(b.records, builderRecord{name: name, dims: dims, scheme: scheme, data: data})
	return nil
}

// Bytes serializes header, tensor table and data region.
func (b *Builder) Bytes() ([]byte, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}

	tableLen := 0
	for _, r := range b.records {
		tableLen += 2 + len(r.name) + 1 + 4*len(r.dims) + 4 + 8 + 8
	}

	dataStart := align(uint64(HeaderSize+tableLen), DataAlignment)
	dataLen := uint64(0)
	for _, r := range b.records {
		dataLen += uint64(len(r.data))
	}

	buf := make([]byte, dataStart+dataLen)
	c := b.cfg
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint32(buf[4:], Version)
	binary.LittleEndian.PutUint32(buf[8:], uint32(c.Hidden))
	binary.LittleEndian.PutUint32(buf[12:], uint32(c.Layers))
	binary.LittleEndian.PutUint32(buf[16:], uint32(c.Heads))
	binary.LittleEndian.PutUint32(buf[20:], uint32(c.KVHeads))
	binary.LittleEndian.PutUint32(buf[24:], uint32(c.HeadDim))
	binary.LittleEndian.PutUint32(buf[28:], uint32(c.FFNDim))
	binary.LittleEndian.PutUint32(buf[32:], uint32(c.VocabSize))
	binary.LittleEndian.PutUint32(buf[36:], uint32(c.MaxContext))
	binary.LittleEndian.PutUint32(buf[40:], math.Float32bits(c.RopeBase))
	binary.LittleEndian.PutUint32(buf[44:], math.Float32bits(c.NormEps))
	binary.LittleEndian.PutUint32(buf[48:], uint32(c.Quant))
	binary.LittleEndian.PutUint32(buf[52:], uint32(len(b.records)))
	binary.LittleEndian.PutUint64(buf[56:], uint64(tableLen))

	off := uint64(HeaderSize)
	dataOff := uint64(0)
	for _, r := range b.records {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(r.name)))
		off += 2
		copy(buf[off:], r.name)
		off += uint64(len(r.name))
		buf[off] = byte(len(r.dims))
		off++
		for _, d := range r.dims {
			binary.LittleEndian.PutUint32(buf[off:], uint32(d))
			off += 4
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(r.scheme))
		off += 4
		binary.LittleEndian.PutUint64(buf[off:], dataOff)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(len(r.data)))
		off += 8

		copy(buf[dataStart+dataOff:], r.data)
		dataOff += uint64(len(r.data))
	}

	return buf, nil
}
