package artifact

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/emberml/ember/internal/logger"
	"github.com/emberml/ember/internal/metrics"
)

// Parse interprets an artifact byte buffer without copying weight
// data. The buffer must stay alive for as long as the returned Model
// is in use.
func Parse(buf []byte) (*Model, error) {
	if len(buf) < HeaderSize {
		return nil, loadErr("header", formatErrf(0, "buffer too small for header: %d bytes", len(buf)))
	}

	magic := binary.LittleEndian.Uint32(buf[0:])
	if magic != Magic {
		return nil, loadErr("magic", formatErrf(0, "invalid magic: %#x", magic))
	}
	version := binary.LittleEndian.Uint32(buf[4:])
	if version != Version {
		return nil, loadErr("version", formatErrf(4, "unsupported version: %d", version))
	}

	m := &Model{byName: make(map[string]*Descriptor)}
	c := &m.Config
	c.Hidden = int(binary.LittleEndian.Uint32(buf[8:]))
	c.Layers = int(binary.LittleEndian.Uint32(buf[12:]))
	c.Heads = int(binary.LittleEndian.Uint32(buf[16:]))
	c.KVHeads = int(binary.LittleEndian.Uint32(buf[20:]))
	c.HeadDim = int(binary.LittleEndian.Uint32(buf[24:]))
	c.FFNDim = int(binary.LittleEndian.Uint32(buf[28:]))
	c.VocabSize = int(binary.LittleEndian.Uint32(buf[32:]))
	c.MaxContext = int(binary.LittleEndian.Uint32(buf[36:]))
	c.RopeBase = math.Float32frombits(binary.LittleEndian.Uint32(buf[40:]))
	c.NormEps = math.Float32frombits(binary.LittleEndian.Uint32(buf[44:]))
	c.Quant = Scheme(binary.LittleEndian.Uint32(buf[48:]))
	tensorCount := int(binary.LittleEndian.Uint32(buf[52:]))
	tableLen := binary.LittleEndian.Uint64(buf[56:])

	if err := c.Validate(); err != nil {
		return nil, loadErr("config", formatErrf(8, "bad model config: %v", err))
	}
	if tensorCount < 0 || tensorCount > 1<<20 {
		return nil, loadErr("table", formatErrf(52, "implausible tensor count: %d", tensorCount))
	}

	tableEnd := uint64(HeaderSize) + tableLen
	if tableEnd > uint64(len(buf)) {
		return nil, loadErr("table", formatErrf(56, "tensor table (%d bytes) exceeds buffer (%d bytes)", tableLen, len(buf)))
	}

	dataStart := align(tableEnd, DataAlignment)
	if dataStart > uint64(len(buf)) {
		return nil, loadErr("table", formatErrf(tableEnd, "no room for data region after table"))
	}
	dataLen := uint64(len(buf)) - dataStart

	off := uint64(HeaderSize)
	for i := 0; i < tensorCount; i++ {
		d, n, err := readDescriptor(buf, off, tableEnd)
		if err != nil {
			return nil, loadErr("descriptor", err)
		}
		off += n

		// Declared length must match the shape-derived byte size exactly,
		// and lie fully inside the data region.
		nElems, ok := checkedElements(d.Dims)
		if !ok {
			return nil, loadErr("descriptor", formatErrf(off, "tensor %s: element count overflows for dims %v", d.Name, d.Dims))
		}
		if d.Scheme == SchemeQ8 && nElems%Q8BlockSize != 0 {
			return nil, loadErr("descriptor", formatErrf(off, "tensor %s: q8 element count %d not a multiple of %d", d.Name, nElems, Q8BlockSize))
		}
		want := d.Scheme.SizeBytes(nElems)
		if want == 0 || want != d.Length {
			return nil, loadErr("descriptor", formatErrf(off, "tensor %s: declared length %d != %d expected for shape %v scheme %s",
				d.Name, d.Length, want, d.Dims, d.Scheme))
		}
		if d.Length > dataLen || d.Offset > dataLen-d.Length {
			return nil, loadErr("descriptor", formatErrf(off, "tensor %s: data truncated (need %d bytes at offset %d, region has %d)",
				d.Name, d.Length, d.Offset, dataLen))
		}
		if _, dup := m.byName[d.Name]; dup {
			return nil, loadErr("descriptor", formatErrf(off, "duplicate tensor name %q", d.Name))
		}

		d.Data = buf[dataStart+d.Offset : dataStart+d.Offset+d.Length]
		m.Tensors = append(m.Tensors, d)
		m.byName[d.Name] = d
	}

	logger.Log.Component("artifact").Debug("artifact parsed",
		"tensors", len(m.Tensors), "layers", c.Layers, "hidden", c.Hidden, "vocab", c.VocabSize)

	return m, nil
}

// Open reads an artifact file into memory and parses it. The core
// never performs I/O itself; this is the convenience entry for the
// CLI and server, which hand the resident buffer to Parse.
func Open(path string) (*Model, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(buf)
}

func readDescriptor(buf []byte, off, tableEnd uint64) (*Descriptor, uint64, error) {
	start := off
	if off+2 > tableEnd {
		return nil, 0, formatErrf(off, "truncated descriptor name length")
	}
	nameLen := uint64(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if nameLen == 0 || off+nameLen > tableEnd {
		return nil, 0, formatErrf(off, "bad descriptor name length %d", nameLen)
	}
	name := string(buf[off : off+nameLen])
	off += nameLen

	if off+1 > tableEnd {
		return nil, 0, formatErrf(off, "truncated dim count for %s", name)
	}
	nDims := int(buf[off])
	off++
	if nDims == 0 || nDims > 4 {
		return nil, 0, formatErrf(off, "tensor %s: bad dim count %d", name, nDims)
	}

	dims := make([]int, nDims)
	for j := 0; j < nDims; j++ {
		if off+4 > tableEnd {
			return nil, 0, formatErrf(off, "truncated dims for %s", name)
		}
		dims[j] = int(binary.LittleEndian.Uint32(buf[off:]))
		if dims[j] <= 0 {
			return nil, 0, formatErrf(off, "tensor %s: dim %d is %d", name, j, dims[j])
		}
		off += 4
	}

	if off+4+8+8 > tableEnd {
		return nil, 0, formatErrf(off, "truncated descriptor tail for %s", name)
	}
	scheme := Scheme(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if !scheme.Valid() {
		return nil, 0, formatErrf(off, "tensor %s: unknown scheme %d", name, uint32(scheme))
	}
	dataOff := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	length := binary.LittleEndian.Uint64(buf[off:])
	off += 8

	return &Descriptor{
		Name:   name,
		Dims:   dims,
		Scheme: scheme,
		Offset: dataOff,
		Length: length,
	}, off - start, nil
}

func loadErr(kind string, err error) error {
	metrics.ArtifactLoadErrors.WithLabelValues(kind).Inc()
	return err
}

// maxTensorElements caps a single tensor's element count so the
// byte-size math downstream stays within uint64.
const maxTensorElements = math.MaxInt64 / 8

func checkedElements(dims []int) (int, bool) {
	n := 1
	for _, dim := range dims {
		if dim <= 0 || n > maxTensorElements/dim {
			return 0, false
		}
		n *= dim
	}
	return n, true
}

func align(off, alignment uint64) uint64 {
	pad := alignment - (off % alignment)
	if pad != alignment {
		off += pad
	}
	return off
}
