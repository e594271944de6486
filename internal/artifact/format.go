package artifact

import "fmt"

const (
	// Magic is "EMBR" little-endian.
	Magic   = 0x52424D45
	Version = 1

	// HeaderSize is the fixed byte length of the artifact header.
	HeaderSize = 64

	// DataAlignment pads the tensor data region from the buffer start.
	DataAlignment = 32

	// Q8BlockSize is the number of weights sharing one scale/zero-point pair.
	Q8BlockSize = 32
	// q8BlockBytes: f32 scale + i8 zero-point + Q8BlockSize payload bytes.
	q8BlockBytes = 4 + 1 + Q8BlockSize
)

// Scheme identifies how a tensor's values are stored.
type Scheme uint32

const (
	SchemeF32 Scheme = 0
	SchemeF16 Scheme = 1
	SchemeQ8  Scheme = 2
)

func (s Scheme) String() string {
	switch s {
	case SchemeF32:
		return "f32"
	case SchemeF16:
		return "f16"
	case SchemeQ8:
		return "q8"
	default:
		return fmt.Sprintf("unknown_scheme_%d", uint32(s))
	}
}

// Valid reports whether the scheme id is one this runtime understands.
func (s Scheme) Valid() bool {
	return s == SchemeF32 || s == SchemeF16 || s == SchemeQ8
}

// SizeBytes returns the storage size for n elements under this scheme.
// Q8 requires n to be a multiple of Q8BlockSize; callers validate that.
func (s Scheme) SizeBytes(n int) uint64 {
	switch s {
	case SchemeF32:
		return uint64(n) * 4
	case SchemeF16:
		return uint64(n) * 2
	case SchemeQ8:
		return uint64(n/Q8BlockSize) * q8BlockBytes
	default:
		return 0
	}
}

// ModelConfig holds the architecture parameters read from the header.
type ModelConfig struct {
	Hidden     int
	Layers     int
	Heads      int
	KVHeads    int
	HeadDim    int
	FFNDim     int
	VocabSize  int
	MaxContext int
	RopeBase   float32
	NormEps    float32
	Quant      Scheme
}

// KVDim returns the per-position key (or value) width.
func (c *ModelConfig) KVDim() int {
	return c.KVHeads * c.HeadDim
}

func (c *ModelConfig) Validate() error {
	if c.Hidden <= 0 {
		return fmt.Errorf("invalid hidden: %d (must be positive)", c.Hidden)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("kv_heads %d must divide heads %d", c.KVHeads, c.Heads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.Hidden != c.Heads*c.HeadDim {
		return fmt.Errorf("hidden mismatch: %d != heads(%d) * head_dim(%d)", c.Hidden, c.Heads, c.HeadDim)
	}
	if c.FFNDim <= 0 {
		return fmt.Errorf("invalid ffn_dim: %d (must be positive)", c.FFNDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.MaxContext <= 0 {
		return fmt.Errorf("invalid max_context: %d (must be positive)", c.MaxContext)
	}
	if c.RopeBase <= 0 {
		return fmt.Errorf("invalid rope_base: %f (must be positive)", c.RopeBase)
	}
	if c.NormEps <= 0 {
		return fmt.Errorf("invalid norm_eps: %e (must be positive)", c.NormEps)
	}
	if !c.Quant.Valid() {
		return fmt.Errorf("unknown quant scheme: %d", uint32(c.Quant))
	}
	return nil
}

// Descriptor describes one weight tensor. Data aliases the artifact
// buffer; it is borrowed by the engine for the session lifetime and
// never copied.
type Descriptor struct {
	Name   string
	Dims   []int
	Scheme Scheme
	Offset uint64 // relative to the data region start
	Length uint64
	Data   []byte
}

// NumElements is the product of all dims.
func (d *Descriptor) NumElements() int {
	n := 1
	for _, dim := range d.Dims {
		n *= dim
	}
	return n
}

// Rows and Cols treat the tensor as a [rows, cols] matrix, with any
// trailing dims folded into rows (matching how projections are stored).
func (d *Descriptor) Rows() int {
	if len(d.Dims) < 2 {
		return 1
	}
	rows := 1
	for _, dim := range d.Dims[:len(d.Dims)-1] {
		rows *= dim
	}
	return rows
}

func (d *Descriptor) Cols() int {
	if len(d.Dims) == 0 {
		return 0
	}
	return d.Dims[len(d.Dims)-1]
}

// Model is a parsed artifact: config plus named weight descriptors.
// Weight bytes stay in the caller's buffer.
type Model struct {
	Config  ModelConfig
	Tensors []*Descriptor

	byName map[string]*Descriptor
}

// Lookup returns the descriptor for a weight name, or nil.
func (m *Model) Lookup(name string) *Descriptor {
	return m.byName[name]
}

// FormatError reports a malformed or inconsistent artifact. Fatal for
// the load; there is no partial recovery.
type FormatError struct {
	Offset uint64
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("artifact format error at offset %d: %s", e.Offset, e.Reason)
}

func formatErrf(offset uint64, format string, args ...interface{}) error {
	return &FormatError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// ShapeError reports a weight whose shape disagrees with the model
// configuration. Fatal at load time.
type ShapeError struct {
	Name   string
	Dims   []int
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("weight %s shape %v: %s", e.Name, e.Dims, e.Reason)
}
