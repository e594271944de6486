// Package kvcache stores per-layer attention key/value vectors across
// generation steps so each step only computes projections for the
// newest token.
package kvcache

import (
	"fmt"

	"github.com/emberml/ember/internal/logger"
	"github.com/emberml/ember/internal/metrics"
)

// Policy selects what happens when an append would exceed capacity.
type Policy string

const (
	// PolicyHardStop fails the append with a CapacityError.
	PolicyHardStop Policy = "hard_stop"
	// PolicySlideWindow overwrites the oldest stored position.
	PolicySlideWindow Policy = "slide_window"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyHardStop, "":
		return PolicyHardStop, nil
	case PolicySlideWindow:
		return PolicySlideWindow, nil
	}
	return "", fmt.Errorf("unknown kv cache policy %q", s)
}

// CapacityError reports an append rejected under PolicyHardStop.
type CapacityError struct {
	Capacity int
	Position int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("kv cache: position %d exceeds capacity %d", e.Position, e.Capacity)
}

// Cache holds one K slab and one V slab per transformer layer. Slabs
// are allocated once at construction; Append never allocates. Under
// PolicySlideWindow the slabs are addressed as a ring, physical slot
// = position % capacity.
type Cache struct {
	layers   int
	kvDim    int
	capacity int
	policy   Policy

	k [][]float32
	v [][]float32

	// length counts distinct positions currently stored; next is the
	// logical position of the next append. They diverge once the ring
	// wraps.
	length int
	next   int
}

// New allocates a cache for the given geometry. capacity is the
// maximum number of token positions retained.
func New(layers, kvDim, capacity int, policy Policy) (*Cache, error) {
	if layers <= 0 {
		return nil, fmt.Errorf("kv cache: layers must be positive, got %d", layers)
	}
	if kvDim <= 0 {
		return nil, fmt.Errorf("kv cache: kv dimension must be positive, got %d", kvDim)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("kv cache: capacity must be positive, got %d", capacity)
	}
	switch policy {
	case PolicyHardStop, PolicySlideWindow:
	default:
		return nil, fmt.Errorf("unknown kv cache policy %q", policy)
	}

	c := &Cache{
		layers:   layers,
		kvDim:    kvDim,
		capacity: capacity,
		policy:   policy,
		k:        make([][]float32, layers),
		v:        make([][]float32, layers),
	}
	for l := 0; l < layers; l++ {
		c.k[l] = make([]float32, capacity*kvDim)
		c.v[l] = make([]float32, capacity*kvDim)
	}

	capBytes := int64(layers) * 2 * int64(capacity) * int64(kvDim) * 4
	metrics.RecordKVCacheStats(capBytes, 0)
	logger.Log.Debug("kv cache allocated",
		"layers", layers, "kv_dim", kvDim, "capacity", capacity, "policy", string(policy))
	return c, nil
}

func (c *Cache) Capacity() int  { return c.capacity }
func (c *Cache) Policy() Policy { return c.policy }

// Length is the number of positions currently retrievable.
func (c *Cache) Length() int { return c.length }

// NextPosition is the logical position the next appended token will
// occupy. Under PolicySlideWindow it keeps growing past capacity.
func (c *Cache) NextPosition() int { return c.next }

// Window returns the half-open logical position range [start, end)
// whose entries are currently stored. Attention iterates exactly this
// range.
func (c *Cache) Window() (start, end int) {
	return c.next - c.length, c.next
}

// Append stores the key and value vectors for every layer at position
// pos. pos must equal NextPosition(); appends are strictly sequential.
// ks and vs hold one kvDim-length vector per layer.
func (c *Cache) Append(pos int, ks, vs [][]float32) error {
	if pos != c.next {
		return fmt.Errorf("kv cache: non-sequential append at position %d, expected %d", pos, c.next)
	}
	if len(ks) != c.layers || len(vs) != c.layers {
		return fmt.Errorf("kv cache: got %d/%d layer vectors, expected %d", len(ks), len(vs), c.layers)
	}

	evicting := c.length == c.capacity
	if evicting && c.policy == PolicyHardStop {
		return &CapacityError{Capacity: c.capacity, Position: pos}
	}

	slot := pos % c.capacity
	for l := 0; l < c.layers; l++ {
		if len(ks[l]) != c.kvDim || len(vs[l]) != c.kvDim {
			return fmt.Errorf("kv cache: layer %d vector length %d/%d, expected %d",
				l, len(ks[l]), len(vs[l]), c.kvDim)
		}
		copy(c.k[l][slot*c.kvDim:(slot+1)*c.kvDim], ks[l])
		copy(c.v[l][slot*c.kvDim:(slot+1)*c.kvDim], vs[l])
	}

	c.next++
	if !evicting {
		c.length++
	}

	metrics.RecordKVAppend(evicting)
	c.recordUsage()
	return nil
}

// AppendLayer stores one layer's vectors at position pos without
// advancing the position counter; Commit advances it once all layers
// for the position are written. This is the per-layer path the block
// executor uses while walking the stack.
func (c *Cache) AppendLayer(layer, pos int, k, v []float32) error {
	if layer < 0 || layer >= c.layers {
		return fmt.Errorf("kv cache: layer %d out of range [0,%d)", layer, c.layers)
	}
	if pos != c.next {
		return fmt.Errorf("kv cache: non-sequential append at position %d, expected %d", pos, c.next)
	}
	if c.length == c.capacity && c.policy == PolicyHardStop {
		return &CapacityError{Capacity: c.capacity, Position: pos}
	}
	if len(k) != c.kvDim || len(v) != c.kvDim {
		return fmt.Errorf("kv cache: layer %d vector length %d/%d, expected %d", layer, len(k), len(v), c.kvDim)
	}
	slot := pos % c.capacity
	copy(c.k[layer][slot*c.kvDim:(slot+1)*c.kvDim], k)
	copy(c.v[layer][slot*c.kvDim:(slot+1)*c.kvDim], v)
	return nil
}

// Commit marks position pos fully written across all layers and
// advances the window.
func (c *Cache) Commit(pos int) error {
	if pos != c.next {
		return fmt.Errorf("kv cache: commit of position %d, expected %d", pos, c.next)
	}
	evicting := c.length == c.capacity
	if evicting && c.policy == PolicyHardStop {
		return &CapacityError{Capacity: c.capacity, Position: pos}
	}
	c.next++
	if !evicting {
		c.length++
	}
	metrics.RecordKVAppend(evicting)
	c.recordUsage()
	return nil
}

// K returns the stored key vector for a layer at a logical position.
// The returned slice aliases cache memory; callers must not retain it
// across appends.
func (c *Cache) K(layer, pos int) ([]float32, error) {
	if err := c.checkGet(layer, pos); err != nil {
		return nil, err
	}
	slot := pos % c.capacity
	return c.k[layer][slot*c.kvDim : (slot+1)*c.kvDim], nil
}

// V returns the stored value vector for a layer at a logical position.
func (c *Cache) V(layer, pos int) ([]float32, error) {
	if err := c.checkGet(layer, pos); err != nil {
		return nil, err
	}
	slot := pos % c.capacity
	return c.v[layer][slot*c.kvDim : (slot+1)*c.kvDim], nil
}

func (c *Cache) checkGet(layer, pos int) error {
	if layer < 0 || layer >= c.layers {
		return fmt.Errorf("kv cache: layer %d out of range [0,%d)", layer, c.layers)
	}
	start, end := c.Window()
	if pos < start || pos >= end {
		return fmt.Errorf("kv cache: position %d outside stored window [%d,%d)", pos, start, end)
	}
	return nil
}

// Reset discards all stored entries while keeping the allocation.
func (c *Cache) Reset() {
	c.length = 0
	c.next = 0
	c.recordUsage()
}

func (c *Cache) recordUsage() {
	capBytes := int64(c.layers) * 2 * int64(c.capacity) * int64(c.kvDim) * 4
	usedBytes := int64(c.layers) * 2 * int64(c.length) * int64(c.kvDim) * 4
	metrics.RecordKVCacheStats(capBytes, usedBytes)
}
