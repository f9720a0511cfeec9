package ctrutil

import (
	"encoding/binary"
)

// Counter produces the successive counter blocks of a CTR keystream.
//
// Advance must be called with exactly the number of blocks consumed before the next block is
// produced.
type Counter interface {
	// Block returns the current counter block.
	Block() [16]byte
	// Advance the counter by the given number of blocks.
	Advance(blocks uint64)
	// Clone returns an independent copy of the counter.
	Clone() Counter
}

// FineCounter is a 128-bit big-endian integer, incremented with carry across all 16 bytes.
type FineCounter [16]byte

var _ Counter = &FineCounter{}

// NewFineCounter returns a FineCounter initialized from the given 16 bytes.
func NewFineCounter(iv []byte) *FineCounter {
	var c FineCounter
	copy(c[:], iv)
	return &c
}

// Block implements Counter.
func (c *FineCounter) Block() [16]byte {
	return *c
}

// Advance implements Counter.
func (c *FineCounter) Advance(blocks uint64) {
	lo := binary.BigEndian.Uint64(c[8:])
	hi := binary.BigEndian.Uint64(c[:8])

	sum := lo + blocks
	if sum < lo {
		hi++
	}

	binary.BigEndian.PutUint64(c[:8], hi)
	binary.BigEndian.PutUint64(c[8:], sum)
}

// Clone implements Counter.
func (c *FineCounter) Clone() Counter {
	clone := *c
	return &clone
}

// CoarseCounter keeps a fixed 12-byte prefix and increments a 32-bit big-endian suffix, which
// wraps around without carrying into the prefix.
type CoarseCounter struct {
	Prefix [12]byte
	Suffix uint32
}

var _ Counter = &CoarseCounter{}

// Block implements Counter.
func (c *CoarseCounter) Block() [16]byte {
	var block [16]byte
	copy(block[:12], c.Prefix[:])
	binary.BigEndian.PutUint32(block[12:], c.Suffix)
	return block
}

// Advance implements Counter.
func (c *CoarseCounter) Advance(blocks uint64) {
	c.Suffix += uint32(blocks)
}

// Clone implements Counter.
func (c *CoarseCounter) Clone() Counter {
	clone := *c
	return &clone
}
