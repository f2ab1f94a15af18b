// Package idalloc hands out nonzero 32-bit network IDs from a
// cryptographically strong source.
package idalloc

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// Allocator draws random IDs. It holds no state of its own; uniqueness is
// checked against the caller's maps through the taken predicate.
type Allocator struct {
	src io.Reader
	buf [4]byte
}

// New returns an Allocator reading from crypto/rand.
func New() *Allocator {
	return &Allocator{src: rand.Reader}
}

// NewWithSource returns an Allocator reading from src. Used by tests.
func NewWithSource(src io.Reader) *Allocator {
	return &Allocator{src: src}
}

// Allocate returns an ID that is nonzero and for which taken reports false.
// The caller must hold whatever lock guards the maps taken inspects.
func (a *Allocator) Allocate(taken func(uint32) bool) (uint32, error) {
	for {
		if _, err := io.ReadFull(a.src, a.buf[:]); err != nil {
			return 0, fmt.Errorf("reading entropy: %w", err)
		}
		id := binary.LittleEndian.Uint32(a.buf[:])
		if id == 0 {
			continue
		}
		if taken != nil && taken(id) {
			continue
		}
		return id, nil
	}
}
