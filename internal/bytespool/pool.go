// Package bytespool recycles the packet buffers of the link adapters.
package bytespool

import (
	"math/bits"
	"sync"
)

const (
	// minShift is the smallest size class, 256 bytes.
	minShift = 8

	// maxShift is the largest size class, 64 KiB, which holds any packet
	// of the 2-byte length framing.
	maxShift = 16
)

// Pool hands out byte slices from power-of-two size classes.
type Pool struct {
	classes [maxShift - minShift + 1]sync.Pool
}

// Default is the pool used by the link adapters.
var Default = New()

// New returns an empty [Pool].
func New() *Pool {
	p := &Pool{}
	for i := range p.classes {
		size := 1 << (minShift + i)
		p.classes[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

// classOf returns the smallest class holding size bytes, or -1.
func classOf(size int) int {
	if size > 1<<maxShift {
		return -1
	}
	if size <= 1<<minShift {
		return 0
	}
	return bits.Len(uint(size-1)) - minShift
}

// Get returns a slice of length size. Sizes above the largest class are
// allocated and never pooled.
func (p *Pool) Get(size int) []byte {
	class := classOf(size)
	if class < 0 {
		return make([]byte, size)
	}
	buf := p.classes[class].Get().(*[]byte)
	return (*buf)[:size]
}

// Put returns buf to the pool. Buffers may have held plaintext, so they are
// cleared first. Slices whose capacity is not a class size are ignored.
func (p *Pool) Put(buf []byte) {
	c := cap(buf)
	if c < 1<<minShift || c&(c-1) != 0 {
		return
	}
	class := classOf(c)
	if class < 0 {
		return
	}
	buf = buf[:c]
	clear(buf)
	p.classes[class].Put(&buf)
}
