package buffer

import (
	"sync/atomic"

	"github.com/duderino/everscale-sub002/internal/slab"
)

// Pool hands out buffers of one fixed capacity. Released buffers are cleared
// and recycled.
type Pool struct {
	size     int
	slab     *slab.Slab[Buffer]
	acquired atomic.Int64
}

func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.slab = slab.New(func() *Buffer { return New(size) }, (*Buffer).Clear)
	return p
}

func (p *Pool) Size() int { return p.size }

func (p *Pool) Acquire() *Buffer {
	p.acquired.Add(1)
	return p.slab.Acquire()
}

func (p *Pool) Release(b *Buffer) {
	if b == nil {
		return
	}
	p.acquired.Add(-1)
	p.slab.Release(b)
}

// Outstanding reports buffers acquired and not yet released.
func (p *Pool) Outstanding() int64 { return p.acquired.Load() }
