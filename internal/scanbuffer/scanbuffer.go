// Package scanbuffer implements the forest's scan buffer pool: a
// fixed-capacity arena of byte buffers for ad hoc reads outside the
// compaction path (which goes through the block pool instead). The
// manifest log's event replay scanner borrows its scratch buffer from
// here instead of allocating fresh on every open.
package scanbuffer

import "fmt"

// Pool is a fixed-capacity set of equally-sized byte buffers.
type Pool struct {
	bufSize int
	buffers [][]byte
	free    []int
}

// New allocates count buffers of bufSize bytes each.
func New(count, bufSize int) (*Pool, error) {
	if count <= 0 || bufSize <= 0 {
		return nil, fmt.Errorf("scanbuffer: invalid pool size (count=%d, bufSize=%d)", count, bufSize)
	}
	p := &Pool{
		bufSize: bufSize,
		buffers: make([][]byte, count),
		free:    make([]int, count),
	}
	for i := range p.buffers {
		p.buffers[i] = make([]byte, bufSize)
		p.free[i] = count - 1 - i
	}
	return p, nil
}

// Acquire reserves a buffer, returning its index and backing slice. Returns
// false if the pool is exhausted.
func (p *Pool) Acquire() (int, []byte, bool) {
	if len(p.free) == 0 {
		return 0, nil, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return idx, p.buffers[idx], true
}

// Release returns a buffer to the pool by index.
func (p *Pool) Release(idx int) {
	p.free = append(p.free, idx)
}

// BufferSize returns the fixed size of every buffer in the pool.
func (p *Pool) BufferSize() int { return p.bufSize }

// Len returns the pool's total capacity.
func (p *Pool) Len() int { return len(p.buffers) }

// Available returns the number of free buffers.
func (p *Pool) Available() int { return len(p.free) }
