// Package nodepool implements the forest's node pool: a fixed-capacity
// arena of manifest-level tree node slots, exclusively owned by the forest
// and handed out one per tree when groove.NewRegistry builds its tree_id
// dispatch table at init.
package nodepool

import "fmt"

// Node is one manifest-level tree node slot. Its contents are opaque to the
// pool — manifest/tree code stores whatever per-level bookkeeping it needs
// in Payload.
type Node struct {
	Payload any
	inUse   bool
}

// Pool is a fixed-capacity, pre-allocated free list of Nodes.
type Pool struct {
	nodes []Node
	free  []int // indices of free nodes, LIFO
}

// New allocates a pool of count nodes. Returns an error (not a panic) if
// count is invalid: this is the allocation-failure error path from the
// forest's error-handling design, distinct from invariant violations.
func New(count int) (*Pool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("nodepool: count must be positive, got %d", count)
	}
	p := &Pool{
		nodes: make([]Node, count),
		free:  make([]int, count),
	}
	for i := range p.free {
		p.free[i] = count - 1 - i
	}
	return p, nil
}

// Acquire reserves a node from the pool. Returns false if the pool is
// exhausted — the forest's node_count option must be sized so this never
// happens during normal operation; exhaustion here indicates a sizing bug
// at the call site, surfaced as a bool rather than a panic so the caller
// decides: groove.NewRegistry, the pool's caller, panics on it as a
// startup sizing error.
func (p *Pool) Acquire() (*Node, bool) {
	if len(p.free) == 0 {
		return nil, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.nodes[idx].inUse = true
	p.nodes[idx].Payload = nil
	return &p.nodes[idx], true
}

// Release returns a node to the pool.
func (p *Pool) Release(n *Node) {
	n.inUse = false
	n.Payload = nil
	for i := range p.nodes {
		if &p.nodes[i] == n {
			p.free = append(p.free, i)
			return
		}
	}
}

// Len returns the pool's total capacity.
func (p *Pool) Len() int { return len(p.nodes) }

// Available returns the number of free nodes.
func (p *Pool) Available() int { return len(p.free) }
