// Package pipeline implements the compaction pipeline: the three-slot,
// bar/beat/blip scheduler that drives every queued per-tree Compaction
// through read, merge, and write stages in lockstep, paced by the forest's
// beat clock.
//
// Grounded in the a fixed worker-pool
// scheduling shape (a fixed-size slot array advanced round by round), but
// reworked into the single-threaded, full-barrier state machine this
// subsystem requires (see SPEC_FULL.md §5): no goroutine ever touches a
// slot; every stage transition happens synchronously inside blipCallback.
package pipeline

import "fmt"

// BlockSize is the fixed size of every buffer in the pool, matching the
// block/table wire format (internal/block.Size).
const BlockSize = 4096

// PoolBlocks is the fixed pool capacity: 1024 buffers, shared by every
// queued compaction for the bar's duration.
const PoolBlocks = 1024

// BlockPool is the pipeline's pre-allocated arena of fixed-size buffers.
// Ownership is entirely the pipeline's: compactions only ever see the
// slices divideBlocks hands them for one beat.
type BlockPool struct {
	blocks [][]byte
}

// NewBlockPool allocates a pool of count buffers of BlockSize bytes each.
func NewBlockPool(count int) (*BlockPool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("pipeline: block pool count must be positive, got %d", count)
	}
	p := &BlockPool{blocks: make([][]byte, count)}
	for i := range p.blocks {
		p.blocks[i] = make([]byte, BlockSize)
	}
	return p, nil
}

// Len returns the pool's total capacity.
func (p *BlockPool) Len() int { return len(p.blocks) }

// CompactionBlocksHalf is one pipeline half's share of the bar's block
// partition: one scratch buffer per input level and one output buffer.
type CompactionBlocksHalf struct {
	InputIndex []byte
	InputA     []byte
	InputB     []byte
	Output     []byte
}

// CompactionBlocksSplit is the bar-wide partition divide_blocks computes
// once per bar, covering both pipeline halves.
type CompactionBlocksSplit struct {
	Halves [2]CompactionBlocksHalf
}

// divideBlocks partitions pool into per-compaction scratch, an index-block
// reserve, and the two pipeline halves, per SPEC_FULL.md §4.2.6.
//
// Layout, by running offset (trivially disjoint by construction):
//
//	[ scratch: 2 blocks * numCompactions ] [ indexReserve ] [ half 0 ] [ half 1 ]
//
// numCompactions bounds the scratch reserve so per-compaction scratch never
// overlaps the shared bar partition; it is the beat-initialisation step 2
// scratch_blocks_for(i) allocation, carved before divide_blocks' own
// partition rather than from within it.
func divideBlocks(pool *BlockPool, lsmLevels, numCompactions int) (CompactionBlocksSplit, [][2][]byte, error) {
	blocks := pool.blocks
	scratchReserve := 2 * numCompactions
	if scratchReserve > len(blocks) {
		return CompactionBlocksSplit{}, nil, fmt.Errorf("pipeline: block pool too small for %d queued compactions' scratch", numCompactions)
	}
	scratch := blocks[:scratchReserve]
	rest := blocks[scratchReserve:]

	indexReserve := lsmLevels
	if indexReserve < 2 {
		indexReserve = 2
	}
	if indexReserve > len(rest) {
		return CompactionBlocksSplit{}, nil, fmt.Errorf("pipeline: block pool too small for index reserve %d", indexReserve)
	}
	indexBlocks := rest[:indexReserve]
	rest = rest[indexReserve:]

	perHalf := len(rest) / 2
	unitsPerHalf := perHalf / 3
	if unitsPerHalf < 1 {
		return CompactionBlocksSplit{}, nil, fmt.Errorf("pipeline: block pool too small: only %d units per half, need >= 1", unitsPerHalf)
	}

	var split CompactionBlocksSplit
	for half := 0; half < 2; half++ {
		h := rest[half*perHalf : (half+1)*perHalf]
		// Grouped by category, not interleaved: [0:units) is the A group,
		// [units:2*units) the B group, [2*units:3*units) the output group,
		// and [3*units:perHalf) the leftover from integer division,
		// appended to output buffering (more output capacity never
		// violates disjointness). The bundled Reference compaction only
		// ever needs one buffer per category at a time, so only the
		// group's first block is exposed here; the rest of each group
		// stays reserved, disjoint capacity for compactions that pipeline
		// more than one table pair per half.
		aGroup := h[0:unitsPerHalf]
		bGroup := h[unitsPerHalf : 2*unitsPerHalf]
		outGroup := h[2*unitsPerHalf : perHalf]
		split.Halves[half] = CompactionBlocksHalf{
			InputIndex: indexBlocks[half%len(indexBlocks)],
			InputA:     aGroup[0],
			InputB:     bGroup[0],
			Output:     outGroup[0],
		}
	}

	scratchPer := make([][2][]byte, numCompactions)
	for i := 0; i < numCompactions; i++ {
		scratchPer[i] = [2][]byte{scratch[2*i], scratch[2*i+1]}
	}
	return split, scratchPer, nil
}
