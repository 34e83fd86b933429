package pipeline

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/rivengine/forest/internal/compaction"
	"github.com/rivengine/forest/internal/grid"
)

// op is the active stage occupying a pipeline slot.
type op uint8

const (
	opNone op = iota
	opRead
	opMerge
	opWrite
)

// slot is one of the pipeline's three fixed positions. All filled slots
// reference the same active compaction (c*); only active_op and which
// pipeline half they were assigned differ.
type slot struct {
	filled          bool
	activeOp        op
	iface           *compaction.Interface
	compactionIndex int
}

// state is the pipeline's own Filling/Full phase, independent of slot op.
type pstate uint8

const (
	stateIdle pstate = iota
	stateFilling
	stateFull
)

// Pipeline is the three-slot compaction scheduler. One Pipeline is owned
// by the forest and reused across bars; QueueCompaction populates its
// compactions list at the start of each bar, and Beat/blipCallback drive
// the read/merge/write state machine to completion.
//
// Grounded in a fixed-size slot array advanced in rounds, replacing a
// goroutine-per-slot model with synchronous, single-threaded scheduling,
// since blip completions here are simulated callbacks rather than real
// concurrent I/O (see SPEC_FULL.md §5).
type Pipeline struct {
	pool            *BlockPool
	lsmLevels       int
	lsmBatchMultiple int

	compactions []*compaction.Interface

	barActive    *bitset.BitSet
	beatActive   *bitset.BitSet
	beatAcquired *bitset.BitSet

	slots           [3]slot
	slotFilledCount int
	slotRunningCount int
	state           pstate
	beatExhausted   bool

	blocksSplit CompactionBlocksSplit
	nextHalf    int // which half to assign to the next filled slot

	grid     grid.Grid
	callback func()
}

// New constructs a Pipeline over a pool sized for bitsetLen live
// (tree_id, level) slots and lsmBatchMultiple beats per bar.
func New(pool *BlockPool, g grid.Grid, lsmLevels, lsmBatchMultiple, bitsetLen int) *Pipeline {
	return &Pipeline{
		pool:             pool,
		grid:             g,
		lsmLevels:        lsmLevels,
		lsmBatchMultiple: lsmBatchMultiple,
		barActive:        bitset.New(uint(bitsetLen)),
		beatActive:       bitset.New(uint(bitsetLen)),
		beatAcquired:     bitset.New(uint(bitsetLen)),
	}
}

// QueueCompaction appends a compaction discovered during the first-beat
// bar_setup enumeration. Its position in this list is its fixed bitset
// index for the rest of the bar.
func (p *Pipeline) QueueCompaction(iface *compaction.Interface) {
	iface.CompactionIndex = len(p.compactions)
	p.compactions = append(p.compactions, iface)
}

// Compactions returns the bar's queued compaction list, for the forest's
// bar_finish and stats-gathering passes.
func (p *Pipeline) Compactions() []*compaction.Interface { return p.compactions }

// ClearCompactions empties the queued-compaction list, per the forest's
// last-beat compact_callback: called only after bar_finish
// has run for every queued compaction and bar_active has been asserted
// empty.
func (p *Pipeline) ClearCompactions() { p.compactions = nil }

// Reset clears all pipeline state, including the queued-compactions list.
// Used by the forest's full pipeline reset (the chosen resolution of the
// open question over Forest.reset's scope — see DESIGN.md).
func (p *Pipeline) Reset() {
	p.compactions = nil
	p.barActive.ClearAll()
	p.beatActive.ClearAll()
	p.beatAcquired.ClearAll()
	p.slots = [3]slot{}
	p.slotFilledCount = 0
	p.slotRunningCount = 0
	p.state = stateIdle
	p.beatExhausted = false
	p.callback = nil
}

// Beat runs the per-beat initialisation.
func (p *Pipeline) Beat(op_ uint64, callback func()) {
	p.slotFilledCount = 0
	p.slotRunningCount = 0

	firstBeat := op_%uint64(p.lsmBatchMultiple) == 0
	if firstBeat {
		p.barActive.ClearAll()
		for i := range p.compactions {
			p.barActive.Set(uint(i))
		}
		split, scratch, err := divideBlocks(p.pool, p.lsmLevels, len(p.compactions))
		if err != nil {
			panic(fmt.Sprintf("pipeline: divide_blocks: %v", err))
		}
		p.blocksSplit = split
		p.nextHalf = 0
		for i, iface := range p.compactions {
			iface.BarSetupBudget(p.lsmBatchMultiple, scratch[i])
		}
	}

	p.beatActive = p.barActive.Clone()
	if p.slotFilledCount != 0 || anyFilled(p.slots) {
		panic("pipeline: beat started with slots still occupied")
	}
	if p.callback != nil {
		panic("pipeline: beat started with a callback already pending")
	}

	for i := uint(0); i < p.beatActive.Len(); i++ {
		if p.beatActive.Test(i) {
			p.beatAcquired.Set(i)
			p.compactions[i].BeatGridAcquire()
		}
	}

	p.callback = callback

	if len(p.compactions) == 0 {
		p.grid.OnNextTick(p.beatFinishedNextTick)
		return
	}

	p.state = stateFilling
	p.advancePipeline()
}

func anyFilled(slots [3]slot) bool {
	for _, s := range slots {
		if s.filled {
			return true
		}
	}
	return false
}

// advancePipeline advances each pipeline slot by one stage.
func (p *Pipeline) advancePipeline() {
	cStar, ok := firstSet(p.beatActive)
	if !ok {
		p.grid.OnNextTick(p.beatFinishedNextTick)
		return
	}

	cpuStart := -1
	for idx := 0; idx < p.slotFilledCount; idx++ {
		s := &p.slots[idx]
		if !s.filled {
			continue
		}
		switch s.activeOp {
		case opRead:
			if !p.beatExhausted {
				cpuStart = idx
			}
			// else: discarded, state machine progresses implicitly.
		case opMerge:
			s.activeOp = opWrite
			p.slotRunningCount++
			s.iface.BlipWrite(p.blipCallback(s))
		case opWrite:
			if !p.beatExhausted {
				s.activeOp = opRead
				p.slotRunningCount++
				s.iface.BlipRead(p.blipCallback(s))
			} else {
				if p.slotRunningCount > 0 {
					return
				}
				p.beatActive.Clear(uint(cStar))
				p.beatExhausted = false
				p.slots = [3]slot{}
				p.slotFilledCount = 0
				p.state = stateFilling
				p.advancePipeline()
				return
			}
		}
	}

	if p.state == stateFilling && !p.beatExhausted {
		idx := p.slotFilledCount
		iface := p.compactions[cStar]
		p.slots[idx] = slot{filled: true, activeOp: opRead, iface: iface, compactionIndex: cStar}
		// Every piece of bookkeeping for this slot is committed before the
		// blip call below: a compaction that invokes its callback
		// synchronously (rather than through a genuinely async completion)
		// must still observe consistent pipeline state if it reenters
		// advance_pipeline from inside the call.
		p.slotFilledCount++
		if p.slotFilledCount == 3 {
			p.state = stateFull
		}
		iface.BeatBlocksAssign(p.blocksForHalf(p.nextHalf))
		p.nextHalf = 1 - p.nextHalf
		p.slotRunningCount++
		iface.BlipRead(p.blipCallback(&p.slots[idx]))
	}

	if cpuStart >= 0 {
		s := &p.slots[cpuStart]
		// A synchronous blip callback above may have re-entered
		// advancePipeline and already moved this slot on, cleared it, or
		// exhausted the beat; cpuStart is only acted on if still current.
		if s.filled && s.activeOp == opRead && !p.beatExhausted {
			s.activeOp = opMerge
			p.slotRunningCount++
			s.iface.BlipMerge(p.blipCallback(s))
		}
	}
}

// blocksForHalf converts this pipeline's bar-wide split into the
// compaction-facing Blocks struct for the given half.
func (p *Pipeline) blocksForHalf(half int) compaction.Blocks {
	h := p.blocksSplit.Halves[half]
	return compaction.Blocks{
		InputIndex: h.InputIndex,
		InputA:     h.InputA,
		InputB:     h.InputB,
		Output:     h.Output,
	}
}

// blipCallback returns a closure bound to s implementing the blip-completion handler.
// Closing over the slot directly avoids a linear search over live
// compaction-interface pointers to find which slot a blip belongs to (blip
// callbacks are only ever invoked for the slot they were created for).
func (p *Pipeline) blipCallback(s *slot) func(beatExhausted, barExhausted *bool) {
	return func(beatExhausted, barExhausted *bool) {
		if (beatExhausted != nil || barExhausted != nil) && s.activeOp != opMerge {
			panic("pipeline: only the merge stage may report exhaustion")
		}
		if beatExhausted != nil {
			p.beatExhausted = *beatExhausted
		}
		if barExhausted != nil && *barExhausted {
			if beatExhausted == nil || !*beatExhausted {
				panic("pipeline: bar_exhausted=true requires beat_exhausted=true")
			}
			p.barActive.Clear(uint(s.compactionIndex))
		}
		p.slotRunningCount--
		if p.slotRunningCount > 0 {
			return
		}
		p.advancePipeline()
	}
}

// beatFinishedNextTick runs the beat-termination assertions
// then invokes the stored forest callback.
func (p *Pipeline) beatFinishedNextTick() {
	if p.beatActive.Count() != 0 {
		panic("pipeline: beat finished with beat_active non-empty")
	}
	if p.slotFilledCount != 0 || p.slotRunningCount != 0 || anyFilled(p.slots) {
		panic("pipeline: beat finished with slots still occupied")
	}
	cb := p.callback
	p.callback = nil
	if cb != nil {
		cb()
	}
}

// BeatEnd runs beat_end: iterates queued compactions in
// reverse index order, forfeiting the grid acquisition for every
// compaction that acquired it this beat. Called synchronously by the
// forest's compact_callback, not from within the pipeline's own state
// machine.
func (p *Pipeline) BeatEnd() {
	for i := len(p.compactions) - 1; i >= 0; i-- {
		if p.beatAcquired.Test(uint(i)) {
			p.compactions[i].BeatGridForfeit()
			p.beatAcquired.Clear(uint(i))
		}
	}
}

// BarActiveEmpty reports whether bar_active is empty, the forest's
// last-beat assertion before clearing the compactions list.
func (p *Pipeline) BarActiveEmpty() bool {
	return p.barActive.Count() == 0
}

func firstSet(b *bitset.BitSet) (int, bool) {
	idx, ok := b.NextSet(0)
	if !ok {
		return 0, false
	}
	return int(idx), true
}
