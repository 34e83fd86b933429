// Package grid defines the block-addressed storage abstraction the forest
// and its compaction pipeline read and write through, and a deterministic
// in-memory implementation of it.
//
// Real I/O is out of scope for this subsystem (spec Non-goals: "crash
// recovery of the grid"); SimGrid exists so the Forest, Pipeline, and
// reference Compaction can be driven end to end without a real disk, in
// keeping with the single-threaded, callback-driven concurrency model the
// spec requires: SimGrid never spawns a goroutine, and every "asynchronous"
// completion is just a callback queued for the next explicit Tick().
package grid

import "fmt"

// Grid is the external, block-addressed storage collaborator. All reads and
// writes are async-by-callback; callbacks fire no earlier than the next
// Tick of whatever event loop drives the Grid (the replica layer, in the
// real system; SimGrid.Tick in this one).
type Grid interface {
	// Read copies the block at address into buf, then invokes cb.
	Read(address uint64, buf []byte, cb func(err error))
	// Write copies buf to the block at address, then invokes cb.
	Write(address uint64, buf []byte, cb func(err error))
	// OnNextTick schedules fn to run on the next tick of the grid's event
	// loop, without performing any I/O. Used by the pipeline to keep the
	// empty-beat path asynchronous (spec §4.2.1 step 6).
	OnNextTick(fn func())
	// AssertOnlyRepairing panics unless the grid's only outstanding work is
	// repair I/O — the forest's checkpoint precondition.
	AssertOnlyRepairing()
	// GridBlock returns the raw bytes at address, if resident, without
	// issuing an async read. Used by verification routines that need a
	// synchronous peek at already-written data.
	GridBlock(address uint64) ([]byte, bool)
	// AllocateAddress hands out a fresh block address for a new table.
	AllocateAddress() uint64
}

// SimGrid is a deterministic, single-threaded Grid. It never touches a
// goroutine: Read/Write/OnNextTick enqueue work, and nothing runs until the
// driver calls Tick.
type SimGrid struct {
	blockSize int
	blocks    map[uint64][]byte
	pending   []func()
	repairing bool
	nextAddr  uint64
}

// New constructs a SimGrid whose blocks are blockSize bytes.
func New(blockSize int) *SimGrid {
	return &SimGrid{
		blockSize: blockSize,
		blocks:    make(map[uint64][]byte),
	}
}

// AllocateAddress returns a fresh, never-before-used block address. Grounded
// in timestamp-based block-file naming (`time.Now().UnixNano()`
// filenames); SimGrid instead hands out dense
// integers starting at 1 so bitmap.AddressSet stays compact.
func (g *SimGrid) AllocateAddress() uint64 {
	g.nextAddr++
	return g.nextAddr
}

func (g *SimGrid) Read(address uint64, buf []byte, cb func(err error)) {
	stored, ok := g.blocks[address]
	g.pending = append(g.pending, func() {
		if !ok {
			cb(fmt.Errorf("grid: read of unwritten address %d", address))
			return
		}
		n := copy(buf, stored)
		if n < len(buf) {
			for i := n; i < len(buf); i++ {
				buf[i] = 0
			}
		}
		cb(nil)
	})
}

func (g *SimGrid) Write(address uint64, buf []byte, cb func(err error)) {
	stored := make([]byte, len(buf))
	copy(stored, buf)
	g.pending = append(g.pending, func() {
		g.blocks[address] = stored
		cb(nil)
	})
}

func (g *SimGrid) OnNextTick(fn func()) {
	g.pending = append(g.pending, fn)
}

func (g *SimGrid) AssertOnlyRepairing() {
	if !g.repairing && len(g.pending) > 0 {
		panic("grid: checkpoint precondition violated: grid has outstanding non-repair work")
	}
}

func (g *SimGrid) GridBlock(address uint64) ([]byte, bool) {
	b, ok := g.blocks[address]
	return b, ok
}

// SetRepairing toggles whether the grid considers itself mid-repair, for
// tests exercising the checkpoint precondition.
func (g *SimGrid) SetRepairing(repairing bool) {
	g.repairing = repairing
}

// Tick runs every callback queued since the last Tick, in FIFO order. Work
// queued by a callback during this Tick is deferred to the next one — this
// is what gives the forest's beat/bar clock its discrete pacing.
func (g *SimGrid) Tick() int {
	batch := g.pending
	g.pending = nil
	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

// Pending reports how many callbacks are queued for the next Tick.
func (g *SimGrid) Pending() int {
	return len(g.pending)
}

// BlockSize returns the grid's fixed block size.
func (g *SimGrid) BlockSize() int { return g.blockSize }
