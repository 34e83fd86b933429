// Package forest implements the top-level coordinator: it owns the tree
// registry, the compaction pipeline, the manifest log, and the node/scan
// buffer pools, and drives the open/compact/checkpoint lifecycle described
// driving the pipeline's beat clock.
//
// Grounded in a single coordinating type wiring memtable, WAL, manifest,
// and compaction together; generalised from a synchronous Put/Get/Delete
// API into the callback-driven open/compact/checkpoint lifecycle this
// subsystem requires.
package forest

import (
	"bytes"
	"fmt"
	"log"
	"os"

	"github.com/rivengine/forest/internal/bitmap"
	"github.com/rivengine/forest/internal/block"
	"github.com/rivengine/forest/internal/compaction"
	"github.com/rivengine/forest/internal/grid"
	"github.com/rivengine/forest/internal/groove"
	"github.com/rivengine/forest/internal/manifest"
	"github.com/rivengine/forest/internal/nodepool"
	"github.com/rivengine/forest/internal/pipeline"
	"github.com/rivengine/forest/internal/scanbuffer"
)

// invariant panics with a formatted message unless cond holds. This is the
// Go materialisation of the error-handling design's kind-2 "invariant
// violation" class: fatal, not recoverable, never an error return.
func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("forest: invariant violated: "+format, args...))
	}
}

// progress mirrors the forest's top-level lifecycle gate: at most one of
// open/compact/checkpoint may be in flight at a time.
type progress uint8

const (
	progressIdle progress = iota
	progressOpening
	progressCompacting
	progressCheckpointing
)

// Options is the forest's programmatic configuration surface, mirroring
// Forest.init(allocator, grid, node_count, grooves_options).
type Options struct {
	LSMLevels        int
	LSMBatchMultiple int
	LSMGrowthFactor  int // retained for observability/config surface parity; not consulted by the reference Compaction, which merges every table of both levels
	NodeCount        int // must be >= len(Grooves): one node pool slot backs each registered tree's dispatch entry
	ScanBufferCount  int
	ScanBufferSize   int
	BlockPoolSize    int // defaults to pipeline.PoolBlocks (1024) if zero
	Grooves          []groove.TreeInfo
	ManifestDir      string
}

// Stats aggregates observability counters across every tree's compactions,
// exposed for cmd/forestd's /stats endpoint, summed from each Reference
// compaction's compaction.Stats at bar finish.
type Stats struct {
	CompactionsRun int
	TablesMerged   int
	EntriesRead    int
	BytesRead      int64
	BytesWritten   int64
	BlipsRun       int
}

// Forest is the top-level coordinator.
type Forest struct {
	opts     Options
	registry *groove.Registry
	grid     grid.Grid
	manifest *manifest.Log
	nodes    *nodepool.Pool
	scans    *scanbuffer.Pool
	pipeline *pipeline.Pipeline
	log      *log.Logger

	progress            progress
	compactionsRunning  int
	lastOp              uint64
	lastLastBeat        bool
	manifestCompactDone bool

	// newCompaction constructs the per-(tree,level) Compaction state
	// machine; overridable by tests, defaults to the bundled Reference.
	newCompaction func(treeID uint16, levelB int, tree *groove.Tree) compaction.Compaction

	stats Stats
}

// New constructs a Forest: validates options, builds every owned
// sub-resource in order, and returns an error (never a partially built
// Forest) if any step fails, per the kind-1 allocation-failure design.
func New(opts Options, g grid.Grid) (*Forest, error) {
	if opts.LSMLevels <= 0 {
		return nil, fmt.Errorf("forest: lsm_levels must be positive")
	}
	if opts.LSMBatchMultiple <= 0 {
		return nil, fmt.Errorf("forest: lsm_batch_multiple must be positive")
	}
	if opts.NodeCount <= 0 {
		return nil, fmt.Errorf("forest: node_count must be positive")
	}
	if opts.ScanBufferCount <= 0 {
		opts.ScanBufferCount = 16
	}
	if opts.ScanBufferSize <= 0 {
		opts.ScanBufferSize = block.Size
	}
	if opts.BlockPoolSize <= 0 {
		opts.BlockPoolSize = pipeline.PoolBlocks
	}
	if opts.ManifestDir == "" {
		opts.ManifestDir = "."
	}

	nodes, err := nodepool.New(opts.NodeCount)
	if err != nil {
		return nil, fmt.Errorf("forest: node pool: %w", err)
	}

	registry := groove.NewRegistry(opts.Grooves, opts.LSMLevels, nodes)

	scans, err := scanbuffer.New(opts.ScanBufferCount, opts.ScanBufferSize)
	if err != nil {
		return nil, fmt.Errorf("forest: scan buffer pool: %w", err)
	}

	mlog, err := manifest.Open(opts.ManifestDir, scans)
	if err != nil {
		return nil, fmt.Errorf("forest: manifest log: %w", err)
	}

	pool, err := pipeline.NewBlockPool(opts.BlockPoolSize)
	if err != nil {
		return nil, fmt.Errorf("forest: block pool: %w", err)
	}

	min, max := registry.TreeIDRange()
	bitsetLen := (int(max-min) + 1) * opts.LSMLevels
	pl := pipeline.New(pool, g, opts.LSMLevels, opts.LSMBatchMultiple, bitsetLen)

	f := &Forest{
		opts:     opts,
		registry: registry,
		grid:     g,
		manifest: mlog,
		nodes:    nodes,
		scans:    scans,
		pipeline: pl,
		log:      log.New(os.Stderr, "forest: ", log.LstdFlags),
	}
	f.newCompaction = f.defaultCompaction
	return f, nil
}

func (f *Forest) defaultCompaction(treeID uint16, levelB int, tree *groove.Tree) compaction.Compaction {
	return compaction.New(compaction.Config{
		TreeID:   treeID,
		LevelB:   levelB,
		Tree:     tree,
		Grid:     f.grid,
		Manifest: f.manifest,
	})
}

// TreeForID dispatches a raw tree_id to its Tree in O(1).
func (f *Forest) TreeForID(treeID uint16) *groove.Tree {
	return f.registry.TreeForID(treeID)
}

// Stats returns a copy of the forest's accumulated observability counters.
func (f *Forest) Stats() Stats { return f.stats }

// CompactionsRunning reports the in-flight compaction-barrier counter
// (pipeline beat plus, on the last beat past the first bar, manifest-log
// compaction).
func (f *Forest) CompactionsRunning() int { return f.compactionsRunning }

// Open runs open: precondition no progress active and the
// manifest log idle; replays every persisted table through the owning
// tree's OpenTable, then runs both verification passes before invoking cb.
func (f *Forest) Open(cb func()) {
	invariant(f.progress == progressIdle, "open called while progress %d active", f.progress)
	invariant(f.manifest.IsIdle(), "open called while manifest log is not idle")
	f.progress = progressOpening

	eventCb := func(t block.TableInfo) {
		tree := f.registry.TreeForID(t.TreeID)
		tree.OpenTable(t)
	}
	doneCb := func() {
		f.verifyTablesRecovered()
		f.verifyTableExtents()
		f.progress = progressIdle
		f.log.Printf("open complete: %d trees recovered", len(f.registry.AllTrees()))
		cb()
	}
	if err := f.manifest.OpenLog(eventCb, doneCb); err != nil {
		panic(fmt.Sprintf("forest: open: manifest replay failed: %v", err))
	}
}

// Compact runs compact(callback, op).
func (f *Forest) Compact(cb func(), op uint64) {
	invariant(f.progress == progressIdle, "compact called while progress %d active", f.progress)
	beat := op % uint64(f.opts.LSMBatchMultiple)
	firstBeat := beat == 0
	lastBeat := beat == uint64(f.opts.LSMBatchMultiple-1)

	if firstBeat {
		invariant(len(f.pipeline.Compactions()) == 0, "first beat of bar started with compactions already queued")
		f.queueBarSetup(op)
	}

	f.progress = progressCompacting
	f.compactionsRunning++
	f.lastOp = op
	f.lastLastBeat = lastBeat

	f.pipeline.Beat(op, func() { f.compactCallback(cb, op, lastBeat) })

	if lastBeat && op > uint64(f.opts.LSMBatchMultiple) {
		f.compactionsRunning++
		f.manifest.Compact(func(done bool) {
			f.compactionsRunning--
			if done {
				f.manifestCompactDone = true
			}
		}, op)
	}
}

func (f *Forest) queueBarSetup(op uint64) {
	for level := 0; level < f.opts.LSMLevels; level++ {
		for _, tree := range f.registry.AllTrees() {
			c := f.newCompaction(tree.Info.TreeID, level, tree)
			info, ok := c.BarSetup(op)
			if !ok {
				continue
			}
			f.pipeline.QueueCompaction(&compaction.Interface{Info: info, Compaction: c})
		}
	}
}

func (f *Forest) compactCallback(cb func(), op uint64, lastBeat bool) {
	f.compactionsRunning--
	if f.compactionsRunning > 0 {
		return
	}

	f.pipeline.BeatEnd()

	if lastBeat {
		for _, iface := range f.pipeline.Compactions() {
			iface.BarFinish(op)
			if rc, ok := iface.Compaction.(*compaction.Reference); ok {
				s := rc.Stats()
				f.stats.CompactionsRun++
				f.stats.TablesMerged += s.TablesMerged
				f.stats.EntriesRead += s.EntriesRead
				f.stats.BytesRead += s.BytesRead
				f.stats.BytesWritten += s.BytesWritten
				f.stats.BlipsRun += s.BlipsRun
			}
		}
		invariant(f.pipeline.BarActiveEmpty(), "bar_active not empty at bar_finish")

		if f.manifestCompactDone {
			f.manifest.CompactEnd()
			f.manifestCompactDone = false
		}
		// No separate check is made here that the manifest compaction has
		// finished: its callback decrements compactionsRunning, which has
		// already reached zero to get this far. CompactEnd only panics when
		// no manifest compaction is open at all.

		f.pipeline.ClearCompactions()
	}

	f.progress = progressIdle
	cb()
}

// Checkpoint runs checkpoint(callback).
func (f *Forest) Checkpoint(cb func()) {
	invariant(f.progress == progressIdle, "checkpoint called while progress %d active", f.progress)
	invariant(f.manifest.IsIdle(), "checkpoint called while manifest log is not idle")
	f.grid.AssertOnlyRepairing()
	f.progress = progressCheckpointing

	f.manifest.Checkpoint(func() {
		f.verifyTablesRecovered()
		f.verifyTableExtents()
		f.progress = progressIdle
		cb()
	})
}

// Reset re-initialises all forest sub-state except the grid (which is
// reset by the replica layer above), including a full pipeline reset —
// the chosen resolution of the reset-semantics open question.
func (f *Forest) Reset() {
	f.progress = progressIdle
	f.compactionsRunning = 0
	f.lastOp = 0
	f.lastLastBeat = false
	f.manifestCompactDone = false
	f.pipeline.Reset()
}

// verifyTablesRecovered cross-checks the manifest log's reverse-replay
// table set (already applied to the trees by Open) against an independent
// forward-chronological replay of the same event log.
func (f *Forest) verifyTablesRecovered() {
	seen := make(map[uint64]block.TableInfo)
	tombstoned := bitmap.NewAddressSet()
	for _, ev := range f.manifest.Events() {
		switch ev.Kind {
		case manifest.EventInsert, manifest.EventUpdate:
			seen[ev.Table.Address] = ev.Table
			tombstoned.Remove(ev.Table.Address)
		case manifest.EventRemove:
			delete(seen, ev.Table.Address)
			tombstoned.Add(ev.Table.Address)
		}
	}

	for _, tree := range f.registry.AllTrees() {
		for level := 0; level < tree.Levels(); level++ {
			for _, table := range tree.Tables(level) {
				want, ok := seen[table.Address]
				invariant(ok, "table at address %d present in tree but not in forward replay", table.Address)
				invariant(bytes.Equal(want.KeyMin, table.KeyMin) && bytes.Equal(want.KeyMax, table.KeyMax), "key range mismatch at address %d", table.Address)
				invariant(want.Checksum == table.Checksum, "checksum mismatch at address %d", table.Address)
				invariant(want.SnapshotMin == table.SnapshotMin && want.SnapshotMax == table.SnapshotMax, "snapshot range mismatch at address %d", table.Address)
				invariant(want.TreeID == table.TreeID && want.Level == table.Level, "tree_id/level mismatch at address %d", table.Address)
			}
		}
	}
}

// verifyTableExtents checks the Σ tables.len == manifest extent
// count invariant.
func (f *Forest) verifyTableExtents() {
	total := 0
	for _, tree := range f.registry.AllTrees() {
		total += tree.TableCount()
	}
	invariant(total == len(f.manifest.TableExtents()), "table count mismatch: %d live tables, %d manifest extents", total, len(f.manifest.TableExtents()))
}
