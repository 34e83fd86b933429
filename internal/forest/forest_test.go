package forest

import (
	"bytes"
	"os"
	"testing"

	"github.com/rivengine/forest/internal/block"
	"github.com/rivengine/forest/internal/compaction"
	"github.com/rivengine/forest/internal/grid"
	"github.com/rivengine/forest/internal/groove"
)

// writeRealTable writes an encoded table to the grid at address and returns
// its descriptor, the same way a real memtable flush or merge output would.
func writeRealTable(t *testing.T, g *grid.SimGrid, treeID uint16, level uint8, address uint64, pairs map[string]string) block.TableInfo {
	t.Helper()
	tbl := block.New(treeID, level, address)
	for k, v := range pairs {
		tbl.Add([]byte(k), []byte(v))
	}
	if err := tbl.Finalize(block.CompressionNone); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	var buf bytes.Buffer
	if err := tbl.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	done := false
	g.Write(address, buf.Bytes(), func(err error) {
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		done = true
	})
	g.Tick()
	if !done {
		t.Fatalf("table write never completed")
	}
	return tbl.Info(0, 0)
}

func testGrooves() []groove.TreeInfo {
	return []groove.TreeInfo{
		{TreeID: 1, TreeName: "objects", GrooveName: "g", Kind: groove.KindObjects},
		{TreeID: 2, TreeName: "ids", GrooveName: "g", Kind: groove.KindIDs},
	}
}

func newTestForest(t *testing.T) (*Forest, *grid.SimGrid) {
	t.Helper()
	dir, err := os.MkdirTemp("", "forest-test")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	g := grid.New(block.Size)
	f, err := New(Options{
		LSMLevels:        3,
		LSMBatchMultiple: 2,
		NodeCount:        8,
		Grooves:          testGrooves(),
		ManifestDir:      dir,
	}, g)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f, g
}

func runToCompletion(t *testing.T, g *grid.SimGrid, done *bool) {
	t.Helper()
	for i := 0; i < 50 && !*done; i++ {
		if g.Tick() == 0 {
			break
		}
	}
	if !*done {
		t.Fatalf("operation never completed")
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	g := grid.New(block.Size)
	if _, err := New(Options{LSMBatchMultiple: 1, NodeCount: 1, Grooves: testGrooves()}, g); err == nil {
		t.Fatalf("expected error for lsm_levels <= 0")
	}
	if _, err := New(Options{LSMLevels: 1, NodeCount: 1, Grooves: testGrooves()}, g); err == nil {
		t.Fatalf("expected error for lsm_batch_multiple <= 0")
	}
	if _, err := New(Options{LSMLevels: 1, LSMBatchMultiple: 1, Grooves: testGrooves()}, g); err == nil {
		t.Fatalf("expected error for node_count <= 0")
	}
}

func TestOpenOnEmptyManifestSucceeds(t *testing.T) {
	f, g := newTestForest(t)

	done := false
	f.Open(func() { done = true })
	runToCompletion(t, g, &done)
}

func TestCompactOverEmptyTreesRunsEachBeatToCompletion(t *testing.T) {
	f, g := newTestForest(t)

	openDone := false
	f.Open(func() { openDone = true })
	runToCompletion(t, g, &openDone)

	for op := uint64(0); op < 4; op++ {
		done := false
		f.Compact(func() { done = true }, op)
		runToCompletion(t, g, &done)
	}

	if got := f.Stats(); got.CompactionsRun != 0 {
		t.Fatalf("expected no compactions run over empty trees, got %+v", got)
	}
	if f.CompactionsRunning() != 0 {
		t.Fatalf("expected CompactionsRunning() == 0 once every beat settles")
	}
}

func TestCompactPanicsIfCalledWhileAlreadyCompacting(t *testing.T) {
	f, _ := newTestForest(t)
	f.progress = progressCompacting

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic calling Compact while progress is already active")
		}
	}()
	f.Compact(func() {}, 0)
}

func TestCheckpointRequiresIdleGrid(t *testing.T) {
	f, g := newTestForest(t)

	openDone := false
	f.Open(func() { openDone = true })
	runToCompletion(t, g, &openDone)

	g.OnNextTick(func() {}) // outstanding non-repair work

	defer func() {
		if recover() == nil {
			t.Fatalf("expected Checkpoint to panic: grid has outstanding non-repair work")
		}
	}()
	f.Checkpoint(func() {})
}

func TestCheckpointSucceedsWithIdleGrid(t *testing.T) {
	f, g := newTestForest(t)

	openDone := false
	f.Open(func() { openDone = true })
	runToCompletion(t, g, &openDone)

	done := false
	f.Checkpoint(func() { done = true })
	runToCompletion(t, g, &done)
}

// TestCompactMergesRealTablesAcrossLevelsAndOverlapsManifestCompaction drives
// Forest.Compact end-to-end over non-empty trees, through the full
// Forest+Pipeline+Reference-compaction wiring, into the second bar where a
// last beat with op > lsm_batch_multiple also kicks off the manifest log's
// own compaction concurrently with the pipeline beat still in flight.
func TestCompactMergesRealTablesAcrossLevelsAndOverlapsManifestCompaction(t *testing.T) {
	f, g := newTestForest(t)

	openDone := false
	f.Open(func() { openDone = true })
	runToCompletion(t, g, &openDone)

	tree := f.TreeForID(1)
	seed := func(level uint8, pairs map[string]string) {
		info := writeRealTable(t, g, 1, level, g.AllocateAddress(), pairs)
		if err := f.manifest.InsertTable(info); err != nil {
			t.Fatalf("InsertTable: %v", err)
		}
		tree.OpenTable(info)
	}
	// Two level-0 tables and one level-1 table: the level-1
	// compaction merges all three together, so the first bar has real
	// work spanning both levels.
	seed(0, map[string]string{"a": "1"})
	seed(0, map[string]string{"b": "2"})
	seed(1, map[string]string{"c": "3"})

	// Bar 1 (op 0, 1): batch_multiple is 2, so op 1 is the last beat.
	for op := uint64(0); op < 2; op++ {
		done := false
		f.Compact(func() { done = true }, op)
		runToCompletion(t, g, &done)
	}

	afterBar1 := f.Stats()
	if afterBar1.CompactionsRun == 0 {
		t.Fatalf("expected bar 1 to run real compactions over the seeded tables")
	}
	if got := tree.TableCount(); got == 0 {
		t.Fatalf("expected bar 1's merge output to remain resident in the tree")
	}

	// Seed one more level-0 table so bar 2 also has real merge work to do
	// while the manifest-log compaction runs alongside it.
	seed(0, map[string]string{"d": "4"})

	// Bar 2 (op 2, 3): op 3 is the last beat and op(3) > lsm_batch_multiple
	// (2), the condition that fires Forest.manifest.Compact concurrently
	// with the pipeline's own beat completion.
	for op := uint64(2); op < 4; op++ {
		done := false
		f.Compact(func() { done = true }, op)
		if op == 3 {
			if f.CompactionsRunning() == 0 {
				t.Fatalf("expected the pipeline beat and manifest compaction to both be in flight on the triggering op")
			}
		}
		runToCompletion(t, g, &done)
	}

	finalStats := f.Stats()
	if finalStats.CompactionsRun <= afterBar1.CompactionsRun {
		t.Fatalf("expected bar 2 to run additional real compactions, got %+v (after bar 1: %+v)", finalStats, afterBar1)
	}
	if f.CompactionsRunning() != 0 {
		t.Fatalf("expected CompactionsRunning() == 0 once the manifest compaction and pipeline beat both settle")
	}
	if f.progress != progressIdle {
		t.Fatalf("expected progress idle once the overlapping bar finishes, got %d", f.progress)
	}
	if f.manifestCompactDone {
		t.Fatalf("expected manifestCompactDone to be cleared once bar_finish runs CompactEnd")
	}
}

func TestResetClearsProgressAndPipeline(t *testing.T) {
	f, g := newTestForest(t)

	openDone := false
	f.Open(func() { openDone = true })
	runToCompletion(t, g, &openDone)

	done := false
	f.Compact(func() { done = true }, 0)
	runToCompletion(t, g, &done)

	f.pipeline.QueueCompaction(&compaction.Interface{})
	f.Reset()
	if f.progress != progressIdle {
		t.Fatalf("expected progress idle after Reset, got %d", f.progress)
	}
	if got := len(f.pipeline.Compactions()); got != 0 {
		t.Fatalf("expected Reset to clear the pipeline's queued compactions, got %d", got)
	}
	if f.CompactionsRunning() != 0 {
		t.Fatalf("expected CompactionsRunning() == 0 after Reset")
	}
}
