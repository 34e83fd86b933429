// Package compaction implements the per-tree compaction state machine: the
// bar/beat/blip lifecycle the pipeline drives, and a reference
// implementation that performs a real two-level k-way merge over the block
// table format.
//
// Built around a sorted-merge of blocks via an errgroup fan-out of reads,
// reworked from a goroutine-worker-pool model into the cooperative
// bar/beat/blip state machine the pipeline requires (see internal/pipeline
// and SPEC_FULL.md §5 for why: this one subsystem carries zero implicit
// concurrency).
package compaction

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/rivengine/forest/internal/block"
	"github.com/rivengine/forest/internal/grid"
	"github.com/rivengine/forest/internal/groove"
	"github.com/rivengine/forest/internal/manifest"
)

// Info is returned by BarSetup when a (tree, level_b) pair has work to do
// in the upcoming bar.
type Info struct {
	TreeID uint16
	LevelB int
}

// Compaction is the uniform, six-call-plus-lifecycle vocabulary the
// pipeline drives every per-tree compaction state machine through.
type Compaction interface {
	BarSetup(op uint64) (Info, bool)
	BarSetupBudget(beatsPerBar int, scratch [2][]byte)
	BarFinish(op uint64)
	BeatGridAcquire()
	BeatGridForfeit()
	BeatBlocksAssign(blocks Blocks)
	BlipRead(cb func(beatExhausted, barExhausted *bool))
	BlipMerge(cb func(beatExhausted, barExhausted *bool))
	BlipWrite(cb func(beatExhausted, barExhausted *bool))
}

// Blocks is the block-pool buffers the pipeline hands a compaction for one
// beat: one pipeline-half's worth of scratch, mirroring
// pipeline.CompactionBlocksHalf without importing the pipeline package
// (which imports this one). A Reference compaction only ever needs one
// buffer per category at a time, so each field is a single pool block
// rather than a list.
type Blocks struct {
	InputIndex []byte
	InputA     []byte
	InputB     []byte
	Output     []byte
}

// Interface is the thin, polymorphic capability wrapper the pipeline stores
// one of per queued compaction: a tagged pairing of the bar_setup result and
// the underlying state machine, plus the compaction's fixed position in the
// bar's compaction list (its index into the bar_active/beat_active/
// beat_acquired bitsets).
type Interface struct {
	Info            Info
	Compaction      Compaction
	CompactionIndex int
}

func (i *Interface) BarSetupBudget(beatsPerBar int, scratch [2][]byte) {
	i.Compaction.BarSetupBudget(beatsPerBar, scratch)
}
func (i *Interface) BarFinish(op uint64)      { i.Compaction.BarFinish(op) }
func (i *Interface) BeatGridAcquire()         { i.Compaction.BeatGridAcquire() }
func (i *Interface) BeatGridForfeit()         { i.Compaction.BeatGridForfeit() }
func (i *Interface) BeatBlocksAssign(b Blocks) { i.Compaction.BeatBlocksAssign(b) }
func (i *Interface) BlipRead(cb func(beatExhausted, barExhausted *bool)) {
	i.Compaction.BlipRead(cb)
}
func (i *Interface) BlipMerge(cb func(beatExhausted, barExhausted *bool)) {
	i.Compaction.BlipMerge(cb)
}
func (i *Interface) BlipWrite(cb func(beatExhausted, barExhausted *bool)) {
	i.Compaction.BlipWrite(cb)
}

// Stats accumulates observability counters for one compaction's lifetime,
// grounded in a conventional CompactionStats accumulator.
type Stats struct {
	TablesMerged int
	EntriesRead  int
	BytesRead    int64
	BytesWritten int64
	BlipsRun     int
}

// Config parameterises one Reference compaction: it merges Tree's level
// (LevelB-1) tables into LevelB. LevelB == 0 has no level -1 to source
// from, so its BarSetup reports no work through the same empty-source rule
// every other level uses — level 0's own tables are drained by the
// LevelB == 1 compaction's inputA instead, so a level-0 compaction never
// competes with it for the same input tables.
type Config struct {
	TreeID       uint16
	LevelB       int
	Tree         *groove.Tree
	Grid         grid.Grid
	Manifest     *manifest.Log
	SnapshotMin  uint64
	SnapshotMax  uint64
	KeysPerBlip  int // CPU budget: how many merged keys one blip_merge call advances
}

// Reference is a real (not stubbed) Compaction: bar_setup takes every table
// at LevelA and LevelB as input (key overlap is not checked), blip_read fetches their encoded bytes
// through the Grid, blip_merge performs a bounded k-way merge, and
// blip_write persists output tables back through the Grid. bar_finish
// durably swaps the manifest/tree entries.
type Reference struct {
	cfg Config

	// per-bar state
	inputA, inputB []block.TableInfo
	decodedA       []*block.Table
	decodedB       []*block.Table
	beatsPerBar    int

	// blocks assigned for the in-flight beat
	blocks Blocks

	// merge cursor state, carried across beats within a bar
	mergedAll  []block.Pair // stable merge result, computed once all inputs are read
	mergeDone  bool
	writeIndex int // number of merged pairs already added to the pending output table
	output     *block.Table
	outputAddr uint64

	acquired bool
	stats    Stats
}

// New constructs a reference compaction for (tree, level_b).
func New(cfg Config) *Reference {
	if cfg.KeysPerBlip <= 0 {
		cfg.KeysPerBlip = 64
	}
	return &Reference{cfg: cfg}
}

// levelA returns the merge source level, or -1 when LevelB == 0 (no level
// below 0 exists).
func (r *Reference) levelA() int {
	if r.cfg.LevelB == 0 {
		return -1
	}
	return r.cfg.LevelB - 1
}

// BarSetup declares whether this (tree, level_b) pair has work this bar.
// LevelB ∈ [0, lsm_levels) is fully in-domain, but level 0's source level
// (-1) never exists, so it falls under the same rule as every other level:
// there's nothing to do if the source level is empty.
func (r *Reference) BarSetup(op uint64) (Info, bool) {
	tree := r.cfg.Tree
	la := r.levelA()
	if la < 0 {
		return Info{}, false
	}
	inputA := tree.Tables(la)
	if len(inputA) == 0 {
		return Info{}, false
	}

	r.inputA = append([]block.TableInfo(nil), inputA...)
	r.inputB = append([]block.TableInfo(nil), tree.Tables(r.cfg.LevelB)...)
	r.decodedA = nil
	r.decodedB = nil
	r.mergedAll = nil
	r.mergeDone = false
	r.writeIndex = 0
	r.output = nil
	r.stats = Stats{}

	return Info{TreeID: r.cfg.TreeID, LevelB: r.cfg.LevelB}, true
}

func (r *Reference) BarSetupBudget(beatsPerBar int, scratch [2][]byte) {
	r.beatsPerBar = beatsPerBar
}

func (r *Reference) BeatGridAcquire() { r.acquired = true }
func (r *Reference) BeatGridForfeit() { r.acquired = false }

func (r *Reference) BeatBlocksAssign(b Blocks) {
	r.blocks = b
}

// BlipRead fetches every selected input table's encoded bytes through the
// Grid in parallel (errgroup-bounded read fan-out), decoding each as its
// read completes.
func (r *Reference) BlipRead(cb func(beatExhausted, barExhausted *bool)) {
	if r.decodedA != nil || r.decodedB != nil {
		// Already read in an earlier beat of this bar; nothing to do.
		cb(nil, nil)
		return
	}

	all := append(append([]block.TableInfo(nil), r.inputA...), r.inputB...)
	if len(all) == 0 {
		cb(nil, nil)
		return
	}

	decoded := make([]*block.Table, len(all))
	g, _ := errgroup.WithContext(context.Background())
	pending := len(all)
	done := func() {
		pending--
		if pending == 0 {
			split := len(r.inputA)
			r.decodedA = decoded[:split]
			r.decodedB = decoded[split:]
			cb(nil, nil)
		}
	}

	for idx, info := range all {
		idx, info := idx, info
		g.Go(func() error {
			buf := make([]byte, block.Size)
			r.cfg.Grid.Read(info.Address, buf, func(err error) {
				if err != nil {
					return
				}
				t, derr := block.Decode(bytes.NewReader(buf))
				if derr != nil {
					return
				}
				decoded[idx] = t
				r.stats.EntriesRead += int(t.Header.EntryCount)
				r.stats.BytesRead += int64(t.Header.StoredSizeBytes)
				done()
			})
			return nil
		})
	}
	// errgroup.Wait just confirms every Read call was issued; the actual
	// completions arrive later via the Grid's own tick, not this Wait.
	_ = g.Wait()
}

// BlipMerge advances a bounded k-way merge of the decoded input tables.
// The first call on a bar computes the full sorted merge (cheap relative to
// I/O, and keeps the per-beat accounting simple); subsequent calls within
// the same bar slice KeysPerBlip entries off the front into the pending
// output table until the merge is exhausted.
func (r *Reference) BlipMerge(cb func(beatExhausted, barExhausted *bool)) {
	if r.mergedAll == nil {
		r.mergedAll = mergeTables(r.decodedA, r.decodedB)
		r.output = block.New(r.cfg.TreeID, uint8(r.cfg.LevelB), r.cfg.Grid.AllocateAddress())
	}

	end := r.writeIndex + r.cfg.KeysPerBlip
	if end > len(r.mergedAll) {
		end = len(r.mergedAll)
	}
	for _, p := range r.mergedAll[r.writeIndex:end] {
		r.output.Add(p.Key, p.Value)
	}
	r.writeIndex = end
	r.stats.BlipsRun++

	beatExhausted := r.writeIndex >= len(r.mergedAll)
	barExhausted := beatExhausted
	r.mergeDone = beatExhausted
	cb(&beatExhausted, &barExhausted)
}

// BlipWrite persists the pending output table through the Grid once the
// merge has produced its final form.
func (r *Reference) BlipWrite(cb func(beatExhausted, barExhausted *bool)) {
	if !r.mergeDone {
		cb(nil, nil)
		return
	}
	if err := r.output.Finalize(block.CompressionNone); err != nil {
		cb(nil, nil)
		return
	}
	var buf bytes.Buffer
	if err := r.output.Encode(&buf); err != nil {
		cb(nil, nil)
		return
	}
	addr := r.output.Header.Address
	r.outputAddr = addr
	payload := buf.Bytes()
	// Write through the pipeline-assigned output block when the encoded
	// table fits in one; otherwise fall back to the table's own buffer.
	// Reference tables are small enough in practice that this fallback
	// path is a safety net, not the common case.
	if dst := r.blocks.Output; dst != nil && len(payload) <= len(dst) {
		copy(dst, payload)
		payload = dst[:len(payload)]
	}
	r.stats.BytesWritten += int64(len(payload))
	r.cfg.Grid.Write(addr, payload, func(err error) {
		cb(nil, nil)
	})
}

// BarFinish durably swaps input tables for the merged output: the old
// tables are removed from the manifest and tree, the new one inserted.
func (r *Reference) BarFinish(op uint64) {
	if r.output == nil {
		return
	}
	info := r.output.Info(r.cfg.SnapshotMin, r.cfg.SnapshotMax)
	if err := r.cfg.Manifest.InsertTable(info); err != nil {
		panic(fmt.Sprintf("compaction: insert table: %v", err))
	}
	r.cfg.Tree.OpenTable(info)
	r.stats.TablesMerged = len(r.inputA) + len(r.inputB)

	for _, in := range r.inputA {
		r.cfg.Tree.RemoveTable(r.levelA(), in.Address)
		_ = r.cfg.Manifest.RemoveTable(in)
	}
	for _, in := range r.inputB {
		r.cfg.Tree.RemoveTable(r.cfg.LevelB, in.Address)
		_ = r.cfg.Manifest.RemoveTable(in)
	}
}

// Stats returns a copy of this compaction's accumulated statistics.
func (r *Reference) Stats() Stats { return r.stats }

// mergeTables performs a full sort-merge of two sets of tables' pairs, the
// last writer for a duplicate key winning (tables in b are newer than a).
func mergeTables(a, b []*block.Table) []block.Pair {
	byKey := make(map[string]block.Pair)
	order := make([]string, 0)
	apply := func(tables []*block.Table) {
		for _, t := range tables {
			for _, p := range t.Pairs() {
				k := string(p.Key)
				if _, ok := byKey[k]; !ok {
					order = append(order, k)
				}
				byKey[k] = p
			}
		}
	}
	apply(a)
	apply(b)

	out := make([]block.Pair, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, k := range order {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, byKey[k])
	}
	sortPairs(out)
	return out
}

func sortPairs(pairs []block.Pair) {
	sort.Slice(pairs, func(i, j int) bool {
		return bytes.Compare(pairs[i].Key, pairs[j].Key) < 0
	})
}
