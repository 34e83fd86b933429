// Package manifest implements the forest's manifest log: a durable,
// append-only record of table inserts, updates, and removes, used to
// reconstruct forest state on open.
//
// JSON-lines append-and-fsync persistence, generalised from plain "LSM tree
// levels" bookkeeping to a table-event model, with a real
// Open/Compact/Checkpoint lifecycle instead of ad hoc Save/Load calls.
package manifest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rivengine/forest/internal/bitmap"
	"github.com/rivengine/forest/internal/block"
	"github.com/rivengine/forest/internal/scanbuffer"
)

// EventKind distinguishes the three manifest event types.
type EventKind uint8

const (
	EventInsert EventKind = iota
	EventUpdate
	EventRemove
)

// TableEvent is one durable manifest record.
type TableEvent struct {
	Kind  EventKind
	Table block.TableInfo
}

// TableExtent is where a table's descriptor lives inside the manifest log
// itself (its manifest block and entry index) — not to be confused with the
// table's own storage address.
type TableExtent struct {
	Block uint64
	Entry int
}

// progress mirrors the forest's own lifecycle gating for the manifest log
// specifically: idle, opening, compacting, or checkpointing.
type progress uint8

const (
	progressIdle progress = iota
	progressOpening
	progressCompacting
	progressCheckpointing
)

// Log is a JSON-file-backed manifest log.
type Log struct {
	path string
	scans *scanbuffer.Pool

	mu          sync.Mutex
	progress    progress
	events      []TableEvent
	extents     map[uint64]TableExtent // table address -> manifest extent
	tombstoned  *bitmap.AddressSet
	blockCursor uint64
}

// Open constructs a manifest log backed by a JSON file under dir. It does
// not itself replay anything — call (*Log).OpenLog for that, matching the
// two-phase init/replay split the forest drives. scans is the forest's scan
// buffer pool, reused here as loadEvents' scratch read buffer instead of
// allocating a fresh one on every OpenLog replay; it may be nil, in which
// case loadEvents allocates a 64 KiB buffer (lines up to 1 MiB) instead.
func Open(dir string, scans *scanbuffer.Pool) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("manifest: create dir: %w", err)
	}
	return &Log{
		path:       filepath.Join(dir, "manifest.jsonl"),
		scans:      scans,
		extents:    make(map[uint64]TableExtent),
		tombstoned: bitmap.NewAddressSet(),
	}, nil
}

// IsIdle reports whether the manifest log has no lifecycle operation in
// flight, the forest's precondition for starting open/checkpoint.
func (l *Log) IsIdle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.progress == progressIdle
}

// OpenLog replays the persisted event log and dispatches the surviving
// table set to eventCb, then invokes doneCb. Replay walks the log in
// reverse (newest event first): once an address has been seen (inserted,
// updated, or tombstoned), earlier events for that address are skipped,
// since the newest event always wins. This reconstructs the same table set
// that a forward chronological walk would (verify_tables_recovered checks
// exactly this), but without re-processing superseded history.
func (l *Log) OpenLog(eventCb func(block.TableInfo), doneCb func()) error {
	l.mu.Lock()
	if l.progress != progressIdle {
		l.mu.Unlock()
		panic("manifest: open called while another operation is in progress")
	}
	l.progress = progressOpening
	l.mu.Unlock()

	if err := l.loadEvents(); err != nil {
		return fmt.Errorf("manifest: load events: %w", err)
	}

	l.mu.Lock()
	seen := make(map[uint64]bool)
	var alive []block.TableInfo
	for i := len(l.events) - 1; i >= 0; i-- {
		ev := l.events[i]
		addr := ev.Table.Address
		if seen[addr] {
			continue
		}
		seen[addr] = true
		switch ev.Kind {
		case EventInsert, EventUpdate:
			alive = append(alive, ev.Table)
			l.extents[addr] = TableExtent{Block: l.blockCursor, Entry: i}
		case EventRemove:
			l.tombstoned.Add(addr)
		}
	}
	l.progress = progressIdle
	l.mu.Unlock()

	for _, t := range alive {
		eventCb(t)
	}
	doneCb()
	return nil
}

func (l *Log) loadEvents() error {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = l.events[:0]

	scanner := bufio.NewScanner(f)
	if l.scans != nil {
		if idx, buf, ok := l.scans.Acquire(); ok {
			defer l.scans.Release(idx)
			scanner.Buffer(buf[:0], l.scans.BufferSize())
		} else {
			scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		}
	} else {
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	}
	for scanner.Scan() {
		var ev TableEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		l.events = append(l.events, ev)
	}
	return scanner.Err()
}

// appendEvent durably records one event (append, fsync — durability is the
// whole point of a manifest log).
func (l *Log) appendEvent(ev TableEvent) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("manifest: open for append: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("manifest: encode event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("manifest: write event: %w", err)
	}
	return f.Sync()
}

// InsertTable durably records a new table.
func (l *Log) InsertTable(t block.TableInfo) error {
	if err := l.appendEvent(TableEvent{Kind: EventInsert, Table: t}); err != nil {
		return err
	}
	l.mu.Lock()
	l.blockCursor++
	l.extents[t.Address] = TableExtent{Block: l.blockCursor, Entry: len(l.events) - 1}
	l.mu.Unlock()
	return nil
}

// RemoveTable durably tombstones a table by address.
func (l *Log) RemoveTable(t block.TableInfo) error {
	if err := l.appendEvent(TableEvent{Kind: EventRemove, Table: t}); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.extents, t.Address)
	l.tombstoned.Add(t.Address)
	l.mu.Unlock()
	return nil
}

// Compact runs the manifest log's own compaction (e.g. dropping
// superseded/tombstoned history from the on-disk log). cb receives true once
// manifest compaction has fully completed.
func (l *Log) Compact(cb func(done bool), op uint64) {
	l.mu.Lock()
	if l.progress != progressIdle {
		l.mu.Unlock()
		panic("manifest: compact called while another operation is in progress")
	}
	l.progress = progressCompacting
	l.mu.Unlock()

	// Real compaction would rewrite the log dropping dead entries; this
	// reference implementation's log is already small enough (JSON lines)
	// that rewriting isn't required for correctness, only for disk growth.
	// Completion is reported immediately but through the same async shape
	// real I/O would use.
	cb(true)
}

// CompactEnd finalizes a manifest compaction begun by Compact. It panics
// unless a compaction is open (begun by Compact and not yet ended). The log
// has no separate "done" state: progress stays compacting from Compact until
// CompactEnd, so CompactEnd does not tell a finished compaction from one
// whose callback has not yet fired.
func (l *Log) CompactEnd() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.progress != progressCompacting {
		panic("manifest: compact_end called outside of an in-flight compaction")
	}
	l.progress = progressIdle
}

// Checkpoint durably marks the current log position as a checkpoint
// boundary. The log itself has no separate checkpoint file (unlike the
// a memtable checkpoint file snapshotting the whole table set); this log is
// already fully durable on every insert/remove, so Checkpoint only needs to
// gate concurrent lifecycle operations and report completion.
func (l *Log) Checkpoint(cb func()) {
	l.mu.Lock()
	if l.progress != progressIdle {
		l.mu.Unlock()
		panic("manifest: checkpoint called while another operation is in progress")
	}
	l.progress = progressCheckpointing
	l.mu.Unlock()

	l.mu.Lock()
	l.progress = progressIdle
	l.mu.Unlock()
	cb()
}

// TableExtents returns a snapshot of the manifest's address -> extent map,
// used by verify_table_extents.
func (l *Log) TableExtents() map[uint64]TableExtent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[uint64]TableExtent, len(l.extents))
	for k, v := range l.extents {
		out[k] = v
	}
	return out
}

// IsTombstoned reports whether a table address has been removed.
func (l *Log) IsTombstoned(address uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tombstoned.Contains(address)
}

// Events returns a copy of the full persisted event log, in append order.
// Used by verify_tables_recovered to perform an independent, forward
// chronological replay to cross-check against OpenLog's reverse replay.
func (l *Log) Events() []TableEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TableEvent, len(l.events))
	copy(out, l.events)
	return out
}
