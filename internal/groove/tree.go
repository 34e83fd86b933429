// Package groove implements the forest's typed object collections: grooves
// decompose into an object tree, an optional id tree, and a fixed set of
// named secondary-index trees, each carrying a globally unique tree id.
package groove

import "github.com/rivengine/forest/internal/block"

// TreeKind tags what role a tree plays inside its owning groove.
type TreeKind uint8

const (
	KindObjects TreeKind = iota
	KindIDs
	KindIndex
)

func (k TreeKind) String() string {
	switch k {
	case KindObjects:
		return "objects"
	case KindIDs:
		return "ids"
	case KindIndex:
		return "index"
	default:
		return "unknown"
	}
}

// TreeInfo is the compile-time descriptor for one tree. tree_id values must
// be unique and contiguous across the whole forest; Registry enforces this
// at construction time.
type TreeInfo struct {
	TreeID     uint16
	TreeName   string
	GrooveName string
	Kind       TreeKind
	// IndexName is set only when Kind == KindIndex.
	IndexName string
}

// Tree is the runtime object a TreeInfo resolves to. It owns the set of
// live tables for its (tree, level) pairs, which is all the forest needs to
// dispatch manifest replay and drive compaction; query execution over the
// tables is out of scope.
type Tree struct {
	Info TreeInfo

	// levels[level] holds the tables currently resident at that level, in
	// the order OpenTable added them; they are not sorted by key. Level 0
	// may have overlapping key ranges.
	levels [][]block.TableInfo
}

// NewTree constructs an empty tree with lsmLevels levels.
func NewTree(info TreeInfo, lsmLevels int) *Tree {
	return &Tree{
		Info:   info,
		levels: make([][]block.TableInfo, lsmLevels),
	}
}

// OpenTable inserts a table replayed from the manifest log into its level.
func (t *Tree) OpenTable(table block.TableInfo) {
	t.levels[table.Level] = append(t.levels[table.Level], table)
}

// RemoveTable deletes a table (by address) from its level, as driven by a
// manifest `remove` event during replay.
func (t *Tree) RemoveTable(level int, address uint64) bool {
	tables := t.levels[level]
	for i, tbl := range tables {
		if tbl.Address == address {
			t.levels[level] = append(tables[:i], tables[i+1:]...)
			return true
		}
	}
	return false
}

// Tables returns the live tables at a level.
func (t *Tree) Tables(level int) []block.TableInfo {
	return t.levels[level]
}

// TableCount returns the total number of live tables across all levels.
func (t *Tree) TableCount() int {
	n := 0
	for _, lvl := range t.levels {
		n += len(lvl)
	}
	return n
}

// Levels reports how many levels this tree was constructed with.
func (t *Tree) Levels() int {
	return len(t.levels)
}
