package groove

import (
	"fmt"

	"github.com/rivengine/forest/internal/nodepool"
)

// Groove is a named, typed collection: an object tree, an optional id tree,
// and a fixed set of named secondary-index trees.
type Groove struct {
	Name    string
	Objects *Tree
	IDs     *Tree // nil if this groove has no id tree
	Indexes map[string]*Tree
}

// Trees returns every tree owned by this groove, in a stable order
// (objects, then ids if present, then indexes sorted by name) — used only
// for deterministic iteration in tests and stats reporting.
func (g *Groove) Trees() []*Tree {
	trees := make([]*Tree, 0, 2+len(g.Indexes))
	trees = append(trees, g.Objects)
	if g.IDs != nil {
		trees = append(trees, g.IDs)
	}
	for _, name := range sortedKeys(g.Indexes) {
		trees = append(trees, g.Indexes[name])
	}
	return trees
}

func sortedKeys(m map[string]*Tree) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// Registry is the runtime, O(1)-lookup replacement for the compile-time
// tree_id dispatch a comptime language would materialize. It is built once
// at forest construction from the full set of TreeInfo descriptors and
// enforces the forest's two tree_id invariants as startup assertions.
type Registry struct {
	treeIDMin uint16
	treeIDMax uint16
	byID      []*nodepool.Node // dense, indexed by tree_id - treeIDMin; Payload is the tree's *Tree
	grooves   map[string]*Groove
}

// NewRegistry validates uniqueness and contiguity of every TreeInfo's
// tree_id, constructs the backing Tree objects, and wires them into their
// Groove. Every tree is handed a node from nodes, the forest's
// manifest-level node pool, to hold in Registry.byID/TreeForID's dispatch
// slot — nodes.Len() must be at least len(infos), a sizing precondition
// enforced as a startup panic alongside the tree_id invariants below.
func NewRegistry(infos []TreeInfo, lsmLevels int, nodes *nodepool.Pool) *Registry {
	if len(infos) == 0 {
		panic("groove: registry requires at least one tree")
	}

	min, max := infos[0].TreeID, infos[0].TreeID
	for _, info := range infos {
		if info.TreeID < 1 {
			panic(fmt.Sprintf("groove: tree_id %d out of range, must be in [1, 2^16)", info.TreeID))
		}
		if info.TreeID < min {
			min = info.TreeID
		}
		if info.TreeID > max {
			max = info.TreeID
		}
	}

	seen := make(map[uint16]bool, len(infos))
	byID := make([]*nodepool.Node, int(max-min)+1)
	grooves := make(map[string]*Groove)

	for _, info := range infos {
		if seen[info.TreeID] {
			panic(fmt.Sprintf("groove: duplicate tree_id %d", info.TreeID))
		}
		seen[info.TreeID] = true

		tree := NewTree(info, lsmLevels)

		node, ok := nodes.Acquire()
		if !ok {
			panic(fmt.Sprintf("groove: node pool exhausted at tree_id %d: node_count must cover every tree", info.TreeID))
		}
		node.Payload = tree
		byID[info.TreeID-min] = node

		g, ok := grooves[info.GrooveName]
		if !ok {
			g = &Groove{Name: info.GrooveName, Indexes: make(map[string]*Tree)}
			grooves[info.GrooveName] = g
		}
		switch info.Kind {
		case KindObjects:
			g.Objects = tree
		case KindIDs:
			g.IDs = tree
		case KindIndex:
			g.Indexes[info.IndexName] = tree
		}
	}

	for i, node := range byID {
		if node == nil {
			panic(fmt.Sprintf("groove: tree_id set is not contiguous: gap at %d", int(min)+i))
		}
	}

	return &Registry{treeIDMin: min, treeIDMax: max, byID: byID, grooves: grooves}
}

// TreeForID dispatches a raw tree_id (e.g. from manifest replay) to its
// Tree in O(1). It panics on an unknown tree_id: per the forest's error
// design this is a fatal invariant violation, not a recoverable lookup miss.
func (r *Registry) TreeForID(treeID uint16) *Tree {
	if treeID < r.treeIDMin || treeID > r.treeIDMax {
		panic(fmt.Sprintf("groove: unknown tree_id %d", treeID))
	}
	node := r.byID[treeID-r.treeIDMin]
	if node == nil {
		panic(fmt.Sprintf("groove: unknown tree_id %d", treeID))
	}
	return node.Payload.(*Tree)
}

// Groove looks up a groove by name.
func (r *Registry) Groove(name string) (*Groove, bool) {
	g, ok := r.grooves[name]
	return g, ok
}

// Grooves returns every groove in the registry, in a stable name order.
func (r *Registry) Grooves() []*Groove {
	names := make([]string, 0, len(r.grooves))
	for name := range r.grooves {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	out := make([]*Groove, len(names))
	for i, name := range names {
		out[i] = r.grooves[name]
	}
	return out
}

// TreeIDRange returns the forest-wide [min, max] tree_id bounds, used by the
// pipeline to size its bitsets.
func (r *Registry) TreeIDRange() (min, max uint16) {
	return r.treeIDMin, r.treeIDMax
}

// AllTrees returns every tree in the registry, indexed by tree_id - min.
func (r *Registry) AllTrees() []*Tree {
	trees := make([]*Tree, len(r.byID))
	for i, node := range r.byID {
		trees[i] = node.Payload.(*Tree)
	}
	return trees
}
