package groove

import (
	"testing"

	"github.com/rivengine/forest/internal/block"
	"github.com/rivengine/forest/internal/nodepool"
)

func mustNodes(t *testing.T, count int) *nodepool.Pool {
	t.Helper()
	p, err := nodepool.New(count)
	if err != nil {
		t.Fatalf("nodepool.New: %v", err)
	}
	return p
}

func TestNewRegistryDispatchesByTreeID(t *testing.T) {
	infos := []TreeInfo{
		{TreeID: 5, TreeName: "objects", GrooveName: "users", Kind: KindObjects},
		{TreeID: 6, TreeName: "ids", GrooveName: "users", Kind: KindIDs},
		{TreeID: 7, TreeName: "by_email", GrooveName: "users", Kind: KindIndex, IndexName: "by_email"},
	}
	r := NewRegistry(infos, 4, mustNodes(t, 8))

	min, max := r.TreeIDRange()
	if min != 5 || max != 7 {
		t.Fatalf("expected tree_id range [5,7], got [%d,%d]", min, max)
	}

	tree := r.TreeForID(6)
	if tree.Info.Kind != KindIDs {
		t.Fatalf("expected tree 6 to be the ids tree, got kind %v", tree.Info.Kind)
	}

	g, ok := r.Groove("users")
	if !ok {
		t.Fatalf("expected groove %q to exist", "users")
	}
	if len(g.Trees()) != 3 {
		t.Fatalf("expected 3 trees in groove, got %d", len(g.Trees()))
	}
}

func TestNewRegistryPanicsOnDuplicateTreeID(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate tree_id")
		}
	}()
	NewRegistry([]TreeInfo{
		{TreeID: 1, TreeName: "a", GrooveName: "g", Kind: KindObjects},
		{TreeID: 1, TreeName: "b", GrooveName: "g", Kind: KindIDs},
	}, 4, mustNodes(t, 8))
}

func TestNewRegistryPanicsOnGap(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on non-contiguous tree_id set")
		}
	}()
	NewRegistry([]TreeInfo{
		{TreeID: 1, TreeName: "a", GrooveName: "g", Kind: KindObjects},
		{TreeID: 3, TreeName: "b", GrooveName: "g", Kind: KindIDs},
	}, 4, mustNodes(t, 8))
}

func TestNewRegistryPanicsOnTreeIDBelowOne(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on tree_id 0")
		}
	}()
	NewRegistry([]TreeInfo{
		{TreeID: 0, TreeName: "a", GrooveName: "g", Kind: KindObjects},
	}, 4, mustNodes(t, 8))
}

func TestTreeOpenRemoveTable(t *testing.T) {
	tree := NewTree(TreeInfo{TreeID: 1, Kind: KindObjects}, 3)

	tree.OpenTable(block.TableInfo{Level: 1, Address: 100})
	tree.OpenTable(block.TableInfo{Level: 1, Address: 200})
	if got := len(tree.Tables(1)); got != 2 {
		t.Fatalf("expected 2 tables at level 1, got %d", got)
	}
	if tree.TableCount() != 2 {
		t.Fatalf("expected table count 2, got %d", tree.TableCount())
	}

	if !tree.RemoveTable(1, 100) {
		t.Fatalf("expected RemoveTable to find address 100")
	}
	if got := len(tree.Tables(1)); got != 1 {
		t.Fatalf("expected 1 table remaining at level 1, got %d", got)
	}
	if tree.RemoveTable(1, 999) {
		t.Fatalf("expected RemoveTable to report false for an absent address")
	}
}
