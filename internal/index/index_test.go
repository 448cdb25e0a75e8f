package index

import (
	"sort"
	"testing"

	"github.com/arturkryukov/xstore/internal/oid"
)

func obj(name string, hash uint32) oid.ID {
	return oid.ID{Name: name, Hash: hash}
}

func TestCollectionIndexAddHasRemove(t *testing.T) {
	idx := New()
	ci := idx.For("coll-1")

	ci.Lock()
	ci.AddLocked("a", obj("a", 1))
	ci.Unlock()

	if !ci.Has("a") {
		t.Fatal("expected a to be present")
	}
	if ci.Has("b") {
		t.Fatal("expected b to be absent")
	}

	ci.Add("b", obj("b", 2))
	if !ci.Has("b") {
		t.Fatal("expected b added via Add to be present")
	}

	ci.Remove("a")
	if ci.Has("a") {
		t.Fatal("expected a removed")
	}
}

func TestForIsIdempotentPerCollection(t *testing.T) {
	idx := New()
	c1 := idx.For("coll")
	c2 := idx.For("coll")
	if c1 != c2 {
		t.Fatal("For should return the same CollectionIndex for the same collection id")
	}
}

func TestAllReturnsEverythingTracked(t *testing.T) {
	idx := New()
	ci := idx.For("coll")
	ci.Add("a", obj("a", 1))
	ci.Add("b", obj("b", 2))
	ci.Add("c", obj("c", 3))

	all := ci.All()
	names := make([]string, 0, len(all))
	for _, o := range all {
		names = append(names, o.Name)
	}
	sort.Strings(names)
	if len(names) != 3 || names[0] != "a" || names[1] != "b" || names[2] != "c" {
		t.Fatalf("unexpected snapshot: %v", names)
	}
}

func TestWithHashPrefixFiltersByMask(t *testing.T) {
	idx := New()
	ci := idx.For("coll")
	// bits=2: low 2 bits must equal rem.
	ci.Add("a", obj("a", 0b00)) // matches rem=0
	ci.Add("b", obj("b", 0b01)) // matches rem=1
	ci.Add("c", obj("c", 0b10)) // matches rem=2
	ci.Add("d", obj("d", 0b100)) // low 2 bits = 0, matches rem=0

	matched := ci.WithHashPrefix(2, 0)
	names := make(map[string]bool)
	for _, o := range matched {
		names[o.Name] = true
	}
	if !names["a"] || !names["d"] || names["b"] || names["c"] {
		t.Fatalf("unexpected match set: %v", names)
	}
}

func TestObjectsWithHashPrefixImplementsSplitIndex(t *testing.T) {
	idx := New()
	ci := idx.For("coll")
	ci.Add("a", obj("a", 0))

	got, err := idx.ObjectsWithHashPrefix("coll", 1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Name != "a" {
		t.Fatalf("unexpected result: %v", got)
	}
}

func TestCleanupCreatesEmptyIndexesForEachCollection(t *testing.T) {
	idx := New()
	idx.Cleanup([]oid.CollectionID{"c1", "c2"})

	if len(idx.For("c1").All()) != 0 {
		t.Fatal("expected c1 index to start empty")
	}
	if len(idx.For("c2").All()) != 0 {
		t.Fatal("expected c2 index to start empty")
	}
}

func TestDropRemovesCollectionIndex(t *testing.T) {
	idx := New()
	ci := idx.For("coll")
	ci.Add("a", obj("a", 1))

	idx.Drop("coll")

	// For recreates a fresh, empty index after Drop.
	fresh := idx.For("coll")
	if fresh.Has("a") {
		t.Fatal("expected dropped collection's index to be empty on recreation")
	}
}

func TestRLockRUnlockDoNotPanic(t *testing.T) {
	idx := New()
	ci := idx.For("coll")
	ci.RLock()
	_ = ci.Has("missing")
	ci.RUnlock()
}
