package apply

import (
	"context"
	"testing"

	"github.com/arturkryukov/xstore/internal/object"
	"github.com/arturkryukov/xstore/internal/oid"
	"github.com/arturkryukov/xstore/internal/txn"
)

// TestCollectionMoveRenameSurvivesRepeatedCrashReplay simulates a crash
// right after collection_move_rename's apply returns but before the
// engine advances past it, three times in a row: replay re-delivers the
// exact same (seq, op-index) at the guard's Position, and the replay
// guard must make every repeat a no-op rather than erroring on the
// second hard-link attempt (decision recorded in SPEC_FULL.md §13.2).
func TestCollectionMoveRenameSurvivesRepeatedCrashReplay(t *testing.T) {
	a := newTestApplier(t)
	src := oid.CollectionID("src")
	dst := oid.CollectionID("dst")
	o := oid.ID{Name: "obj-1", Hash: 3}

	if err := a.Apply(context.Background(), 1, touchTxn(src, o), false); err != nil {
		t.Fatalf("Apply touch: %v", err)
	}

	moveTxn := []*txn.Transaction{{
		Collections: []oid.CollectionID{src, dst},
		Objects:     []oid.ID{o},
		Ops: []txn.Op{{
			Code: txn.OpCollectionMoveRename,
			CollIdx: 0, ObjIdx: 0,
			Coll2Idx: 1, Obj2Idx: 0,
		}},
	}}

	for i := 0; i < 3; i++ {
		if err := a.Apply(context.Background(), 2, moveTxn, true); err != nil {
			t.Fatalf("crash-replay iteration %d: Apply collection_move_rename: %v", i, err)
		}
	}

	if a.idx.For(src).Has(object.Key(o)) {
		t.Fatal("expected object removed from source collection index after replay converges")
	}
	if !a.idx.For(dst).Has(object.Key(o)) {
		t.Fatal("expected object present in destination collection index after replay converges")
	}
}
