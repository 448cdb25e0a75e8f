package apply

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/arturkryukov/xstore/internal/backend"
	"github.com/arturkryukov/xstore/internal/fault"
	"github.com/arturkryukov/xstore/internal/fdcache"
	"github.com/arturkryukov/xstore/internal/index"
	"github.com/arturkryukov/xstore/internal/kvstore"
	"github.com/arturkryukov/xstore/internal/object"
	"github.com/arturkryukov/xstore/internal/oid"
	"github.com/arturkryukov/xstore/internal/pgmeta"
	"github.com/arturkryukov/xstore/internal/txn"
)

func newTestApplier(t *testing.T) *Applier {
	t.Helper()
	dir := t.TempDir()

	be, err := backend.Detect(dir)
	if err != nil {
		t.Fatalf("backend.Detect: %v", err)
	}
	kv, err := kvstore.OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("kvstore.OpenPebble: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	fds := fdcache.New(4, 16)
	pg := pgmeta.New(kv, 4)
	objects := object.New(dir, object.Config{MaxInlineAttrSize: 512, MaxInlineAttrCount: 16}, fds, be, kv, pg, nil)
	idx := index.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fatal := fault.New(logger, func(string, error) {}, "")

	return New(Config{
		Objects: objects,
		Backend: be,
		Index:   idx,
		Pgmeta:  pg,
		Fatal:   fatal,
	})
}

func touchTxn(coll oid.CollectionID, o oid.ID) []*txn.Transaction {
	return []*txn.Transaction{{
		Collections: []oid.CollectionID{coll},
		Objects:     []oid.ID{o},
		Ops:         []txn.Op{{Code: txn.OpTouch, CollIdx: 0, ObjIdx: 0}},
	}}
}

func removeTxn(coll oid.CollectionID, o oid.ID) []*txn.Transaction {
	return []*txn.Transaction{{
		Collections: []oid.CollectionID{coll},
		Objects:     []oid.ID{o},
		Ops:         []txn.Op{{Code: txn.OpRemove, CollIdx: 0, ObjIdx: 0}},
	}}
}

func TestApplyTouchAddsToIndex(t *testing.T) {
	a := newTestApplier(t)
	coll := oid.CollectionID("coll-1")
	o := oid.ID{Name: "obj-1", Hash: 7}

	if err := a.Apply(context.Background(), 1, touchTxn(coll, o), false); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if !a.idx.For(coll).Has(object.Key(o)) {
		t.Fatal("expected touched object to be recorded in the collection index")
	}
}

func TestApplyRemoveDropsFromIndex(t *testing.T) {
	a := newTestApplier(t)
	coll := oid.CollectionID("coll-1")
	o := oid.ID{Name: "obj-1", Hash: 7}

	if err := a.Apply(context.Background(), 1, touchTxn(coll, o), false); err != nil {
		t.Fatalf("Apply touch: %v", err)
	}
	if err := a.Apply(context.Background(), 2, removeTxn(coll, o), false); err != nil {
		t.Fatalf("Apply remove: %v", err)
	}

	if a.idx.For(coll).Has(object.Key(o)) {
		t.Fatal("expected removed object to be dropped from the collection index")
	}
}

func TestApplyWriteAddsToIndex(t *testing.T) {
	a := newTestApplier(t)
	coll := oid.CollectionID("coll-1")
	o := oid.ID{Name: "obj-1", Hash: 3}

	txns := []*txn.Transaction{{
		Collections: []oid.CollectionID{coll},
		Objects:     []oid.ID{o},
		Ops:         []txn.Op{{Code: txn.OpWrite, CollIdx: 0, ObjIdx: 0, Off: 0, Data: []byte("hello")}},
	}}

	if err := a.Apply(context.Background(), 1, txns, false); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if !a.idx.For(coll).Has(object.Key(o)) {
		t.Fatal("expected written object to be recorded in the collection index")
	}
}

func TestApplyDestroyCollectionDropsIndex(t *testing.T) {
	a := newTestApplier(t)
	coll := oid.CollectionID("coll-1")
	o := oid.ID{Name: "obj-1", Hash: 3}

	if err := a.Apply(context.Background(), 1, touchTxn(coll, o), false); err != nil {
		t.Fatalf("Apply touch: %v", err)
	}

	txns := []*txn.Transaction{{
		Collections: []oid.CollectionID{coll},
		Ops:         []txn.Op{{Code: txn.OpDestroyCollection, CollIdx: 0}},
	}}
	if err := a.Apply(context.Background(), 2, txns, false); err != nil {
		t.Fatalf("Apply destroy_collection: %v", err)
	}

	if a.idx.For(coll).Has(object.Key(o)) {
		t.Fatal("expected collection index to be dropped along with the collection")
	}
}

func TestApplyCollectionMoveRenameMovesIndexEntry(t *testing.T) {
	a := newTestApplier(t)
	src := oid.CollectionID("src")
	dst := oid.CollectionID("dst")
	o := oid.ID{Name: "obj-1", Hash: 3}

	if err := a.Apply(context.Background(), 1, touchTxn(src, o), false); err != nil {
		t.Fatalf("Apply touch: %v", err)
	}

	txns := []*txn.Transaction{{
		Collections: []oid.CollectionID{src, dst},
		Objects:     []oid.ID{o},
		Ops: []txn.Op{{
			Code: txn.OpCollectionMoveRename,
			CollIdx: 0, ObjIdx: 0,
			Coll2Idx: 1, Obj2Idx: 0,
		}},
	}}
	if err := a.Apply(context.Background(), 2, txns, false); err != nil {
		t.Fatalf("Apply collection_move_rename: %v", err)
	}

	if a.idx.For(src).Has(object.Key(o)) {
		t.Fatal("expected object removed from source collection index")
	}
	if !a.idx.For(dst).Has(object.Key(o)) {
		t.Fatal("expected object added to destination collection index")
	}
}

func TestApplyCollectionMoveRenameClonesOmap(t *testing.T) {
	a := newTestApplier(t)
	src := oid.CollectionID("src")
	dst := oid.CollectionID("dst")
	o := oid.ID{Name: "obj-1", Hash: 3}

	if err := a.Apply(context.Background(), 1, touchTxn(src, o), false); err != nil {
		t.Fatalf("Apply touch: %v", err)
	}

	setKeysTxn := []*txn.Transaction{{
		Collections: []oid.CollectionID{src},
		Objects:     []oid.ID{o},
		Ops: []txn.Op{{
			Code: txn.OpOmapSetKeys, CollIdx: 0, ObjIdx: 0,
			OmapKeys: map[string][]byte{"k1": []byte("v1")},
		}},
	}}
	if err := a.Apply(context.Background(), 2, setKeysTxn, false); err != nil {
		t.Fatalf("Apply omap_set_keys: %v", err)
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
	if err := a.Apply(context.Background(), 3, moveTxn, false); err != nil {
		t.Fatalf("Apply collection_move_rename: %v", err)
	}

	kv, _, err := a.objects.OmapGetAll(context.Background(), dst, o)
	if err != nil {
		t.Fatalf("OmapGetAll dst: %v", err)
	}
	if string(kv["k1"]) != "v1" {
		t.Fatalf("expected source omap entry to be cloned onto destination, got %v", kv)
	}
}
