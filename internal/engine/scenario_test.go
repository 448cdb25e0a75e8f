package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arturkryukov/xstore/internal/oid"
	"github.com/arturkryukov/xstore/internal/txn"
)

// TestScenarioCreateWriteRead is spec §8 end-to-end scenario 1.
func TestScenarioCreateWriteRead(t *testing.T) {
	s := newMountedStore(t)
	coll := oid.CollectionID("C")
	o := oid.ID{Name: "obj1"}

	touch := []*txn.Transaction{{
		Collections: []oid.CollectionID{coll},
		Objects:     []oid.ID{o},
		Ops:         []txn.Op{{Code: txn.OpTouch, CollIdx: 0, ObjIdx: 0}},
	}}
	if _, err := s.QueueTransactions("client-a", touch); err != nil {
		t.Fatalf("touch: %v", err)
	}

	write := []*txn.Transaction{{
		Collections: []oid.CollectionID{coll},
		Objects:     []oid.ID{o},
		Ops:         []txn.Op{{Code: txn.OpWrite, CollIdx: 0, ObjIdx: 0, Data: []byte("hello")}},
	}}
	if _, err := s.QueueTransactions("client-a", write); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	s.mu.RLock()
	objects := s.mounted.Objects
	s.mu.RUnlock()

	got, err := objects.Read(coll, o, 0, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
	size, err := objects.Stat(coll, o)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if size != 5 {
		t.Fatalf("expected size 5, got %d", size)
	}
}

// TestScenarioPerSequencerOrderingUnderContention is spec §8 end-to-end
// scenario 4: 1000 writes to the same offset on one sequencer, workers
// > 1, small admission ceilings — final content must be the last value
// submitted, and on-disk callbacks must fire in the submitted order.
func TestScenarioPerSequencerOrderingUnderContention(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 4
	cfg.MaxOps = 8
	cfg.MaxBytes = 4096
	s := newMountedStoreWithConfig(t, cfg)

	coll := oid.CollectionID("C")
	o := oid.ID{Name: "obj1"}

	const n = 1000
	var lastOnDisk atomic.Int64
	lastOnDisk.Store(-1)
	var outOfOrder atomic.Bool

	for i := 0; i < n; i++ {
		val := fmt.Sprintf("%03d", i)
		i := i
		txns := []*txn.Transaction{{
			Collections: []oid.CollectionID{coll},
			Objects:     []oid.ID{o},
			Ops:         []txn.Op{{Code: txn.OpWrite, CollIdx: 0, ObjIdx: 0, Data: []byte(val)}},
		}}
		txns[0].OnDisk = func() {
			prev := lastOnDisk.Swap(int64(i))
			if prev >= int64(i) {
				outOfOrder.Store(true)
			}
		}
		if _, err := s.QueueTransactions("seq-a", txns); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.SyncAndFlush(ctx); err != nil {
		t.Fatalf("SyncAndFlush: %v", err)
	}

	if outOfOrder.Load() {
		t.Fatal("expected on-disk callbacks to fire in submission order on one sequencer")
	}

	s.mu.RLock()
	objects := s.mounted.Objects
	s.mu.RUnlock()
	got, err := objects.Read(coll, o, 0, 3)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "999" {
		t.Fatalf("expected final content %q, got %q", "999", got)
	}
}

// TestScenarioCloneWithXattrAndOmap is spec §8 end-to-end scenario 5.
func TestScenarioCloneWithXattrAndOmap(t *testing.T) {
	s := newMountedStore(t)
	coll := oid.CollectionID("C")
	a := oid.ID{Name: "A"}
	b := oid.ID{Name: "B"}

	setup := []*txn.Transaction{{
		Collections: []oid.CollectionID{coll},
		Objects:     []oid.ID{a},
		Ops: []txn.Op{
			{Code: txn.OpWrite, CollIdx: 0, ObjIdx: 0, Data: []byte("payload")},
			{Code: txn.OpSetAttr, CollIdx: 0, ObjIdx: 0, AttrKey: "u", Data: []byte("v")},
			{Code: txn.OpOmapSetKeys, CollIdx: 0, ObjIdx: 0, OmapKeys: map[string][]byte{"k": []byte("w")}},
		},
	}}
	if _, err := s.QueueTransactions("client-a", setup); err != nil {
		t.Fatalf("setup: %v", err)
	}

	clone := []*txn.Transaction{{
		Collections: []oid.CollectionID{coll},
		Objects:     []oid.ID{a, b},
		Ops:         []txn.Op{{Code: txn.OpClone, CollIdx: 0, ObjIdx: 0, Obj2Idx: 1}},
	}}
	if _, err := s.QueueTransactions("client-a", clone); err != nil {
		t.Fatalf("clone: %v", err)
	}

	remove := []*txn.Transaction{{
		Collections: []oid.CollectionID{coll},
		Objects:     []oid.ID{a},
		Ops:         []txn.Op{{Code: txn.OpRemove, CollIdx: 0, ObjIdx: 0}},
	}}
	if _, err := s.QueueTransactions("client-a", remove); err != nil {
		t.Fatalf("remove: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	s.mu.RLock()
	objects := s.mounted.Objects
	s.mu.RUnlock()

	got, err := objects.Read(coll, b, 0, len("payload"))
	if err != nil {
		t.Fatalf("Read clone: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("expected clone to hold %q, got %q", "payload", got)
	}
	attrs, err := objects.GetAttrs(context.Background(), coll, b)
	if err != nil {
		t.Fatalf("GetAttrs: %v", err)
	}
	if string(attrs["u"]) != "v" {
		t.Fatalf("expected cloned attr u=v, got %q", attrs["u"])
	}
	omap, _, err := objects.OmapGetAll(context.Background(), coll, b)
	if err != nil {
		t.Fatalf("OmapGetAll: %v", err)
	}
	if string(omap["k"]) != "w" {
		t.Fatalf("expected cloned omap k=w, got %q", omap["k"])
	}
}

// TestScenarioSplitCollection is spec §8 end-to-end scenario 6, scaled
// down from the spec's 10,000 objects for test runtime while keeping
// the same partitioning check.
func TestScenarioSplitCollection(t *testing.T) {
	s := newMountedStore(t)
	src := oid.CollectionID("C")
	dst := oid.CollectionID("D")

	const n = 2000
	for i := 0; i < n; i++ {
		o := oid.ID{Name: fmt.Sprintf("obj-%d", i), Hash: uint32(i)}
		txns := []*txn.Transaction{{
			Collections: []oid.CollectionID{src},
			Objects:     []oid.ID{o},
			Ops:         []txn.Op{{Code: txn.OpTouch, CollIdx: 0, ObjIdx: 0}},
		}}
		if _, err := s.QueueTransactions("client-a", txns); err != nil {
			t.Fatalf("touch %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush after populate: %v", err)
	}

	split := []*txn.Transaction{{
		Collections: []oid.CollectionID{src, dst},
		Ops:         []txn.Op{{Code: txn.OpSplitCollection, CollIdx: 0, Coll2Idx: 1, SplitBits: 2, SplitRem: 1}},
	}}
	if _, err := s.QueueTransactions("client-a", split); err != nil {
		t.Fatalf("split: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush after split: %v", err)
	}

	s.mu.RLock()
	idx := s.mounted.Index
	s.mu.RUnlock()

	for _, o := range idx.For(src).All() {
		if o.Hash&3 == 1 {
			t.Fatalf("object %s with hash %d should have moved to dst", o.Name, o.Hash)
		}
	}
	for _, o := range idx.For(dst).All() {
		if o.Hash&3 != 1 {
			t.Fatalf("object %s with hash %d should not be in dst", o.Name, o.Hash)
		}
	}
	if got, want := len(idx.For(src).All())+len(idx.For(dst).All()), n; got != want {
		t.Fatalf("expected union of src+dst to equal original set size %d, got %d", want, got)
	}
}
