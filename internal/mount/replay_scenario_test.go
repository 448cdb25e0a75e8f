package mount

import (
	"context"
	"testing"

	"github.com/arturkryukov/xstore/internal/oid"
	"github.com/arturkryukov/xstore/internal/txn"
)

// writeTxn builds a single write(0,len(data),data) transaction, matching
// spec §8's crash scenarios 2/3.
func writeTxn(coll oid.CollectionID, o oid.ID, data []byte) []*txn.Transaction {
	return []*txn.Transaction{{
		Collections: []oid.CollectionID{coll},
		Objects:     []oid.ID{o},
		Ops:         []txn.Op{{Code: txn.OpWrite, CollIdx: 0, ObjIdx: 0, Data: data}},
	}}
}

// TestCrashAfterJournalBeforeApplyReplaysOnRemount is spec §8 end-to-end
// scenario 2: a write is journaled and fsynced (durable), but the
// process dies before the worker pool ever applies it. AppendNoSync +
// Sync bypass the orchestrator/worker pool entirely, standing in for
// "on-disk fired, apply never ran" — remounting must replay the entry
// and reproduce the write.
func TestCrashAfterJournalBeforeApplyReplaysOnRemount(t *testing.T) {
	cfg := testConfig(t)
	if err := MkFS(cfg); err != nil {
		t.Fatalf("MkFS: %v", err)
	}

	m1, err := Mount(cfg, testLogger(), Options{})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}

	coll := oid.CollectionID("coll-1")
	o := oid.ID{Name: "obj-1"}
	if err := m1.Objects.Touch(coll, o); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	seq := m1.NextSeq
	txns := writeTxn(coll, o, []byte("ABCD"))
	if err := m1.journalDevice.AppendNoSync(seq, txns); err != nil {
		t.Fatalf("AppendNoSync: %v", err)
	}
	if err := m1.journalDevice.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Simulate a hard kill: nothing was ever enqueued on the worker pool
	// or applymgr, so Umount's drain has no in-flight work to lose, but
	// the write above never went through Apply.
	if err := Umount(m1); err != nil {
		t.Fatalf("Umount: %v", err)
	}

	m2, err := Mount(cfg, testLogger(), Options{})
	if err != nil {
		t.Fatalf("remount: %v", err)
	}
	defer Umount(m2)

	got, err := m2.Objects.Read(coll, o, 0, 4)
	if err != nil {
		t.Fatalf("Read after replay: %v", err)
	}
	if string(got) != "ABCD" {
		t.Fatalf("expected replay to reproduce the write, got %q", got)
	}
}

// TestCrashAfterApplyBeforeCommitReplaysIdempotently is spec §8 scenario
// 3: the write was already applied (visible on disk) but the commit
// cycle that would trim the journal never ran, so the same entry is
// still there to replay on remount. The write's guard was already
// closed at this exact position by the first apply, so replay's guard
// check skips re-running it (invariant 3) rather than reapplying —
// either way the final content must match.
func TestCrashAfterApplyBeforeCommitReplaysIdempotently(t *testing.T) {
	cfg := testConfig(t)
	if err := MkFS(cfg); err != nil {
		t.Fatalf("MkFS: %v", err)
	}

	m1, err := Mount(cfg, testLogger(), Options{})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}

	coll := oid.CollectionID("coll-1")
	o := oid.ID{Name: "obj-1"}
	if err := m1.Objects.Touch(coll, o); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	seq := m1.NextSeq
	txns := writeTxn(coll, o, []byte("ABCD"))

	// Apply directly, bypassing journal+worker, then also journal the
	// same entry so replay sees it — standing in for "applied, but the
	// commit cycle (which would trim it out of the journal) never ran".
	if err := m1.Applier.Apply(context.Background(), seq, txns, false); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := m1.journalDevice.AppendNoSync(seq, txns); err != nil {
		t.Fatalf("AppendNoSync: %v", err)
	}
	if err := m1.journalDevice.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if err := Umount(m1); err != nil {
		t.Fatalf("Umount: %v", err)
	}

	m2, err := Mount(cfg, testLogger(), Options{})
	if err != nil {
		t.Fatalf("remount: %v", err)
	}
	defer Umount(m2)

	got, err := m2.Objects.Read(coll, o, 0, 4)
	if err != nil {
		t.Fatalf("Read after replay: %v", err)
	}
	if string(got) != "ABCD" {
		t.Fatalf("expected re-applied write to still match, got %q", got)
	}
}
