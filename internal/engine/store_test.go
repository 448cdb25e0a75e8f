package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arturkryukov/xstore/internal/config"
	"github.com/arturkryukov/xstore/internal/mount"
	"github.com/arturkryukov/xstore/internal/oid"
	"github.com/arturkryukov/xstore/internal/txn"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Basedir:              dir,
		JournalDir:           filepath.Join(dir, "journal"),
		SyncIntervalMin:      time.Hour,
		SyncIntervalMax:      time.Hour,
		CommitWatchdog:       time.Minute,
		MaxOps:               100,
		MaxBytes:             1 << 20,
		CommittingOpsDelta:   10,
		CommittingBytesDelta: 1 << 18,
		Workers:              2,
		OnDiskFinishers:      2,
		ReadableFinishers:    2,
		WritebackShards:      2,
		FDCacheShards:        2,
		FDCachePerShard:      8,
		PgmetaCacheShards:    2,
		MaxInlineAttrSize:    512,
		MaxInlineAttrCount:   16,
		KeepCheckpoints:      2,
	}
}

func newMountedStore(t *testing.T) *Store {
	t.Helper()
	return newMountedStoreWithConfig(t, testConfig(t))
}

func newMountedStoreWithConfig(t *testing.T, cfg *config.Config) *Store {
	t.Helper()
	if err := mount.MkFS(cfg); err != nil {
		t.Fatalf("MkFS: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(cfg, logger)
	if err := s.Mount(mount.Options{}); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() { _ = s.Umount() })
	return s
}

func touchTxns(coll oid.CollectionID, o oid.ID) []*txn.Transaction {
	return []*txn.Transaction{{
		Collections: []oid.CollectionID{coll},
		Objects:     []oid.ID{o},
		Ops:         []txn.Op{{Code: txn.OpTouch, CollIdx: 0, ObjIdx: 0}},
	}}
}

func TestQueueTransactionsAssignsIncreasingSequence(t *testing.T) {
	s := newMountedStore(t)
	coll := oid.CollectionID("coll-1")

	seq1, err := s.QueueTransactions("client-a", touchTxns(coll, oid.ID{Name: "obj-1"}))
	if err != nil {
		t.Fatalf("QueueTransactions: %v", err)
	}
	seq2, err := s.QueueTransactions("client-a", touchTxns(coll, oid.ID{Name: "obj-2"}))
	if err != nil {
		t.Fatalf("QueueTransactions: %v", err)
	}
	if seq2 <= seq1 {
		t.Fatalf("expected strictly increasing sequence numbers, got %d then %d", seq1, seq2)
	}
}

func TestFlushWaitsForOnReadable(t *testing.T) {
	s := newMountedStore(t)
	coll := oid.CollectionID("coll-1")

	var readable atomic.Bool
	txns := touchTxns(coll, oid.ID{Name: "obj-1"})
	txns[0].OnReadable = func() { readable.Store(true) }

	if _, err := s.QueueTransactions("client-a", txns); err != nil {
		t.Fatalf("QueueTransactions: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !readable.Load() {
		t.Fatal("expected on-readable callback to have fired before Flush returned")
	}
}

func TestSyncAndFlushWaitsForOnDisk(t *testing.T) {
	s := newMountedStore(t)
	coll := oid.CollectionID("coll-1")

	// Every op, WAL or not, now passes through the journal before it is
	// even eligible to apply, so on-disk fires once the orchestrator
	// acknowledges the batch and apply/finish have run.
	txns := []*txn.Transaction{{
		Collections: []oid.CollectionID{coll},
		Objects:     []oid.ID{{Name: "obj-1"}},
		Ops:         []txn.Op{{Code: txn.OpWrite, CollIdx: 0, ObjIdx: 0, Data: []byte("hi")}},
	}}
	var onDisk atomic.Bool
	txns[0].OnDisk = func() { onDisk.Store(true) }

	if _, err := s.QueueTransactions("client-a", txns); err != nil {
		t.Fatalf("QueueTransactions: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.SyncAndFlush(ctx); err != nil {
		t.Fatalf("SyncAndFlush: %v", err)
	}
	if !onDisk.Load() {
		t.Fatal("expected on-disk callback to have fired before SyncAndFlush returned")
	}

	committed, err := s.Committed()
	if err != nil {
		t.Fatalf("Committed: %v", err)
	}
	if committed == 0 {
		t.Fatal("expected SyncAndFlush to have advanced the committed sequence")
	}
}

func TestSnapshotWithoutCheckpointCapableBackendErrors(t *testing.T) {
	s := newMountedStore(t)
	s.mu.RLock()
	caps := s.mounted.Backend.Capabilities()
	s.mu.RUnlock()

	err := s.Snapshot("manual")
	if caps.Checkpoint && err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !caps.Checkpoint && err == nil {
		t.Fatal("expected Snapshot to fail when the backend lacks checkpoint support")
	}
}
