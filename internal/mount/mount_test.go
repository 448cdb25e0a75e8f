package mount

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/arturkryukov/xstore/internal/config"
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMkFSThenMount(t *testing.T) {
	cfg := testConfig(t)

	if err := MkFS(cfg); err != nil {
		t.Fatalf("MkFS: %v", err)
	}
	if err := MkJournal(cfg); err != nil {
		t.Fatalf("MkJournal: %v", err)
	}

	m, err := Mount(cfg, testLogger(), Options{})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if m.NextSeq != 1 {
		t.Fatalf("expected NextSeq=1 on a fresh store, got %d", m.NextSeq)
	}
	if m.FSID == "" {
		t.Fatal("expected a non-empty fsid")
	}

	if err := Umount(m); err != nil {
		t.Fatalf("Umount: %v", err)
	}
}

func TestMountTwiceFailsWithoutUmount(t *testing.T) {
	cfg := testConfig(t)
	if err := MkFS(cfg); err != nil {
		t.Fatalf("MkFS: %v", err)
	}

	m, err := Mount(cfg, testLogger(), Options{})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer Umount(m)

	if _, err := Mount(cfg, testLogger(), Options{}); err == nil {
		t.Fatal("expected second Mount against a live fsid lock to fail")
	}
}

func TestRemountAfterUmountPreservesFSID(t *testing.T) {
	cfg := testConfig(t)
	if err := MkFS(cfg); err != nil {
		t.Fatalf("MkFS: %v", err)
	}

	m1, err := Mount(cfg, testLogger(), Options{})
	if err != nil {
		t.Fatalf("first Mount: %v", err)
	}
	fsid := m1.FSID
	if err := Umount(m1); err != nil {
		t.Fatalf("Umount: %v", err)
	}

	m2, err := Mount(cfg, testLogger(), Options{})
	if err != nil {
		t.Fatalf("second Mount: %v", err)
	}
	defer Umount(m2)

	if m2.FSID != fsid {
		t.Fatalf("expected fsid to survive remount: got %q, want %q", m2.FSID, fsid)
	}
}
