package mount

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/arturkryukov/xstore/internal/admission"
	"github.com/arturkryukov/xstore/internal/apply"
	"github.com/arturkryukov/xstore/internal/applymgr"
	"github.com/arturkryukov/xstore/internal/backend"
	"github.com/arturkryukov/xstore/internal/commit"
	"github.com/arturkryukov/xstore/internal/config"
	"github.com/arturkryukov/xstore/internal/fault"
	"github.com/arturkryukov/xstore/internal/fdcache"
	"github.com/arturkryukov/xstore/internal/finisher"
	"github.com/arturkryukov/xstore/internal/index"
	"github.com/arturkryukov/xstore/internal/journal"
	"github.com/arturkryukov/xstore/internal/kvstore"
	"github.com/arturkryukov/xstore/internal/object"
	"github.com/arturkryukov/xstore/internal/oid"
	"github.com/arturkryukov/xstore/internal/pgmeta"
	"github.com/arturkryukov/xstore/internal/txn"
	"github.com/arturkryukov/xstore/internal/worker"
	"github.com/arturkryukov/xstore/internal/writeback"
)

// reservedEntries names the non-collection entries that live directly
// under current/ (spec §6 "On-disk layout"); everything else found
// there at mount is treated as a collection directory.
var reservedEntries = map[string]bool{
	"omap":          true,
	"commit_op_seq": true,
	nosnapSentinel:  true,
}

// Options governs one Mount call beyond the static Config (spec §4.7
// steps 2 and 5 both name operator overrides that are not part of the
// persistent configuration surface).
type Options struct {
	// AllowVersionUpdate permits mounting against an older on-disk
	// store_version, stamping the current version after mount succeeds.
	AllowVersionUpdate bool
	// ForceRollbackOverride lets an operator proceed past a present
	// current/nosnap sentinel once the backend has regained checkpoint
	// support (spec §4.7 step 5 "honor an operator override").
	ForceRollbackOverride bool
	// IsPgmetaObject identifies pgmeta objects so their omap routes
	// through the dirty cache instead of straight to the kv store
	// (spec §4.5 "omap_* on pgmeta objects"). Defaults to "never" when
	// nil — this engine build does not itself designate any object as
	// pgmeta; a caller that introduces pgmeta objects on a given
	// collection name convention supplies this predicate.
	IsPgmetaObject func(coll oid.CollectionID, o oid.ID) bool
}

// Mounted bundles every component the bring-up sequence constructs, for
// internal/engine to drive the submission surface (spec §6) against.
type Mounted struct {
	Basedir string

	FSID     string
	fsidLock *FSIDLock

	Backend *backend.Backend
	KV      kvstore.Store

	FDCache   *fdcache.Cache
	Pgmeta    *pgmeta.Cache
	Writeback *writeback.Pool
	Index     *index.Index
	Objects   *object.Store
	Applier   *apply.Applier

	journalDevice *journal.FileJournal
	Journal       *journal.Orchestrator

	Admission *admission.Throttle
	ApplyMgr  *applymgr.Manager
	Fault     *fault.Handler

	ReadableFinishers *finisher.Pool
	OnDiskFinishers   *finisher.Pool

	Worker *worker.Pool
	Commit *commit.Thread

	// NextSeq is the first sequence number the engine may assign to a
	// newly submitted op — one past every sequence already known
	// committed or replayed.
	NextSeq uint64
}

// Mount performs the full bring-up sequence of spec §4.7: exclusive
// fsid lock, version/superblock checks, backend detection, checkpoint
// rollback, kv store and journal open, per-collection index cleanup,
// starting every background thread, then replaying the journal tail.
func Mount(cfg *config.Config, logger *slog.Logger, opts Options) (*Mounted, error) {
	lock, fsid, err := AcquireFSID(cfg.Basedir)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = lock.Release()
		}
	}()

	if err := CheckVersion(cfg.Basedir, opts.AllowVersionUpdate); err != nil {
		return nil, err
	}
	if _, err := ReadSuperblock(cfg.Basedir); err != nil {
		return nil, err
	}

	be, err := backend.Detect(cfg.Basedir)
	if err != nil {
		return nil, fmt.Errorf("mount: detect backend: %w", err)
	}

	if err := rollbackIfNeeded(cfg.Basedir, be, opts.ForceRollbackOverride); err != nil {
		return nil, err
	}

	currentDir := filepath.Join(cfg.Basedir, "current")
	kv, err := kvstore.OpenPebble(filepath.Join(currentDir, "omap"))
	if err != nil {
		return nil, fmt.Errorf("mount: open kv store: %w", err)
	}
	closeOnErr := func() {
		_ = kv.Close()
	}
	if err := testKV(kv); err != nil {
		closeOnErr()
		return nil, fmt.Errorf("mount: kv store self-test failed: %w", err)
	}

	dev, err := journal.OpenFile(cfg.JournalDir, cfg.SloppyCRC)
	if err != nil {
		closeOnErr()
		return nil, fmt.Errorf("mount: open journal: %w", err)
	}

	collections, err := discoverCollections(currentDir)
	if err != nil {
		closeOnErr()
		_ = dev.Close()
		return nil, fmt.Errorf("mount: discover collections: %w", err)
	}

	idx := index.New()
	idx.Cleanup(collections)

	committedSeq, err := readCommitSeq(currentDir)
	if err != nil {
		closeOnErr()
		_ = dev.Close()
		return nil, err
	}

	fds := fdcache.New(cfg.FDCacheShards, cfg.FDCachePerShard)
	pg := pgmeta.New(kv, cfg.PgmetaCacheShards)
	wb := writeback.NewPool(cfg.WritebackShards, writeback.Config{
		HighWatermarkBytes: cfg.MaxBytes,
		FlushBatchBytes:    cfg.MaxBytes / 4,
	}, logger)
	objects := object.New(currentDir, object.Config{
		MaxInlineAttrSize:  cfg.MaxInlineAttrSize,
		MaxInlineAttrCount: cfg.MaxInlineAttrCount,
		EIOInjectRate:      cfg.EIOInjectRate,
	}, fds, be, kv, pg, wb)

	faultHandler := fault.New(logger, nil, cfg.TransactionDumpPath)
	applier := apply.New(apply.Config{
		Objects:  objects,
		Backend:  be,
		Index:    idx,
		Pgmeta:   pg,
		Split:    idx,
		IsPgmeta: opts.IsPgmetaObject,
		Fatal:    faultHandler,
	})

	admissionThrottle := admission.New(admission.Config{
		MaxOps:               cfg.MaxOps,
		MaxBytes:             cfg.MaxBytes,
		CommittingOpsDelta:   cfg.CommittingOpsDelta,
		CommittingBytesDelta: cfg.CommittingBytesDelta,
	})
	applyMgr := applymgr.New()

	readableFinishers := finisher.New("readable", cfg.ReadableFinishers, logger)
	onDiskFinishers := finisher.New("ondisk", cfg.OnDiskFinishers, logger)

	orchestrator := journal.New(dev, journal.Config{
		MaxBatchOps:   64,
		MaxBatchDelay: 0,
	}, logger)

	pool := worker.New(worker.Config{
		Workers:       cfg.Workers,
		Applier:       applier,
		ApplyMgr:      applyMgr,
		Journal:       orchestrator,
		Admission:     admissionThrottle,
		Fatal:         faultHandler,
		Logger:        logger,
		OnReadable:    readableFinishers,
		OnDisk:        onDiskFinishers,
		KillAtOpCount: cfg.KillAtOpCount,
		StallPerOp:    cfg.StallPerOp,
	})

	commitThread := commit.New(commit.Config{
		Basedir:          currentDir,
		Interval:         cfg.SyncIntervalMin,
		WatchdogExpiry:   cfg.CommitWatchdog,
		KeepCheckpoints:  cfg.KeepCheckpoints,
		InitialCommitted: committedSeq,
		ApplyMgr:             applyMgr,
		Backend:              be,
		KV:                   kv,
		Pgmeta:               pg,
		Fatal:                faultHandler,
		Logger:               logger,
		Journal:              dev,
		JournalNearFullBytes: cfg.JournalNearFullBytes,
		PauseWorkers:         pool.Pause,
		ResumeWorkers:        pool.Resume,
		HighestSeq:      applyMgr.HighestSeen,
		SetCommitting: func(committing bool) {
			admissionThrottle.SetCommitting(committing, be.Capabilities().Checkpoint)
		},
	})
	go commitThread.Run()

	highestReplayed, err := replay(dev, applier, committedSeq)
	if err != nil {
		commitThread.Stop()
		pool.Stop()
		readableFinishers.Stop()
		onDiskFinishers.Stop()
		wb.Stop()
		closeOnErr()
		_ = dev.Close()
		return nil, fmt.Errorf("mount: journal replay: %w", err)
	}

	nextSeq := committedSeq + 1
	if highestReplayed+1 > nextSeq {
		nextSeq = highestReplayed + 1
	}

	ok = true
	logger.Info("mounted", slog.String("fsid", fsid), slog.Uint64("committed_seq", committedSeq),
		slog.Uint64("next_seq", nextSeq), slog.Int("collections", len(collections)))

	return &Mounted{
		Basedir: cfg.Basedir, FSID: fsid, fsidLock: lock,
		Backend: be, KV: kv,
		FDCache: fds, Pgmeta: pg, Writeback: wb, Index: idx, Objects: objects, Applier: applier,
		journalDevice: dev, Journal: orchestrator,
		Admission: admissionThrottle, ApplyMgr: applyMgr, Fault: faultHandler,
		ReadableFinishers: readableFinishers, OnDiskFinishers: onDiskFinishers,
		Worker: pool, Commit: commitThread,
		NextSeq: nextSeq,
	}, nil
}

// Umount implements spec §4.8: stop every background thread in reverse
// start order, close the journal for writes, destroy finishers, and
// release the fsid lock. Durability of anything acknowledged before
// this call returns is unaffected, but not every Stop drains its queue:
// ops still waiting in an apply-queue when the worker pool stops are
// left unapplied here and are re-applied from the journal by replay at
// the next mount.
func Umount(m *Mounted) error {
	m.Commit.Stop()
	m.Worker.Stop() // also stops the journal orchestrator (the journal-ack thread)
	m.Writeback.Stop()
	m.ReadableFinishers.Stop()
	m.OnDiskFinishers.Stop()

	if err := m.journalDevice.Close(); err != nil {
		return fmt.Errorf("umount: close journal: %w", err)
	}
	if err := m.KV.Close(); err != nil {
		return fmt.Errorf("umount: close kv store: %w", err)
	}
	return m.fsidLock.Release()
}

func testKV(kv kvstore.Store) error {
	ctx := context.Background()
	const ns, key = "\x00mount-selftest", "probe"
	if err := kv.Set(ctx, ns, key, []byte("ok")); err != nil {
		return err
	}
	if _, err := kv.Get(ctx, ns, key); err != nil {
		return err
	}
	return kv.Delete(ctx, ns, key)
}

func discoverCollections(currentDir string) ([]oid.CollectionID, error) {
	if err := os.MkdirAll(currentDir, 0o750); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(currentDir)
	if err != nil {
		return nil, err
	}
	var out []oid.CollectionID
	for _, e := range entries {
		if !e.IsDir() || reservedEntries[e.Name()] {
			continue
		}
		out = append(out, oid.CollectionID(e.Name()))
	}
	return out, nil
}

func readCommitSeq(currentDir string) (uint64, error) {
	path := filepath.Join(currentDir, "commit_op_seq")
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read commit_op_seq: %w", err)
	}
	var seq uint64
	if _, err := fmt.Sscanf(string(b), "%d", &seq); err != nil {
		return 0, fmt.Errorf("decode commit_op_seq: %w", err)
	}
	return seq, nil
}

// replay implements spec §4.7 step 10: every journal entry whose
// sequence exceeds committedSeq is reapplied through the normal path
// with replaying=true, so the applier relaxes its error policy.
func replay(dev *journal.FileJournal, applier *apply.Applier, committedSeq uint64) (uint64, error) {
	var highest uint64
	err := dev.Replay(func(seq uint64, txns []*txn.Transaction) error {
		if seq <= committedSeq {
			return nil
		}
		if err := applier.Apply(context.Background(), seq, txns, true); err != nil {
			return fmt.Errorf("replay seq=%d: %w", seq, err)
		}
		if seq > highest {
			highest = seq
		}
		return nil
	})
	return highest, err
}
