// Пакет commit реализует периодический цикл синхронизации/чекпоинта —
// "sync thread" (spec §4.6): ставит воркеры на паузу, ждёт
// commit-start-safe, сбрасывает pgmeta-кэш и kv store, создаёт
// чекпоинт (либо делает syncfs при отсутствии поддержки чекпоинтов),
// продвигает committed sequence, возобновляет воркеры, усекает старые
// чекпоинты. Грунтуется на XStore.cc's sync_entry и на использовании
// go-multierror учителем в alexhholmes-boulder для агрегации нескольких
// независимых отказов одного цикла.
package commit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/arturkryukov/xstore/internal/applymgr"
	"github.com/arturkryukov/xstore/internal/backend"
	"github.com/arturkryukov/xstore/internal/fault"
	"github.com/arturkryukov/xstore/internal/kvstore"
	"github.com/arturkryukov/xstore/internal/metrics"
	"github.com/arturkryukov/xstore/internal/pgmeta"
)

// JournalTrimmer is the subset of journal.Device the commit thread
// needs to keep the journal from growing without bound (spec §4.6
// "trim the journal covered by the checkpoint").
type JournalTrimmer interface {
	Size() (int64, error)
	CompactAfter(committedSeq uint64) error
}

// Config governs one Thread's sync cycle.
type Config struct {
	Basedir         string
	Interval        time.Duration
	WatchdogExpiry  time.Duration
	KeepCheckpoints int
	// InitialCommitted seeds Committed() with the sequence already on
	// disk at mount (commit_op_seq), so a caller polling Committed()
	// right after mount sees the real watermark rather than 0.
	InitialCommitted uint64

	ApplyMgr *applymgr.Manager
	Backend  *backend.Backend
	KV       kvstore.Store
	Pgmeta   *pgmeta.Cache
	Fatal    *fault.Handler
	Logger   *slog.Logger

	// Journal is trimmed of everything covered by the checkpoint at the
	// end of a successful cycle. Nil disables trimming (e.g. in tests
	// that never construct a real journal device).
	Journal JournalTrimmer
	// JournalNearFullBytes triggers an immediate extra cycle when the
	// post-trim journal size is still at or above this many bytes,
	// instead of waiting for the next ticker interval (spec §4.6 "loop
	// immediately if the journal reports near-full"). Zero disables it.
	JournalNearFullBytes int64

	// PauseWorkers/ResumeWorkers bracket the commit window so no worker
	// begins applying a new head op while the cycle runs (spec §4.6
	// step 1 "pause workers").
	PauseWorkers  func()
	ResumeWorkers func()
	// HighestSeq returns the highest sequence number that has begun
	// applying, used as the committing_seq watermark. Must remain
	// monotonic even after those ops finish applying (applymgr.HighestSeen,
	// not HighestInFlight) — a live in-flight set collapses back to
	// empty as soon as the queue drains, which would make every idle
	// tick look like "nothing to commit" forever.
	HighestSeq func() (uint64, bool)
	// SetCommitting toggles the admission throttle's committing-delta
	// boost around the window (spec §4.4).
	SetCommitting func(committing bool)
}

// Thread runs the periodic sync cycle on its own goroutine.
type Thread struct {
	cfg Config

	mu        sync.Mutex
	committed uint64
	seq       int

	runMu sync.Mutex // serializes runOnce against a concurrent Force

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Thread; Run must be called to start its loop.
func New(cfg Config) *Thread {
	return &Thread{
		cfg:       cfg,
		committed: cfg.InitialCommitted,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Run starts the periodic loop; blocks until Stop is called.
func (t *Thread) Run() {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.runOnce()
		}
	}
}

// Committed returns the highest sequence number known fully committed.
func (t *Thread) Committed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// Force runs one sync cycle immediately, outside the ticker, and waits
// for it to finish. Used by the engine's sync_and_flush() (spec §6) so
// a caller waiting on on-disk durability does not have to wait for the
// next scheduled interval.
func (t *Thread) Force() {
	t.runOnce()
}

// runOnce executes exactly one sync cycle (spec §4.6 steps 1-6). Guarded
// by runMu so a forced cycle (Force) and the ticker-driven cycle never
// overlap. Re-invokes itself immediately, bypassing the ticker, when the
// journal reports it is still near full after trimming.
func (t *Thread) runOnce() {
	for {
		if !t.runOneCycle() {
			return
		}
	}
}

// runOneCycle runs a single pause/persist/trim pass and reports whether
// the journal is still near-full afterward, in which case the caller
// should loop again right away rather than wait for the next tick.
func (t *Thread) runOneCycle() (nearFull bool) {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	logger := t.cfg.Logger.With(slog.String("component", "commit"))
	start := time.Now()
	defer func() { metrics.CommitCycleDuration.Observe(time.Since(start).Seconds()) }()

	committingSeq, any := t.cfg.HighestSeq()
	t.mu.Lock()
	stale := any && committingSeq <= t.committed
	t.mu.Unlock()
	if !any || stale {
		return false // nothing applied since the last cycle; skip
	}

	if t.cfg.PauseWorkers != nil {
		t.cfg.PauseWorkers()
	}
	if t.cfg.SetCommitting != nil {
		t.cfg.SetCommitting(true)
	}
	defer func() {
		if t.cfg.SetCommitting != nil {
			t.cfg.SetCommitting(false)
		}
		if t.cfg.ResumeWorkers != nil {
			t.cfg.ResumeWorkers()
		}
	}()

	watchdog := t.armWatchdog()
	t.cfg.ApplyMgr.CommitStartSafe(committingSeq)
	watchdog.disarm()

	if err := t.persist(context.Background(), committingSeq); err != nil {
		metrics.CommitCycleFailuresTotal.Inc()
		t.cfg.Fatal.Fatal("commit cycle persist failed", nil, err)
		return false
	}

	t.mu.Lock()
	t.committed = committingSeq
	t.seq++
	seq := t.seq
	t.mu.Unlock()

	if err := t.trimCheckpoints(); err != nil {
		logger.Warn("checkpoint trim failed", slog.String("error", err.Error()))
	}

	if t.cfg.Journal != nil {
		if err := t.cfg.Journal.CompactAfter(committingSeq); err != nil {
			logger.Warn("journal compact failed", slog.String("error", err.Error()))
		} else if t.cfg.JournalNearFullBytes > 0 {
			if size, err := t.cfg.Journal.Size(); err == nil && size >= t.cfg.JournalNearFullBytes {
				nearFull = true
			}
		}
	}

	logger.Debug("commit cycle complete", slog.Uint64("committed_seq", committingSeq),
		slog.Int("cycle", seq), slog.Bool("journal_near_full", nearFull))
	return nearFull
}

// persist flushes every independent durability target and aggregates
// failures with go-multierror rather than stopping at the first one,
// so a single stuck backend does not mask a simultaneous kv-store
// failure (spec §4.6 step 3: "pgmeta flush, kv sync, checkpoint-or-syncfs").
func (t *Thread) persist(ctx context.Context, committingSeq uint64) error {
	var merr *multierror.Error

	if err := t.cfg.Pgmeta.FlushAll(ctx); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("pgmeta flush: %w", err))
	}
	if err := t.cfg.KV.Sync(ctx); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("kv sync: %w", err))
	}

	caps := t.cfg.Backend.Capabilities()
	if caps.Checkpoint {
		name := fmt.Sprintf("snap_%d", committingSeq)
		if err := t.cfg.Backend.CreateCheckpoint(name); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("checkpoint: %w", err))
		}
	} else if err := t.cfg.Backend.SyncFS(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("syncfs: %w", err))
	}

	if merr != nil {
		return merr
	}
	return writeCommitSeq(t.cfg.Basedir, committingSeq)
}

// writeCommitSeq persists the committed sequence atomically, matching
// the teacher's temp-file+fsync+rename technique for every durable
// write (spec §4.6 "advance committed sequence").
func writeCommitSeq(basedir string, seq uint64) error {
	path := filepath.Join(basedir, "commit_op_seq")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d\n", seq)), 0o640); err != nil {
		return fmt.Errorf("write commit_op_seq: %w", err)
	}
	f, err := os.Open(tmp)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync commit_op_seq: %w", err)
	}
	f.Close()
	return os.Rename(tmp, path)
}

// trimCheckpoints keeps only the most recent KeepCheckpoints snapshots
// (spec §4.6 "trim old checkpoints"), oldest-sequence-first — sorted by
// the decoded snap_<seq> sequence number, not the directory name, since
// lexical order puts "snap_10" before "snap_9".
func (t *Thread) trimCheckpoints() error {
	if t.cfg.KeepCheckpoints <= 0 || !t.cfg.Backend.Capabilities().Checkpoint {
		return nil
	}
	// Basedir is the store's current/ directory; the backend creates
	// snap_<seq> checkpoints beside it, in its parent.
	entries, err := os.ReadDir(filepath.Dir(t.cfg.Basedir))
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	for _, name := range checkpointsToTrim(names, t.cfg.KeepCheckpoints) {
		if err := t.cfg.Backend.DestroyCheckpoint(name); err != nil {
			return err
		}
	}
	return nil
}

type checkpointName struct {
	name string
	seq  uint64
}

// checkpointsToTrim picks the oldest entries of dirNames that decode as
// snap_<seq> (any other directory is ignored), sorted by the decoded
// sequence rather than lexically — "snap_10" is newer than "snap_9",
// which string sort gets backwards — and returns everything beyond the
// most recent keep of them.
func checkpointsToTrim(dirNames []string, keep int) []string {
	var snaps []checkpointName
	for _, name := range dirNames {
		if !strings.HasPrefix(name, "snap_") {
			continue
		}
		seq, err := strconv.ParseUint(name[len("snap_"):], 10, 64)
		if err != nil {
			continue // not one of ours
		}
		snaps = append(snaps, checkpointName{name: name, seq: seq})
	}
	if len(snaps) <= keep {
		return nil
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].seq < snaps[j].seq })
	out := make([]string, 0, len(snaps)-keep)
	for _, cp := range snaps[:len(snaps)-keep] {
		out = append(out, cp.name)
	}
	return out
}

type watchdogHandle struct{ cancel func() }

func (h watchdogHandle) disarm() { h.cancel() }

// armWatchdog aborts the process if CommitStartSafe blocks longer than
// WatchdogExpiry, matching spec §5's "suspend watchdog only around
// blocking points, not around the commit wait itself" — the commit
// wait is exactly the blocking point the watchdog is meant to catch.
func (t *Thread) armWatchdog() watchdogHandle {
	if t.cfg.WatchdogExpiry <= 0 {
		return watchdogHandle{cancel: func() {}}
	}
	timer := time.AfterFunc(t.cfg.WatchdogExpiry, func() {
		t.cfg.Fatal.Fatal("commit_start_safe watchdog expired", nil, nil)
	})
	return watchdogHandle{cancel: func() { timer.Stop() }}
}

// Stop ends the periodic loop and waits for it to exit.
func (t *Thread) Stop() {
	close(t.stopCh)
	<-t.doneCh
}
