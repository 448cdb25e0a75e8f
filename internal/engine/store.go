// Пакет engine реализует верхнеуровневый Store — единственную точку
// входа движка, с которой работает вызывающий код и cmd/xstored (spec
// §6 "External interfaces", "Submission surface"): queue_transactions,
// mount/umount/mkfs/mkjournal, flush/sync_and_flush, snapshot.
// internal/mount несёт тяжесть самого bring-up (§4.7/§4.8); Store
// держит смонтированные компоненты и per-sequencer реестр, нужный
// только на уровне приёма транзакций.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/arturkryukov/xstore/internal/config"
	"github.com/arturkryukov/xstore/internal/metrics"
	"github.com/arturkryukov/xstore/internal/mount"
	"github.com/arturkryukov/xstore/internal/sequencer"
	"github.com/arturkryukov/xstore/internal/txn"
)

// metricsSampleInterval governs how often Store polls admission,
// writeback and queue-depth occupancy for the gauges in
// internal/metrics (spec §5 "engine exposes metrics for admission
// occupancy, writeback backlog ... sampled periodically").
const metricsSampleInterval = 2 * time.Second

// Store is the engine's single entry point. It is safe to call from
// many goroutines once mounted; Mount/Umount/MkFS are not meant to run
// concurrently with each other or with QueueTransactions.
type Store struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.RWMutex
	mounted *mount.Mounted

	seqMu      sync.Mutex
	sequencers map[string]*sequencer.Sequencer
	nextSeq    uint64

	readyMu         sync.Mutex
	readyCond       *sync.Cond
	highestReadable uint64
	highestOnDisk   uint64

	sampleStop chan struct{}
	sampleDone chan struct{}
}

// New creates an unmounted Store. Call Mount before QueueTransactions.
func New(cfg *config.Config, logger *slog.Logger) *Store {
	s := &Store{
		cfg:        cfg,
		logger:     logger,
		sequencers: make(map[string]*sequencer.Sequencer),
	}
	s.readyCond = sync.NewCond(&s.readyMu)
	return s
}

// MkFS provisions a fresh on-disk store at cfg.Basedir (spec §6
// "mkfs()"). The store must not be mounted.
func (s *Store) MkFS() error {
	return mount.MkFS(s.cfg)
}

// MkJournal provisions a fresh journal device at cfg.JournalDir (spec
// §6 "mkjournal()").
func (s *Store) MkJournal() error {
	return mount.MkJournal(s.cfg)
}

// Mount brings the store up: fsid lock, superblock/version checks,
// backend detection, checkpoint rollback, kv store and journal open,
// index cleanup, background threads, and journal replay (spec §4.7).
func (s *Store) Mount(opts mount.Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mounted != nil {
		return fmt.Errorf("engine: already mounted")
	}
	m, err := mount.Mount(s.cfg, s.logger, opts)
	if err != nil {
		return err
	}
	s.mounted = m
	s.seqMu.Lock()
	s.nextSeq = m.NextSeq
	s.seqMu.Unlock()
	// Ops below NextSeq were applied by mount's replay, so they count as
	// readable and on disk for Flush/SyncAndFlush.
	s.readyMu.Lock()
	s.highestReadable = m.NextSeq - 1
	s.highestOnDisk = m.NextSeq - 1
	s.readyMu.Unlock()
	if m.Journal != nil {
		m.Journal.OnAcked(s.onJournalWritten)
	}
	s.startMetricsSampler()
	return nil
}

// Umount stops every background thread in reverse start order, closes
// the journal, destroys finishers and releases the fsid lock (spec
// §4.8). Ops not yet applied when the worker pool stops stay in the
// journal and are replayed at the next mount.
func (s *Store) Umount() error {
	// Stopped ahead of taking s.mu: the sampler goroutine itself needs
	// s.mu.RLock to read s.mounted, so joining it while holding the
	// write lock would deadlock.
	s.stopMetricsSampler()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mounted == nil {
		return fmt.Errorf("engine: not mounted")
	}
	err := mount.Umount(s.mounted)
	s.mounted = nil
	return err
}

// startMetricsSampler launches the periodic occupancy sampler feeding
// AdmissionOps/AdmissionBytes/WritebackQueueDepth/QueueDepth (spec §5).
// Must be called with s.mu held for writing (i.e. from Mount).
func (s *Store) startMetricsSampler() {
	s.sampleStop = make(chan struct{})
	s.sampleDone = make(chan struct{})
	go func() {
		defer close(s.sampleDone)
		ticker := time.NewTicker(metricsSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.sampleStop:
				return
			case <-ticker.C:
				s.sampleMetrics()
			}
		}
	}()
}

// stopMetricsSampler stops the sampler goroutine. Must be called from
// Umount before s.mu is taken — sampleMetrics itself needs s.mu.RLock,
// so joining the goroutine while holding the write lock would deadlock.
func (s *Store) stopMetricsSampler() {
	if s.sampleStop == nil {
		return
	}
	close(s.sampleStop)
	<-s.sampleDone
	s.sampleStop = nil
	s.sampleDone = nil
}

func (s *Store) sampleMetrics() {
	s.mu.RLock()
	m := s.mounted
	s.mu.RUnlock()
	if m == nil {
		return
	}

	if m.Admission != nil {
		ops, bytes := m.Admission.InFlight()
		metrics.AdmissionOps.Set(float64(ops))
		metrics.AdmissionBytes.Set(float64(bytes))
	}

	if m.Writeback != nil {
		for _, shard := range m.Writeback.Shards() {
			metrics.WritebackQueueDepth.WithLabelValues(strconv.Itoa(shard.ID())).Set(float64(shard.Depth()))
		}
	}

	s.seqMu.Lock()
	var depth int
	for _, seq := range s.sequencers {
		depth += seq.QueueDepth()
	}
	s.seqMu.Unlock()
	metrics.QueueDepth.Set(float64(depth))
}

func (s *Store) sequencerFor(id string) *sequencer.Sequencer {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	seq, ok := s.sequencers[id]
	if !ok {
		seq = sequencer.New(id)
		s.sequencers[id] = seq
	}
	return seq
}

// QueueTransactions assigns the batch the next global sequence number,
// enqueues it on sequencerID's in-queue, and submits it to the journal
// (spec §6 "queue_transactions(sequencer, list_of_transactions,
// on_readable, on_readable_sync, on_disk)"). The op only moves onto its
// sequencer's apply-queue and gets scheduled onto the worker pool once
// the journal orchestrator reports it durably fsynced
// (onJournalWritten, bound at Mount time) — spec §2's dataflow ("journal
// writer appends → durable callback → enqueue → worker runs it")
// applies uniformly to every opcode, not only WAL ones. Each
// transaction's own OnReadable/OnDisk callbacks are preserved and
// chained (wrapCallbacks) with updates of Store's high-water marks, so
// Flush/SyncAndFlush can block until this call's batch is
// visible/durable.
func (s *Store) QueueTransactions(sequencerID string, txns []*txn.Transaction) (uint64, error) {
	s.mu.RLock()
	m := s.mounted
	s.mu.RUnlock()
	if m == nil {
		return 0, fmt.Errorf("engine: not mounted")
	}

	s.seqMu.Lock()
	seqNum := s.nextSeq
	s.nextSeq++
	s.seqMu.Unlock()

	op := txn.BuildOp(seqNum, sequencerID, txns)
	s.wrapCallbacks(op)

	m.Admission.Reserve(1, int64(op.Bytes), nil, nil)

	seq := s.sequencerFor(sequencerID)
	seq.Enqueue(op)
	m.Journal.Submit(op)

	return seqNum, nil
}

// onJournalWritten is the journal orchestrator's per-batch durability
// callback (spec §4.3): every op in batch has its journal entry
// fsynced, so each is moved from its sequencer's in-queue onto its
// apply-queue and that sequencer is scheduled onto the worker pool.
func (s *Store) onJournalWritten(batch []*txn.QueueOp) {
	s.mu.RLock()
	m := s.mounted
	s.mu.RUnlock()
	if m == nil {
		return
	}
	scheduled := make(map[string]*sequencer.Sequencer, len(batch))
	for _, op := range batch {
		seq := s.sequencerFor(op.SequencerID)
		if _, err := seq.JournalDone(op.Seq); err != nil {
			s.logger.Error("journal-done rejected", slog.String("op", op.DebugID), slog.String("error", err.Error()))
			continue
		}
		scheduled[op.SequencerID] = seq
	}
	for _, seq := range scheduled {
		m.Worker.Schedule(seq)
	}
}

// wrapCallbacks chains each transaction's on-readable/on-disk callback
// with Store's high-water-mark bookkeeping, so Flush/SyncAndFlush can
// observe completion without polling worker/finisher internals.
func (s *Store) wrapCallbacks(op *txn.QueueOp) {
	for _, t := range op.Txns {
		seq := op.Seq
		if prev := t.OnReadable; prev != nil {
			t.OnReadable = func() { prev(); s.markReadable(seq) }
		} else {
			t.OnReadable = func() { s.markReadable(seq) }
		}
		if prev := t.OnDisk; prev != nil {
			t.OnDisk = func() { prev(); s.markOnDisk(seq) }
		} else {
			t.OnDisk = func() { s.markOnDisk(seq) }
		}
	}
}

func (s *Store) markReadable(seq uint64) {
	s.readyMu.Lock()
	if seq > s.highestReadable {
		s.highestReadable = seq
	}
	s.readyCond.Broadcast()
	s.readyMu.Unlock()
}

func (s *Store) markOnDisk(seq uint64) {
	s.readyMu.Lock()
	if seq > s.highestOnDisk {
		s.highestOnDisk = seq
	}
	s.readyCond.Broadcast()
	s.readyMu.Unlock()
}

// Flush blocks until every op submitted before this call has fired its
// on-readable callback (spec §8 invariant 5).
func (s *Store) Flush(ctx context.Context) error {
	s.seqMu.Lock()
	target := s.nextSeq - 1
	s.seqMu.Unlock()
	return s.waitReadable(ctx, target)
}

// SyncAndFlush blocks until every op submitted before this call has
// fired its on-disk callback (journal durability), then forces an
// immediate commit cycle so the committed sequence and on-disk
// checkpoint actually advance rather than waiting for the next
// scheduled interval (spec §8 invariant 5, §6 "sync_and_flush()").
func (s *Store) SyncAndFlush(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	m := s.mounted
	s.mu.RUnlock()
	if m == nil {
		return fmt.Errorf("engine: not mounted")
	}

	s.seqMu.Lock()
	target := s.nextSeq - 1
	s.seqMu.Unlock()

	if err := s.waitOnDisk(ctx, target); err != nil {
		return err
	}
	m.Commit.Force()
	return nil
}

// The highWaterMark closures below read their field without locking:
// wait calls them with readyMu already held.
func (s *Store) waitReadable(ctx context.Context, target uint64) error {
	return s.wait(ctx, target, func() uint64 {
		return s.highestReadable
	})
}

func (s *Store) waitOnDisk(ctx context.Context, target uint64) error {
	return s.wait(ctx, target, func() uint64 {
		return s.highestOnDisk
	})
}

// wait polls highWaterMark under readyCond until it reaches target,
// waking on every markReadable/markOnDisk broadcast, or until ctx is
// done.
func (s *Store) wait(ctx context.Context, target uint64, highWaterMark func() uint64) error {
	if target == 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.readyMu.Lock()
		for highWaterMark() < target {
			s.readyCond.Wait()
		}
		s.readyMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot creates a named, operator-triggered filesystem checkpoint
// distinct from the commit cycle's own snap_<seq> checkpoints (spec §6
// "On-disk layout" clustersnap_<name>).
func (s *Store) Snapshot(name string) error {
	s.mu.RLock()
	m := s.mounted
	s.mu.RUnlock()
	if m == nil {
		return fmt.Errorf("engine: not mounted")
	}
	if !m.Backend.Capabilities().Checkpoint {
		return fmt.Errorf("engine: snapshot: backend does not support checkpoints")
	}
	return m.Backend.CreateCheckpoint("clustersnap_" + name)
}

// Committed returns the sequence number known durable across every
// collaborator as of the last completed commit cycle.
func (s *Store) Committed() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mounted == nil {
		return 0, fmt.Errorf("engine: not mounted")
	}
	return s.mounted.Commit.Committed(), nil
}
