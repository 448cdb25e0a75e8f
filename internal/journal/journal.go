// Пакет journal реализует упорядоченный write-ahead журнал и оркестратор
// его батчевого сброса — компонент "Journal orchestrator" (spec §4.3).
// Каждая операция (не только WAL-опкоды) обязана пройти журнал прежде,
// чем попасть в apply-очередь своего sequencer'а (spec §2 dataflow:
// "journal writer appends → durable callback → enqueue → worker runs
// it"): Submit дописывает запись в единый растущий сегментный файл,
// несколько ожидающих записей коалесцируются в один fsync, после
// которого весь батч подтверждается разом через OnBatchAcked — только
// тогда op считается годным к применению. Формат записи и техника
// atomic-append заимствованы из подхода учителя к WAL
// (internal/storage/wal/wal.go: временный файл → fsync → rename для
// каждой отдельной записи), здесь обобщённого до одного растущего
// сегмента вместо файла на транзакцию, поскольку журнал должен
// сохранять строгий порядок последовательностей, а не независимые
// записи.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arturkryukov/xstore/internal/txn"
)

// Device is the minimal durable-append abstraction the orchestrator
// drives; a real deployment could substitute a raw block device
// journal, tested here against the default file-backed one.
type Device interface {
	AppendNoSync(seq uint64, txns []*txn.Transaction) error
	Sync() error
	Replay(fn func(seq uint64, txns []*txn.Transaction) error) error
	Size() (int64, error)
	Reset() error
	CompactAfter(committedSeq uint64) error
	Close() error
}

// FileJournal is a single growing append-only segment file storing
// newline-delimited JSON records (spec §6 "journal segment file").
type FileJournal struct {
	path      string
	sloppyCRC bool
	mu        sync.Mutex
	f         *os.File
	w         *bufio.Writer
}

// OpenFile opens (creating if absent) the journal segment at
// dir/journal.log. sloppyCRC mirrors XStore.cc's m_filestore_sloppy_crc
// debug toggle: when true, records are written without a CRC and read
// back unchecked, trading corruption detection for less per-record CPU.
func OpenFile(dir string, sloppyCRC bool) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("journal mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "journal.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("journal open %s: %w", path, err)
	}
	return &FileJournal{path: path, sloppyCRC: sloppyCRC, f: f, w: bufio.NewWriter(f)}, nil
}

func (j *FileJournal) AppendNoSync(seq uint64, txns []*txn.Transaction) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, err := toRecord(seq, txns, j.sloppyCRC)
	if err != nil {
		return fmt.Errorf("journal build record seq=%d: %w", seq, err)
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("journal marshal seq=%d: %w", seq, err)
	}
	if _, err := j.w.Write(b); err != nil {
		return fmt.Errorf("journal write seq=%d: %w", seq, err)
	}
	return j.w.WriteByte('\n')
}

func (j *FileJournal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("journal flush: %w", err)
	}
	return j.f.Sync()
}

// Replay reads every record in file order, invoking fn with
// replaying=true semantics left to the caller (spec §4.7 step 7
// "journal replay").
func (j *FileJournal) Replay(fn func(seq uint64, txns []*txn.Transaction) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return err
	}
	if _, err := j.f.Seek(0, 0); err != nil {
		return fmt.Errorf("journal replay seek: %w", err)
	}
	sc := bufio.NewScanner(j.f)
	sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			return fmt.Errorf("journal replay decode: %w", err)
		}
		if !j.sloppyCRC {
			if err := r.verifyCRC(); err != nil {
				return err
			}
		}
		if err := fn(r.Seq, r.toTransactions()); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("journal replay scan: %w", err)
	}
	if _, err := j.f.Seek(0, 2); err != nil {
		return fmt.Errorf("journal replay reseek end: %w", err)
	}
	return nil
}

// Size reports current segment size, used to trigger an early commit
// cycle when the journal is nearing capacity (spec §4.6 "loop
// immediately if the journal reports near-full").
func (j *FileJournal) Size() (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return 0, err
	}
	info, err := j.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Reset truncates the segment once its entries are covered by a
// checkpoint (spec §4.6 step "trim").
func (j *FileJournal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.f.Truncate(0); err != nil {
		return fmt.Errorf("journal reset truncate: %w", err)
	}
	if _, err := j.f.Seek(0, 0); err != nil {
		return fmt.Errorf("journal reset seek: %w", err)
	}
	j.w.Reset(j.f)
	return nil
}

// CompactAfter rewrites the segment to keep only records with a
// sequence strictly greater than committedSeq, once everything up to
// committedSeq is captured by a checkpoint (spec §4.6 "trim the
// journal covered by the checkpoint"). Uses the same temp-file+fsync+
// rename technique as writeCommitSeq. Held under j.mu, so it never
// races a concurrent AppendNoSync — the writer just queues behind it.
func (j *FileJournal) CompactAfter(committedSeq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("journal compact flush: %w", err)
	}
	if _, err := j.f.Seek(0, 0); err != nil {
		return fmt.Errorf("journal compact seek: %w", err)
	}

	tmpPath := j.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("journal compact create: %w", err)
	}
	tw := bufio.NewWriter(tmp)

	sc := bufio.NewScanner(j.f)
	sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("journal compact decode: %w", err)
		}
		if r.Seq <= committedSeq {
			continue
		}
		if _, err := tw.Write(line); err != nil || tw.WriteByte('\n') != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("journal compact write: %w", err)
		}
	}
	if err := sc.Err(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("journal compact scan: %w", err)
	}
	if err := tw.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("journal compact flush temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("journal compact fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("journal compact close temp: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return fmt.Errorf("journal compact rename: %w", err)
	}
	if err := j.f.Close(); err != nil {
		return fmt.Errorf("journal compact close old: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("journal compact reopen: %w", err)
	}
	j.f = f
	j.w = bufio.NewWriter(f)
	return nil
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.f.Close()
}

// Config governs the orchestrator's batching policy.
type Config struct {
	MaxBatchOps   int
	MaxBatchDelay time.Duration
	// OnBatchAcked is invoked once per batch after its fsync completes,
	// handing every durably-journaled op in the batch back to the engine
	// so it can move from its sequencer's in-queue onto its apply-queue
	// and be scheduled onto the worker pool (spec §4.3). Ops whose
	// AppendNoSync failed are excluded from batch and never reach here.
	OnBatchAcked func(batch []*txn.QueueOp)
}

// Orchestrator batches concurrently-submitted ops into coalesced fsyncs
// (spec §4.3 "Journal orchestrator"): Submit is safe to call from any
// goroutine and returns immediately — the per-entry write and per-batch
// ack both happen on the orchestrator's own goroutine.
type Orchestrator struct {
	dev    Device
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*txn.QueueOp

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(dev Device, cfg Config, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		dev: dev, cfg: cfg,
		logger: logger.With(slog.String("component", "journal")),
		stopCh: make(chan struct{}), doneCh: make(chan struct{}),
	}
	o.cond = sync.NewCond(&o.mu)
	go o.loop()
	return o
}

// OnAcked (re)binds the per-batch durability callback, allowing the
// orchestrator to be constructed before its consumer
// (internal/engine.Store.onJournalWritten, bound after mount returns)
// exists.
func (o *Orchestrator) OnAcked(fn func(batch []*txn.QueueOp)) {
	o.mu.Lock()
	o.cfg.OnBatchAcked = fn
	o.mu.Unlock()
}

// Submit enqueues op for journaling and marks it as having left the
// sequencer's bare in-queue state (spec §3 op lifecycle: INIT→WRITE at
// the moment the op is accepted for journaling, ahead of any apply).
// Every op passes through here now, not only WAL opcodes (spec §4.3:
// the journal must ack an op's durability before that op is eligible
// to run, regardless of its opcode's on-disk-effect requirements).
func (o *Orchestrator) Submit(op *txn.QueueOp) {
	if err := op.Transition(txn.StateInit, txn.StateWrite); err != nil {
		o.logger.Warn("op already left INIT before journal submit", slog.String("op", op.DebugID), slog.String("error", err.Error()))
	}
	o.mu.Lock()
	o.pending = append(o.pending, op)
	o.cond.Signal()
	o.mu.Unlock()
}

func (o *Orchestrator) loop() {
	defer close(o.doneCh)
	for {
		batch := o.collectBatch()
		if batch == nil {
			return // stopped
		}
		o.writeBatch(batch)
	}
}

func (o *Orchestrator) collectBatch() []*txn.QueueOp {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.pending) == 0 {
		select {
		case <-o.stopCh:
			return nil
		default:
		}
		o.cond.Wait()
	}

	if o.cfg.MaxBatchDelay > 0 && len(o.pending) < max(o.cfg.MaxBatchOps, 1) {
		// give a short grace period for more ops to join this batch
		deadline := time.Now().Add(o.cfg.MaxBatchDelay)
		for len(o.pending) < max(o.cfg.MaxBatchOps, 1) && time.Now().Before(deadline) {
			o.mu.Unlock()
			time.Sleep(time.Millisecond)
			o.mu.Lock()
		}
	}

	n := len(o.pending)
	if o.cfg.MaxBatchOps > 0 && n > o.cfg.MaxBatchOps {
		n = o.cfg.MaxBatchOps
	}
	batch := o.pending[:n]
	o.pending = append([]*txn.QueueOp(nil), o.pending[n:]...)
	return batch
}

// writeBatch appends every op in batch, fsyncs once for the whole
// batch, and only then transitions each successfully-appended op past
// StateJournal and hands it to OnBatchAcked — an op is durable only
// once both its own append and the batch's fsync have succeeded, so
// the WRITE→JOURNAL transition happens here and nowhere earlier.
func (o *Orchestrator) writeBatch(batch []*txn.QueueOp) {
	written := make([]*txn.QueueOp, 0, len(batch))
	for _, op := range batch {
		if err := o.dev.AppendNoSync(op.Seq, op.Txns); err != nil {
			o.logger.Error("journal append failed", slog.Uint64("seq", op.Seq), slog.String("error", err.Error()))
			continue
		}
		written = append(written, op)
	}
	if len(written) == 0 {
		return
	}
	if err := o.dev.Sync(); err != nil {
		o.logger.Error("journal fsync failed", slog.String("error", err.Error()))
		return
	}
	for _, op := range written {
		if err := op.Transition(txn.StateWrite, txn.StateJournal); err != nil {
			o.logger.Warn("op state transition rejected", slog.String("op", op.DebugID), slog.String("error", err.Error()))
		}
	}
	o.mu.Lock()
	onAcked := o.cfg.OnBatchAcked
	o.mu.Unlock()
	if onAcked != nil {
		onAcked(written)
	}
}

// Stop drains no further submissions and waits for the background
// goroutine to exit.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	o.mu.Lock()
	o.cond.Broadcast()
	o.mu.Unlock()
	<-o.doneCh
}
