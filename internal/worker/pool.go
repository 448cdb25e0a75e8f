// Пакет worker реализует пул воркеров, разбирающих очередь *sequencer'ов*,
// а не отдельных операций (spec §4.2 "_do_op": воркеры вычитывают из
// общей очереди готовых к работе sequencer'ов, что сохраняет строгий
// FIFO-порядок каждого sequencer'а при параллельной обработке разных
// sequencer'ов несколькими воркерами).
package worker

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arturkryukov/xstore/internal/admission"
	"github.com/arturkryukov/xstore/internal/apply"
	"github.com/arturkryukov/xstore/internal/applymgr"
	"github.com/arturkryukov/xstore/internal/fault"
	"github.com/arturkryukov/xstore/internal/finisher"
	"github.com/arturkryukov/xstore/internal/journal"
	"github.com/arturkryukov/xstore/internal/sequencer"
	"github.com/arturkryukov/xstore/internal/txn"
)

// Config wires a Pool's collaborators.
type Config struct {
	Workers   int
	Applier   *apply.Applier
	ApplyMgr  *applymgr.Manager
	Journal   *journal.Orchestrator
	Admission *admission.Throttle
	Fatal     *fault.Handler
	Logger    *slog.Logger

	// OnReadable/OnDisk dispatch each op's completion callbacks onto
	// their own finisher pools, keyed by sequencer id, so callback
	// order within one sequencer is preserved without tying up a
	// worker goroutine for the duration of a caller's callback
	// (spec §5 "separate finisher pools for on-disk and on-readable
	// callbacks"). Nil pools run callbacks inline instead.
	OnReadable *finisher.Pool
	OnDisk     *finisher.Pool

	// KillAtOpCount/StallPerOp are crash-injection knobs for exercising
	// replay and recovery (spec §6 "crash-injection knobs"): the pool
	// exits the process right after applying the KillAtOpCount'th op
	// (0 disables), simulating a hard kill mid-cycle before its
	// callbacks or state transition past StateCommit run; StallPerOp
	// sleeps before every apply, simulating a slow backend.
	KillAtOpCount int64
	StallPerOp    time.Duration
}

// Pool is a fixed-size set of worker goroutines dequeuing sequencer IDs
// from a shared, unbounded ready-queue.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	cond    *sync.Cond
	ready   []*sequencer.Sequencer
	stopped bool
	wg      sync.WaitGroup

	// paused/active implement Pause/Resume: the commit thread's "pause
	// workers; wait for commit-start-safe" window (spec §4.6 step 1)
	// needs every worker drained out of doOp before it proceeds, not
	// merely blocked from dequeuing new work.
	paused bool
	active int

	appliedOps atomic.Int64
}

// New creates and starts a Pool with cfg.Workers goroutines.
func New(cfg Config) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	p := &Pool{cfg: cfg}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Schedule marks seq as having ready apply-queue work and, unless it is
// already queued, pushes it onto the shared ready-queue (spec §4.2
// "the sequencer, not the op, is the unit of scheduling").
func (p *Pool) Schedule(seq *sequencer.Sequencer) {
	if !seq.HasApplyWork() {
		return
	}
	if seq.MarkScheduled() {
		return // already queued by another goroutine
	}
	p.mu.Lock()
	p.ready = append(p.ready, seq)
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		seq := p.dequeue()
		if seq == nil {
			return
		}
		p.mu.Lock()
		p.active++
		p.mu.Unlock()

		p.doOp(seq)

		p.mu.Lock()
		p.active--
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

func (p *Pool) dequeue() *sequencer.Sequencer {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.stopped {
			return nil
		}
		if !p.paused && len(p.ready) > 0 {
			seq := p.ready[0]
			p.ready = p.ready[1:]
			return seq
		}
		p.cond.Wait()
	}
}

// Pause blocks until every worker currently inside doOp has returned
// and prevents any worker from dequeuing new work, then returns. Used
// by the commit thread to bracket its sync cycle (spec §4.6 step 1).
func (p *Pool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	for p.active > 0 {
		p.cond.Wait()
	}
}

// Resume lets workers dequeue ready sequencers again.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.paused = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

// doOp implements spec §4.2's "_do_op" for exactly one head op of seq's
// apply-queue, then requeues seq if more apply-queue work remains. By
// the time an op reaches the apply-queue at all its journal entry is
// already fsynced (spec §2 dataflow: journal write precedes apply for
// every opcode, not only WAL ones) — op arrives here already in
// StateJournal, put there by the journal orchestrator's writeBatch
// before its batch-ack callback (internal/engine.Store.onJournalWritten)
// calls Schedule.
func (p *Pool) doOp(seq *sequencer.Sequencer) {
	seq.LockApply()
	op := seq.Peek()
	if op == nil {
		seq.ClearScheduled()
		seq.UnlockApply()
		return
	}

	if p.cfg.StallPerOp > 0 {
		time.Sleep(p.cfg.StallPerOp)
	}

	p.cfg.ApplyMgr.Op(op.Seq)
	err := p.cfg.Applier.Apply(context.Background(), op.Seq, op.Txns, false)
	p.cfg.ApplyMgr.OpDone(op.Seq)

	if err != nil {
		p.cfg.Fatal.Fatal("transaction apply failed", op.Txns, err)
	}

	applied := p.appliedOps.Add(1)
	if p.cfg.KillAtOpCount > 0 && applied == p.cfg.KillAtOpCount {
		p.cfg.Logger.Warn("kill-at-op-count reached, exiting mid-cycle", slog.Int64("op_count", p.cfg.KillAtOpCount))
		os.Exit(1)
	}

	op.RunOnReadableSync()
	seq.Dequeue()
	seq.UnlockApply()

	if err := op.Transition(txn.StateJournal, txn.StateCommit); err != nil {
		p.cfg.Logger.Warn("op state transition rejected post-apply", slog.String("op", op.DebugID), slog.String("error", err.Error()))
	}
	p.finish(op)

	seq.ClearScheduled()
	p.Schedule(seq) // requeue if the apply-queue still has work
}

// finish runs the readable/on-disk callbacks, releases the op's
// admission reservation, and marks it DONE — the terminal step of
// spec §3's lifecycle, reached uniformly for every opcode once apply
// completes.
func (p *Pool) finish(op *txn.QueueOp) {
	if op.State() == txn.StateCommit {
		if err := op.Transition(txn.StateCommit, txn.StateAck); err != nil {
			p.cfg.Logger.Warn("op state transition rejected at finish", slog.String("op", op.DebugID), slog.String("error", err.Error()))
		}
	}
	if p.cfg.OnReadable != nil {
		p.cfg.OnReadable.Submit(op.SequencerID, op.RunOnReadable)
	} else {
		op.RunOnReadable()
	}
	if p.cfg.OnDisk != nil {
		p.cfg.OnDisk.Submit(op.SequencerID, op.RunOnDisk)
	} else {
		op.RunOnDisk()
	}
	if p.cfg.Admission != nil {
		p.cfg.Admission.Release(1, int64(op.Bytes))
	}
	if err := op.Transition(op.State(), txn.StateDone); err != nil {
		p.cfg.Logger.Warn("op state transition rejected reaching DONE", slog.String("op", op.DebugID), slog.String("error", err.Error()))
	}
}

// Stop drains no further scheduling and waits for every worker to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
	if p.cfg.Journal != nil {
		p.cfg.Journal.Stop()
	}
}
