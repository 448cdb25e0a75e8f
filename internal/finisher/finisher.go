// Пакет finisher реализует отдельные пулы для on-disk и on-readable
// коллбэков (spec §5 "separate finisher pools for on-disk and
// on-readable callbacks (N each, chosen by sequencer_id mod N)"):
// каждый sequencer закреплён за одним шардом по hash(sequencer_id) mod N,
// и коллбэки одного sequencer'а запускаются строго в порядке отправки,
// поскольку шард обслуживается единственной горутиной с собственной
// FIFO-очередью.
package finisher

import (
	"hash/fnv"
	"log/slog"
	"sync"
)

type job struct {
	fn func()
}

type shard struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []job
	stopped bool
}

// Pool is a fixed set of N shards, each its own goroutine draining a
// per-sequencer-ordered FIFO of callback closures.
type Pool struct {
	name   string
	logger *slog.Logger
	shards []*shard
	wg     sync.WaitGroup
}

// New creates and starts a Pool with n shards. name identifies the
// pool in logs ("ondisk" or "readable").
func New(name string, n int, logger *slog.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		name:   name,
		logger: logger.With(slog.String("component", "finisher"), slog.String("pool", name)),
		shards: make([]*shard, n),
	}
	for i := range p.shards {
		sh := &shard{}
		sh.cond = sync.NewCond(&sh.mu)
		p.shards[i] = sh
		p.wg.Add(1)
		go p.run(sh)
	}
	return p
}

func (p *Pool) shardFor(sequencerID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sequencerID))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// Submit enqueues fn to run on the shard owning sequencerID, preserving
// submission order relative to every other fn submitted for the same
// sequencerID.
func (p *Pool) Submit(sequencerID string, fn func()) {
	if fn == nil {
		return
	}
	sh := p.shardFor(sequencerID)
	sh.mu.Lock()
	sh.pending = append(sh.pending, job{fn: fn})
	sh.cond.Signal()
	sh.mu.Unlock()
}

func (p *Pool) run(sh *shard) {
	defer p.wg.Done()
	for {
		sh.mu.Lock()
		for len(sh.pending) == 0 && !sh.stopped {
			sh.cond.Wait()
		}
		if len(sh.pending) == 0 && sh.stopped {
			sh.mu.Unlock()
			return
		}
		j := sh.pending[0]
		sh.pending = sh.pending[1:]
		sh.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("finisher callback panicked", slog.Any("recover", r))
				}
			}()
			j.fn()
		}()
	}
}

// Stop drains remaining queued callbacks, then stops every shard
// goroutine (spec §4.8 "destroy finishers").
func (p *Pool) Stop() {
	for _, sh := range p.shards {
		sh.mu.Lock()
		sh.stopped = true
		sh.cond.Broadcast()
		sh.mu.Unlock()
	}
	p.wg.Wait()
}
