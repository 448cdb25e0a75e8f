// Пакет writeback реализует ограниченную по размеру, шардированную по
// диапазонам dirty-очередь, которая периодически сбрасывается в
// страничный кэш ядра по настраиваемым водяным знакам (spec §4, компонент
// "Writeback throttle"). Каждый шард обслуживается собственной
// горутиной, что соответствует "one thread per writeback shard" (spec §5).
package writeback

import (
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// Range — грязный диапазон файла, ожидающий сброса в page cache.
type Range struct {
	Fd       int
	Off, Len int64
}

// Config задаёт водяные знаки одного шарда.
type Config struct {
	HighWatermarkBytes int64 // блокировать enqueue выше этого объёма
	FlushBatchBytes    int64 // сколько сбрасывать за один проход
}

// Shard — одна очередь грязных диапазонов с собственным потоком сброса.
type Shard struct {
	id     int
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Range
	bytes   int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewShard создаёт и запускает фоновый поток шарда.
func NewShard(id int, cfg Config, logger *slog.Logger) *Shard {
	s := &Shard{
		id:     id,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "writeback"), slog.Int("shard", id)),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

// Enqueue блокируется, пока накопленный объём шарда не опустится ниже
// водяного знака, затем добавляет диапазон для последующего сброса
// (может блокировать вызывающий worker, spec §5 "Blocking points").
func (s *Shard) Enqueue(r Range, suspendWatchdog, resumeWatchdog func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	waited := false
	for s.bytes >= s.cfg.HighWatermarkBytes && s.cfg.HighWatermarkBytes > 0 {
		if !waited && suspendWatchdog != nil {
			suspendWatchdog()
			waited = true
		}
		s.cond.Wait()
	}
	if waited && resumeWatchdog != nil {
		resumeWatchdog()
	}

	s.pending = append(s.pending, r)
	s.bytes += r.Len
	s.cond.Signal()
}

// Depth returns queue occupancy in bytes, for metrics.
func (s *Shard) Depth() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// ID returns the shard's index, for labeling metrics.
func (s *Shard) ID() int {
	return s.id
}

func (s *Shard) loop() {
	defer close(s.doneCh)
	s.mu.Lock()
	for {
		for len(s.pending) == 0 {
			select {
			case <-s.stopCh:
				s.mu.Unlock()
				return
			default:
			}
			s.cond.Wait()
		}
		batch := s.drainLocked()
		s.mu.Unlock()
		s.flush(batch)
		s.mu.Lock()

		select {
		case <-s.stopCh:
			s.mu.Unlock()
			return
		default:
		}
	}
}

func (s *Shard) drainLocked() []Range {
	var out []Range
	var taken int64
	for len(s.pending) > 0 && (s.cfg.FlushBatchBytes <= 0 || taken < s.cfg.FlushBatchBytes) {
		r := s.pending[0]
		s.pending = s.pending[1:]
		s.bytes -= r.Len
		taken += r.Len
		out = append(out, r)
	}
	s.cond.Broadcast()
	return out
}

// flush issues sync_file_range for each dirty range, matching the
// backend's DONTNEED writeback hint path (spec §4.5 "write ... enqueue
// a writeback hint (DONTNEED)").
func (s *Shard) flush(batch []Range) {
	for _, r := range batch {
		if err := unix.SyncFileRange(r.Fd, r.Off, r.Len,
			unix.SYNC_FILE_RANGE_WRITE); err != nil {
			s.logger.Warn("sync_file_range failed", slog.String("error", err.Error()))
			continue
		}
		_ = unix.Fadvise(r.Fd, r.Off, r.Len, unix.FADV_DONTNEED)
	}
}

// Stop drains no further work and stops the background goroutine.
func (s *Shard) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.doneCh
}

// Pool is a fixed set of shards, one per configured writeback shard
// count, picked by object-hash mod N.
type Pool struct {
	shards []*Shard
}

func NewPool(n int, cfg Config, logger *slog.Logger) *Pool {
	p := &Pool{shards: make([]*Shard, n)}
	for i := 0; i < n; i++ {
		p.shards[i] = NewShard(i, cfg, logger)
	}
	return p
}

func (p *Pool) ShardFor(hash uint32) *Shard {
	return p.shards[int(hash)%len(p.shards)]
}

// Shards returns every shard, for a metrics sampler to report
// per-shard queue depth (spec §5 "engine exposes ... writeback
// backlog").
func (p *Pool) Shards() []*Shard {
	return p.shards
}

func (p *Pool) Stop() {
	for _, s := range p.shards {
		s.Stop()
	}
}
