// Пакет admission реализует глобальный семафор над числом операций и
// байт "в полёте" (spec §4.4). Во время активного чекпоинта файловой
// системы (при поддержке чекпоинтов бэкендом) оба потолка временно
// поднимаются на настраиваемую committing-delta, чтобы следующий цикл
// мог начать перекрывать apply с коммитом.
package admission

import "sync"

// Config задаёт потолки допуска.
type Config struct {
	MaxOps       int64
	MaxBytes     int64
	CommittingOpsDelta   int64
	CommittingBytesDelta int64
}

// Throttle — блокирующий семафор с двумя измерениями (ops, bytes).
type Throttle struct {
	cfg Config

	mu   sync.Mutex
	cond *sync.Cond

	curOps   int64
	curBytes int64

	committing bool
}

// New создаёт Throttle с заданной конфигурацией.
func New(cfg Config) *Throttle {
	t := &Throttle{cfg: cfg}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// ceilingsLocked возвращает текущие эффективные потолки с учётом того, идёт
// ли сейчас коммит-цикл (вызывающий код держит t.mu).
func (t *Throttle) ceilingsLocked() (maxOps, maxBytes int64) {
	maxOps, maxBytes = t.cfg.MaxOps, t.cfg.MaxBytes
	if t.committing {
		maxOps += t.cfg.CommittingOpsDelta
		maxBytes += t.cfg.CommittingBytesDelta
	}
	return maxOps, maxBytes
}

// Reserve блокируется, пока не появится место под ops операций и bytes
// байт, затем резервирует его. suspendWatchdog/resumeWatchdog — хуки,
// вызываемые вокруг ожидания, чтобы воркер мог приостановить свой
// watchdog-таймер на время блокирующего ожидания (spec §5 "worker
// threads suspend their watchdog timer around all blocking waits").
func (t *Throttle) Reserve(ops, bytes int64, suspendWatchdog, resumeWatchdog func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	waited := false
	for {
		maxOps, maxBytes := t.ceilingsLocked()
		if t.curOps+ops <= maxOps && t.curBytes+bytes <= maxBytes {
			break
		}
		if !waited && suspendWatchdog != nil {
			suspendWatchdog()
			waited = true
		}
		t.cond.Wait()
	}
	if waited && resumeWatchdog != nil {
		resumeWatchdog()
	}
	t.curOps += ops
	t.curBytes += bytes
}

// Release gives back a previously-reserved amount and wakes waiters.
func (t *Throttle) Release(ops, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.curOps -= ops
	t.curBytes -= bytes
	if t.curOps < 0 {
		t.curOps = 0
	}
	if t.curBytes < 0 {
		t.curBytes = 0
	}
	t.cond.Broadcast()
}

// SetCommitting toggles the committing-delta boost. backendCheckpointable
// gates the boost per spec §4.4 ("and the backend supports checkpoints").
func (t *Throttle) SetCommitting(committing, backendCheckpointable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committing = committing && backendCheckpointable
	t.cond.Broadcast()
}

// InFlight returns current occupancy, for metrics.
func (t *Throttle) InFlight() (ops, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.curOps, t.curBytes
}
