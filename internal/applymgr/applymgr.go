// Пакет applymgr отслеживает наибольший sequence number, находящийся в
// процессе применения, и координирует с коммит-потоком через
// "commit start safe" — момент, когда все операции с seq <=
// committing_seq завершили apply (spec §4.6, компонент "Apply manager").
package applymgr

import "sync"

// Manager — трекер номеров последовательности, находящихся "в полёте".
type Manager struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inFlight map[uint64]struct{}

	// highest/anyHighest track the largest seq ever handed to Op, kept
	// even after the op completes and leaves inFlight — the commit
	// thread needs a stable target to commit up to, not just what
	// happens to still be applying at the instant it looks (spec §4.6
	// step 2 names committing_seq as "the highest seq that has begun
	// applying", a monotonic watermark, not a live set).
	highest    uint64
	anyHighest bool
}

// New создаёт пустой Manager.
func New() *Manager {
	m := &Manager{inFlight: make(map[uint64]struct{})}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Op вызывается _do_op при переходе операции из состояния INIT —
// отмечает seq как находящийся в процессе применения (spec §4.2 шаг 2).
func (m *Manager) Op(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[seq] = struct{}{}
	if !m.anyHighest || seq > m.highest {
		m.highest = seq
		m.anyHighest = true
	}
}

// OpDone вызывается по завершении применения операции.
func (m *Manager) OpDone(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, seq)
	m.cond.Broadcast()
}

// CommitStartSafe блокируется до тех пор, пока каждая операция с
// seq <= committingSeq, находившаяся в полёте на момент вызова, не
// завершит apply (spec §4.6 шаг 2).
func (m *Manager) CommitStartSafe(committingSeq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.anyLocked(committingSeq) {
		m.cond.Wait()
	}
}

func (m *Manager) anyLocked(committingSeq uint64) bool {
	for seq := range m.inFlight {
		if seq <= committingSeq {
			return true
		}
	}
	return false
}

// HighestInFlight возвращает наибольший seq, отмеченный как находящийся
// в процессе применения прямо сейчас, и признак того, что такие операции
// есть (false, если их нет). Используется только там, где важно живое множество, а не
// watermark — сам commit-цикл вызывает HighestSeen.
func (m *Manager) HighestInFlight() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max uint64
	found := false
	for seq := range m.inFlight {
		if !found || seq > max {
			max = seq
			found = true
		}
	}
	return max, found
}

// HighestSeen returns the highest seq ever handed to Op, regardless of
// whether it has since completed — the commit thread's target for
// committing_seq (spec §4.6 step 2).
func (m *Manager) HighestSeen() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highest, m.anyHighest
}
