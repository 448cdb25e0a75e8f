// Пакет sequencer реализует именованный FIFO-поток операций (spec §4.1).
// Каждый Sequencer владеет двумя очередями — in-queue (принятые, но ещё
// не journal-durable) и apply-queue (уже можно применять) — и apply
// lock'ом, который держится на протяжении всего тела головной операции
// apply-очереди, не позволяя двум операциям одного sequencer'а быть
// видимыми в наполовину применённом состоянии.
package sequencer

import (
	"fmt"
	"sync"

	"github.com/arturkryukov/xstore/internal/txn"
)

// Sequencer — именованный FIFO-поток. Операции одного sequencer'а
// наблюдаются строго в порядке отправки; операции разных sequencer'ов
// не упорядочены друг относительно друга (spec §3 "Sequencer").
type Sequencer struct {
	ID string

	mu       sync.Mutex
	inQueue  []*txn.QueueOp
	applyMu  sync.Mutex // apply lock — держится на протяжении тела головной операции
	applyQ   []*txn.QueueOp

	// scheduled — уже поставлен ли sequencer в очередь работы пула
	// воркеров; предотвращает дублирующую постановку.
	scheduled bool
}

// New создаёт пустой sequencer с данным идентификатором.
func New(id string) *Sequencer {
	return &Sequencer{ID: id}
}

// Enqueue добавляет операцию в in-queue; порядок добавления
// устанавливает порядок apply для этого sequencer'а.
func (s *Sequencer) Enqueue(op *txn.QueueOp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inQueue = append(s.inQueue, op)
}

// JournalDone перемещает операцию с данной последовательностью из
// in-queue в apply-queue. Фатальная ошибка, если операция не является
// головой in-queue — журнал обязан подтверждать записи в порядке
// отправки, поэтому голова in-queue должна совпадать.
func (s *Sequencer) JournalDone(seq uint64) (*txn.QueueOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.inQueue) == 0 {
		return nil, fmt.Errorf("sequencer %s: journal_done(%d) on empty in-queue", s.ID, seq)
	}
	head := s.inQueue[0]
	if head.Seq != seq {
		return nil, fmt.Errorf("sequencer %s: journal_done(%d) but head is %d (journal ordering violated)",
			s.ID, seq, head.Seq)
	}
	s.inQueue = s.inQueue[1:]
	s.applyQ = append(s.applyQ, head)
	return head, nil
}

// LockApply захватывает apply lock — должен удерживаться на протяжении
// всего тела применения головной операции.
func (s *Sequencer) LockApply() { s.applyMu.Lock() }

// UnlockApply освобождает apply lock.
func (s *Sequencer) UnlockApply() { s.applyMu.Unlock() }

// Peek возвращает голову apply-очереди без удаления. Вызывающий код
// обязан удерживать apply lock.
func (s *Sequencer) Peek() *txn.QueueOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.applyQ) == 0 {
		return nil
	}
	return s.applyQ[0]
}

// Dequeue удаляет голову apply-очереди. Вызывающий код обязан
// удерживать apply lock.
func (s *Sequencer) Dequeue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.applyQ) == 0 {
		return
	}
	s.applyQ = s.applyQ[1:]
}

// HasApplyWork сообщает, есть ли операции в apply-очереди, готовые к
// повторной постановке в пул воркеров.
func (s *Sequencer) HasApplyWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applyQ) > 0
}

// QueueDepth returns the combined length of the in-queue and
// apply-queue, for internal/metrics's QueueDepth gauge.
func (s *Sequencer) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inQueue) + len(s.applyQ)
}

// MarkScheduled/ClearScheduled используются пулом воркеров для
// предотвращения повторной постановки одного sequencer'а в общую
// очередь работы несколькими горутинами одновременно.
func (s *Sequencer) MarkScheduled() (already bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	already = s.scheduled
	s.scheduled = true
	return already
}

func (s *Sequencer) ClearScheduled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = false
}
