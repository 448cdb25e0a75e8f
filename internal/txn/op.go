package txn

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// State — состояние операции очереди в конвейере журналирования/apply
// (spec §3 "Op record", design note 9).
type State int32

const (
	StateInit State = iota
	StateWrite
	StateJournal
	StateCommit
	StateAck
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateWrite:
		return "WRITE"
	case StateJournal:
		return "JOURNAL"
	case StateCommit:
		return "COMMIT"
	case StateAck:
		return "ACK"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// QueueOp — запись очереди: последовательность, список транзакций
// (батч), коллбэки, счётчик байт, владеющий sequencer и текущее
// состояние (spec §3 "Op record").
type QueueOp struct {
	Seq         uint64
	SequencerID string
	Txns        []*Transaction
	Bytes       uint64
	DebugID     string

	state atomic.Int32
}

// BuildOp создаёт новый QueueOp в состоянии INIT — единственная точка
// входа в жизненный цикл, упомянутая в spec §3 "Lifecycle summary".
func BuildOp(seq uint64, sequencerID string, txns []*Transaction) *QueueOp {
	var bytes uint64
	for _, t := range txns {
		bytes += t.Bytes()
	}
	op := &QueueOp{
		Seq:         seq,
		SequencerID: sequencerID,
		Txns:        txns,
		Bytes:       bytes,
		DebugID:     uuid.NewString(),
	}
	op.state.Store(int32(StateInit))
	return op
}

// State возвращает текущее состояние атомарно.
func (o *QueueOp) State() State {
	return State(o.state.Load())
}

// Transition переводит операцию в новое состояние. Каждая пара
// (from,to) в этой машине состояний проходится ровно один раз за
// жизненный цикл операции (INIT→WRITE→JOURNAL→COMMIT→ACK→DONE);
// нарушение порядка — программная ошибка вызывающего кода.
func (o *QueueOp) Transition(from, to State) error {
	if !o.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("op %s: invalid transition %s -> %s (actual %s)",
			o.DebugID, from, to, o.State())
	}
	return nil
}

// IsWAL сообщает, содержит ли какая-либо транзакция в батче
// WAL-операцию.
func (o *QueueOp) IsWAL() bool {
	for _, t := range o.Txns {
		if t.IsWAL() {
			return true
		}
	}
	return false
}

// RunOnReadable (как и RunOnReadableSync и RunOnDisk ниже) вызывает
// соответствующий класс коллбэков для всех транзакций батча в порядке
// отправки.
func (o *QueueOp) RunOnReadable() {
	for _, t := range o.Txns {
		if t.OnReadable != nil {
			t.OnReadable()
		}
	}
}

func (o *QueueOp) RunOnReadableSync() {
	for _, t := range o.Txns {
		if t.OnReadableSync != nil {
			t.OnReadableSync()
		}
	}
}

func (o *QueueOp) RunOnDisk() {
	for _, t := range o.Txns {
		if t.OnDisk != nil {
			t.OnDisk()
		}
	}
}
