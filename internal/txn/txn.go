package txn

import "github.com/arturkryukov/xstore/internal/oid"

// Position — пара (sequence, op-index внутри транзакции), которой
// помечаются replay guard'ы (spec §3 "Position").
type Position struct {
	Seq    uint64
	OpIdx  int
}

// Less задаёт полный порядок позиций.
func (p Position) Less(o Position) bool {
	if p.Seq != o.Seq {
		return p.Seq < o.Seq
	}
	return p.OpIdx < o.OpIdx
}

// Op — единичная типизированная операция внутри транзакции. Индексы
// коллекций/объектов ссылаются на таблицы Transaction.Collections /
// Transaction.Objects.
type Op struct {
	Code     OpCode
	CollIdx  int
	Coll2Idx int // вторая коллекция (для move/split); -1 если не используется
	ObjIdx   int
	Obj2Idx  int // вторая цель (clone dst, move dst); -1 если не используется

	Off, Len uint64
	Data     []byte

	Attrs   map[string][]byte
	AttrKey string

	OmapKeys   map[string][]byte
	OmapRmKeys []string
	OmapHeader []byte
	RangeStart string
	RangeEnd   string

	SplitBits uint
	SplitRem  uint32

	Fadvise bool
}

// Transaction — упорядоченный список операций плюс таблицы коллекций и
// объектов, на которые операции ссылаются по индексу, и опциональные
// коллбэки завершения (spec §3 "Transaction").
type Transaction struct {
	Collections []oid.CollectionID
	Objects     []oid.ID
	Ops         []Op

	OnReadable        func()
	OnReadableSync    func()
	OnDisk            func()
}

// Collection возвращает коллекцию по индексу операции.
func (t *Transaction) Collection(idx int) oid.CollectionID {
	if idx < 0 || idx >= len(t.Collections) {
		return ""
	}
	return t.Collections[idx]
}

// Object возвращает объект по индексу операции.
func (t *Transaction) Object(idx int) oid.ID {
	if idx < 0 || idx >= len(t.Objects) {
		return oid.ID{}
	}
	return t.Objects[idx]
}

// Bytes возвращает суммарный объём полезной нагрузки транзакции,
// используемый admission-throttle'ом для учёта байт "в полёте".
func (t *Transaction) Bytes() uint64 {
	var n uint64
	for _, op := range t.Ops {
		n += uint64(len(op.Data))
		for _, v := range op.Attrs {
			n += uint64(len(v))
		}
		for _, v := range op.OmapKeys {
			n += uint64(len(v))
		}
	}
	return n
}

// IsWAL сообщает, содержит ли транзакция хотя бы одну WAL-операцию —
// такую транзакцию нельзя финализировать до батч-ack журнала.
func (t *Transaction) IsWAL() bool {
	for _, op := range t.Ops {
		if op.Code.IsWAL() {
			return true
		}
	}
	return false
}
