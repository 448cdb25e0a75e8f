// Пакет txn определяет транзакцию — упорядоченный список типизированных
// операций — и состояние отдельной операции очереди (Op), проходящей
// через явную машину состояний INIT→WRITE→JOURNAL→COMMIT→ACK→DONE
// (design note 9: "coroutine-like control flow ... re-entrance via an
// explicit state machine on Op; no suspension primitives").
package txn

// OpCode — код операции внутри транзакции (spec §3).
type OpCode int

const (
	OpTouch OpCode = iota
	OpWrite
	OpZero
	OpTruncate
	OpRemove
	OpSetAttr
	OpSetAttrs
	OpRmAttr
	OpRmAttrs
	OpClone
	OpCloneRange
	OpCreateCollection
	OpDestroyCollection
	OpCollectionHint
	OpCollectionAdd
	OpCollectionMove
	OpCollectionMoveRename
	OpOmapClear
	OpOmapSetKeys
	OpOmapRmKeys
	OpOmapRmKeyRange
	OpOmapSetHeader
	OpSplitCollection
	OpAllocHint
)

func (c OpCode) String() string {
	switch c {
	case OpTouch:
		return "touch"
	case OpWrite:
		return "write"
	case OpZero:
		return "zero"
	case OpTruncate:
		return "truncate"
	case OpRemove:
		return "remove"
	case OpSetAttr:
		return "setattr"
	case OpSetAttrs:
		return "setattrs"
	case OpRmAttr:
		return "rmattr"
	case OpRmAttrs:
		return "rmattrs"
	case OpClone:
		return "clone"
	case OpCloneRange:
		return "clone_range"
	case OpCreateCollection:
		return "create_collection"
	case OpDestroyCollection:
		return "destroy_collection"
	case OpCollectionHint:
		return "collection_hint"
	case OpCollectionAdd:
		return "collection_add"
	case OpCollectionMove:
		return "collection_move"
	case OpCollectionMoveRename:
		return "collection_move_rename"
	case OpOmapClear:
		return "omap_clear"
	case OpOmapSetKeys:
		return "omap_setkeys"
	case OpOmapRmKeys:
		return "omap_rmkeys"
	case OpOmapRmKeyRange:
		return "omap_rmkeyrange"
	case OpOmapSetHeader:
		return "omap_setheader"
	case OpSplitCollection:
		return "split_collection"
	case OpAllocHint:
		return "alloc_hint"
	default:
		return "unknown"
	}
}

// IsWAL declares, per opcode, whether the operation must be reported
// through the write-ahead "on-disk after apply, possibly before the
// apply itself is durable" path (spec §4.3, resolved Open Question in
// SPEC_FULL.md §13 — declared explicitly rather than inferred from a
// blacklist of "not interesting" opcodes).
func (c OpCode) IsWAL() bool {
	switch c {
	case OpWrite, OpZero, OpTruncate, OpClone, OpCloneRange,
		OpSetAttrs, OpOmapSetKeys, OpCollectionMoveRename, OpSplitCollection:
		return true
	default:
		return false
	}
}

// NonIdempotent lists opcodes for which a replay guard must be
// consulted before applying (spec §4.5).
func (c OpCode) NonIdempotent() bool {
	switch c {
	case OpWrite, OpSetAttrs, OpClone, OpCloneRange,
		OpCollectionAdd, OpCollectionMove, OpCollectionMoveRename,
		OpOmapSetKeys, OpCreateCollection, OpSplitCollection:
		return true
	default:
		return false
	}
}
