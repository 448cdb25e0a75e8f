// Пакет apply реализует декодер/применитель транзакций — самый крупный
// компонент движка (spec §4.5 "Transaction applier"): читает поток
// опкодов и вызывает объектные примитивы, консультируясь с replay
// guard'ами перед каждой неидемпотентной мутацией и классифицируя
// ошибки как фатальные либо допустимые при replay (spec §7).
package apply

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/arturkryukov/xstore/internal/backend"
	"github.com/arturkryukov/xstore/internal/fault"
	"github.com/arturkryukov/xstore/internal/index"
	"github.com/arturkryukov/xstore/internal/object"
	"github.com/arturkryukov/xstore/internal/oid"
	"github.com/arturkryukov/xstore/internal/pgmeta"
	"github.com/arturkryukov/xstore/internal/txn"
)

// SplitIndex is consulted by split_collection to enumerate the objects
// of a collection along with their hash — the external hashed-directory
// index spec §1 places out of scope. A nil SplitIndex makes
// split_collection a complete no-op (no replay guards are touched
// either), sufficient for engines that never split a collection.
type SplitIndex interface {
	ObjectsWithHashPrefix(coll oid.CollectionID, bits uint, rem uint32) ([]oid.ID, error)
}

// Applier dispatches every opcode in a transaction against the object
// store, consulting replay guards for non-idempotent operations.
type Applier struct {
	objects  *object.Store
	be       *backend.Backend
	idx      *index.Index
	pg       *pgmeta.Cache
	split    SplitIndex
	isPgmeta func(coll oid.CollectionID, o oid.ID) bool
	fatal    *fault.Handler
}

// Config wires an Applier's collaborators. The writeback pool is not
// wired here — it is owned by the object.Store itself, since the
// fadvise hint must be enqueued while the write's fd is still open.
type Config struct {
	Objects  *object.Store
	Backend  *backend.Backend
	Index    *index.Index
	Pgmeta   *pgmeta.Cache
	Split    SplitIndex
	IsPgmeta func(coll oid.CollectionID, o oid.ID) bool
	Fatal    *fault.Handler
}

func New(cfg Config) *Applier {
	isPgmeta := cfg.IsPgmeta
	if isPgmeta == nil {
		isPgmeta = func(oid.CollectionID, oid.ID) bool { return false }
	}
	return &Applier{
		objects: cfg.Objects, be: cfg.Backend, idx: cfg.Index,
		pg: cfg.Pgmeta, split: cfg.Split,
		isPgmeta: isPgmeta, fatal: cfg.Fatal,
	}
}

// Apply runs every op of every transaction in the batch in order,
// assigning positions (seq, running op index across the whole batch).
// replaying relaxes the error policy per spec §7: most non-existence
// errors are tolerated only during replay, and only when the backend
// cannot checkpoint.
func (a *Applier) Apply(ctx context.Context, seq uint64, txns []*txn.Transaction, replaying bool) error {
	opIdx := 0
	for _, t := range txns {
		for _, op := range t.Ops {
			pos := txn.Position{Seq: seq, OpIdx: opIdx}
			opIdx++
			if err := a.applyOne(ctx, t, op, pos, replaying); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Applier) tolerant(replaying bool) bool {
	return replaying && !a.be.Capabilities().Checkpoint
}

func (a *Applier) applyOne(ctx context.Context, t *txn.Transaction, op txn.Op, pos txn.Position, replaying bool) error {
	coll := t.Collection(op.CollIdx)
	obj := t.Object(op.ObjIdx)

	switch op.Code {
	case txn.OpTouch:
		return a.indexedCreate(coll, obj, func() error { return a.objects.Touch(coll, obj) })

	case txn.OpWrite:
		return a.guardedObject(coll, obj, pos, func() error {
			err := a.indexedCreate(coll, obj, func() error {
				return a.objects.Write(coll, obj, op.Off, op.Data, op.Fadvise)
			})
			if err != nil {
				if isENOSPC(err) {
					a.fatal.Fatal("write returned ENOSPC", []*txn.Transaction{t}, err)
				}
				return a.wrapTolerant(err, replaying)
			}
			return nil
		})

	case txn.OpZero:
		return a.wrapTolerant(a.objects.Zero(coll, obj, op.Off, op.Len), replaying)

	case txn.OpTruncate:
		return a.wrapTolerant(a.objects.Truncate(coll, obj, op.Off), replaying)

	case txn.OpRemove:
		return a.indexedRemove(coll, obj, func() error {
			return a.wrapTolerant(a.objects.Remove(ctx, coll, obj), replaying)
		})

	case txn.OpSetAttr:
		return a.guardedObject(coll, obj, pos, func() error {
			return a.setAttrsFatal(ctx, t, coll, obj, map[string][]byte{op.AttrKey: op.Data})
		})

	case txn.OpSetAttrs:
		return a.guardedObject(coll, obj, pos, func() error {
			return a.setAttrsFatal(ctx, t, coll, obj, op.Attrs)
		})

	case txn.OpRmAttr:
		return a.wrapTolerant(a.objects.RmAttr(ctx, coll, obj, op.AttrKey), replaying)

	case txn.OpRmAttrs:
		return a.wrapTolerant(a.objects.RmAttrs(ctx, coll, obj), replaying)

	case txn.OpClone:
		dst := t.Object(op.Obj2Idx)
		return a.guardedObject(coll, dst, pos, func() error {
			return a.indexedCreate(coll, dst, func() error {
				return a.objects.Clone(ctx, a.be, coll, obj, dst)
			})
		})

	case txn.OpCloneRange:
		dst := t.Object(op.Obj2Idx)
		return a.guardedObject(coll, dst, pos, func() error {
			return a.indexedCreate(coll, dst, func() error {
				return a.objects.CloneRange(a.be, coll, obj, dst, op.Off, op.Off, op.Len)
			})
		})

	case txn.OpCreateCollection:
		return a.guardedCollection(coll, pos, func() error {
			err := a.objects.CreateCollection(coll)
			if err != nil && os.IsExist(err) {
				return nil
			}
			return err
		})

	case txn.OpDestroyCollection:
		err := a.wrapTolerant(a.objects.DestroyCollection(coll), replaying)
		if err == nil && a.idx != nil {
			a.idx.Drop(coll)
		}
		return err

	case txn.OpCollectionHint:
		return a.wrapTolerant(a.objects.CollectionHint(coll), replaying)

	case txn.OpCollectionAdd:
		dstColl := t.Collection(op.Coll2Idx)
		dstObj := t.Object(op.Obj2Idx)
		return a.guardedObject(dstColl, dstObj, pos, func() error {
			return a.indexedCreate(dstColl, dstObj, func() error {
				return a.objects.CollectionAdd(dstColl, dstObj, coll, obj)
			})
		})

	case txn.OpCollectionMove, txn.OpCollectionMoveRename:
		dstColl := t.Collection(op.Coll2Idx)
		dstObj := t.Object(op.Obj2Idx)
		return a.applyCollectionMoveRename(ctx, dstColl, dstObj, coll, obj, pos)

	case txn.OpOmapClear:
		return a.routeOmap(ctx, coll, obj, func() error { return a.objects.OmapClear(ctx, coll, obj) },
			func() { a.pg.Clear(pgmetaNS(coll, obj)) })

	case txn.OpOmapSetKeys:
		return a.guardedObject(coll, obj, pos, func() error {
			return a.routeOmap(ctx, coll, obj,
				func() error { return a.objects.OmapSetKeys(ctx, coll, obj, op.OmapKeys) },
				func() { a.pg.SetKeys(pgmetaNS(coll, obj), op.OmapKeys) })
		})

	case txn.OpOmapRmKeys:
		return a.routeOmap(ctx, coll, obj,
			func() error { return a.objects.OmapRmKeys(ctx, coll, obj, op.OmapRmKeys) },
			func() { a.pg.RmKeys(pgmetaNS(coll, obj), op.OmapRmKeys) })

	case txn.OpOmapRmKeyRange:
		return a.objects.OmapRmKeyRange(ctx, coll, obj, op.RangeStart, op.RangeEnd)

	case txn.OpOmapSetHeader:
		return a.routeOmap(ctx, coll, obj,
			func() error { return a.objects.OmapSetHeader(ctx, coll, obj, op.OmapHeader) },
			func() { a.pg.SetHeader(pgmetaNS(coll, obj), op.OmapHeader) })

	case txn.OpSplitCollection:
		dstColl := t.Collection(op.Coll2Idx)
		return a.applySplit(ctx, coll, dstColl, op.SplitBits, op.SplitRem, pos)

	case txn.OpAllocHint:
		return nil // capability hint only; no state change to guard

	default:
		return fmt.Errorf("apply: unknown opcode %v", op.Code)
	}
}

// setAttrsFatal applies SetAttrs, aborting the process on ENOSPC
// (spec §7 "out-of-space on write or xattr: fatal").
func (a *Applier) setAttrsFatal(ctx context.Context, t *txn.Transaction, coll oid.CollectionID, o oid.ID, attrs map[string][]byte) error {
	err := a.objects.SetAttrs(ctx, coll, o, attrs)
	if err != nil && isENOSPC(err) {
		a.fatal.Fatal("setattrs returned ENOSPC", []*txn.Transaction{t}, err)
	}
	return err
}

func pgmetaNS(coll oid.CollectionID, o oid.ID) string {
	return string(coll) + "/" + o.Name
}

// routeOmap sends pgmeta-object omap mutations through the dirty cache
// (flushed once per commit cycle) and everything else straight to the
// kv store (spec §4.5 "omap_* on pgmeta objects").
func (a *Applier) routeOmap(_ context.Context, coll oid.CollectionID, o oid.ID, direct func() error, cached func()) error {
	if a.isPgmeta(coll, o) {
		cached()
		return nil
	}
	return direct()
}

// indexedCreate runs fn (a file create/write) with coll's index lock
// held across the call, then records obj as present on success (spec
// §5 "index lock is always acquired before opening/creating/deleting
// files"). A nil a.idx makes this a plain passthrough.
func (a *Applier) indexedCreate(coll oid.CollectionID, obj oid.ID, fn func() error) error {
	if a.idx == nil {
		return fn()
	}
	ci := a.idx.For(coll)
	ci.Lock()
	defer ci.Unlock()
	if err := fn(); err != nil {
		return err
	}
	ci.AddLocked(object.Key(obj), obj)
	return nil
}

// indexedRemove is indexedCreate's counterpart for unlink.
func (a *Applier) indexedRemove(coll oid.CollectionID, obj oid.ID, fn func() error) error {
	if a.idx == nil {
		return fn()
	}
	ci := a.idx.For(coll)
	ci.Lock()
	defer ci.Unlock()
	if err := fn(); err != nil {
		return err
	}
	ci.RemoveLocked(object.Key(obj))
	return nil
}

func (a *Applier) wrapTolerant(err error, replaying bool) error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) && a.tolerant(replaying) {
		return nil
	}
	return err
}

// isENOSPC reports whether err ultimately wraps ENOSPC. pwrite/fallocate
// surface syscall.ENOSPC wrapped through fmt.Errorf; errors.Is walks the
// chain rather than matching strings.
func isENOSPC(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
