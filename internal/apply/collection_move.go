package apply

import (
	"context"

	"github.com/arturkryukov/xstore/internal/object"
	"github.com/arturkryukov/xstore/internal/oid"
	"github.com/arturkryukov/xstore/internal/txn"
)

// applyCollectionMoveRename brackets the hard-link-then-unlink sequence
// with the destination collection's guard rather than a per-object one:
// opening the guard before GuardFD would otherwise create an empty file
// at the destination path, which makes object.CollectionMoveRename's
// own "does dst already exist" resumption check lie. Bracketing at the
// collection level means a crash between link and unlink replays into
// guardedCollection's verdict 0 (resume), and the Stat-based check
// inside CollectionMoveRename itself makes the link step idempotent
// (SPEC_FULL.md §13 decision: check in_progress before the hard-link
// step, not only before the final unlink).
func (a *Applier) applyCollectionMoveRename(ctx context.Context, dstColl oid.CollectionID, dstObj oid.ID, srcColl oid.CollectionID, srcObj oid.ID, pos txn.Position) error {
	return a.guardedCollection(dstColl, pos, func() error {
		return a.withMoveLocks(dstColl, srcColl, func() error {
			if err := a.objects.CollectionMoveRename(ctx, dstColl, dstObj, srcColl, srcObj); err != nil {
				return err
			}
			if a.idx != nil {
				a.idx.For(dstColl).AddLocked(object.Key(dstObj), dstObj)
				a.idx.For(srcColl).RemoveLocked(object.Key(srcObj))
			}
			return nil
		})
	})
}

// withMoveLocks holds both collections' index locks for the duration
// of fn, ordered by collection id so concurrent moves in opposite
// directions between the same two collections can't deadlock.
func (a *Applier) withMoveLocks(dstColl, srcColl oid.CollectionID, fn func() error) error {
	if a.idx == nil {
		return fn()
	}
	if dstColl == srcColl {
		ci := a.idx.For(dstColl)
		ci.Lock()
		defer ci.Unlock()
		return fn()
	}
	first, second := dstColl, srcColl
	if second < first {
		first, second = second, first
	}
	a1, a2 := a.idx.For(first), a.idx.For(second)
	a1.Lock()
	defer a1.Unlock()
	a2.Lock()
	defer a2.Unlock()
	return fn()
}
