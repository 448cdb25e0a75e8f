package apply

import (
	"context"
	"fmt"

	"github.com/arturkryukov/xstore/internal/object"
	"github.com/arturkryukov/xstore/internal/oid"
	"github.com/arturkryukov/xstore/internal/txn"
)

// applySplit consults the external hashed index for the set of objects
// whose hash matches rem under bits, then moves each into dst
// (spec §4.5 "split_collection: asks the external index to move every
// object whose hash-prefix matches rem, writing the global guard on the
// source and per-collection guards on both"). The move step itself is
// idempotent via CollectionMoveRename's Stat check, so a crash mid-split
// resumes by re-running the whole set; the three nested guards just make
// sure that resumption is observed consistently at every scope a split
// touches — src loses objects (global + its own collection guard), dst
// gains them (its own collection guard).
func (a *Applier) applySplit(ctx context.Context, src, dst oid.CollectionID, bits uint, rem uint32, pos txn.Position) error {
	if a.split == nil {
		return nil
	}
	objects, err := a.split.ObjectsWithHashPrefix(src, bits, rem)
	if err != nil {
		return fmt.Errorf("split_collection %s -> %s: %w", src, dst, err)
	}
	return a.guardedGlobal(pos, func() error {
		return a.guardedCollection(src, pos, func() error {
			return a.guardedCollection(dst, pos, func() error {
				return a.withMoveLocks(dst, src, func() error {
					if err := a.objects.SplitCollection(ctx, dst, src, objects); err != nil {
						return err
					}
					if a.idx != nil {
						dstIdx, srcIdx := a.idx.For(dst), a.idx.For(src)
						for _, o := range objects {
							dstIdx.AddLocked(object.Key(o), o)
							srcIdx.RemoveLocked(object.Key(o))
						}
					}
					return nil
				})
			})
		})
	})
}
