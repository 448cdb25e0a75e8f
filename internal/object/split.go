package object

import (
	"context"
	"fmt"

	"github.com/arturkryukov/xstore/internal/oid"
)

// SplitCollection moves the given objects (already filtered by the
// caller against the hash-prefix predicate — see internal/apply, which
// consults the external hashed-directory index per spec §4.5
// "split_collection: asks the external index to move every object
// whose hash-prefix matches rem") from src into dst via hard-link +
// unlink (with their omap cloned along), one object at a time.
func (s *Store) SplitCollection(ctx context.Context, dst oid.CollectionID, src oid.CollectionID, objects []oid.ID) error {
	if err := s.CreateCollection(dst); err != nil {
		return fmt.Errorf("split_collection create dst %s: %w", dst, err)
	}
	for _, o := range objects {
		if err := s.CollectionMoveRename(ctx, dst, o, src, o); err != nil {
			return fmt.Errorf("split_collection move %s: %w", o.Name, err)
		}
	}
	return nil
}
