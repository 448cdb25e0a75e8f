package object

import (
	"context"
	"fmt"
	"os"

	"github.com/arturkryukov/xstore/internal/oid"
	"github.com/arturkryukov/xstore/internal/xattr"
)

// Clone truncates dst to zero, then delegates to the backend's
// range-clone over the whole extent of src, and clones xattrs and omap
// (spec §4.5 "clone"). Non-idempotent; the caller (internal/apply) must
// have already opened/closed the destination replay guard around this
// call.
func (s *Store) Clone(ctx context.Context, be interface {
	CloneRange(src, dst *os.File, srcOff, dstOff, length int64) error
}, coll oid.CollectionID, src, dst oid.ID) error {
	srcFD, err := s.fdOf(coll, src, false)
	if err != nil {
		return err
	}
	defer srcFD.Release()

	dstFD, err := s.fdOf(coll, dst, true)
	if err != nil {
		return err
	}
	defer dstFD.Release()

	if err := dstFD.File().Truncate(0); err != nil {
		return fmt.Errorf("clone truncate dst %s/%s: %w", coll, dst.Name, err)
	}

	info, err := srcFD.File().Stat()
	if err != nil {
		return fmt.Errorf("clone stat src %s/%s: %w", coll, src.Name, err)
	}
	if info.Size() > 0 {
		if err := be.CloneRange(srcFD.File(), dstFD.File(), 0, 0, info.Size()); err != nil {
			return fmt.Errorf("clone_range %s/%s -> %s: %w", coll, src.Name, dst.Name, err)
		}
	}

	if err := s.cloneXattrs(int(srcFD.File().Fd()), int(dstFD.File().Fd())); err != nil {
		return err
	}
	return s.cloneOmap(ctx, coll, src, dst)
}

// CloneRange clones length bytes from src[srcOff:] into dst[dstOff:]
// without truncating dst first (opcode clone_range, distinct from the
// whole-object clone opcode).
func (s *Store) CloneRange(be interface {
	CloneRange(src, dst *os.File, srcOff, dstOff, length int64) error
}, coll oid.CollectionID, src, dst oid.ID, srcOff, dstOff, length uint64) error {
	if length == 0 {
		return nil
	}
	srcFD, err := s.fdOf(coll, src, false)
	if err != nil {
		return err
	}
	defer srcFD.Release()

	dstFD, err := s.fdOf(coll, dst, true)
	if err != nil {
		return err
	}
	defer dstFD.Release()

	return be.CloneRange(srcFD.File(), dstFD.File(), int64(srcOff), int64(dstOff), int64(length))
}

func (s *Store) cloneXattrs(srcFd, dstFd int) error {
	names, err := xattr.List(srcFd)
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == AttrSpillSentinel {
			continue // copied separately below
		}
		v, err := xattr.Get(srcFd, n)
		if err != nil {
			continue
		}
		if err := xattr.Set(dstFd, n, v); err != nil {
			return fmt.Errorf("clone xattr %s: %w", n, err)
		}
	}
	// carry the spill sentinel verbatim; any kv-store overflow entries
	// are cloned by cloneOmap's attr-namespace pass below.
	if v, err := xattr.Get(srcFd, AttrSpillSentinel); err == nil && len(v) > 0 {
		_ = xattr.Set(dstFd, AttrSpillSentinel, v)
	}
	return nil
}

// cloneOmap clones src's omap and attribute-overflow entries onto dst
// within the same collection (opcode clone).
func (s *Store) cloneOmap(ctx context.Context, coll oid.CollectionID, src, dst oid.ID) error {
	return s.cloneOmapCross(ctx, coll, src, coll, dst)
}

// cloneOmapCross clones srcObj's omap and attribute-overflow entries
// from srcColl onto dstObj in dstColl, which may differ from srcColl
// (collection_move_rename / split_collection, spec §4.5 "hard-link into
// destination, clone omap, then unlink source"). Omap and attribute
// overflow live in the kv store keyed by (collection, object) and are
// independent of the object's data-file inode, so this is safe to run
// whether or not the destination's data file has already been linked.
func (s *Store) cloneOmapCross(ctx context.Context, srcColl oid.CollectionID, src oid.ID, dstColl oid.CollectionID, dst oid.ID) error {
	kv, header, err := s.OmapGetAll(ctx, srcColl, src)
	if err != nil {
		return err
	}
	if len(kv) > 0 {
		if err := s.OmapSetKeys(ctx, dstColl, dst, kv); err != nil {
			return err
		}
	}
	if header != nil {
		if err := s.OmapSetHeader(ctx, dstColl, dst, header); err != nil {
			return err
		}
	}

	// clone any spilled attribute overflow entries too
	srcNS, dstNS := attrNamespace(srcColl, src), attrNamespace(dstColl, dst)
	var scanErr error
	_ = s.kv.Scan(ctx, srcNS, "", "\xff\xff\xff\xff", func(k string, v []byte) bool {
		if err := s.kv.Set(ctx, dstNS, k, append([]byte(nil), v...)); err != nil {
			scanErr = err
			return false
		}
		return true
	})
	return scanErr
}
