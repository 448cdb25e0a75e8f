package object

import (
	"context"
	"fmt"

	"github.com/arturkryukov/xstore/internal/oid"
	"github.com/arturkryukov/xstore/internal/xattr"
)

const attrPrefix = "user.xstore.attr."

// SetAttrs writes each attribute, spilling values whose length exceeds
// cfg.MaxInlineAttrSize (or once the inline count exceeds
// MaxInlineAttrCount) into the kv store instead of onto the inode, and
// records the sentinel xattr recording whether any overflow exists for
// the object (spec §4.5 "setattrs").
func (s *Store) SetAttrs(ctx context.Context, coll oid.CollectionID, o oid.ID, attrs map[string][]byte) error {
	fd, err := s.fdOf(coll, o, true)
	if err != nil {
		return err
	}
	defer fd.Release()
	rawFd := int(fd.File().Fd())

	inlineCount := 0
	if names, err := xattr.List(rawFd); err == nil {
		for _, n := range names {
			if len(n) > len(attrPrefix) && n[:len(attrPrefix)] == attrPrefix {
				inlineCount++
			}
		}
	}

	spilled := false
	ns := attrNamespace(coll, o)
	for k, v := range attrs {
		if len(v) > s.cfg.MaxInlineAttrSize || inlineCount >= s.cfg.MaxInlineAttrCount {
			if err := s.kv.Set(ctx, ns, k, v); err != nil {
				return fmt.Errorf("setattrs spill %s/%s.%s: %w", coll, o.Name, k, err)
			}
			_ = xattr.Remove(rawFd, attrPrefix+k)
			spilled = true
			continue
		}
		if err := xattr.Set(rawFd, attrPrefix+k, v); err != nil {
			return fmt.Errorf("setattrs %s/%s.%s: %w", coll, o.Name, k, err)
		}
		inlineCount++
	}

	if spilled {
		return xattr.Set(rawFd, AttrSpillSentinel, []byte("1"))
	}
	return nil
}

// GetAttrs reads back the full attribute set, checking the spill
// sentinel first to avoid a kv-store round trip when nothing overflowed.
func (s *Store) GetAttrs(ctx context.Context, coll oid.CollectionID, o oid.ID) (map[string][]byte, error) {
	fd, err := s.fdOf(coll, o, false)
	if err != nil {
		return nil, err
	}
	defer fd.Release()
	rawFd := int(fd.File().Fd())

	out := make(map[string][]byte)
	names, err := xattr.List(rawFd)
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		if len(n) <= len(attrPrefix) || n[:len(attrPrefix)] != attrPrefix {
			continue
		}
		v, err := xattr.Get(rawFd, n)
		if err != nil {
			continue
		}
		out[n[len(attrPrefix):]] = v
	}

	if spill, _ := xattr.Get(rawFd, AttrSpillSentinel); len(spill) > 0 && spill[0] == '1' {
		ns := attrNamespace(coll, o)
		_ = s.kv.Scan(ctx, ns, "", "\xff\xff\xff\xff", func(k string, v []byte) bool {
			out[k] = append([]byte(nil), v...)
			return true
		})
	}
	return out, nil
}

// RmAttr removes a single attribute from both the inode and the kv
// store overflow (idempotent: absence is not an error).
func (s *Store) RmAttr(ctx context.Context, coll oid.CollectionID, o oid.ID, key string) error {
	fd, err := s.fdOf(coll, o, true)
	if err != nil {
		return err
	}
	defer fd.Release()
	rawFd := int(fd.File().Fd())

	if err := xattr.Remove(rawFd, attrPrefix+key); err != nil {
		return err
	}
	return s.kv.Delete(ctx, attrNamespace(coll, o), key)
}

// RmAttrs removes every attribute of the object.
func (s *Store) RmAttrs(ctx context.Context, coll oid.CollectionID, o oid.ID) error {
	fd, err := s.fdOf(coll, o, true)
	if err != nil {
		return err
	}
	defer fd.Release()
	rawFd := int(fd.File().Fd())

	names, err := xattr.List(rawFd)
	if err != nil {
		return err
	}
	for _, n := range names {
		if len(n) > len(attrPrefix) && n[:len(attrPrefix)] == attrPrefix {
			_ = xattr.Remove(rawFd, n)
		}
	}
	_ = xattr.Remove(rawFd, AttrSpillSentinel)
	return s.kv.DeleteRange(ctx, attrNamespace(coll, o), "", "\xff\xff\xff\xff")
}

func attrNamespace(coll oid.CollectionID, o oid.ID) string {
	return "attr:" + string(coll) + "/" + fileName(o)
}
