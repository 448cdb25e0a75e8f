package object

import (
	"context"

	"github.com/arturkryukov/xstore/internal/oid"
)

// OmapSetKeys sets key/value pairs in the object's ordered map. Callers
// route pgmeta objects through internal/pgmeta instead of calling this
// directly (spec §4.5 "omap_* on pgmeta objects").
func (s *Store) OmapSetKeys(ctx context.Context, coll oid.CollectionID, o oid.ID, kv map[string][]byte) error {
	ns := omapNamespace(coll, o)
	for k, v := range kv {
		if err := s.kv.Set(ctx, ns, k, v); err != nil {
			return err
		}
	}
	return nil
}

// OmapRmKeys removes the given keys.
func (s *Store) OmapRmKeys(ctx context.Context, coll oid.CollectionID, o oid.ID, keys []string) error {
	ns := omapNamespace(coll, o)
	for _, k := range keys {
		if err := s.kv.Delete(ctx, ns, k); err != nil {
			return err
		}
	}
	return nil
}

// OmapRmKeyRange removes every key in [start,end).
func (s *Store) OmapRmKeyRange(ctx context.Context, coll oid.CollectionID, o oid.ID, start, end string) error {
	return s.kv.DeleteRange(ctx, omapNamespace(coll, o), start, end)
}

// OmapClear removes the object's entire omap, including its header.
func (s *Store) OmapClear(ctx context.Context, coll oid.CollectionID, o oid.ID) error {
	return s.kv.DeleteRange(ctx, omapNamespace(coll, o), "", "\xff\xff\xff\xff")
}

// OmapSetHeader sets the single header blob associated with the omap.
func (s *Store) OmapSetHeader(ctx context.Context, coll oid.CollectionID, o oid.ID, header []byte) error {
	return s.kv.Set(ctx, omapNamespace(coll, o), "\x00header", header)
}

// OmapGetAll reads back every key/value pair plus the header, used by
// clone and by tests.
func (s *Store) OmapGetAll(ctx context.Context, coll oid.CollectionID, o oid.ID) (map[string][]byte, []byte, error) {
	ns := omapNamespace(coll, o)
	out := make(map[string][]byte)
	var header []byte
	err := s.kv.Scan(ctx, ns, "", "\xff\xff\xff\xff", func(k string, v []byte) bool {
		if k == "\x00header" {
			header = append([]byte(nil), v...)
			return true
		}
		out[k] = append([]byte(nil), v...)
		return true
	})
	return out, header, err
}
