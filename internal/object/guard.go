package object

import (
	"fmt"
	"os"

	"github.com/arturkryukov/xstore/internal/fdcache"
	"github.com/arturkryukov/xstore/internal/oid"
)

// GuardFD borrows the object's fd for internal/apply to read/write its
// per-object replay guard xattr around a non-idempotent mutation.
// Creating the file if absent mirrors Touch's semantics so a guard can
// be opened before the object's first write lands.
func (s *Store) GuardFD(coll oid.CollectionID, o oid.ID) (*fdcache.FD, error) {
	return s.fdOf(coll, o, true)
}

// CollectionGuardFD opens the collection directory itself so
// internal/apply can read/write the per-collection replay guard xattr
// (spec §4.5, AttrGlobal stored "on the collection directory").
func (s *Store) CollectionGuardFD(coll oid.CollectionID) (*os.File, error) {
	if err := os.MkdirAll(s.CollectionDir(coll), 0o750); err != nil {
		return nil, fmt.Errorf("collection guard mkdir %s: %w", coll, err)
	}
	return os.Open(s.CollectionDir(coll))
}

// GlobalGuardFD opens the store's own root directory so internal/apply
// can read/write the store-wide replay guard xattr, distinct from any
// single collection's own guard (spec §4.5 "split_collection: the
// engine writes the global guard on the source" — a store-wide scope
// because a split's source collection is itself being mutated, not just
// the destination).
func (s *Store) GlobalGuardFD() (*os.File, error) {
	return os.Open(s.basedir)
}
