package object

import (
	"fmt"
	"path/filepath"

	"github.com/arturkryukov/xstore/internal/oid"
)

// fileName derives the on-disk name for an object inside its
// collection directory. Snapshot id and generation are folded into the
// name so distinct snapshots/generations of the same logical object
// occupy distinct files, matching the "structured identifier" data
// model in spec §3.
func fileName(o oid.ID) string {
	if o.SnapshotID == 0 && o.Generation == 0 {
		return o.Name
	}
	return fmt.Sprintf("%s_%d_%d", o.Name, o.SnapshotID, o.Generation)
}

// Key returns the on-disk key identifying o within its collection,
// used by internal/index to track collection membership.
func Key(o oid.ID) string { return fileName(o) }

// Path returns the absolute path to an object's data file under
// current/<collection>/.
func (s *Store) Path(coll oid.CollectionID, o oid.ID) string {
	return filepath.Join(s.basedir, string(coll), fileName(o))
}

// CollectionDir returns the absolute path to a collection's directory.
func (s *Store) CollectionDir(coll oid.CollectionID) string {
	return filepath.Join(s.basedir, string(coll))
}

// cacheKey uniquely identifies a file within the fd cache across
// collections.
func cacheKey(coll oid.CollectionID, o oid.ID) string {
	return string(coll) + "/" + fileName(o)
}
