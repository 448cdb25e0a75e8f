// Пакет object реализует объектные примитивы (write/truncate/clone/
// setattrs/omap) поверх файлов и kv store — самая объёмная часть
// движка (spec §4.5 "Opcode semantics"). Методы не принимают
// txn.Position: каждый неидемпотентный вызов согласует с replay
// guard'ом вызывающий код (internal/apply) до вызова сюда.
package object

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"syscall"

	"github.com/arturkryukov/xstore/internal/backend"
	"github.com/arturkryukov/xstore/internal/fdcache"
	"github.com/arturkryukov/xstore/internal/kvstore"
	"github.com/arturkryukov/xstore/internal/oid"
	"github.com/arturkryukov/xstore/internal/pgmeta"
	"github.com/arturkryukov/xstore/internal/writeback"
)

// AttrSpillSentinel — sentinel xattr recording whether any attribute of
// the object has overflowed to the kv store, avoiding a kv-store query
// on the read path when it has not (spec §4.5 "setattrs").
const AttrSpillSentinel = "user.cephos.spill_out"

// Config governs the inline-attribute policy (spec §6 "inline xattr
// policy: per-filesystem maximum inline size and count").
type Config struct {
	MaxInlineAttrSize  int
	MaxInlineAttrCount int
	// EIOInjectRate simulates a flaky read path for crash/fault-handling
	// tests (spec §6 "crash-injection knobs"): a read fails with EIO
	// with this probability (0 disables injection) before ever touching
	// the fd cache.
	EIOInjectRate float64
}

// Store wires the on-disk file tree, fd cache, backend adapter and kv
// store into the object-level primitives.
type Store struct {
	basedir string
	cfg     Config
	fds     *fdcache.Cache
	be      *backend.Backend
	kv      kvstore.Store
	pgmeta  *pgmeta.Cache
	wb      *writeback.Pool
}

// New constructs an object Store rooted at basedir (mount passes the
// store's current/ directory). wb may be
// nil, in which case fadvise writeback hints are simply dropped.
func New(basedir string, cfg Config, fds *fdcache.Cache, be *backend.Backend, kv kvstore.Store, pg *pgmeta.Cache, wb *writeback.Pool) *Store {
	return &Store{basedir: basedir, cfg: cfg, fds: fds, be: be, kv: kv, pgmeta: pg, wb: wb}
}

func (s *Store) open(coll oid.CollectionID, o oid.ID, create bool) (*fdcache.FD, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	return s.fds.GetOrOpen(cacheKey(coll, o), func() (*os.File, error) {
		if create {
			if err := os.MkdirAll(s.CollectionDir(coll), 0o750); err != nil {
				return nil, fmt.Errorf("mkdir collection %s: %w", coll, err)
			}
		}
		return os.OpenFile(s.Path(coll, o), flags, 0o640)
	})
}

// Touch creates an empty object if it does not already exist
// (spec §3 opcode list "touch"); idempotent by construction.
func (s *Store) Touch(coll oid.CollectionID, o oid.ID) error {
	fd, err := s.open(coll, o, true)
	if err != nil {
		return err
	}
	defer fd.Release()
	return nil
}

// Write performs pwrite at off with data (spec §4.5 "write"). A
// zero-length write is a no-op. When fadvise is set the written range
// is handed to the writeback pool's shard for obj's hash immediately
// after the pwrite, while the fd is still open, so sync_file_range
// operates on the same descriptor that produced the dirty pages.
func (s *Store) Write(coll oid.CollectionID, o oid.ID, off uint64, data []byte, fadvise bool) error {
	if len(data) == 0 {
		return nil
	}
	fd, err := s.open(coll, o, true)
	if err != nil {
		return err
	}
	defer fd.Release()
	if _, err := fd.File().WriteAt(data, int64(off)); err != nil {
		return fmt.Errorf("write %s/%s: %w", coll, o.Name, err)
	}
	if fadvise && s.wb != nil {
		s.wb.ShardFor(o.Hash).Enqueue(writeback.Range{
			Fd: int(fd.File().Fd()), Off: int64(off), Len: int64(len(data)),
		}, nil, nil)
	}
	return nil
}

// Zero punches a hole over [off,off+length), falling back to writing
// zeros when the backend does not support hole-punching (spec §4.5
// "zero").
func (s *Store) Zero(coll oid.CollectionID, o oid.ID, off, length uint64) error {
	if length == 0 {
		return nil
	}
	fd, err := s.open(coll, o, true)
	if err != nil {
		return err
	}
	defer fd.Release()

	if err := backend.PunchHole(fd.File(), int64(off), int64(length)); err == nil {
		return nil
	}
	zeros := make([]byte, 1<<16)
	remaining := int64(length)
	at := int64(off)
	for remaining > 0 {
		n := int64(len(zeros))
		if remaining < n {
			n = remaining
		}
		if _, err := fd.File().WriteAt(zeros[:n], at); err != nil {
			return fmt.Errorf("zero-fallback write %s/%s: %w", coll, o.Name, err)
		}
		at += n
		remaining -= n
	}
	return nil
}

// Truncate resizes the object's file.
func (s *Store) Truncate(coll oid.CollectionID, o oid.ID, size uint64) error {
	fd, err := s.open(coll, o, true)
	if err != nil {
		return err
	}
	defer fd.Release()
	if err := fd.File().Truncate(int64(size)); err != nil {
		return fmt.Errorf("truncate %s/%s: %w", coll, o.Name, err)
	}
	return nil
}

// Remove deletes the object's data file, xattrs going with it, and its
// omap from the kv store.
func (s *Store) Remove(ctx context.Context, coll oid.CollectionID, o oid.ID) error {
	s.fds.Invalidate(cacheKey(coll, o))
	if err := os.Remove(s.Path(coll, o)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s/%s: %w", coll, o.Name, err)
	}
	ns := omapNamespace(coll, o)
	if err := s.kv.DeleteRange(ctx, ns, "", "\xff\xff\xff\xff"); err != nil {
		return fmt.Errorf("remove omap %s/%s: %w", coll, o.Name, err)
	}
	return nil
}

// Stat returns the object's current size.
func (s *Store) Stat(coll oid.CollectionID, o oid.ID) (int64, error) {
	fd, err := s.open(coll, o, false)
	if err != nil {
		return 0, err
	}
	defer fd.Release()
	info, err := fd.File().Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Read reads length bytes at off; a read past EOF returns fewer bytes
// without error (unwritten tails read as zeros because sparse files are
// zero-filled by the OS, spec §8 "Boundary behaviors").
func (s *Store) Read(coll oid.CollectionID, o oid.ID, off uint64, length int) ([]byte, error) {
	if s.cfg.EIOInjectRate > 0 && rand.Float64() < s.cfg.EIOInjectRate {
		return nil, fmt.Errorf("read %s/%s: %w", coll, o.Name, syscall.EIO)
	}
	fd, err := s.open(coll, o, false)
	if err != nil {
		return nil, err
	}
	defer fd.Release()

	buf := make([]byte, length)
	n, err := fd.File().ReadAt(buf, int64(off))
	if err != nil && n == 0 {
		return nil, fmt.Errorf("read %s/%s: %w", coll, o.Name, err)
	}
	return buf[:n], nil
}

// fdOf is a small helper for callers (attrs.go, omap.go, clone.go) in
// this package that need the raw *os.File for xattr syscalls.
func (s *Store) fdOf(coll oid.CollectionID, o oid.ID, create bool) (*fdcache.FD, error) {
	return s.open(coll, o, create)
}

func omapNamespace(coll oid.CollectionID, o oid.ID) string {
	return "omap:" + string(coll) + "/" + fileName(o)
}
