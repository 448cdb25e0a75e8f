// Пакет backend абстрагирует специфичные для файловой системы
// возможности: создание/уничтожение/откат чекпоинтов, клонирование
// диапазонов через reflink, fiemap, sync_fs, alloc hint (spec §4
// "Backend adapter", design note 9 "Polymorphism by variant": набор
// возможностей как tagged variant с деградацией по умолчанию — buffered
// copy вместо reflink, write-zeros вместо hole-punch).
package backend

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Capabilities — набор возможностей, которые поддерживает конкретный
// бэкенд. Обнаруживается один раз при mount (spec §4.7 шаг 4).
type Capabilities struct {
	Checkpoint bool
	Reflink    bool
	Fiemap     bool
	AllocHint  bool
	SyncFS     bool
}

// Backend — адаптер файловой системы. Реализации деградируют
// отсутствующие возможности до совместимого поведения, а не
// возвращают ошибку; исключение — CreateCheckpoint, который без
// поддержки чекпоинтов возвращает ошибку.
type Backend struct {
	basedir string
	caps    Capabilities
}

// Detect строит Backend для basedir, зондируя возможности файловой
// системы (spec §4.7 шаг 4 "Detect backing filesystem").
func Detect(basedir string) (*Backend, error) {
	caps := Capabilities{}

	// Reflink probe: attempting a FICLONE-style ioctl copy of a scratch
	// file onto itself is unsafe, so probe via statfs magic instead:
	// btrfs and xfs report reflink and fiemap support, everything else
	// neither (CloneRange falls back to a buffered copy if the ioctl
	// fails anyway).
	var stat unix.Statfs_t
	if err := unix.Statfs(basedir, &stat); err == nil {
		switch stat.Type {
		case 0x9123683E, 0x58465342: // BTRFS_SUPER_MAGIC, XFS_SUPER_MAGIC
			caps.Reflink = true
			caps.Fiemap = true
		}
	}

	caps.AllocHint = true // fallocate is broadly available
	caps.SyncFS = true    // syncfs(2) is broadly available

	// Checkpoint support requires filesystem-level snapshots (btrfs
	// subvolumes); reported alongside reflink capability for the same
	// filesystems, matching the coupling in XStore.cc's backend classes.
	caps.Checkpoint = caps.Reflink

	return &Backend{basedir: basedir, caps: caps}, nil
}

// Capabilities returns the detected capability set.
func (b *Backend) Capabilities() Capabilities { return b.caps }

// SyncFS forces the whole filesystem's dirty pages to stable storage,
// used by the commit thread when checkpoints are unsupported
// (spec §4.6 step 3b).
func (b *Backend) SyncFS() error {
	f, err := os.Open(b.basedir)
	if err != nil {
		return fmt.Errorf("syncfs open %s: %w", b.basedir, err)
	}
	defer f.Close()
	if err := unix.Syncfs(int(f.Fd())); err != nil {
		return fmt.Errorf("syncfs: %w", err)
	}
	return nil
}

// CreateCheckpoint creates a filesystem-level checkpoint named
// snap_<seq> under basedir (spec §4.6 step 3a). Only meaningful when
// Capabilities().Checkpoint is true; callers must check first.
func (b *Backend) CreateCheckpoint(name string) error {
	if !b.caps.Checkpoint {
		return fmt.Errorf("backend: checkpoints unsupported on %s", b.basedir)
	}
	// No snapshot ioctl (BTRFS_IOC_SNAP_CREATE) is issued: the
	// checkpoint is a recursive file copy of current/ into
	// basedir/<name>, which RollbackTo copies back.
	src := filepath.Join(b.basedir, "current")
	dst := filepath.Join(b.basedir, name)
	return cloneTree(src, dst)
}

// DestroyCheckpoint removes a previously created checkpoint.
func (b *Backend) DestroyCheckpoint(name string) error {
	return os.RemoveAll(filepath.Join(b.basedir, name))
}

// RollbackTo replaces "current" with the contents of a checkpoint,
// used at mount when a rollback is required (spec §4.7 step 5).
func (b *Backend) RollbackTo(name string) error {
	cur := filepath.Join(b.basedir, "current")
	snap := filepath.Join(b.basedir, name)
	if err := os.RemoveAll(cur); err != nil {
		return fmt.Errorf("rollback: remove current: %w", err)
	}
	return cloneTree(snap, cur)
}

// CloneRange performs a range-clone of src into dst[dstOff:dstOff+len],
// using reflink when available, otherwise a buffered copy
// (spec §4.5 "clone" opcode semantics, design note 9).
func (b *Backend) CloneRange(src, dst *os.File, srcOff, dstOff, length int64) error {
	if b.caps.Reflink {
		if err := ficloneRange(src, dst, srcOff, dstOff, length); err == nil {
			return nil
		}
		// fall through to buffered copy on ioctl failure
	}
	buf := make([]byte, 1<<20)
	remaining := length
	so, do := srcOff, dstOff
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := src.ReadAt(buf[:n], so)
		if read > 0 {
			if _, werr := dst.WriteAt(buf[:read], do); werr != nil {
				return fmt.Errorf("clone_range write: %w", werr)
			}
			so += int64(read)
			do += int64(read)
			remaining -= int64(read)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("clone_range read: %w", err)
		}
	}
	return nil
}

func ficloneRange(src, dst *os.File, srcOff, dstOff, length int64) error {
	return unix.IoctlFileCloneRange(int(dst.Fd()), &unix.FileCloneRange{
		Src_fd:      int64(src.Fd()),
		Src_offset:  uint64(srcOff),
		Src_length:  uint64(length),
		Dest_offset: uint64(dstOff),
	})
}

// PunchHole attempts a hole-punch over [off,off+length); caller falls
// back to writing zeros if this returns an error (spec §4.5 "zero").
func PunchHole(f *os.File, off, length int64) error {
	return unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length)
}

// AllocHint provides an allocation size hint to the backend
// (opcode alloc_hint).
func (b *Backend) AllocHint(f *os.File, expectedSize int64) error {
	if !b.caps.AllocHint || expectedSize <= 0 {
		return nil
	}
	return unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, expectedSize)
}

func cloneTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}
