package mount

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/arturkryukov/xstore/internal/config"
	"github.com/arturkryukov/xstore/internal/journal"
)

// MkFS lays down a fresh on-disk store at cfg.Basedir: fsid, superblock,
// store_version, current/ and current/omap/, and a zero commit_op_seq
// (spec §6 "External interfaces" on-disk layout). It does not mount —
// callers run Mount afterward to bring the fresh store up.
func MkFS(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Basedir, 0o750); err != nil {
		return fmt.Errorf("mkfs: mkdir basedir: %w", err)
	}

	lock, _, err := AcquireFSID(cfg.Basedir)
	if err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}
	defer lock.Release()

	if err := WriteVersion(cfg.Basedir, CurrentStoreVersion); err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}

	if err := WriteSuperblock(cfg.Basedir, Superblock{
		Features:    SupportedFeatures,
		OmapBackend: omapBackendPebble,
	}); err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}

	currentDir := filepath.Join(cfg.Basedir, "current")
	if err := os.MkdirAll(filepath.Join(currentDir, "omap"), 0o750); err != nil {
		return fmt.Errorf("mkfs: mkdir current/omap: %w", err)
	}

	if err := atomicWrite(filepath.Join(currentDir, "commit_op_seq"), []byte("0\n")); err != nil {
		return fmt.Errorf("mkfs: write commit_op_seq: %w", err)
	}

	return nil
}

// MkJournal creates (or truncates, if present) the journal segment at
// cfg.JournalDir, used to provision a fresh journal device independent
// of mkfs (spec §6 "mkjournal()").
func MkJournal(cfg *config.Config) error {
	dev, err := journal.OpenFile(cfg.JournalDir, cfg.SloppyCRC)
	if err != nil {
		return fmt.Errorf("mkjournal: %w", err)
	}
	defer dev.Close()
	if err := dev.Reset(); err != nil {
		return fmt.Errorf("mkjournal: reset: %w", err)
	}
	return nil
}
