package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/arturkryukov/xstore/internal/backend"
)

// nosnapSentinel is written under current/ when the backend lacks
// checkpoint support, disabling rollback (spec §6 "current/nosnap").
const nosnapSentinel = "nosnap"

// snapshots lists every snap_<seq> checkpoint directory under basedir,
// sorted ascending by sequence.
func snapshots(basedir string) ([]uint64, error) {
	entries, err := os.ReadDir(basedir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var seqs []uint64
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "snap_") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(e.Name(), "snap_"), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, n)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// rollbackIfNeeded implements spec §4.7 step 5: if the backend supports
// checkpoints and current/nosnap is absent, roll current/ back to the
// highest snap_<seq>; if the backend lacks checkpoint support, leave
// current/ untouched, and stamp the nosnap sentinel so a later build
// that regains checkpoint support knows rollback was never available
// for this store's history. force, when true, skips the nosnap check
// (operator override).
func rollbackIfNeeded(basedir string, be *backend.Backend, force bool) error {
	curDir := filepath.Join(basedir, "current")
	nosnapPath := filepath.Join(curDir, nosnapSentinel)

	if !be.Capabilities().Checkpoint {
		if err := os.MkdirAll(curDir, 0o750); err != nil {
			return fmt.Errorf("rollback: mkdir current: %w", err)
		}
		return os.WriteFile(nosnapPath, []byte{}, 0o640)
	}

	if _, err := os.Stat(nosnapPath); err == nil && !force {
		return fmt.Errorf("mount: current/nosnap present but backend now supports checkpoints; pass an override to proceed without rollback")
	}

	seqs, err := snapshots(basedir)
	if err != nil {
		return err
	}
	if len(seqs) == 0 {
		return os.MkdirAll(curDir, 0o750)
	}

	highest := seqs[len(seqs)-1]
	name := fmt.Sprintf("snap_%d", highest)
	if err := be.RollbackTo(name); err != nil {
		return fmt.Errorf("rollback to %s: %w", name, err)
	}
	return nil
}
