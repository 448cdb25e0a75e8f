package mount

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Feature is a single on-disk compatibility bit (spec §3 "Superblock:
// compatibility feature bits"). New features are appended, never
// renumbered.
type Feature string

const (
	FeatureSplitCollection Feature = "split_collection"
	FeatureOmapPebble       Feature = "omap_pebble"
	FeatureReplayGuardV1    Feature = "replay_guard_v1"
)

// SupportedFeatures is the running engine's full feature set (spec §3
// invariant: "the on-disk supported-feature set is a subset of the
// running engine's supported set; otherwise mount fails").
var SupportedFeatures = []Feature{FeatureSplitCollection, FeatureOmapPebble, FeatureReplayGuardV1}

// Superblock is the decoded contents of basedir/superblock.
type Superblock struct {
	Features    []Feature `json:"features"`
	OmapBackend string    `json:"omap_backend"`
}

const omapBackendPebble = "pebble"

// CurrentStoreVersion is the on-disk format version this build writes
// and requires at minimum (spec §3 "store_version").
const CurrentStoreVersion = 1

func superblockPath(basedir string) string { return filepath.Join(basedir, "superblock") }
func versionPath(basedir string) string    { return filepath.Join(basedir, "store_version") }

// ReadSuperblock decodes basedir/superblock and verifies that every
// feature it records is in SupportedFeatures (spec §4.7 step 3).
func ReadSuperblock(basedir string) (Superblock, error) {
	b, err := os.ReadFile(superblockPath(basedir))
	if err != nil {
		return Superblock{}, fmt.Errorf("read superblock: %w", err)
	}
	var sb Superblock
	if err := json.Unmarshal(b, &sb); err != nil {
		return Superblock{}, fmt.Errorf("decode superblock: %w", err)
	}
	if err := checkFeatures(sb.Features); err != nil {
		return Superblock{}, err
	}
	return sb, nil
}

func checkFeatures(onDisk []Feature) error {
	supported := make(map[Feature]bool, len(SupportedFeatures))
	for _, f := range SupportedFeatures {
		supported[f] = true
	}
	for _, f := range onDisk {
		if !supported[f] {
			return fmt.Errorf("mount: on-disk feature %q unsupported by this build (refusing to mount)", f)
		}
	}
	return nil
}

// WriteSuperblock atomically writes sb to basedir/superblock, used at
// mkfs (spec §6 "superblock: encoded feature set and omap backend
// name"), following the temp-file+fsync+rename pattern used throughout
// the engine for every durable write.
func WriteSuperblock(basedir string, sb Superblock) error {
	b, err := json.Marshal(sb)
	if err != nil {
		return fmt.Errorf("encode superblock: %w", err)
	}
	return atomicWrite(superblockPath(basedir), b)
}

// ReadVersion reads basedir/store_version, returning 0 if absent (a
// store that predates versioning).
func ReadVersion(basedir string) (uint32, error) {
	b, err := os.ReadFile(versionPath(basedir))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read store_version: %w", err)
	}
	var v uint32
	if _, err := fmt.Sscanf(string(b), "%d", &v); err != nil {
		return 0, fmt.Errorf("decode store_version: %w", err)
	}
	return v, nil
}

// CheckVersion refuses to mount against an on-disk version newer than
// CurrentStoreVersion, and against an older version unless allowUpdate
// is set (spec §4.7 step 2).
func CheckVersion(basedir string, allowUpdate bool) error {
	v, err := ReadVersion(basedir)
	if err != nil {
		return err
	}
	if v == 0 {
		return WriteVersion(basedir, CurrentStoreVersion)
	}
	if v > CurrentStoreVersion {
		return fmt.Errorf("mount: on-disk version %d newer than this build's %d", v, CurrentStoreVersion)
	}
	if v < CurrentStoreVersion && !allowUpdate {
		return fmt.Errorf("mount: on-disk version %d older than %d; pass allow-update to upgrade", v, CurrentStoreVersion)
	}
	if v < CurrentStoreVersion {
		return WriteVersion(basedir, CurrentStoreVersion)
	}
	return nil
}

// WriteVersion atomically stamps basedir/store_version.
func WriteVersion(basedir string, v uint32) error {
	return atomicWrite(versionPath(basedir), []byte(fmt.Sprintf("%d\n", v)))
}

// atomicWrite writes data to path via a temp file, fsync and rename —
// the durable-write idiom used throughout the engine (commit.writeCommitSeq,
// internal/storage/wal in the teacher).
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	f, err := os.Open(tmp)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	f.Close()
	return os.Rename(tmp, path)
}
