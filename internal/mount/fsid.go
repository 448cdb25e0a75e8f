// Пакет mount реализует bring-up движка (spec §4.7 "Mount and replay",
// §4.8 "Unmount"): эксклюзивную блокировку fsid, проверку версии и
// суперблока, обнаружение бэкенда, откат к чекпоинту, открытие kv store
// и журнала, очистку индексов, старт фоновых потоков и replay журнала.
// Эксклюзивная блокировка построена по образцу flock-примитива учителя
// в internal/replica/election.go (файл-маркер плюс
// syscall.Flock(LOCK_EX|LOCK_NB)), упрощённого здесь до блокировки
// одним эксклюзивным держателем вместо multi-node leader election —
// xstore не реплицируемая система, поэтому второй mount той же
// директории должен просто получить отказ, а не встать в очередь на
// лидерство.
package mount

import (
	"fmt"
	"os"
	"syscall"

	"github.com/google/uuid"
)

// FSIDLock is the held exclusive lock on basedir/fsid (spec §3 "FSID").
// Release drops the lock; the file itself is left on disk so the fsid
// persists across mounts.
type FSIDLock struct {
	f *os.File
}

// AcquireFSID opens (creating with a fresh UUID if absent) basedir/fsid
// and takes a non-blocking exclusive flock on it, refusing a second
// concurrent mount of the same store (spec §4.7 step 1).
func AcquireFSID(basedir string) (*FSIDLock, string, error) {
	path := basedir + "/fsid"
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, "", fmt.Errorf("open fsid file %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, "", fmt.Errorf("fsid %s already locked by another mount: %w", path, err)
	}

	id, err := readOrWriteFSID(f)
	if err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return nil, "", err
	}

	return &FSIDLock{f: f}, id, nil
}

func readOrWriteFSID(f *os.File) (string, error) {
	buf := make([]byte, 37)
	n, err := f.ReadAt(buf, 0)
	if err != nil && n == 0 {
		id := uuid.NewString()
		if _, err := f.WriteAt([]byte(id+"\n"), 0); err != nil {
			return "", fmt.Errorf("write fsid: %w", err)
		}
		if err := f.Sync(); err != nil {
			return "", fmt.Errorf("fsync fsid: %w", err)
		}
		return id, nil
	}
	if n < 36 {
		return "", fmt.Errorf("fsid file truncated: %d bytes", n)
	}
	id := string(buf[:36])
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("fsid file corrupt: %w", err)
	}
	return id, nil
}

// Release drops the exclusive flock and closes the underlying file
// descriptor (spec §4.8 "release the fsid lock").
func (l *FSIDLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	return l.f.Close()
}
