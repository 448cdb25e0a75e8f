// Пакет replay реализует replay guard'ы: расширенный атрибут,
// хранящий (position, in_progress), который делает неидемпотентные
// операции идемпотентными при повторном проигрывании журнала
// (spec §3 "Replay guard", §4.5 "Replay check").
//
// Per-object guard хранится в user.cephos.seq, per-collection/global —
// в user.cephos.gseq (spec §6 "On-disk layout").
package replay

import (
	"encoding/binary"
	"fmt"

	"github.com/arturkryukov/xstore/internal/txn"
	"github.com/arturkryukov/xstore/internal/xattr"
)

const (
	// AttrObject — per-object replay guard xattr.
	AttrObject = "user.cephos.seq"
	// AttrGlobal — per-collection и global replay guard xattr (та же
	// кодировка, что и AttrObject, но на директории коллекции или на
	// выделенном глобальном маркере).
	AttrGlobal = "user.cephos.gseq"
)

// Guard — декодированное значение replay guard xattr'а.
type Guard struct {
	Pos        txn.Position
	InProgress bool
}

func encode(g Guard) []byte {
	buf := make([]byte, 17)
	binary.BigEndian.PutUint64(buf[0:8], g.Pos.Seq)
	binary.BigEndian.PutUint64(buf[8:16], uint64(int64(g.Pos.OpIdx)))
	if g.InProgress {
		buf[16] = 1
	}
	return buf
}

func decode(b []byte) (Guard, error) {
	if len(b) != 17 {
		return Guard{}, fmt.Errorf("replay guard: bad length %d", len(b))
	}
	return Guard{
		Pos: txn.Position{
			Seq:   binary.BigEndian.Uint64(b[0:8]),
			OpIdx: int(int64(binary.BigEndian.Uint64(b[8:16]))),
		},
		InProgress: b[16] != 0,
	}, nil
}

// Read reads and decodes the guard on fd under the given attribute
// name. A missing attribute is reported as (Guard{}, false, nil).
func Read(fd int, attr string) (Guard, bool, error) {
	raw, err := xattr.Get(fd, attr)
	if err != nil {
		// treat "not present" uniformly; xattr.Get wraps ENODATA too
		return Guard{}, false, nil //nolint:nilerr // absence is not an error here
	}
	if len(raw) == 0 {
		return Guard{}, false, nil
	}
	g, err := decode(raw)
	if err != nil {
		return Guard{}, false, err
	}
	return g, true, nil
}

// Write encodes and stores the guard.
func Write(fd int, attr string, g Guard) error {
	return xattr.Set(fd, attr, encode(g))
}

// Check implements the +1/0/-1 replay decision from spec §4.5:
//
//	+1  guard absent or strictly older than pos       -> apply
//	 0  guard == pos AND in_progress                  -> apply (resume)
//	-1  guard newer, or == pos without in_progress     -> skip
func Check(fd int, attr string, pos txn.Position) (int, error) {
	g, present, err := Read(fd, attr)
	if err != nil {
		return 0, err
	}
	if !present {
		return 1, nil
	}
	if g.Pos.Less(pos) {
		return 1, nil
	}
	if g.Pos == pos {
		if g.InProgress {
			return 0, nil
		}
		return -1, nil
	}
	// guard newer than pos
	return -1, nil
}

// Close writes the guard with in_progress=false at pos — called once a
// non-idempotent mutation has fully landed (spec §3 guard invariant:
// "the highest (sequence,op-index) whose effects ... are known durable").
func Close(fd int, attr string, pos txn.Position) error {
	return Write(fd, attr, Guard{Pos: pos, InProgress: false})
}

// OpenInProgress writes the guard with in_progress=true at pos — called
// before a non-idempotent multi-step mutation begins (clone, collection
// move/rename, split) so a crash mid-operation can be resumed exactly
// once on replay (spec §4.5).
func OpenInProgress(fd int, attr string, pos txn.Position) error {
	return Write(fd, attr, Guard{Pos: pos, InProgress: true})
}

// Monotone reports whether writing newGuard onto a file whose stored
// guard is oldGuard would violate monotonicity (spec §8 invariant 4:
// "the stored position never decreases").
func Monotone(oldGuard Guard, oldPresent bool, newGuard Guard) bool {
	if !oldPresent {
		return true
	}
	return !newGuard.Pos.Less(oldGuard.Pos)
}
