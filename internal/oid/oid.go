// Пакет oid определяет структурированный идентификатор объекта и
// идентификатор коллекции, используемые всей транзакционной машиной.
// Равенство ID точное, порядок полный и используется для range-сканов
// (см. spec §3 "Object identifier").
package oid

import "bytes"

// ID — идентификатор объекта: (pool/shard hint, hash, name, snapshot id,
// generation). Поля сравниваются в этом порядке для получения полного
// порядка, пригодного для range-сканов по префиксу хэша.
type ID struct {
	ShardHint  uint32
	Hash       uint32
	Name       string
	SnapshotID uint64
	Generation uint64
}

// Equal — точное покомпонентное равенство.
func (a ID) Equal(b ID) bool {
	return a.ShardHint == b.ShardHint &&
		a.Hash == b.Hash &&
		a.Name == b.Name &&
		a.SnapshotID == b.SnapshotID &&
		a.Generation == b.Generation
}

// Compare возвращает <0, 0, >0, задавая полный порядок:
// сперва по хэшу (для split/range-сканов по префиксу), затем по имени,
// snapshot id и generation.
func (a ID) Compare(b ID) int {
	if a.Hash != b.Hash {
		if a.Hash < b.Hash {
			return -1
		}
		return 1
	}
	if a.Name != b.Name {
		return bytes.Compare([]byte(a.Name), []byte(b.Name))
	}
	if a.SnapshotID != b.SnapshotID {
		if a.SnapshotID < b.SnapshotID {
			return -1
		}
		return 1
	}
	if a.Generation != b.Generation {
		if a.Generation < b.Generation {
			return -1
		}
		return 1
	}
	return 0
}

// HashMatches проверяет, что низкие bits бит хэша объекта равны rem —
// используется split_collection (spec §4.5).
func (a ID) HashMatches(bits uint, rem uint32) bool {
	if bits == 0 {
		return rem == 0
	}
	mask := uint32(1)<<bits - 1
	return a.Hash&mask == rem&mask
}

// Key возвращает строковое представление (имя объекта), пригодное как
// ключ map для in-process индексов; на диске не используется.
func (a ID) Key() string {
	return a.Name
}

// CollectionID — непрозрачная байтовая строка, именующая директорию
// объектов.
type CollectionID string

func (c CollectionID) String() string { return string(c) }
