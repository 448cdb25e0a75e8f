// Пакет kvstore определяет интерфейс отсортированного key/value
// хранилища, за которым живут omap и spill-over атрибутов — внешний
// коллаборатор ("the sorted key/value store behind the omap/attribute
// overflow"). Здесь заданы только форма (интерфейс) и одна конкретная
// реализация на pebble, чтобы движок был запускаемым.
package kvstore

import "context"

// Store is the shape the engine depends on: a byte-keyed, namespaced,
// sorted key/value store supporting range scans (needed by
// omap_rmkeyrange and split_collection's prefix scans).
type Store interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	DeleteRange(ctx context.Context, namespace, startKey, endKey string) error
	// Scan invokes fn for every key in [startKey, endKey) within
	// namespace, in ascending order; iteration stops early if fn
	// returns false.
	Scan(ctx context.Context, namespace, startKey, endKey string, fn func(key string, value []byte) bool) error
	// Sync forces the store's write-ahead log and memtable to stable
	// storage — called once per commit cycle (spec §4.6 step 3).
	Sync(ctx context.Context) error
	Close() error
}
