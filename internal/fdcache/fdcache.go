// Пакет fdcache — общий, шардированный кэш открытых файловых
// дескрипторов, ключ — идентификатор объекта; деструктор закрывает fd
// только после вытеснения записи из кэша и освобождения всех
// заимствований (borrow), в точности как в оригинале
// _examples/original_source/src/os/FDCache.h: "Wrapper for an fd.
// Destructor closes the fd." (spec, компонент "FD cache").
package fdcache

import (
	"container/list"
	"hash/fnv"
	"os"
	"sync"
	"sync/atomic"
)

// FD оборачивает *os.File с borrow-счётчиком. Вытеснение из кэша
// (markEvicted) лишь помечает запись; сам файл закрывается, когда
// запись вытеснена и счётчик заимствований достигает нуля, что
// гарантирует отсутствие закрытия файла, пока с ним работает воркер.
type FD struct {
	file    *os.File
	borrows atomic.Int32
	evicted atomic.Bool
}

// File возвращает нижележащий *os.File. Действителен, пока не вызван
// Release ровно столько раз, сколько было заимствований.
func (f *FD) File() *os.File { return f.file }

// Borrow увеличивает счётчик заимствований и возвращает саму запись —
// используется вызывающим кодом, который получил FD из кэша, чтобы
// продлить его жизнь на время использования.
func (f *FD) Borrow() *FD {
	f.borrows.Add(1)
	return f
}

// Release уменьшает счётчик заимствований; если запись уже вытеснена
// из кэша и счётчик достиг нуля, физически закрывает файл.
func (f *FD) Release() {
	if f.borrows.Add(-1) == 0 && f.evicted.Load() {
		_ = f.file.Close()
	}
}

func (f *FD) markEvicted() {
	f.evicted.Store(true)
	if f.borrows.Load() == 0 {
		_ = f.file.Close()
	}
}

type shard struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element // key -> element in lru
	lru      *list.List               // front = most recently used
}

type lruEntry struct {
	key string
	fd  *FD
}

func newShard(capacity int) *shard {
	return &shard{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Cache — sharded LRU keyed by object identifier string.
type Cache struct {
	shards []*shard
}

// New creates a Cache with n shards, each holding up to perShard open
// file handles.
func New(n, perShard int) *Cache {
	c := &Cache{shards: make([]*shard, n)}
	for i := range c.shards {
		c.shards[i] = newShard(perShard)
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// GetOrOpen returns a borrowed FD for key, opening it via openFn if not
// already cached. Caller must call Release when done.
func (c *Cache) GetOrOpen(key string, openFn func() (*os.File, error)) (*FD, error) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	if el, ok := sh.entries[key]; ok {
		sh.lru.MoveToFront(el)
		fd := el.Value.(*lruEntry).fd
		sh.mu.Unlock()
		return fd.Borrow(), nil
	}
	sh.mu.Unlock()

	f, err := openFn()
	if err != nil {
		return nil, err
	}
	fd := &FD{file: f}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if el, ok := sh.entries[key]; ok {
		// lost the race with another opener; close ours, use theirs
		_ = f.Close()
		sh.lru.MoveToFront(el)
		return el.Value.(*lruEntry).fd.Borrow(), nil
	}
	el := sh.lru.PushFront(&lruEntry{key: key, fd: fd})
	sh.entries[key] = el
	sh.evictLocked()
	return fd.Borrow(), nil
}

func (sh *shard) evictLocked() {
	for len(sh.entries) > sh.capacity {
		back := sh.lru.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*lruEntry)
		sh.lru.Remove(back)
		delete(sh.entries, entry.key)
		entry.fd.markEvicted()
	}
}

// Invalidate removes key from the cache immediately (used after remove
// / rename operations so a stale fd is never reused).
func (c *Cache) Invalidate(key string) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	el, ok := sh.entries[key]
	if !ok {
		return
	}
	sh.lru.Remove(el)
	delete(sh.entries, key)
	el.Value.(*lruEntry).fd.markEvicted()
}

// Len returns total cached entries across all shards, for tests/metrics.
func (c *Cache) Len() int {
	total := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}
