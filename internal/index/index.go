// Пакет index — потокобезопасный per-collection индекс идентификаторов
// объектов плюс per-collection lock, упомянутый в spec §5 ("the
// per-collection index lock (read/write, taken briefly around
// lookup/create/unlink)"). Полный хэшированный каталоговый индекс,
// отображающий ID объекта на путь файла, в spec §1 явно вынесен за
// границы движка как внешний коллаборатор; этот пакет — минимальная
// in-memory замена, достаточная для split_collection и перечисления при
// mount, построена по образцу шардированной карты
// internal/storage/index.Index учителя.
package index

import (
	"sync"

	"github.com/arturkryukov/xstore/internal/oid"
)

// CollectionIndex holds every known object within one collection plus
// its own RWMutex — "taken briefly around lookup/create/unlink" (spec
// §5). Objects are tracked by full oid.ID, not just name, so the index
// can answer hash-prefix queries for split_collection.
type CollectionIndex struct {
	mu      sync.RWMutex
	objects map[string]oid.ID // fileName -> oid.ID
}

func newCollectionIndex() *CollectionIndex {
	return &CollectionIndex{objects: make(map[string]oid.ID)}
}

func (c *CollectionIndex) Lock()    { c.mu.Lock() }
func (c *CollectionIndex) Unlock()  { c.mu.Unlock() }
func (c *CollectionIndex) RLock()   { c.mu.RLock() }
func (c *CollectionIndex) RUnlock() { c.mu.RUnlock() }

// Add records o as present, keyed by its on-disk key (spec §5
// "taken briefly around ... create").
func (c *CollectionIndex) Add(key string, o oid.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addLocked(key, o)
}

// Remove drops key from the index ("... unlink").
func (c *CollectionIndex) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

func (c *CollectionIndex) addLocked(key string, o oid.ID) { c.objects[key] = o }
func (c *CollectionIndex) removeLocked(key string)        { delete(c.objects, key) }

// AddLocked/RemoveLocked assume the caller already holds Lock — used
// by internal/apply to bracket a single file create/unlink syscall
// with the index lock held throughout, per spec §5's "index lock is
// always acquired before opening/creating/deleting files".
func (c *CollectionIndex) AddLocked(key string, o oid.ID) { c.addLocked(key, o) }
func (c *CollectionIndex) RemoveLocked(key string)        { c.removeLocked(key) }

func (c *CollectionIndex) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.objects[key]
	return ok
}

// All returns a snapshot of every indexed object.
func (c *CollectionIndex) All() []oid.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]oid.ID, 0, len(c.objects))
	for _, o := range c.objects {
		out = append(out, o)
	}
	return out
}

// WithHashPrefix returns every indexed object whose hash matches rem
// under bits bits, used by split_collection (spec §4.5).
func (c *CollectionIndex) WithHashPrefix(bits uint, rem uint32) []oid.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []oid.ID
	for _, o := range c.objects {
		if o.HashMatches(bits, rem) {
			out = append(out, o)
		}
	}
	return out
}

// Index maps collection id to its CollectionIndex, created lazily.
type Index struct {
	mu   sync.Mutex
	byID map[oid.CollectionID]*CollectionIndex
}

func New() *Index {
	return &Index{byID: make(map[oid.CollectionID]*CollectionIndex)}
}

// For returns (creating if necessary) the CollectionIndex for coll.
func (idx *Index) For(coll oid.CollectionID) *CollectionIndex {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ci, ok := idx.byID[coll]
	if !ok {
		ci = newCollectionIndex()
		idx.byID[coll] = ci
	}
	return ci
}

// Cleanup runs per-collection index cleanup at mount (spec §4.7 step
// 8) — here, simply ensures an index exists for every enumerated
// collection.
func (idx *Index) Cleanup(collections []oid.CollectionID) {
	for _, c := range collections {
		idx.For(c)
	}
}

// Drop discards coll's CollectionIndex entirely, called once
// destroy_collection has removed the directory on disk.
func (idx *Index) Drop(coll oid.CollectionID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.byID, coll)
}

// ObjectsWithHashPrefix implements internal/apply's SplitIndex,
// answering split_collection's "every object whose hash-prefix matches
// rem" query against the in-memory per-collection index (spec §4.5).
func (idx *Index) ObjectsWithHashPrefix(coll oid.CollectionID, bits uint, rem uint32) ([]oid.ID, error) {
	return idx.For(coll).WithHashPrefix(bits, rem), nil
}
