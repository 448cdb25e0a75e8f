// Пакет pgmeta реализует dirty-cache для omap выделенных pgmeta-объектов
// (spec §4.5 "omap_* on pgmeta objects"): sets/rms буферизуются в
// памяти и сбрасываются в kv store один раз за цикл коммита, а не на
// каждую операцию — прочие объекты идут напрямую в kv store с текущей
// позицией.
package pgmeta

import (
	"context"
	"sync"

	"github.com/arturkryukov/xstore/internal/kvstore"
)

type dirtyObj struct {
	sets   map[string][]byte
	rms    map[string]struct{}
	header []byte
	hasHdr bool
	clear  bool
}

// Cache buffers omap mutations for pgmeta objects keyed by namespace.
type Cache struct {
	store  kvstore.Store
	shards []*shardCache
}

type shardCache struct {
	mu     sync.Mutex
	dirty  map[string]*dirtyObj
}

// New creates a Cache with n shards, matching the "pgmeta-cache shards"
// configuration surface item in spec §6.
func New(store kvstore.Store, shards int) *Cache {
	c := &Cache{store: store, shards: make([]*shardCache, shards)}
	for i := range c.shards {
		c.shards[i] = &shardCache{dirty: make(map[string]*dirtyObj)}
	}
	return c
}

func (c *Cache) shardFor(namespace string) *shardCache {
	var h uint32
	for i := 0; i < len(namespace); i++ {
		h = h*31 + uint32(namespace[i])
	}
	return c.shards[h%uint32(len(c.shards))]
}

func (c *Cache) entry(namespace string) *dirtyObj {
	sh := c.shardFor(namespace)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	d, ok := sh.dirty[namespace]
	if !ok {
		d = &dirtyObj{sets: make(map[string][]byte), rms: make(map[string]struct{})}
		sh.dirty[namespace] = d
	}
	return d
}

// SetKeys buffers a set of key/value pairs for namespace.
func (c *Cache) SetKeys(namespace string, kv map[string][]byte) {
	d := c.entry(namespace)
	sh := c.shardFor(namespace)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for k, v := range kv {
		delete(d.rms, k)
		d.sets[k] = v
	}
}

// RmKeys buffers removal of the given keys.
func (c *Cache) RmKeys(namespace string, keys []string) {
	d := c.entry(namespace)
	sh := c.shardFor(namespace)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for _, k := range keys {
		delete(d.sets, k)
		d.rms[k] = struct{}{}
	}
}

// SetHeader buffers a new omap header blob.
func (c *Cache) SetHeader(namespace string, header []byte) {
	d := c.entry(namespace)
	sh := c.shardFor(namespace)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	d.header = header
	d.hasHdr = true
}

// Clear marks namespace's omap for a full clear on next flush.
func (c *Cache) Clear(namespace string) {
	d := c.entry(namespace)
	sh := c.shardFor(namespace)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	d.clear = true
	d.sets = make(map[string][]byte)
	d.rms = make(map[string]struct{})
}

// FlushAll persists every shard's dirty pgmeta entries to the kv store
// and clears them — invoked once per commit cycle (spec §4.6 step 3).
func (c *Cache) FlushAll(ctx context.Context) error {
	for _, sh := range c.shards {
		if err := flushShard(ctx, c.store, sh); err != nil {
			return err
		}
	}
	return nil
}

func flushShard(ctx context.Context, store kvstore.Store, sh *shardCache) error {
	sh.mu.Lock()
	batch := sh.dirty
	sh.dirty = make(map[string]*dirtyObj)
	sh.mu.Unlock()

	for ns, d := range batch {
		if d.clear {
			if err := store.DeleteRange(ctx, ns, "", "\xff\xff\xff\xff"); err != nil {
				return err
			}
		}
		for k := range d.rms {
			if err := store.Delete(ctx, ns, k); err != nil {
				return err
			}
		}
		for k, v := range d.sets {
			if err := store.Set(ctx, ns, k, v); err != nil {
				return err
			}
		}
		if d.hasHdr {
			if err := store.Set(ctx, ns, "\x00header", d.header); err != nil {
				return err
			}
		}
	}
	return nil
}
