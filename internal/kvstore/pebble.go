package kvstore

import (
	"context"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleStore — реализация Store поверх github.com/cockroachdb/pebble,
// используемого в примерах пакета как встраиваемая LSM-СХД
// (treeverse-lakeFS, alexhholmes-boulder); namespace кодируется как
// префикс ключа "<namespace>\x00<key>".
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens (creating if absent) a pebble database at dir, used
// as the omap/attribute-overflow backend (current/omap, spec §6).
func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func nsKey(namespace, key string) []byte {
	b := make([]byte, 0, len(namespace)+1+len(key))
	b = append(b, namespace...)
	b = append(b, 0)
	b = append(b, key...)
	return b
}

func (p *PebbleStore) Get(_ context.Context, namespace, key string) ([]byte, error) {
	v, closer, err := p.db.Get(nsKey(namespace, key))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, nil
}

func (p *PebbleStore) Set(_ context.Context, namespace, key string, value []byte) error {
	return p.db.Set(nsKey(namespace, key), value, pebble.NoSync)
}

func (p *PebbleStore) Delete(_ context.Context, namespace, key string) error {
	return p.db.Delete(nsKey(namespace, key), pebble.NoSync)
}

func (p *PebbleStore) DeleteRange(_ context.Context, namespace, startKey, endKey string) error {
	return p.db.DeleteRange(nsKey(namespace, startKey), nsKey(namespace, endKey), pebble.NoSync)
}

func (p *PebbleStore) Scan(_ context.Context, namespace, startKey, endKey string, fn func(string, []byte) bool) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: nsKey(namespace, startKey),
		UpperBound: nsKey(namespace, endKey),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	prefix := len(namespace) + 1
	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		if len(k) < prefix {
			continue
		}
		if !fn(string(k[prefix:]), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

func (p *PebbleStore) Sync(_ context.Context) error {
	return p.db.Flush()
}

func (p *PebbleStore) Close() error {
	return p.db.Close()
}
