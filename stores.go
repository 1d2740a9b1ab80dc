package requeue

import (
	"path/filepath"
	"sync"

	"github.com/nickpoorman/http-requeue/internal/entrystore"
	"github.com/rs/zerolog/log"
)

// Badger holds a lock on its directory, so every Queue using the same data
// path shares one Store. The Store is closed when its last Queue is.
var stores = struct {
	sync.Mutex
	m map[string]*sharedStore
}{m: make(map[string]*sharedStore)}

type sharedStore struct {
	store *entrystore.Store
	refs  int
}

func storeKey(path string, inMemory bool) string {
	if inMemory {
		return "mem:" + path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func acquireStore(path string, inMemory bool) (*entrystore.Store, string, error) {
	key := storeKey(path, inMemory)

	stores.Lock()
	defer stores.Unlock()

	if s, ok := stores.m[key]; ok {
		s.refs++
		return s.store, key, nil
	}

	var options []entrystore.Option
	if inMemory {
		options = append(options, entrystore.InMemory())
	}
	store, err := entrystore.New(path, options...)
	if err != nil {
		return nil, "", err
	}
	stores.m[key] = &sharedStore{store: store, refs: 1}
	return store, key, nil
}

func releaseStore(key string) error {
	stores.Lock()
	defer stores.Unlock()

	s, ok := stores.m[key]
	if !ok {
		return nil
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	delete(stores.m, key)
	log.Debug().Str("path", s.store.Path()).Msg("requeue: closing store")
	return s.store.Close()
}
