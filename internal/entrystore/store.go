package entrystore

import (
	"sync"

	badger "github.com/dgraph-io/badger/v2"
	badgerInternal "github.com/nickpoorman/http-requeue/internal/badger"
	"github.com/rs/zerolog/log"
)

// Options configures a Store.
type Options struct {
	inMemory bool
}

// Option is a function on the options for a Store.
type Option func(*Options) error

// InMemory keeps the data in memory only. The path given to New is ignored.
func InMemory() Option {
	return func(o *Options) error {
		o.inMemory = true
		return nil
	}
}

// Store is the persistent collection of entries for every named queue. The
// Badger database is opened lazily by the first operation.
type Store struct {
	path string
	opts Options

	// mu guards db and closed. Operations hold the read lock for their
	// duration so Close waits for them.
	mu     sync.RWMutex
	db     *badger.DB
	closed bool

	// writeMu serializes read-then-write transactions so that id
	// assignment and head/tail removal never interleave.
	writeMu sync.Mutex
}

// New creates a Store backed by the Badger directory at path.
func New(path string, options ...Option) (*Store, error) {
	opts := Options{}
	for _, opt := range options {
		if opt != nil {
			if err := opt(&opts); err != nil {
				return nil, err
			}
		}
	}
	return &Store{path: path, opts: opts}, nil
}

// Path returns the data directory of the store.
func (s *Store) Path() string {
	return s.path
}

// Open opens the database and brings its schema up to date. It is safe to
// call any number of times; only the first successful call does any work.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.db != nil {
		return nil
	}

	var (
		db  *badger.DB
		err error
	)
	if s.opts.inMemory {
		db, err = badgerInternal.OpenInMemory()
	} else {
		db, err = badgerInternal.Open(s.path)
	}
	if err != nil {
		log.Err(err).Str("path", s.path).Msg("entrystore: unable to open badger")
		return unavailable(err)
	}

	if err := migrate(db); err != nil {
		log.Err(err).Str("path", s.path).Msg("entrystore: unable to migrate")
		if cerr := db.Close(); cerr != nil {
			log.Err(cerr).Msg("entrystore: problem closing badger after failed migration")
		}
		return unavailable(err)
	}

	s.db = db
	return nil
}

// acquire returns the open database holding the read lock. The returned func
// releases it.
func (s *Store) acquire() (*badger.DB, func(), error) {
	for {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			return nil, nil, ErrClosed
		}
		if s.db != nil {
			return s.db, s.mu.RUnlock, nil
		}
		s.mu.RUnlock()

		if err := s.Open(); err != nil {
			return nil, nil, err
		}
	}
}

// Update runs fn inside one read-write transaction. Calls are serialized so
// anything fn reads stays true until it commits.
func (s *Store) Update(fn func(tx *Tx) error) error {
	db, release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return db.Update(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn})
	})
}

// View runs fn inside a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	db, release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	return db.View(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn})
	})
}

// Insert writes an entry whose id has already been assigned.
func (s *Store) Insert(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return s.Update(func(tx *Tx) error {
		return tx.Insert(e)
	})
}

// DeleteByID removes the entry with the given id, if there is one.
func (s *Store) DeleteByID(id int64) error {
	return s.Update(func(tx *Tx) error {
		return tx.Delete(id)
	})
}

// Scan returns the entries of the named queue in ascending id order.
func (s *Store) Scan(queueName string) ([]Entry, error) {
	var entries []Entry
	err := s.View(func(tx *Tx) error {
		var err error
		entries, err = tx.Scan(queueName)
		return err
	})
	return entries, err
}

// Version returns the schema version recorded in the database.
func (s *Store) Version() (int, error) {
	db, release, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer release()
	return readVersion(db)
}

// Close closes the database. Further operations return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}
	log.Debug().Str("path", s.path).Msg("entrystore: closing badger...")
	err := s.db.Close()
	s.db = nil
	log.Debug().Str("path", s.path).Msg("entrystore: closed badger")
	return err
}
