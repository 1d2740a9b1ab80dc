package entrystore

import (
	badger "github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"
)

// Tx is a view of the store inside a single Badger transaction. Reads see one
// consistent snapshot. Writes are only allowed on a Tx handed out by
// Store.Update.
type Tx struct {
	txn *badger.Txn
}

// firstKey returns a copy of the first key starting with prefix, walking
// backwards when reverse is set.
func (tx *Tx) firstKey(prefix []byte, reverse bool) ([]byte, bool) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	opts.Reverse = reverse
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if reverse {
		seek = upperBound(prefix)
	}
	it.Seek(seek)
	if !it.ValidForPrefix(prefix) {
		return nil, false
	}
	return it.Item().KeyCopy(nil), true
}

// Bounds returns the smallest and largest ids across every queue. ok is false
// when the store holds no entries.
func (tx *Tx) Bounds() (min, max int64, ok bool) {
	prefix := []byte(RecordsNamespace)
	lo, ok := tx.firstKey(prefix, false)
	if !ok {
		return 0, 0, false
	}
	hi, _ := tx.firstKey(prefix, true)
	return DecodeID(lo[len(prefix):]), DecodeID(hi[len(prefix):]), true
}

// NextID is the id an appended entry gets.
func (tx *Tx) NextID() int64 {
	if _, max, ok := tx.Bounds(); ok {
		return max + 1
	}
	return BaselineID
}

// PrevID is the id a prepended entry gets.
func (tx *Tx) PrevID() int64 {
	if min, _, ok := tx.Bounds(); ok {
		return min - 1
	}
	return BaselineID
}

// First returns the entry of the named queue with the smallest id.
func (tx *Tx) First(name string) (Entry, bool, error) {
	return tx.edge(name, false)
}

// Last returns the entry of the named queue with the largest id.
func (tx *Tx) Last(name string) (Entry, bool, error) {
	return tx.edge(name, true)
}

func (tx *Tx) edge(name string, reverse bool) (Entry, bool, error) {
	k, ok := tx.firstKey(IndexPrefix(name), reverse)
	if !ok {
		return Entry{}, false, nil
	}
	_, id, err := ParseIndexKey(k)
	if err != nil {
		return Entry{}, false, err
	}
	return tx.Get(id)
}

// Get loads the entry with the given id.
func (tx *Tx) Get(id int64) (Entry, bool, error) {
	item, err := tx.txn.Get(RecordKey(id))
	if err == badger.ErrKeyNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "entrystore: get %d", id)
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "entrystore: read %d", id)
	}
	e, err := decodeEntry(v)
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "entrystore: decode %d", id)
	}
	return e, true, nil
}

// Insert writes the record and its index row.
func (tx *Tx) Insert(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if _, err := tx.txn.Get(RecordKey(e.ID)); err == nil {
		return errors.Wrapf(ErrIDExists, "id %d", e.ID)
	} else if err != badger.ErrKeyNotFound {
		return errors.Wrapf(err, "entrystore: get %d", e.ID)
	}
	v, err := encodeEntry(e)
	if err != nil {
		return errors.Wrapf(err, "entrystore: encode %d", e.ID)
	}
	if err := tx.txn.Set(RecordKey(e.ID), v); err != nil {
		return err
	}
	return tx.txn.Set(IndexKey(e.QueueName, e.ID), nil)
}

// Delete removes the record and its index row. Missing ids are ignored.
func (tx *Tx) Delete(id int64) error {
	e, ok, err := tx.Get(id)
	if err != nil || !ok {
		return err
	}
	if err := tx.txn.Delete(IndexKey(e.QueueName, id)); err != nil {
		return err
	}
	return tx.txn.Delete(RecordKey(id))
}

// Scan returns the entries of the named queue in ascending id order.
func (tx *Tx) Scan(name string) ([]Entry, error) {
	var entries []Entry
	err := tx.eachIndexed(name, func(id int64) error {
		e, ok, err := tx.Get(id)
		if err != nil {
			return err
		}
		if !ok {
			// An index row without a record. Skip it, the next Delete of the
			// queue head cannot reach it either.
			return nil
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// Count returns the number of entries in the named queue.
func (tx *Tx) Count(name string) (int, error) {
	var n int
	err := tx.eachIndexed(name, func(int64) error {
		n++
		return nil
	})
	return n, err
}

func (tx *Tx) eachIndexed(name string, fn func(id int64) error) error {
	prefix := IndexPrefix(name)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		_, id, err := ParseIndexKey(it.Item().Key())
		if err != nil {
			return err
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

// QueueNames lists the names of every queue holding at least one entry.
func (tx *Tx) QueueNames() ([]string, error) {
	prefix := []byte(IndexNamespace)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	var names []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		name, _, err := ParseIndexKey(it.Item().Key())
		if err != nil {
			return nil, err
		}
		// Index rows are grouped by name so duplicates are adjacent.
		if len(names) == 0 || names[len(names)-1] != name {
			names = append(names, name)
		}
	}
	return names, nil
}
