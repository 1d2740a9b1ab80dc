package queue

import (
	"encoding/json"
	"time"

	"github.com/nickpoorman/http-requeue/internal/entrystore"
)

// Entry is what callers put into and get back out of a Queue. The id and
// queue name are addressing details of the store and never leave it.
type Entry struct {
	RequestData json.RawMessage
	// Timestamp is the creation time in epoch milliseconds.
	Timestamp int64
	Metadata  map[string]interface{}
}

// Options can be used to customize a Queue.
type Options struct {
	now func() time.Time
}

// Option is a function on the options for a Queue.
type Option func(*Options) error

// Clock sets the time source used to stamp entries without a timestamp.
func Clock(now func() time.Time) Option {
	return func(o *Options) error {
		o.now = now
		return nil
	}
}

// Queue is a double ended view over the entries of one queue name. All
// queues share the store's id space, so ids taken by one queue are skipped by
// every other. Within a queue ascending id is insertion order.
type Queue struct {
	store *entrystore.Store
	name  string
	opts  Options
}

// New binds a Queue to name.
func New(store *entrystore.Store, name string, options ...Option) (*Queue, error) {
	if err := entrystore.ValidateQueueName(name); err != nil {
		return nil, err
	}
	opts := Options{now: time.Now}
	for _, opt := range options {
		if opt != nil {
			if err := opt(&opts); err != nil {
				return nil, err
			}
		}
	}
	return &Queue{store: store, name: name, opts: opts}, nil
}

func (q *Queue) Name() string {
	return q.name
}

// PushEntry appends e at the tail: its id is one more than the largest id in
// the store.
func (q *Queue) PushEntry(e Entry) error {
	return q.add(e, false)
}

// UnshiftEntry prepends e at the head: its id is one less than the smallest
// id in the store.
func (q *Queue) UnshiftEntry(e Entry) error {
	return q.add(e, true)
}

func (q *Queue) add(e Entry, atHead bool) error {
	if len(e.RequestData) == 0 {
		return entrystore.ErrIncorrectType
	}
	if e.Timestamp == 0 {
		e.Timestamp = q.opts.now().UnixNano() / int64(time.Millisecond)
	}
	return q.store.Update(func(tx *entrystore.Tx) error {
		id := tx.NextID()
		if atHead {
			id = tx.PrevID()
		}
		return tx.Insert(entrystore.Entry{
			ID:          id,
			QueueName:   q.name,
			RequestData: e.RequestData,
			Timestamp:   e.Timestamp,
			Metadata:    e.Metadata,
		})
	})
}

// ShiftEntry removes and returns the oldest entry. It returns nil when the
// queue is empty.
func (q *Queue) ShiftEntry() (*Entry, error) {
	return q.remove(false)
}

// PopEntry removes and returns the newest entry. It returns nil when the
// queue is empty.
func (q *Queue) PopEntry() (*Entry, error) {
	return q.remove(true)
}

func (q *Queue) remove(fromTail bool) (*Entry, error) {
	var out *Entry
	err := q.store.Update(func(tx *entrystore.Tx) error {
		var (
			e   entrystore.Entry
			ok  bool
			err error
		)
		if fromTail {
			e, ok, err = tx.Last(q.name)
		} else {
			e, ok, err = tx.First(q.name)
		}
		if err != nil || !ok {
			return err
		}
		if err := tx.Delete(e.ID); err != nil {
			return err
		}
		out = fromStore(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Size returns the number of entries in the queue.
func (q *Queue) Size() (int, error) {
	var n int
	err := q.store.View(func(tx *entrystore.Tx) error {
		var err error
		n, err = tx.Count(q.name)
		return err
	})
	return n, err
}

// Entries returns every entry of the queue, oldest first, without removing
// them.
func (q *Queue) Entries() ([]Entry, error) {
	stored, err := q.store.Scan(q.name)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(stored))
	for _, e := range stored {
		entries = append(entries, *fromStore(e))
	}
	return entries, nil
}

// DeleteEntries removes the entries of this queue whose timestamp satisfies
// expired and returns how many were removed.
func (q *Queue) DeleteEntries(expired func(Entry) bool) (int, error) {
	var n int
	err := q.store.Update(func(tx *entrystore.Tx) error {
		stored, err := tx.Scan(q.name)
		if err != nil {
			return err
		}
		for _, e := range stored {
			if !expired(*fromStore(e)) {
				continue
			}
			if err := tx.Delete(e.ID); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func fromStore(e entrystore.Entry) *Entry {
	return &Entry{
		RequestData: e.RequestData,
		Timestamp:   e.Timestamp,
		Metadata:    e.Metadata,
	}
}
