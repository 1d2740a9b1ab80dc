package requeue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	badgerInternal "github.com/nickpoorman/http-requeue/internal/badger"
	"github.com/nickpoorman/http-requeue/internal/entrystore"
	"github.com/nickpoorman/http-requeue/internal/queue"
	"github.com/nickpoorman/http-requeue/internal/reaper"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/nickpoorman/http-requeue/syncmanager"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultBadgerDataPath is where requests are stored when no path is
	// given.
	DefaultBadgerDataPath = "requeue-data"

	// DefaultMaxRetentionTime keeps requests until they are replayed.
	DefaultMaxRetentionTime time.Duration = 0
)

// New creates the Queue called name.
func New(name string, options ...Option) (*Queue, error) {
	opts := GetDefaultOptions()
	for _, opt := range options {
		if opt != nil {
			if err := opt(&opts); err != nil {
				return nil, err
			}
		}
	}
	return opts.New(name)
}

// SyncHandler is called when a deferred retry for a Queue is dispatched.
// Returning an error leaves the retry pending.
type SyncHandler func(ctx context.Context, q *Queue, ev syncmanager.Event) error

// Option is a function on the options of a Queue.
type Option func(*Options) error

// Context sets the context of the Queue. The Queue is closed when the
// context is done, and registrations and replays started by the Queue use it.
func Context(ctx context.Context) Option {
	return func(o *Options) error {
		o.ctx = ctx
		return nil
	}
}

// BadgerDataPath sets the directory requests are stored in. Queues with the
// same path share one database.
func BadgerDataPath(path string) Option {
	return func(o *Options) error {
		o.BadgerDataPath = path
		return nil
	}
}

// InstanceID keeps this process's requests in their own subdirectory of
// BadgerDataPath, so several processes can share one data directory.
func InstanceID(id string) Option {
	return func(o *Options) error {
		if id == "" {
			return errors.New("requeue: instance id must not be empty")
		}
		o.InstanceID = id
		return nil
	}
}

// InMemory keeps requests in memory only. Queues created with the same
// BadgerDataPath still share a database.
func InMemory() Option {
	return func(o *Options) error {
		o.InMemory = true
		return nil
	}
}

// MaxRetentionTime sets how long a request may wait. Older requests are
// dropped instead of being replayed. Zero keeps them forever.
func MaxRetentionTime(d time.Duration) Option {
	return func(o *Options) error {
		if d < 0 {
			return errors.New("requeue: max retention time must not be negative")
		}
		o.MaxRetentionTime = d
		return nil
	}
}

// ReapInterval sets how often expired requests are swept from the store.
// Without it expired requests are only dropped when they are reached. It has
// no effect unless MaxRetentionTime is set.
func ReapInterval(d time.Duration) Option {
	return func(o *Options) error {
		if d < 0 {
			return errors.New("requeue: reap interval must not be negative")
		}
		o.ReapInterval = d
		return nil
	}
}

// OnReaped is called with the number of expired requests each background
// sweep removed. Sweeps run only when ReapInterval is set.
func OnReaped(f func(n int)) Option {
	return func(o *Options) error {
		if f != nil {
			o.OnReaped = append(o.OnReaped, f)
		}
		return nil
	}
}

// OnSync replaces the default replay handler.
func OnSync(h SyncHandler) Option {
	return func(o *Options) error {
		o.OnSync = h
		return nil
	}
}

// WithSyncer sets the source of deferred retries.
func WithSyncer(s Syncer) Option {
	return func(o *Options) error {
		o.Syncer = s
		return nil
	}
}

// WithTransport sets how replayed requests are sent.
func WithTransport(t Transport) Option {
	return func(o *Options) error {
		o.Transport = t
		return nil
	}
}

// WithCodec sets how requests are converted for storage.
func WithCodec(c Codec) Option {
	return func(o *Options) error {
		o.Codec = c
		return nil
	}
}

// WithRegistry sets the registry queue names are unique within.
func WithRegistry(r *Registry) Option {
	return func(o *Options) error {
		o.Registry = r
		return nil
	}
}

// WithClock sets the time source used for timestamps and retention.
func WithClock(now func() time.Time) Option {
	return func(o *Options) error {
		o.Now = now
		return nil
	}
}

// Options can be used to create a customized Queue.
type Options struct {
	ctx context.Context

	// Badger
	BadgerDataPath string
	InstanceID     string
	InMemory       bool

	// Replay
	MaxRetentionTime time.Duration
	ReapInterval     time.Duration
	OnReaped         []func(n int)
	OnSync           SyncHandler
	Syncer           Syncer
	Transport        Transport
	Codec            Codec

	Registry *Registry
	Now      func() time.Time
}

func GetDefaultOptions() Options {
	return Options{
		ctx:              context.Background(),
		BadgerDataPath:   DefaultBadgerDataPath,
		MaxRetentionTime: DefaultMaxRetentionTime,
		Syncer:           UnsupportedSyncer{},
		Transport:        NewHTTPTransport(http.DefaultClient),
		Codec:            HTTPCodec{},
		Registry:         DefaultRegistry,
		Now:              time.Now,
	}
}

func (o Options) dataPath() string {
	if o.InstanceID == "" {
		return o.BadgerDataPath
	}
	return badgerInternal.InstanceDir(o.BadgerDataPath, o.InstanceID)
}

// New creates the Queue called name with these options.
func (o Options) New(name string) (*Queue, error) {
	if err := entrystore.ValidateQueueName(name); err != nil {
		return nil, err
	}
	if err := o.Registry.Register(name); err != nil {
		return nil, err
	}

	store, key, err := acquireStore(o.dataPath(), o.InMemory)
	if err != nil {
		o.Registry.Release(name)
		return nil, err
	}

	nq, err := queue.New(store, name, queue.Clock(o.Now))
	if err != nil {
		o.Registry.Release(name)
		if rerr := releaseStore(key); rerr != nil {
			log.Err(rerr).Msg("requeue: problem releasing store")
		}
		return nil, err
	}

	q := &Queue{
		Opts:       o,
		name:       name,
		queue:      nq,
		storeKey:   key,
		replayLock: semaphore.NewWeighted(1),
		closed:     make(chan struct{}),
	}

	if o.MaxRetentionTime > 0 && o.ReapInterval > 0 {
		options := []reaper.Option{reaper.ReapInterval(o.ReapInterval)}
		for _, f := range o.OnReaped {
			options = append(options, reaper.ReapedCallbacks(f))
		}
		r, err := reaper.New(name, q.reapExpired, options...)
		if err != nil {
			q.Close()
			return nil, err
		}
		q.reaper = r
	}

	if o.Syncer.Supported() {
		q.unsubscribe = o.Syncer.Subscribe(func(tag string) bool {
			return tag == q.Tag()
		}, q.handleSync)
	} else {
		// Nothing will tell us when to replay, so try once now.
		ev := syncmanager.Event{Tag: q.Tag(), Attempt: 1, LastChance: true}
		if err := q.handleSync(o.ctx, ev); err != nil {
			log.Err(err).Str("queue", name).Msg("requeue: immediate replay failed")
		}
	}

	go func() {
		select {
		case <-o.ctx.Done():
			q.Close()
		case <-q.closed:
		}
	}()

	return q, nil
}

// RequestEntry is a request together with when it was queued and any data
// the caller attached to it.
type RequestEntry struct {
	Request *http.Request

	// Timestamp is when the request was queued. Zero means now.
	Timestamp time.Time

	Metadata map[string]interface{}
}

// Queue is a named, persistent queue of HTTP requests waiting to be
// replayed.
type Queue struct {
	Opts Options

	name     string
	queue    *queue.Queue
	storeKey string

	// replayLock serializes ReplayRequests so that a failed request is
	// restored before anything else is shifted.
	replayLock *semaphore.Weighted

	unsubscribe func()
	reaper      *reaper.Reaper

	// mu is held for reading by every operation and for writing by Close.
	mu        sync.RWMutex
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func (q *Queue) Name() string {
	return q.name
}

// Tag is the sync tag this Queue registers and listens for.
func (q *Queue) Tag() string {
	return SyncTagPrefix + q.name
}

func (q *Queue) enter() error {
	q.mu.RLock()
	select {
	case <-q.closed:
		q.mu.RUnlock()
		return ErrQueueClosed
	default:
		return nil
	}
}

// PushRequest adds e at the tail of the queue and registers for a deferred
// retry.
func (q *Queue) PushRequest(e RequestEntry) error {
	return q.enqueue(e, false)
}

// UnshiftRequest adds e at the head of the queue and registers for a
// deferred retry.
func (q *Queue) UnshiftRequest(e RequestEntry) error {
	return q.enqueue(e, true)
}

func (q *Queue) enqueue(e RequestEntry, atHead bool) error {
	if err := q.enter(); err != nil {
		return err
	}
	defer q.mu.RUnlock()

	if e.Request == nil {
		return ErrIncorrectType
	}
	sr, err := q.Opts.Codec.ToStorable(e.Request)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sr)
	if err != nil {
		return pkgerrors.Wrap(err, "requeue: encoding request")
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = q.Opts.Now()
	}
	entry := queue.Entry{
		RequestData: data,
		Timestamp:   ts.UnixMilli(),
		Metadata:    e.Metadata,
	}

	if atHead {
		err = q.queue.UnshiftEntry(entry)
	} else {
		err = q.queue.PushEntry(entry)
	}
	if err != nil {
		return err
	}

	log.Debug().
		Str("queue", q.name).
		Str("method", sr.Method).
		Str("url", sr.URL).
		Bool("head", atHead).
		Msg("requeue: request queued")

	q.RegisterSync(q.Opts.ctx)
	return nil
}

// ShiftRequest removes and returns the oldest request that is still within
// the retention time. Expired requests found on the way are dropped. It
// returns nil when there is nothing left.
func (q *Queue) ShiftRequest() (*RequestEntry, error) {
	if err := q.enter(); err != nil {
		return nil, err
	}
	defer q.mu.RUnlock()

	_, re, err := q.next(false)
	return re, err
}

// PopRequest is ShiftRequest from the tail: it returns the newest request.
func (q *Queue) PopRequest() (*RequestEntry, error) {
	if err := q.enter(); err != nil {
		return nil, err
	}
	defer q.mu.RUnlock()

	_, re, err := q.next(true)
	return re, err
}

// next removes entries from one end until it finds one that has not expired.
// The raw entry is returned too so it can be restored unchanged.
func (q *Queue) next(fromTail bool) (*queue.Entry, *RequestEntry, error) {
	for {
		var (
			e   *queue.Entry
			err error
		)
		if fromTail {
			e, err = q.queue.PopEntry()
		} else {
			e, err = q.queue.ShiftEntry()
		}
		if err != nil || e == nil {
			return nil, nil, err
		}

		if q.expired(e.Timestamp) {
			log.Debug().
				Str("queue", q.name).
				Int64("timestamp", e.Timestamp).
				Msg("requeue: dropping expired request")
			continue
		}

		re, err := q.decode(*e)
		if err != nil {
			// Put it back where it came from.
			restore := q.queue.UnshiftEntry
			if fromTail {
				restore = q.queue.PushEntry
			}
			if rerr := restore(*e); rerr != nil {
				log.Err(rerr).Str("queue", q.name).Msg("requeue: unable to restore undecodable request")
			}
			return nil, nil, err
		}
		return e, re, nil
	}
}

func (q *Queue) expired(timestamp int64) bool {
	if q.Opts.MaxRetentionTime <= 0 {
		return false
	}
	age := q.Opts.Now().UnixMilli() - timestamp
	return age > q.Opts.MaxRetentionTime.Milliseconds()
}

func (q *Queue) decode(e queue.Entry) (*RequestEntry, error) {
	var sr protocol.StorableRequest
	if err := json.Unmarshal(e.RequestData, &sr); err != nil {
		return nil, pkgerrors.Wrap(err, "requeue: decoding request")
	}
	r, err := q.Opts.Codec.FromStorable(sr)
	if err != nil {
		return nil, err
	}
	return &RequestEntry{
		Request:   r,
		Timestamp: time.UnixMilli(e.Timestamp),
		Metadata:  e.Metadata,
	}, nil
}

// ReplayRequests sends every request in the queue, oldest first. It stops
// at the first request that fails, puts it back at the head of the queue and
// returns a *ReplayError. Requests sent before it stay removed.
//
// Only one replay per Queue runs at a time; a second call waits for the
// first, or returns early with the context's error.
func (q *Queue) ReplayRequests(ctx context.Context) error {
	if err := q.replayLock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer q.replayLock.Release(1)

	if err := q.enter(); err != nil {
		return err
	}
	defer q.mu.RUnlock()

	var sent int
	for {
		raw, re, err := q.next(false)
		if err != nil {
			return err
		}
		if re == nil {
			log.Debug().Str("queue", q.name).Int("sent", sent).Msg("requeue: replay complete")
			return nil
		}

		if err := q.Opts.Transport.Send(ctx, re.Request); err != nil {
			if uerr := q.queue.UnshiftEntry(*raw); uerr != nil {
				log.Err(uerr).Str("queue", q.name).Msg("requeue: unable to restore failed request")
			}
			log.Info().Err(err).
				Str("queue", q.name).
				Str("url", re.Request.URL.String()).
				Int("sent", sent).
				Msg("requeue: replay stopped")
			return &ReplayError{
				Method: re.Request.Method,
				URL:    re.Request.URL.String(),
				Err:    err,
			}
		}
		sent++
	}
}

// RegisterSync asks the Syncer for a deferred retry. Failures are logged and
// otherwise ignored; the next enqueue registers again.
func (q *Queue) RegisterSync(ctx context.Context) {
	err := q.Opts.Syncer.Register(ctx, q.Tag())
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncUnsupported):
		log.Debug().Str("queue", q.name).Msg("requeue: deferred sync unsupported")
	default:
		log.Warn().Err(err).Str("queue", q.name).Msg("requeue: unable to register sync")
	}
}

func (q *Queue) handleSync(ctx context.Context, ev syncmanager.Event) error {
	if q.Opts.OnSync != nil {
		return q.Opts.OnSync(ctx, q, ev)
	}
	return q.ReplayRequests(ctx)
}

// Size returns the number of stored requests, including any that have
// expired but not yet been dropped.
func (q *Queue) Size() (int, error) {
	if err := q.enter(); err != nil {
		return 0, err
	}
	defer q.mu.RUnlock()
	return q.queue.Size()
}

// AllRequests returns the requests in the queue, oldest first, without
// removing them. Expired requests are dropped.
func (q *Queue) AllRequests() ([]RequestEntry, error) {
	if err := q.enter(); err != nil {
		return nil, err
	}
	defer q.mu.RUnlock()

	if _, err := q.deleteExpired(); err != nil {
		return nil, err
	}

	entries, err := q.queue.Entries()
	if err != nil {
		return nil, err
	}
	requests := make([]RequestEntry, 0, len(entries))
	for _, e := range entries {
		re, err := q.decode(e)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *re)
	}
	return requests, nil
}

func (q *Queue) reapExpired() (int, error) {
	if err := q.enter(); err != nil {
		return 0, err
	}
	defer q.mu.RUnlock()
	return q.deleteExpired()
}

func (q *Queue) deleteExpired() (int, error) {
	if q.Opts.MaxRetentionTime <= 0 {
		return 0, nil
	}
	n, err := q.queue.DeleteEntries(func(e queue.Entry) bool {
		return q.expired(e.Timestamp)
	})
	if n > 0 {
		log.Debug().Str("queue", q.name).Int("dropped", n).Msg("requeue: dropped expired requests")
	}
	return n, err
}

// HasBeenClosed is closed once Close has been called.
func (q *Queue) HasBeenClosed() <-chan struct{} {
	return q.closed
}

// Close stops listening for syncs, frees the queue name and releases the
// database. Stored requests are kept.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		// The reaper takes the read lock, so it has to stop first.
		if q.reaper != nil {
			q.reaper.Close()
		}

		q.mu.Lock()
		defer q.mu.Unlock()

		close(q.closed)
		if q.unsubscribe != nil {
			q.unsubscribe()
		}
		q.Opts.Registry.Release(q.name)
		q.closeErr = releaseStore(q.storeKey)
		log.Debug().Str("queue", q.name).Msg("requeue: closed")
	})
	return q.closeErr
}
