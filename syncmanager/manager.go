package syncmanager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v2/y"
	"github.com/nickpoorman/http-requeue/internal/ticker"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"
)

const (
	// DefaultCheckInterval is how often pending registrations are checked.
	DefaultCheckInterval = 30 * time.Second

	// DefaultMaxAttempts is the number of times a registration is dispatched
	// before it is dropped.
	DefaultMaxAttempts = 3

	// DefaultInitialBackOff is the delay after the first failed attempt.
	DefaultInitialBackOff = 5 * time.Minute
)

var (
	// ErrClosed is returned when registering with a closed Manager.
	ErrClosed = errors.New("syncmanager: closed")
)

// Event is passed to handlers when a registration is dispatched.
type Event struct {
	Tag string

	// Attempt counts dispatches of this registration, starting at 1.
	Attempt int

	// LastChance is set on the final attempt. If the handler fails again the
	// registration is dropped.
	LastChance bool
}

// Handler reacts to a dispatched registration. Returning an error keeps the
// registration pending.
type Handler func(ctx context.Context, ev Event) error

// Options can be used to customize a Manager.
type Options struct {
	ctx           context.Context
	checkInterval time.Duration
	maxAttempts   int
	newBackOff    func() backoff.BackOff
}

func GetDefaultOptions() Options {
	return Options{
		ctx:           context.Background(),
		checkInterval: DefaultCheckInterval,
		maxAttempts:   DefaultMaxAttempts,
		newBackOff:    defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultInitialBackOff
	b.Multiplier = 3
	b.MaxInterval = time.Hour
	// Attempts are bounded by MaxAttempts instead.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Option is a function on the options for a Manager.
type Option func(*Options) error

// Context sets the context handed to handlers. The Manager closes itself
// when the context is done.
func Context(ctx context.Context) Option {
	return func(o *Options) error {
		o.ctx = ctx
		return nil
	}
}

// CheckInterval sets how often pending registrations are checked.
func CheckInterval(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return errors.New("syncmanager: check interval must be positive")
		}
		o.checkInterval = d
		return nil
	}
}

// MaxAttempts sets how many times a registration is dispatched before it is
// dropped. Zero or less means no limit other than the backoff itself.
func MaxAttempts(n int) Option {
	return func(o *Options) error {
		o.maxAttempts = n
		return nil
	}
}

// BackOff sets the policy spacing attempts of one registration. fn is
// called once per registration.
func BackOff(fn func() backoff.BackOff) Option {
	return func(o *Options) error {
		o.newBackOff = fn
		return nil
	}
}

type registration struct {
	tag      string
	attempts int
	due      time.Time
	bo       backoff.BackOff

	// running is set while handlers are being called. refire records a
	// Register that arrived in the meantime.
	running bool
	refire  bool
}

type subscription struct {
	match   func(tag string) bool
	handler Handler
}

// Manager hands out deferred retry opportunities.
type Manager struct {
	opts Options

	mu      sync.Mutex
	pending map[string]*registration
	subs    map[ksuid.KSUID]subscription
	closed  bool

	ticker    *ticker.Ticker
	closer    *y.Closer
	closeOnce sync.Once
}

// New creates a Manager and starts dispatching.
func New(options ...Option) (*Manager, error) {
	opts := GetDefaultOptions()
	for _, opt := range options {
		if opt != nil {
			if err := opt(&opts); err != nil {
				return nil, err
			}
		}
	}

	m := &Manager{
		opts:    opts,
		pending: make(map[string]*registration),
		subs:    make(map[ksuid.KSUID]subscription),
		ticker:  ticker.New(opts.checkInterval),
		closer:  y.NewCloser(1),
	}
	go m.loop()
	go func() {
		select {
		case <-opts.ctx.Done():
			m.Close()
		case <-m.closer.HasBeenClosed():
		}
	}()
	return m, nil
}

func (m *Manager) loop() {
	defer m.closer.Done()
	go func() {
		<-m.closer.HasBeenClosed()
		m.ticker.Stop()
	}()
	m.ticker.Loop(func() bool {
		m.dispatch()
		return true
	})
}

// Supported is always true. It lets a Manager stand in wherever a retry
// facility may be missing.
func (m *Manager) Supported() bool {
	return true
}

// Register records interest in a retry opportunity for tag. Registering a tag
// that is already pending does nothing, unless its handlers are running right
// now, in which case it is dispatched again once they finish.
func (m *Manager) Register(ctx context.Context, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if r, ok := m.pending[tag]; ok {
		if r.running {
			r.refire = true
		}
		m.mu.Unlock()
		return nil
	}
	bo := m.opts.newBackOff()
	bo.Reset()
	m.pending[tag] = &registration{
		tag: tag,
		due: time.Now(),
		bo:  bo,
	}
	m.mu.Unlock()

	log.Debug().Str("tag", tag).Msg("syncmanager: registered")
	m.ticker.Kick()
	return nil
}

// Subscribe calls h for every dispatched registration whose tag satisfies
// match. The returned func removes the subscription.
func (m *Manager) Subscribe(match func(tag string) bool, h Handler) func() {
	id := ksuid.New()

	m.mu.Lock()
	m.subs[id] = subscription{match: match, handler: h}
	m.mu.Unlock()

	// Registrations may have been waiting for a handler.
	m.ticker.Kick()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Trigger makes every pending registration due now, e.g. when the network
// comes back. Registrations whose handlers are running are dispatched again
// once they finish.
func (m *Manager) Trigger() {
	now := time.Now()
	m.mu.Lock()
	for _, r := range m.pending {
		r.due = now
		if r.running {
			r.refire = true
		}
	}
	m.mu.Unlock()
	m.ticker.Kick()
}

// Pending returns the tags waiting to be dispatched, sorted.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	tags := make([]string, 0, len(m.pending))
	for tag := range m.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Close stops dispatching and waits for running handlers to return.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.closer.SignalAndWait()
	})
}

type dispatch struct {
	r        *registration
	handlers []Handler
}

// matching must be called with the lock acquired.
func (m *Manager) matching(tag string) []Handler {
	var handlers []Handler
	for _, s := range m.subs {
		if s.match(tag) {
			handlers = append(handlers, s.handler)
		}
	}
	return handlers
}

func (m *Manager) dispatch() {
	now := time.Now()

	m.mu.Lock()
	var due []dispatch
	for _, r := range m.pending {
		if r.running || now.Before(r.due) {
			continue
		}
		handlers := m.matching(r.tag)
		if len(handlers) == 0 {
			continue
		}
		r.running = true
		r.attempts++
		due = append(due, dispatch{r: r, handlers: handlers})
	}
	m.mu.Unlock()

	for _, d := range due {
		select {
		case <-m.closer.HasBeenClosed():
			return
		default:
		}
		m.fire(d)
	}
}

func (m *Manager) fire(d dispatch) {
	r := d.r
	ev := Event{
		Tag:        r.tag,
		Attempt:    r.attempts,
		LastChance: m.opts.maxAttempts > 0 && r.attempts >= m.opts.maxAttempts,
	}

	var err error
	for _, h := range d.handlers {
		if herr := h(m.opts.ctx, ev); herr != nil && err == nil {
			err = herr
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r.running = false
	refire := r.refire
	r.refire = false

	switch {
	case refire:
		// Registered again while running: the new registration starts over,
		// even when this was the last attempt.
		r.attempts = 0
		r.bo.Reset()
		r.due = time.Now()
		m.ticker.Kick()
		if err != nil {
			log.Info().Err(err).Str("tag", r.tag).Int("attempt", ev.Attempt).Msg("syncmanager: sync failed, registered again")
		}
	case err == nil:
		delete(m.pending, r.tag)
		log.Debug().Str("tag", r.tag).Int("attempt", ev.Attempt).Msg("syncmanager: sync completed")
	case ev.LastChance:
		delete(m.pending, r.tag)
		log.Warn().Err(err).Str("tag", r.tag).Int("attempt", ev.Attempt).Msg("syncmanager: giving up on sync")
	default:
		wait := r.bo.NextBackOff()
		if wait == backoff.Stop {
			delete(m.pending, r.tag)
			log.Warn().Err(err).Str("tag", r.tag).Int("attempt", ev.Attempt).Msg("syncmanager: backoff exhausted, giving up on sync")
			return
		}
		r.due = time.Now().Add(wait)
		time.AfterFunc(wait, m.ticker.Kick)
		log.Info().Err(err).
			Str("tag", r.tag).
			Int("attempt", ev.Attempt).
			Dur("retryIn", wait).
			Msg("syncmanager: sync failed, will retry")
	}
}
