package reaper

import (
	"errors"
	"sync"
	"time"

	"github.com/nickpoorman/http-requeue/internal/ticker"
	"github.com/rs/zerolog/log"
)

const (
	// The interval in which to sweep for expired entries.
	DefaultReapInterval = 60 * time.Second
)

// SweepFunc removes expired entries and reports how many it removed.
type SweepFunc func() (int, error)

// ReapedCallbackFunc is a callback to trigger when a sweep removed entries.
type ReapedCallbackFunc func(n int)

type Options struct {
	// The interval in which to sweep for expired entries.
	reapInterval time.Duration

	// Callbacks to trigger when entries are reaped.
	reapedCallbacks []ReapedCallbackFunc
}

func GetDefaultOptions() Options {
	return Options{
		reapInterval:    DefaultReapInterval,
		reapedCallbacks: make([]ReapedCallbackFunc, 0),
	}
}

// Option is a function on the options for Reaper.
type Option func(*Options) error

// ReapInterval sets the interval in which to sweep for expired entries.
func ReapInterval(reapInterval time.Duration) Option {
	return func(o *Options) error {
		if reapInterval <= 0 {
			return errors.New("reaper: interval must be positive")
		}
		o.reapInterval = reapInterval
		return nil
	}
}

// ReapedCallbacks appends a callback to trigger when entries are reaped.
func ReapedCallbacks(callbacks ...ReapedCallbackFunc) Option {
	return func(o *Options) error {
		for _, cb := range callbacks {
			if cb != nil {
				o.reapedCallbacks = append(o.reapedCallbacks, cb)
			}
		}
		return nil
	}
}

// Reaper calls a sweep function on an interval until it is closed.
type Reaper struct {
	name  string
	sweep SweepFunc
	opts  Options

	ticker    *ticker.Ticker
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts a Reaper. name is only used for logging.
func New(name string, sweep SweepFunc, options ...Option) (*Reaper, error) {
	opts := GetDefaultOptions()
	for _, opt := range options {
		if opt != nil {
			if err := opt(&opts); err != nil {
				return nil, err
			}
		}
	}

	r := &Reaper{
		name:   name,
		sweep:  sweep,
		opts:   opts,
		ticker: ticker.New(opts.reapInterval),
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.ticker.Loop(func() bool {
			r.reap()
			return true
		})
	}()
	return r, nil
}

// Close stops the reaper and waits for a running sweep to finish.
func (r *Reaper) Close() {
	r.closeOnce.Do(func() {
		r.ticker.Stop()
		r.wg.Wait()
	})
}

func (r *Reaper) reap() {
	n, err := r.sweep()
	if err != nil {
		log.Err(err).Str("name", r.name).Msg("reaper: sweep failed")
		return
	}
	if n == 0 {
		return
	}
	log.Debug().Str("name", r.name).Int("reaped", n).Msg("reaper: reaped expired entries")
	r.triggerReapedCallbacks(n)
}

func (r *Reaper) triggerReapedCallbacks(n int) {
	for _, cb := range r.opts.reapedCallbacks {
		if cb == nil {
			continue
		}
		go cb(n)
	}
}
