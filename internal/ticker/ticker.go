package ticker

import (
	"sync"
	"time"
)

type Ticker struct {
	ticker *time.Ticker
	kick   chan struct{}

	stopOnce sync.Once
	quit     chan struct{}
}

func New(d time.Duration) *Ticker {
	return &Ticker{
		ticker: time.NewTicker(d),
		kick:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
}

// Kick makes the loop run without waiting for the next tick. Kicks that
// arrive while the function is running collapse into a single extra run.
func (t *Ticker) Kick() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Loop will run the provided function fn on every tick and every kick. Once
// Stop() has been called, the loop will not run even if there are pending
// ticks. If the provided function fn returns false then the loop will
// terminate.
func (t *Ticker) Loop(fn func() bool) {
	defer t.ticker.Stop()
	for {
		select {
		// Don't run this iteration of the loop if we've already been told to stop.
		case <-t.quit:
			return
		default:
			select {
			case <-t.quit:
				return
			case <-t.ticker.C:
			case <-t.kick:
			}
			if !fn() {
				return
			}
		}
	}
}

// Stop terminates Loop. It is safe to call more than once.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		close(t.quit)
	})
}
