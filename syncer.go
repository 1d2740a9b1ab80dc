package requeue

import (
	"context"

	"github.com/nickpoorman/http-requeue/syncmanager"
)

// SyncTagPrefix is prepended to a queue name to form its sync tag.
const SyncTagPrefix = "requeue-sync:"

// Syncer hands out deferred retry opportunities. A Queue registers its tag
// after every enqueue and replays when a matching event is dispatched.
type Syncer interface {
	// Supported reports whether deferred retries are available at all. When
	// they are not, a Queue replays once as soon as it is created.
	Supported() bool
	Register(ctx context.Context, tag string) error
	Subscribe(match func(tag string) bool, h syncmanager.Handler) (unsubscribe func())
}

// UnsupportedSyncer is a Syncer for environments without deferred retries.
type UnsupportedSyncer struct{}

func (UnsupportedSyncer) Supported() bool {
	return false
}

func (UnsupportedSyncer) Register(ctx context.Context, tag string) error {
	return ErrSyncUnsupported
}

func (UnsupportedSyncer) Subscribe(match func(tag string) bool, h syncmanager.Handler) func() {
	return func() {}
}

var (
	_ Syncer = UnsupportedSyncer{}
	_ Syncer = (*syncmanager.Manager)(nil)
)
