package requeue

import (
	"errors"
	"fmt"

	"github.com/nickpoorman/http-requeue/internal/entrystore"
)

var (
	// ErrIncorrectType is returned when a request entry is missing its
	// request.
	ErrIncorrectType = entrystore.ErrIncorrectType

	// ErrInvalidQueueName is returned for empty or oversized queue names.
	ErrInvalidQueueName = entrystore.ErrInvalidQueueName

	// ErrStorageUnavailable is returned when the database cannot be opened or
	// migrated.
	ErrStorageUnavailable = entrystore.ErrStorageUnavailable

	ErrDuplicateQueueName = errors.New("requeue: duplicate queue name")
	ErrReplayFailed       = errors.New("requeue: replay failed")
	ErrSyncUnsupported    = errors.New("requeue: deferred sync is not supported")
	ErrQueueClosed        = errors.New("requeue: queue is closed")
)

// ReplayError is returned by ReplayRequests when a request could not be
// sent. The request has been put back at the head of the queue.
type ReplayError struct {
	Method string
	URL    string

	// Err is the transport error.
	Err error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrReplayFailed, e.Method, e.URL, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

func (e *ReplayError) Is(target error) bool {
	return target == ErrReplayFailed
}
