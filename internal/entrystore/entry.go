package entrystore

import (
	"encoding/json"

	"github.com/pkg/errors"
)

var (
	// ErrIncorrectType is returned when an entry is missing its request data.
	ErrIncorrectType = errors.New("entrystore: entry is missing request data")

	// ErrInvalidQueueName is returned for empty or oversized queue names.
	ErrInvalidQueueName = errors.New("entrystore: invalid queue name")

	// ErrStorageUnavailable is returned when the database cannot be opened or
	// migrated. The underlying error is wrapped alongside it.
	ErrStorageUnavailable = errors.New("entrystore: storage unavailable")

	// ErrIDExists is returned when inserting an entry whose id is taken.
	ErrIDExists = errors.New("entrystore: id already exists")

	// ErrUnknownVersion is returned when the stored schema version is newer
	// than this code understands.
	ErrUnknownVersion = errors.New("entrystore: unknown schema version")

	// ErrClosed is returned for operations on a closed Store.
	ErrClosed = errors.New("entrystore: store is closed")
)

// storageError ties a failure to open or migrate the database to
// ErrStorageUnavailable while keeping the underlying cause reachable.
type storageError struct {
	cause error
}

func unavailable(cause error) error {
	return &storageError{cause: cause}
}

func (e *storageError) Error() string {
	return ErrStorageUnavailable.Error() + ": " + e.cause.Error()
}

func (e *storageError) Unwrap() error { return e.cause }

func (e *storageError) Is(target error) bool { return target == ErrStorageUnavailable }

// BaselineID is the id given to the first entry of an empty store.
const BaselineID int64 = 1

// Entry is one persisted unit of retry work. This is the current (v3) record
// layout.
type Entry struct {
	ID          int64                  `json:"id"`
	QueueName   string                 `json:"queueName"`
	RequestData json.RawMessage        `json:"requestData"`
	Timestamp   int64                  `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Validate reports whether the entry can be written.
func (e Entry) Validate() error {
	if len(e.RequestData) == 0 || string(e.RequestData) == "null" {
		return ErrIncorrectType
	}
	return ValidateQueueName(e.QueueName)
}

// ValidateQueueName checks that name fits in the index key layout.
func ValidateQueueName(name string) error {
	if name == "" || len(name) > maxQueueNameLen {
		return ErrInvalidQueueName
	}
	return nil
}

func encodeEntry(e Entry) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	err := json.Unmarshal(b, &e)
	return e, err
}
