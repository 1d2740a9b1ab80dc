package badger

import (
	"path/filepath"

	"github.com/dgraph-io/badger/v2"
)

// Open opens (or creates) the Badger database located in instancePath.
func Open(instancePath string) (*badger.DB, error) {
	return badger.Open(Options(instancePath))
}

// OpenInMemory opens a Badger database that lives only in memory. Nothing is
// written to disk so it is mostly useful for tests.
func OpenInMemory() (*badger.DB, error) {
	return badger.Open(Options("").WithInMemory(true))
}

// Options returns the Badger options used by requeue: defaults with our
// zerolog logger plugged in.
func Options(instancePath string) badger.Options {
	return badger.DefaultOptions(instancePath).WithLogger(badgerLogger{})
}

func InstanceDir(dataDir, instanceId string) string {
	return filepath.Join(dataDir, instanceId)
}
