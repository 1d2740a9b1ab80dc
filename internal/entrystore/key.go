package entrystore

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Every key lives under a two byte namespace.
//
//	_e<id>              current records, id is a sortable int64
//	_i<len><name><id>   per queue index, value is empty
//	_s.<property>       store state, e.g. _s.version
//	_r<key>             v1/v2 records, key is a big endian uint64
//	_x<len><name><key>  v2 index
//
// Ids are encoded so that bytewise order matches numeric order, which lets
// Badger iterators find the min and max ids of the store or of a single queue
// by looking at the first key in either direction.
const (
	RecordsNamespace       = "_e"
	IndexNamespace         = "_i"
	StateNamespace         = "_s"
	LegacyRecordsNamespace = "_r"
	LegacyIndexNamespace   = "_x"

	VersionProperty = "version"

	idSize          = 8
	nameLenSize     = 2
	maxQueueNameLen = 1<<16 - 1
)

// EncodeID maps id onto 8 bytes which sort the same way the integers do.
func EncodeID(id int64) []byte {
	b := make([]byte, idSize)
	binary.BigEndian.PutUint64(b, uint64(id)^(1<<63))
	return b
}

// DecodeID is the inverse of EncodeID.
func DecodeID(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// RecordKey is the key of the record holding the entry with the given id.
func RecordKey(id int64) []byte {
	k := make([]byte, 0, len(RecordsNamespace)+idSize)
	k = append(k, RecordsNamespace...)
	return append(k, EncodeID(id)...)
}

// IndexKey is the key of the index row placing id in the named queue.
func IndexKey(name string, id int64) []byte {
	return append(IndexPrefix(name), EncodeID(id)...)
}

// IndexPrefix is shared by all index rows of the named queue. The name is
// length prefixed so that queue "a" never matches rows of queue "a.b".
func IndexPrefix(name string) []byte {
	return namePrefix(IndexNamespace, name)
}

func namePrefix(namespace, name string) []byte {
	k := make([]byte, 0, len(namespace)+nameLenSize+len(name)+idSize)
	k = append(k, namespace...)
	k = append(k, byte(len(name)>>8), byte(len(name)))
	return append(k, name...)
}

// ParseIndexKey splits an index key into its queue name and id.
func ParseIndexKey(k []byte) (string, int64, error) {
	off := len(IndexNamespace)
	if len(k) < off+nameLenSize+idSize {
		return "", 0, errors.Errorf("entrystore: index key too short: %x", k)
	}
	n := int(binary.BigEndian.Uint16(k[off : off+nameLenSize]))
	off += nameLenSize
	if len(k) != off+n+idSize {
		return "", 0, errors.Errorf("entrystore: malformed index key: %x", k)
	}
	return string(k[off : off+n]), DecodeID(k[off+n:]), nil
}

// StateKey is the key of a store level property.
func StateKey(property string) []byte {
	return []byte(StateNamespace + "." + property)
}

func legacyRecordKey(key uint64) []byte {
	k := make([]byte, len(LegacyRecordsNamespace)+idSize)
	copy(k, LegacyRecordsNamespace)
	binary.BigEndian.PutUint64(k[len(LegacyRecordsNamespace):], key)
	return k
}

func parseLegacyRecordKey(k []byte) (uint64, error) {
	if len(k) != len(LegacyRecordsNamespace)+idSize {
		return 0, errors.Errorf("entrystore: malformed legacy key: %x", k)
	}
	return binary.BigEndian.Uint64(k[len(LegacyRecordsNamespace):]), nil
}

func legacyIndexKey(name string, key uint64) []byte {
	k := namePrefix(LegacyIndexNamespace, name)
	var b [idSize]byte
	binary.BigEndian.PutUint64(b[:], key)
	return append(k, b[:]...)
}

// upperBound returns a seek key greater than every key starting with prefix
// that could be written by this package. Used to start reverse iteration.
func upperBound(prefix []byte) []byte {
	k := make([]byte, len(prefix), len(prefix)+idSize+1)
	copy(k, prefix)
	for i := 0; i <= idSize; i++ {
		k = append(k, 0xFF)
	}
	return k
}
