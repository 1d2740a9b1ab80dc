package entrystore

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CurrentVersion is the schema version written by this package.
//
//	v1: records keyed by an auto assigned uint64, {queueName, storableRequest}.
//	v2: v1 plus a queueName index and a metadata field.
//	v3: explicit signed ids, flattened {id, queueName, requestData, timestamp, metadata}.
const CurrentVersion = 3

// upgrade rewrites a database from one historical layout to CurrentVersion.
type upgrade func(db *badger.DB) error

// upgrades is selected by the version found on disk.
var upgrades = map[int]upgrade{
	1: upgradeV1,
	2: upgradeV2,
}

// recordV1 is the value stored under a v1 record key.
type recordV1 struct {
	QueueName       string          `json:"queueName"`
	StorableRequest json.RawMessage `json:"storableRequest"`
}

// recordV2 is the value stored under a v2 record key.
type recordV2 struct {
	QueueName       string                 `json:"queueName"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	StorableRequest json.RawMessage        `json:"storableRequest"`
}

// migrate runs at most one upgrade and records CurrentVersion. The version is
// written last so an interrupted upgrade runs again on the next open.
func migrate(db *badger.DB) error {
	version, err := readVersion(db)
	if err != nil {
		return err
	}
	if version == 0 {
		// Nothing recorded. Records in the legacy key space predate the
		// version key, treat them as v1.
		legacy, err := hasPrefix(db, []byte(LegacyRecordsNamespace))
		if err != nil {
			return err
		}
		if !legacy {
			return writeVersion(db, CurrentVersion)
		}
		version = 1
	}
	if version == CurrentVersion {
		return nil
	}
	if version > CurrentVersion {
		return errors.Wrapf(ErrUnknownVersion, "found v%d", version)
	}

	up, ok := upgrades[version]
	if !ok {
		return errors.Wrapf(ErrUnknownVersion, "no upgrade from v%d", version)
	}
	log.Info().
		Int("from", version).
		Int("to", CurrentVersion).
		Msg("entrystore: migrating schema")
	if err := up(db); err != nil {
		return errors.Wrapf(err, "entrystore: upgrade from v%d", version)
	}
	return writeVersion(db, CurrentVersion)
}

// upgradeV1 drops every v1 record. They carry no id usable by the keyed
// layout so there is nothing to carry over.
func upgradeV1(db *badger.DB) error {
	w := newMigrationWriter(db)
	defer w.discard()

	n := 0
	for _, prefix := range []string{LegacyRecordsNamespace, LegacyIndexNamespace} {
		kvs, err := collect(db, []byte(prefix))
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			if err := w.delete(kv.k); err != nil {
				return err
			}
		}
		if prefix == LegacyRecordsNamespace {
			n = len(kvs)
		}
	}
	if n > 0 {
		log.Warn().Int("discarded", n).Msg("entrystore: discarded v1 entries")
	}
	return w.commit()
}

// upgradeV2 rewrites every v2 record in place. The positive legacy key
// becomes the explicit id.
func upgradeV2(db *badger.DB) error {
	records, err := collect(db, []byte(LegacyRecordsNamespace))
	if err != nil {
		return err
	}
	index, err := collect(db, []byte(LegacyIndexNamespace))
	if err != nil {
		return err
	}

	w := newMigrationWriter(db)
	defer w.discard()

	now := time.Now().UnixNano() / int64(time.Millisecond)
	migrated := 0
	for _, kv := range records {
		if err := w.delete(kv.k); err != nil {
			return err
		}
		key, err := parseLegacyRecordKey(kv.k)
		if err != nil {
			log.Warn().Err(err).Msg("entrystore: dropping v2 record with bad key")
			continue
		}
		e, err := upgradeRecordV2(int64(key), kv.v, now)
		if err != nil {
			log.Warn().Err(err).Uint64("key", key).Msg("entrystore: dropping unreadable v2 record")
			continue
		}
		v, err := encodeEntry(e)
		if err != nil {
			return err
		}
		if err := w.set(RecordKey(e.ID), v); err != nil {
			return err
		}
		if err := w.set(IndexKey(e.QueueName, e.ID), nil); err != nil {
			return err
		}
		migrated++
	}
	for _, kv := range index {
		if err := w.delete(kv.k); err != nil {
			return err
		}
	}
	log.Info().Int("migrated", migrated).Msg("entrystore: migrated v2 entries")
	return w.commit()
}

// upgradeRecordV2 flattens a v2 value: storableRequest becomes requestData
// and its nested timestamp moves to the top level. now is used when the
// record never had a timestamp.
func upgradeRecordV2(id int64, v []byte, now int64) (Entry, error) {
	var old recordV2
	if err := json.Unmarshal(v, &old); err != nil {
		return Entry{}, err
	}
	if len(old.StorableRequest) == 0 {
		return Entry{}, ErrIncorrectType
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(old.StorableRequest, &fields); err != nil {
		return Entry{}, errors.Wrap(err, "storableRequest")
	}

	ts := now
	if raw, ok := fields["timestamp"]; ok {
		if err := json.Unmarshal(raw, &ts); err != nil {
			return Entry{}, errors.Wrap(err, "storableRequest.timestamp")
		}
		delete(fields, "timestamp")
	}

	request := fields
	if data, ok := fields["requestData"]; ok {
		request = nil
		if err := json.Unmarshal(data, &request); err != nil || request == nil {
			return Entry{}, errors.Wrap(ErrIncorrectType, "storableRequest.requestData")
		}
	}
	if err := encodeLegacyBody(request); err != nil {
		return Entry{}, err
	}
	data, err := json.Marshal(request)
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		ID:          id,
		QueueName:   old.QueueName,
		RequestData: data,
		Timestamp:   ts,
		Metadata:    old.Metadata,
	}
	return e, e.Validate()
}

// encodeLegacyBody rewrites a v2 plain text body as base64, the only body
// form v3 request data carries.
func encodeLegacyBody(request map[string]json.RawMessage) error {
	raw, ok := request["body"]
	if !ok {
		return nil
	}
	var body *string
	if err := json.Unmarshal(raw, &body); err != nil {
		return errors.Wrap(err, "storableRequest.body")
	}
	if body == nil {
		return nil
	}
	enc, err := json.Marshal(base64.StdEncoding.EncodeToString([]byte(*body)))
	if err != nil {
		return err
	}
	request["body"] = enc
	return nil
}

func readVersion(db *badger.DB) (int, error) {
	var version int
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(StateKey(VersionProperty))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			version, err = strconv.Atoi(string(v))
			return err
		})
	})
	return version, errors.Wrap(err, "entrystore: read version")
}

func writeVersion(db *badger.DB, version int) error {
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(StateKey(VersionProperty), []byte(strconv.Itoa(version)))
	})
}

func hasPrefix(db *badger.DB, prefix []byte) (bool, error) {
	var found bool
	err := db.View(func(txn *badger.Txn) error {
		_, found = (&Tx{txn: txn}).firstKey(prefix, false)
		return nil
	})
	return found, err
}

type kv struct {
	k []byte
	v []byte
}

// collect reads every key and value under prefix from one snapshot.
func collect(db *badger.DB, prefix []byte) ([]kv, error) {
	var kvs []kv
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			kvs = append(kvs, kv{k: item.KeyCopy(nil), v: v})
		}
		return nil
	})
	return kvs, err
}

// migrationWriter applies writes through as few transactions as possible,
// committing and starting over whenever Badger reports ErrTxnTooBig.
type migrationWriter struct {
	db  *badger.DB
	txn *badger.Txn
}

func newMigrationWriter(db *badger.DB) *migrationWriter {
	return &migrationWriter{db: db, txn: db.NewTransaction(true)}
}

func (w *migrationWriter) set(k, v []byte) error {
	return w.apply(func(txn *badger.Txn) error { return txn.Set(k, v) })
}

func (w *migrationWriter) delete(k []byte) error {
	return w.apply(func(txn *badger.Txn) error { return txn.Delete(k) })
}

func (w *migrationWriter) apply(op func(txn *badger.Txn) error) error {
	err := op(w.txn)
	if err != badger.ErrTxnTooBig {
		return err
	}
	if err := w.txn.Commit(); err != nil {
		return err
	}
	w.txn = w.db.NewTransaction(true)
	return op(w.txn)
}

func (w *migrationWriter) commit() error {
	return w.txn.Commit()
}

func (w *migrationWriter) discard() {
	w.txn.Discard()
}
