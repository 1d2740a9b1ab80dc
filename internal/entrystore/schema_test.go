package entrystore

import (
	"encoding/json"
	"strconv"
	"testing"

	badger "github.com/dgraph-io/badger/v2"
	badgerInternal "github.com/nickpoorman/http-requeue/internal/badger"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seed writes raw keys into a fresh badger database at dir, the way an older
// release would have left it.
func seed(t *testing.T, dir string, version int, kvs map[string][]byte) {
	db, err := badgerInternal.Open(dir)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		if version > 0 {
			if err := txn.Set(StateKey(VersionProperty), []byte(strconv.Itoa(version))); err != nil {
				return err
			}
		}
		for k, v := range kvs {
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	}))
}

func mustJSON(t *testing.T, v interface{}) []byte {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestMigrate_FreshStore(t *testing.T) {
	s := newTestStore(t, setup(t))
	version, err := s.Version()
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, version)
}

func TestMigrate_V1Discarded(t *testing.T) {
	dir := setup(t)
	seed(t, dir, 1, map[string][]byte{
		string(legacyRecordKey(1)): mustJSON(t, recordV1{
			QueueName:       "a",
			StorableRequest: json.RawMessage(`{"url":"/one","timestamp":1000}`),
		}),
		string(legacyRecordKey(2)): mustJSON(t, recordV1{
			QueueName:       "a",
			StorableRequest: json.RawMessage(`{"url":"/two","timestamp":2000}`),
		}),
	})

	s := newTestStore(t, dir)
	entries, err := s.Scan("a")
	require.NoError(t, err)
	assert.Empty(t, entries)

	version, err := s.Version()
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, version)

	db := s.db
	found, err := hasPrefix(db, []byte(LegacyRecordsNamespace))
	require.NoError(t, err)
	assert.False(t, found, "v1 records should be gone")
}

func TestMigrate_UnversionedLegacyIsV1(t *testing.T) {
	dir := setup(t)
	seed(t, dir, 0, map[string][]byte{
		string(legacyRecordKey(1)): mustJSON(t, recordV1{
			QueueName:       "a",
			StorableRequest: json.RawMessage(`{"url":"/one"}`),
		}),
	})

	s := newTestStore(t, dir)
	entries, err := s.Scan("a")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMigrate_V2Rewritten(t *testing.T) {
	dir := setup(t)
	seed(t, dir, 2, map[string][]byte{
		string(legacyRecordKey(1)): mustJSON(t, recordV2{
			QueueName:       "a",
			Metadata:        map[string]interface{}{"k": "v"},
			StorableRequest: json.RawMessage(`{"requestData":{"url":"/one"},"timestamp":1000}`),
		}),
		string(legacyRecordKey(2)): mustJSON(t, recordV2{
			QueueName:       "b",
			StorableRequest: json.RawMessage(`{"url":"/x","method":"POST","timestamp":2000}`),
		}),
		string(legacyRecordKey(3)): mustJSON(t, recordV2{
			QueueName:       "a",
			StorableRequest: json.RawMessage(`{"requestData":{"url":"/two"},"timestamp":3000}`),
		}),
		string(legacyRecordKey(4)): []byte("not json"),
		string(legacyIndexKey("a", 1)): nil,
		string(legacyIndexKey("b", 2)): nil,
		string(legacyIndexKey("a", 3)): nil,
	})

	s := newTestStore(t, dir)

	a, err := s.Scan("a")
	require.NoError(t, err)
	require.Len(t, a, 2)
	assert.Equal(t, int64(1), a[0].ID)
	assert.Equal(t, "a", a[0].QueueName)
	assert.JSONEq(t, `{"url":"/one"}`, string(a[0].RequestData))
	assert.Equal(t, int64(1000), a[0].Timestamp)
	assert.Equal(t, map[string]interface{}{"k": "v"}, a[0].Metadata)
	assert.Equal(t, int64(3), a[1].ID)
	assert.JSONEq(t, `{"url":"/two"}`, string(a[1].RequestData))

	b, err := s.Scan("b")
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, int64(2), b[0].ID)
	assert.JSONEq(t, `{"url":"/x","method":"POST"}`, string(b[0].RequestData))
	assert.Equal(t, int64(2000), b[0].Timestamp)

	// New ids continue after the migrated ones.
	require.NoError(t, s.View(func(tx *Tx) error {
		assert.Equal(t, int64(4), tx.NextID())
		assert.Equal(t, int64(0), tx.PrevID())
		return nil
	}))

	for _, prefix := range []string{LegacyRecordsNamespace, LegacyIndexNamespace} {
		found, err := hasPrefix(s.db, []byte(prefix))
		require.NoError(t, err)
		assert.False(t, found, "%s keys should be gone", prefix)
	}
}

func TestMigrate_RunsOnce(t *testing.T) {
	dir := setup(t)
	seed(t, dir, 2, map[string][]byte{
		string(legacyRecordKey(1)): mustJSON(t, recordV2{
			QueueName:       "a",
			StorableRequest: json.RawMessage(`{"requestData":{"url":"/one"},"timestamp":1000}`),
		}),
	})

	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Open())
	require.NoError(t, s.Close())

	// A v2 looking record written after the upgrade must be left alone.
	seed(t, dir, 0, map[string][]byte{
		string(legacyRecordKey(9)): []byte("stray"),
	})

	s = newTestStore(t, dir)
	a, err := s.Scan("a")
	require.NoError(t, err)
	assert.Len(t, a, 1)
	found, err := hasPrefix(s.db, []byte(LegacyRecordsNamespace))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMigrate_FutureVersion(t *testing.T) {
	dir := setup(t)
	seed(t, dir, CurrentVersion+1, nil)

	s := newTestStore(t, dir)
	err := s.Open()
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestUpgradeRecordV2_MissingTimestamp(t *testing.T) {
	v := mustJSON(t, recordV2{
		QueueName:       "a",
		StorableRequest: json.RawMessage(`{"requestData":{"url":"/one"}}`),
	})
	e, err := upgradeRecordV2(7, v, 5555)
	require.NoError(t, err)
	assert.Equal(t, int64(7), e.ID)
	assert.Equal(t, int64(5555), e.Timestamp)
}

func TestUpgradeRecordV2_MissingRequest(t *testing.T) {
	v := mustJSON(t, map[string]interface{}{"queueName": "a"})
	_, err := upgradeRecordV2(1, v, 0)
	assert.ErrorIs(t, err, ErrIncorrectType)
}

func TestMigrate_V2PlainBodyEncoded(t *testing.T) {
	dir := setup(t)
	seed(t, dir, 2, map[string][]byte{
		string(legacyRecordKey(1)): mustJSON(t, recordV2{
			QueueName:       "a",
			StorableRequest: json.RawMessage(`{"url":"https://example.com/ping","method":"POST","body":"ping","timestamp":1000}`),
		}),
		string(legacyRecordKey(2)): mustJSON(t, recordV2{
			QueueName:       "a",
			StorableRequest: json.RawMessage(`{"requestData":{"url":"/two","body":"test"},"timestamp":2000}`),
		}),
		string(legacyIndexKey("a", 1)): nil,
		string(legacyIndexKey("a", 2)): nil,
	})

	s := newTestStore(t, dir)
	a, err := s.Scan("a")
	require.NoError(t, err)
	require.Len(t, a, 2)

	var req protocol.StorableRequest
	require.NoError(t, json.Unmarshal(a[0].RequestData, &req))
	assert.Equal(t, "https://example.com/ping", req.URL)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, []byte("ping"), req.Body)

	require.NoError(t, json.Unmarshal(a[1].RequestData, &req))
	assert.Equal(t, "/two", req.URL)
	assert.Equal(t, []byte("test"), req.Body)
}

func TestUpgradeRecordV2_NullBody(t *testing.T) {
	v := mustJSON(t, recordV2{
		QueueName:       "a",
		StorableRequest: json.RawMessage(`{"url":"/one","body":null,"timestamp":1}`),
	})
	e, err := upgradeRecordV2(1, v, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"/one","body":null}`, string(e.RequestData))
}
