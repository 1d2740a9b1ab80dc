package entrystore

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) string {
	dir, err := ioutil.TempDir("", fmt.Sprintf("%s-*", filepath.Base(t.Name())))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.RemoveAll(dir); err != nil {
			fmt.Println(err)
		}
	})
	return dir
}

func newTestStore(t *testing.T, path string) *Store {
	s, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func entry(id int64, name, url string) Entry {
	return Entry{
		ID:          id,
		QueueName:   name,
		RequestData: json.RawMessage(fmt.Sprintf(`{"url":%q}`, url)),
		Timestamp:   1000,
	}
}

func urls(t *testing.T, entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		var rd struct {
			URL string `json:"url"`
		}
		require.NoError(t, json.Unmarshal(e.RequestData, &rd))
		out = append(out, rd.URL)
	}
	return out
}

func TestStore_InsertScanDelete(t *testing.T) {
	s := newTestStore(t, setup(t))

	require.NoError(t, s.Insert(entry(2, "a", "/two")))
	require.NoError(t, s.Insert(entry(-1, "a", "/zero")))
	require.NoError(t, s.Insert(entry(1, "b", "/x")))
	require.NoError(t, s.Insert(entry(3, "a", "/three")))

	a, err := s.Scan("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"/zero", "/two", "/three"}, urls(t, a))

	b, err := s.Scan("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"/x"}, urls(t, b))

	require.NoError(t, s.DeleteByID(2))
	require.NoError(t, s.DeleteByID(2), "deleting a missing id is a no-op")

	a, err = s.Scan("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"/zero", "/three"}, urls(t, a))
}

func TestStore_InsertIncorrectType(t *testing.T) {
	s := newTestStore(t, setup(t))

	err := s.Insert(Entry{ID: 1, QueueName: "a"})
	assert.ErrorIs(t, err, ErrIncorrectType)

	err = s.Insert(Entry{ID: 1, QueueName: "a", RequestData: json.RawMessage("null")})
	assert.ErrorIs(t, err, ErrIncorrectType)

	err = s.Insert(Entry{ID: 1, RequestData: json.RawMessage("{}")})
	assert.ErrorIs(t, err, ErrInvalidQueueName)
}

func TestStore_InsertDuplicateID(t *testing.T) {
	s := newTestStore(t, setup(t))

	require.NoError(t, s.Insert(entry(1, "a", "/one")))
	assert.ErrorIs(t, s.Insert(entry(1, "b", "/x")), ErrIDExists)
}

func TestTx_BoundsAndEdges(t *testing.T) {
	s := newTestStore(t, setup(t))

	require.NoError(t, s.View(func(tx *Tx) error {
		_, _, ok := tx.Bounds()
		assert.False(t, ok)
		assert.Equal(t, BaselineID, tx.NextID())
		assert.Equal(t, BaselineID, tx.PrevID())
		return nil
	}))

	require.NoError(t, s.Insert(entry(1, "a", "/one")))
	require.NoError(t, s.Insert(entry(5, "b", "/x")))
	require.NoError(t, s.Insert(entry(-3, "b", "/y")))

	require.NoError(t, s.View(func(tx *Tx) error {
		min, max, ok := tx.Bounds()
		assert.True(t, ok)
		assert.Equal(t, int64(-3), min)
		assert.Equal(t, int64(5), max)
		assert.Equal(t, int64(6), tx.NextID())
		assert.Equal(t, int64(-4), tx.PrevID())

		first, ok, err := tx.First("a")
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(1), first.ID)

		last, ok, err := tx.Last("b")
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(5), last.ID)

		_, ok, err = tx.First("missing")
		assert.NoError(t, err)
		assert.False(t, ok)

		n, err := tx.Count("b")
		assert.NoError(t, err)
		assert.Equal(t, 2, n)

		names, err := tx.QueueNames()
		assert.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, names)
		return nil
	}))
}

func TestStore_Reopen(t *testing.T) {
	dir := setup(t)

	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Insert(entry(1, "a", "/one")))
	require.NoError(t, s.Close())

	s = newTestStore(t, dir)
	a, err := s.Scan("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"/one"}, urls(t, a))

	version, err := s.Version()
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, version)
}

func TestStore_OpenIdempotent(t *testing.T) {
	s := newTestStore(t, setup(t))
	require.NoError(t, s.Open())
	require.NoError(t, s.Open())
}

func TestStore_StorageUnavailable(t *testing.T) {
	// A regular file where the data directory should be.
	path := filepath.Join(setup(t), "not-a-dir")
	require.NoError(t, ioutil.WriteFile(path, []byte("x"), 0600))

	s := newTestStore(t, path)
	err := s.Open()
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = s.Scan("a")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestStore_StorageUnavailableKeepsCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := unavailable(cause)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "entrystore: storage unavailable: disk on fire", err.Error())
}

func TestStore_Closed(t *testing.T) {
	s := newTestStore(t, setup(t))
	require.NoError(t, s.Insert(entry(1, "a", "/one")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Insert(entry(2, "a", "/two")), ErrClosed)
	assert.ErrorIs(t, s.Open(), ErrClosed)
}

func TestStore_InMemory(t *testing.T) {
	s, err := New("", InMemory())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert(entry(1, "a", "/one")))
	a, err := s.Scan("a")
	require.NoError(t, err)
	assert.Len(t, a, 1)
}
