package requeue_test

import (
	"testing"

	requeue "github.com/nickpoorman/http-requeue"
	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := requeue.NewRegistry()

	assert.NoError(t, r.Register("a"))
	assert.NoError(t, r.Register("b"))
	assert.Equal(t, requeue.ErrDuplicateQueueName, r.Register("a"))
	assert.True(t, r.Has("a"))
	assert.Equal(t, []string{"a", "b"}, r.Names())

	r.Release("a")
	assert.False(t, r.Has("a"))
	assert.NoError(t, r.Register("a"))

	r.Reset()
	assert.Empty(t, r.Names())
	assert.NoError(t, r.Register("b"))
}

func TestDefaultRegistry(t *testing.T) {
	t.Cleanup(requeue.DefaultRegistry.Reset)

	dir := setup(t)
	q, err := requeue.New("shared", requeue.BadgerDataPath(dir), requeue.WithTransport(offline))
	assert.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	assert.True(t, requeue.DefaultRegistry.Has("shared"))
	_, err = requeue.New("shared", requeue.BadgerDataPath(dir), requeue.WithTransport(offline))
	assert.Equal(t, requeue.ErrDuplicateQueueName, err)
}
