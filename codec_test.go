package requeue_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	requeue "github.com/nickpoorman/http-requeue"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPCodecRoundTrip(t *testing.T) {
	ctx := requeue.WithRequestMode(context.Background(), "cors")
	r, err := http.NewRequestWithContext(ctx, http.MethodPut, "https://example.com/items/7?x=1", strings.NewReader(`{"qty":2}`))
	require.NoError(t, err)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Add("Accept", "application/json")
	r.Header.Add("Accept", "text/plain")
	r.Header.Set("Referer", "https://example.com/cart")

	codec := requeue.HTTPCodec{}
	sr, err := codec.ToStorable(r)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, sr.Method)
	assert.Equal(t, "https://example.com/items/7?x=1", sr.URL)
	assert.Equal(t, []byte(`{"qty":2}`), sr.Body)
	assert.Equal(t, "cors", sr.Mode)
	assert.Equal(t, "https://example.com/cart", sr.Referrer)

	// The original request can still be sent.
	body, err := io.ReadAll(r.Body)
	assert.NoError(t, err)
	assert.Equal(t, `{"qty":2}`, string(body))

	out, err := codec.FromStorable(sr)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, out.Method)
	assert.Equal(t, r.URL.String(), out.URL.String())
	assert.Equal(t, r.Header, out.Header)
	assert.Equal(t, "cors", requeue.RequestMode(out.Context()))
	assert.Equal(t, "https://example.com/cart", out.Referer())

	body, err = io.ReadAll(out.Body)
	assert.NoError(t, err)
	assert.Equal(t, `{"qty":2}`, string(body))
	assert.Equal(t, int64(len(`{"qty":2}`)), out.ContentLength)
}

func TestHTTPCodecNoBody(t *testing.T) {
	r, err := http.NewRequest(http.MethodGet, "http://localhost/ping", nil)
	require.NoError(t, err)

	codec := requeue.HTTPCodec{}
	sr, err := codec.ToStorable(r)
	require.NoError(t, err)
	assert.Nil(t, sr.Body)
	assert.Nil(t, sr.Header)
	assert.Equal(t, "", sr.Mode)

	out, err := codec.FromStorable(sr)
	require.NoError(t, err)
	assert.Nil(t, out.Body)
	assert.Equal(t, "", requeue.RequestMode(out.Context()))
}

func TestHTTPCodecReferrerOnly(t *testing.T) {
	out, err := requeue.HTTPCodec{}.FromStorable(protocol.StorableRequest{
		URL:      "http://localhost/",
		Method:   http.MethodPost,
		Referrer: "http://localhost/from",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/from", out.Referer())
}

func TestHTTPCodecIncorrectType(t *testing.T) {
	_, err := requeue.HTTPCodec{}.ToStorable(nil)
	assert.Equal(t, requeue.ErrIncorrectType, err)
}

func TestHTTPCodecBadRequest(t *testing.T) {
	_, err := requeue.HTTPCodec{}.FromStorable(protocol.StorableRequest{URL: "://bad", Method: http.MethodGet})
	assert.Error(t, err)
}
