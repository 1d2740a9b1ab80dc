package protocol

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestStorableRequestMarshalUnmarshalBinary(t *testing.T) {
	header := http.Header{}
	header.Add("Content-Type", "application/json")
	header.Add("X-Trace", "a")
	header.Add("X-Trace", "b")

	sr := StorableRequest{
		URL:      "https://example.com/api/items?id=7",
		Method:   http.MethodPost,
		Header:   header,
		Body:     []byte(`{"name":"widget"}`),
		Mode:     "cors",
		Referrer: "https://example.com/cart",
	}

	// Serialize
	srBytes, err := sr.MarshalBinary()
	assert.NoError(t, err)

	// Deserialize
	out := &StorableRequest{}
	assert.NoError(t, out.UnmarshalBinary(srBytes))

	assert.Equal(t, sr, *out)
	assert.Equal(t, []string{"a", "b"}, out.Header.Values("X-Trace"))
}

func TestStorableRequestEmpty(t *testing.T) {
	sr := StorableRequest{URL: "http://localhost/", Method: http.MethodGet}

	out := StorableRequestFromNATS(&nats.Msg{Data: sr.Bytes()})
	assert.Equal(t, sr, out)
	assert.Nil(t, out.Header)
	assert.Nil(t, out.Body)
}

func TestStorableRequestDeterministic(t *testing.T) {
	a := StorableRequest{
		URL:    "http://localhost/",
		Method: http.MethodPut,
		Header: http.Header{"B": {"2"}, "A": {"1"}, "C": {"3"}},
	}
	b := a
	b.Header = http.Header{"C": {"3"}, "A": {"1"}, "B": {"2"}}

	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestStorableRequestJSON(t *testing.T) {
	sr := StorableRequest{
		URL:    "https://example.com/items",
		Method: http.MethodPost,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"a":1}`),
		Mode:   "cors",
	}
	b, err := json.Marshal(sr)
	assert.NoError(t, err)

	var out StorableRequest
	assert.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, sr, out)
}

func TestStorableRequestLooseJSON(t *testing.T) {
	var out StorableRequest
	err := json.Unmarshal([]byte(`{
		"url": "https://example.com/legacy",
		"method": "PUT",
		"headers": {"X-Id": "7", "Accept": ["a", "b"]},
		"body": "cGxhaW4gdGV4dCE="
	}`), &out)
	assert.NoError(t, err)

	assert.Equal(t, "https://example.com/legacy", out.URL)
	assert.Equal(t, []string{"7"}, out.Header["X-Id"])
	assert.Equal(t, []string{"a", "b"}, out.Header["Accept"])
	assert.Equal(t, []byte("plain text!"), out.Body)
}

func TestStorableRequestJSONBodyMustBeBase64(t *testing.T) {
	var out StorableRequest
	err := json.Unmarshal([]byte(`{"url":"/x","body":"not base64!"}`), &out)
	assert.Error(t, err)

	// "ping" is valid base64, so it decodes rather than passing through.
	err = json.Unmarshal([]byte(`{"url":"/x","body":"ping"}`), &out)
	assert.NoError(t, err)
	assert.NotEqual(t, []byte("ping"), out.Body)
}
