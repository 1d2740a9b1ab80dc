package protocol

import (
	"bytes"
	"encoding"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sort"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/nats-io/nats.go"
	"github.com/nickpoorman/http-requeue/flatbuf"
	"github.com/pkg/errors"
)

// StorableRequest is everything needed to rebuild an HTTP request for replay.
// It is stored as JSON in a queue entry's request data and travels as a
// flatbuffer when replayed over NATS.
type StorableRequest struct {
	URL    string      `json:"url"`
	Method string      `json:"method"`
	Header http.Header `json:"headers,omitempty"`
	Body   []byte      `json:"body,omitempty"`

	// Mode and Referrer are carried for requests captured by a browser-like
	// client. They are opaque to the queue.
	Mode     string `json:"mode,omitempty"`
	Referrer string `json:"referrer,omitempty"`
}

func StorableRequestFromNATS(msg *nats.Msg) StorableRequest {
	r := StorableRequest{}
	// Unmarshal currently doesn't return any errors
	_ = r.UnmarshalBinary(msg.Data)
	return r
}

func (r *StorableRequest) Bytes() []byte {
	b := flatbuffers.NewBuilder(0)
	msg := r.toFlatbuf(b)
	b.Finish(msg)
	return b.FinishedBytes()
}

func (r *StorableRequest) MarshalBinary() ([]byte, error) {
	return r.Bytes(), nil
}

func (r *StorableRequest) NewReader() io.Reader {
	return bytes.NewReader(r.Bytes())
}

func (r *StorableRequest) UnmarshalBinary(data []byte) error {
	m := flatbuf.GetRootAsStorableRequest(data, 0)
	r.fromFlatbuf(m)
	return nil
}

func (r *StorableRequest) toFlatbuf(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	// One table per header value, in key order so equal requests encode
	// to equal bytes.
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	var headerOffsets []flatbuffers.UOffsetT
	for _, name := range names {
		for _, value := range r.Header[name] {
			n := b.CreateString(name)
			v := b.CreateString(value)
			flatbuf.HeaderStart(b)
			flatbuf.HeaderAddName(b, n)
			flatbuf.HeaderAddValue(b, v)
			headerOffsets = append(headerOffsets, flatbuf.HeaderEnd(b))
		}
	}

	// Add the offsets for the headers in reverse so we maintain order.
	flatbuf.StorableRequestStartHeadersVector(b, len(headerOffsets))
	for i := len(headerOffsets) - 1; i >= 0; i-- {
		b.PrependUOffsetT(headerOffsets[i])
	}
	headers := b.EndVector(len(headerOffsets))

	url := b.CreateString(r.URL)
	method := b.CreateString(r.Method)
	body := b.CreateByteVector(r.Body)
	mode := b.CreateString(r.Mode)
	referrer := b.CreateString(r.Referrer)

	flatbuf.StorableRequestStart(b)
	flatbuf.StorableRequestAddUrl(b, url)
	flatbuf.StorableRequestAddMethod(b, method)
	flatbuf.StorableRequestAddHeaders(b, headers)
	flatbuf.StorableRequestAddBody(b, body)
	flatbuf.StorableRequestAddMode(b, mode)
	flatbuf.StorableRequestAddReferrer(b, referrer)
	return flatbuf.StorableRequestEnd(b)
}

func (r *StorableRequest) fromFlatbuf(m *flatbuf.StorableRequest) {
	r.URL = string(m.Url())
	r.Method = string(m.Method())
	r.Mode = string(m.Mode())
	r.Referrer = string(m.Referrer())

	r.Body = nil
	if body := m.BodyBytes(); len(body) > 0 {
		r.Body = append([]byte(nil), body...)
	}

	r.Header = nil
	if n := m.HeadersLength(); n > 0 {
		r.Header = make(http.Header, n)
		obj := &flatbuf.Header{}
		for idx := 0; idx < n; idx++ {
			if ok := m.Headers(obj, idx); !ok {
				continue
			}
			name := string(obj.Name())
			r.Header[name] = append(r.Header[name], string(obj.Value()))
		}
	}
}

// UnmarshalJSON also accepts a header value written as a single string.
// The body must be base64.
func (r *StorableRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		URL      string                     `json:"url"`
		Method   string                     `json:"method"`
		Header   map[string]json.RawMessage `json:"headers"`
		Body     json.RawMessage            `json:"body"`
		Mode     string                     `json:"mode"`
		Referrer string                     `json:"referrer"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = StorableRequest{
		URL:      raw.URL,
		Method:   raw.Method,
		Mode:     raw.Mode,
		Referrer: raw.Referrer,
	}

	if len(raw.Header) > 0 {
		r.Header = make(http.Header, len(raw.Header))
		for name, v := range raw.Header {
			var values []string
			if err := json.Unmarshal(v, &values); err != nil {
				var value string
				if err := json.Unmarshal(v, &value); err != nil {
					return err
				}
				values = []string{value}
			}
			r.Header[name] = values
		}
	}

	if len(raw.Body) > 0 && string(raw.Body) != "null" {
		var body string
		if err := json.Unmarshal(raw.Body, &body); err != nil {
			return err
		}
		b, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return errors.Wrap(err, "body")
		}
		r.Body = b
		if len(r.Body) == 0 {
			r.Body = nil
		}
	}
	return nil
}

var (
	_ json.Unmarshaler           = (*StorableRequest)(nil)
	_ encoding.BinaryMarshaler   = (*StorableRequest)(nil)
	_ encoding.BinaryUnmarshaler = (*StorableRequest)(nil)
)
