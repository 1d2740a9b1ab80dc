package requeue

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/pkg/errors"
)

// Codec converts live requests to the snapshot that is stored, and back.
type Codec interface {
	ToStorable(r *http.Request) (protocol.StorableRequest, error)
	FromStorable(sr protocol.StorableRequest) (*http.Request, error)
}

type contextKey int

const requestModeKey contextKey = iota

// WithRequestMode returns a copy of ctx carrying the request mode (for
// example "cors" or "navigate"). HTTPCodec stores it alongside the request.
func WithRequestMode(ctx context.Context, mode string) context.Context {
	return context.WithValue(ctx, requestModeKey, mode)
}

// RequestMode returns the request mode carried by ctx, if any.
func RequestMode(ctx context.Context) string {
	mode, _ := ctx.Value(requestModeKey).(string)
	return mode
}

// HTTPCodec is the default Codec. It keeps the method, URL, headers, body,
// mode and referrer of a request.
type HTTPCodec struct{}

// ToStorable snapshots r. The body is read in full and replaced with a copy
// so r can still be sent afterwards.
func (HTTPCodec) ToStorable(r *http.Request) (protocol.StorableRequest, error) {
	if r == nil || r.URL == nil {
		return protocol.StorableRequest{}, ErrIncorrectType
	}

	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return protocol.StorableRequest{}, errors.Wrap(err, "requeue: reading request body")
		}
		body = b
		r.Body = io.NopCloser(bytes.NewReader(b))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b)), nil
		}
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var header http.Header
	if len(r.Header) > 0 {
		header = r.Header.Clone()
	}

	return protocol.StorableRequest{
		URL:      r.URL.String(),
		Method:   method,
		Header:   header,
		Body:     body,
		Mode:     RequestMode(r.Context()),
		Referrer: r.Referer(),
	}, nil
}

// FromStorable rebuilds a request that can be sent with an http.Client.
func (HTTPCodec) FromStorable(sr protocol.StorableRequest) (*http.Request, error) {
	var body io.Reader
	if len(sr.Body) > 0 {
		body = bytes.NewReader(sr.Body)
	}
	r, err := http.NewRequest(sr.Method, sr.URL, body)
	if err != nil {
		return nil, errors.Wrapf(err, "requeue: rebuilding %s %s", sr.Method, sr.URL)
	}
	if len(sr.Header) > 0 {
		r.Header = sr.Header.Clone()
	}
	if sr.Referrer != "" && r.Header.Get("Referer") == "" {
		r.Header.Set("Referer", sr.Referrer)
	}
	if sr.Mode != "" {
		r = r.WithContext(WithRequestMode(r.Context(), sr.Mode))
	}
	return r, nil
}

var _ Codec = HTTPCodec{}
