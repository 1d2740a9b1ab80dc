package requeue

import (
	"context"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// Transport sends a replayed request. Any error counts as a failed attempt.
type Transport interface {
	Send(ctx context.Context, r *http.Request) error
}

// TransportFunc adapts a function to a Transport.
type TransportFunc func(ctx context.Context, r *http.Request) error

func (f TransportFunc) Send(ctx context.Context, r *http.Request) error {
	return f(ctx, r)
}

// HTTPTransport sends requests with an http.Client. A response with any
// status code is a success; only a failure to get a response is an error.
type HTTPTransport struct {
	Client *http.Client
}

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{Client: client}
}

func (t *HTTPTransport) Send(ctx context.Context, r *http.Request) error {
	resp, err := t.Client.Do(r.WithContext(ctx))
	if err != nil {
		return err
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

const (
	// DefaultNATSRequestTimeout bounds a single NATS request when the context
	// has no deadline.
	DefaultNATSRequestTimeout = 5 * time.Second
)

// NATSTransport sends requests as a protocol.StorableRequest over NATS
// request/reply. The responder acks with an empty reply; any reply data is
// treated as an error message.
type NATSTransport struct {
	nc      *nats.Conn
	subject string
	codec   Codec

	// Timeout bounds each request when the context has no deadline.
	Timeout time.Duration

	// Retries is the number of extra attempts, spaced by exponential
	// backoff, before a send fails.
	Retries uint64
}

func NewNATSTransport(nc *nats.Conn, subject string) *NATSTransport {
	return &NATSTransport{
		nc:      nc,
		subject: subject,
		codec:   HTTPCodec{},
		Timeout: DefaultNATSRequestTimeout,
	}
}

func (t *NATSTransport) Send(ctx context.Context, r *http.Request) error {
	sr, err := t.codec.ToStorable(r)
	if err != nil {
		return err
	}
	payload := sr.Bytes()

	operation := func() error {
		reqCtx := ctx
		if _, ok := ctx.Deadline(); !ok && t.Timeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, t.Timeout)
			defer cancel()
		}
		msg, err := t.nc.RequestWithContext(reqCtx, t.subject, payload)
		if err != nil {
			return err
		}
		if len(msg.Data) > 0 {
			return errors.Errorf("requeue: %s %s rejected: %s", sr.Method, sr.URL, msg.Data)
		}
		return nil
	}

	if t.Retries == 0 {
		return operation()
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), t.Retries), ctx)
	return backoff.Retry(operation, b)
}

var (
	_ Transport = (*HTTPTransport)(nil)
	_ Transport = (*NATSTransport)(nil)
	_ Transport = TransportFunc(nil)
)
