// Package engine implements the transport-independent protocol state
// machine for durable streams: create, append, read, head, delete, and the
// live-tailing modes. A transport adapter hands it a ServerRequest and
// writes out the ServerResponse it gets back; the engine performs no
// network I/O of its own.
package engine

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/tidelog/tidelog/dispatch"
	"github.com/tidelog/tidelog/store"
)

// ServerRequest is the transport-neutral request shape. Adapters populate
// it from whatever host they run in.
type ServerRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header

	// Body is the request body stream, nil for bodyless methods.
	Body io.Reader

	// Context is cancelled when the client disconnects; blocking
	// operations observe it.
	Context context.Context

	// Host and TLS feed Location header derivation on create.
	Host string
	TLS  bool
}

// Ctx returns the request context, defaulting to Background.
func (r *ServerRequest) Ctx() context.Context {
	if r.Context != nil {
		return r.Context
	}
	return context.Background()
}

// ServerResponse is what a transport adapter writes out.
type ServerResponse struct {
	Status int
	Header http.Header
	Body   Body
}

func newResponse(status int) *ServerResponse {
	return &ServerResponse{
		Status: status,
		Header: make(http.Header),
		Body:   EmptyBody{},
	}
}

// Body is the tagged response payload variant. Adapters pattern-match:
// direct write for bytes, zero-copy transfer for file regions, subscribed
// streaming with per-frame flush for SSE.
type Body interface {
	isBody()
}

// EmptyBody is a response with no payload.
type EmptyBody struct{}

func (EmptyBody) isBody() {}

// BytesBody is an in-memory payload.
type BytesBody struct {
	Data []byte
}

func (BytesBody) isBody() {}

// FileRegionBody hands the adapter a byte range of a data file to transfer,
// with sendfile or equivalent where available.
type FileRegionBody struct {
	Region store.FileRegion
}

func (FileRegionBody) isBody() {}

// SSEBody is a live event stream. The adapter must flush status and headers
// before subscribing, flush after every frame, and cancel the subscription
// when the client disconnects.
type SSEBody struct {
	Publisher *dispatch.Publisher
}

func (SSEBody) isBody() {}
