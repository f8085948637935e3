package wisecow

import (
	"context"
)

// A Request is one accepted connection together with the line it sent.
type Request struct {
	ctx context.Context

	// ID is a random identifier attached to every log line of the connection.
	ID string

	// RemoteAddr is the network address of the client.
	RemoteAddr string

	Header Header
}

// Context returns the request's context. It is cancelled when the
// handler returns or the response can no longer be written.
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// Line returns the request line, possibly empty or partial.
func (r *Request) Line() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Line()
}
