package wisecow

import (
	"context"

	"github.com/rs/zerolog"
)

type serverHandler struct {
	srv *Server
}

func (sh serverHandler) Serve(rw ResponseWriter, req *Request) {
	handler := sh.srv.Handler
	if handler == nil {
		panic("wisecow: invalid handler")
	}
	handler.Serve(rw, req)
}

type Handler interface {
	Serve(ResponseWriter, *Request)
}

type HandlerFunc func(ResponseWriter, *Request)

// Serve calls f(w, r).
func (f HandlerFunc) Serve(w ResponseWriter, r *Request) {
	f(w, r)
}

// ContentProvider produces the text shown in a response. It is called
// once per connection; implementations must be safe for concurrent use.
type ContentProvider interface {
	Generate(ctx context.Context) (string, error)
}

type quoteHandler struct {
	provider ContentProvider
}

// QuoteHandler returns a handler which ignores the request line and
// replies with fresh text from p wrapped by FormatResponse. When p fails
// nothing is written and the connection is closed without a body.
func QuoteHandler(p ContentProvider) Handler {
	return quoteHandler{provider: p}
}

func (h quoteHandler) Serve(w ResponseWriter, r *Request) {
	logger := zerolog.Ctx(r.Context())
	text, err := h.provider.Generate(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("content generation failed")
		return
	}
	if err := WriteResponse(w, text); err != nil {
		logger.Warn().Err(err).Msg("write response failed")
		return
	}
	logger.Debug().Int("bytes", len(text)).Msg("quote served")
}
