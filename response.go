package wisecow

import (
	"context"
	"strings"
	"time"
)

// StatusLine opens every response the server writes.
const StatusLine = "HTTP/1.1 200"

const (
	preOpen  = "<pre>"
	preClose = "</pre>"
)

// A response represents the server side of a response.
type response struct {
	conn      *conn
	req       *Request           // request for this response
	cancelCtx context.CancelFunc // when Serve exits

	deadlineSet bool
}

type ResponseWriter interface {
	Write([]byte) (int, error)
}

func (w *response) Write(p []byte) (n int, err error) {
	w.armWriteDeadline()
	n, err = w.conn.bufw.Write(p)
	if err != nil {
		w.conn.rwc.Close()
	}
	return
}

// armWriteDeadline starts the write timeout at the first write, so time
// spent generating content does not count against it.
func (w *response) armWriteDeadline() {
	if w.deadlineSet {
		return
	}
	w.deadlineSet = true
	if d := w.conn.srv.writeTimeout(); d != 0 {
		w.conn.rwc.SetWriteDeadline(time.Now().Add(d))
	}
}

func (w *response) finishRequest() {
	if w.deadlineSet {
		w.conn.bufw.Flush()
	}
}

// FormatResponse wraps text into the fixed response: the status line,
// an empty line ending the (absent) headers, then text inside a <pre> block.
func FormatResponse(text string) []byte {
	var b strings.Builder
	b.Grow(len(StatusLine) + len(preOpen) + len(text) + len(preClose) + 2)
	b.WriteString(StatusLine)
	b.WriteString("\n\n")
	b.WriteString(preOpen)
	b.WriteString(text)
	b.WriteString(preClose)
	return []byte(b.String())
}

// WriteResponse formats text and writes it to w in a single call.
func WriteResponse(w ResponseWriter, text string) error {
	_, err := w.Write(FormatResponse(text))
	return err
}
