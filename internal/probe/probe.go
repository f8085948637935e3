// Package probe checks a running quote server the way a client sees it.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Health is the verdict of one probe.
type Health string

const (
	Up       Health = "UP"
	Degraded Health = "DEGRADED"
	Down     Health = "DOWN"
)

// RequestLine is sent to the server on every probe.
const RequestLine = "GET / \r\n"

const expectedStatus = "HTTP/1.1 200"

// Result describes one probe.
type Result struct {
	Timestamp  time.Time
	Addr       string
	Health     Health
	StatusLine string
	Latency    time.Duration
	Message    string
	Err        error
}

// Probe connects to addr, sends RequestLine, reads until the server closes
// the connection and classifies what came back. timeout bounds the whole
// exchange; zero leaves it to ctx.
func Probe(ctx context.Context, addr string, timeout time.Duration) Result {
	start := time.Now()
	res := Result{Timestamp: start.UTC(), Addr: addr}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return res.down(err, "Connection failed - application unreachable")
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := io.WriteString(conn, RequestLine); err != nil {
		return res.down(err, "Request failed")
	}
	resp, err := io.ReadAll(conn)
	res.Latency = time.Since(start)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return res.down(err, fmt.Sprintf("Request timeout after %s", timeout))
		}
		return res.down(err, "Request failed")
	}
	res.Health, res.StatusLine, res.Message = Classify(resp)
	return res
}

func (r Result) down(err error, msg string) Result {
	r.Health = Down
	r.Err = err
	r.Message = msg
	return r
}

// Classify inspects a full response.
func Classify(resp []byte) (health Health, statusLine, message string) {
	if len(resp) == 0 {
		return Degraded, "", "Empty response - connection closed without a body"
	}
	line := resp
	if i := bytes.IndexByte(resp, '\n'); i >= 0 {
		line = resp[:i]
	}
	statusLine = string(bytes.TrimSuffix(line, []byte("\r")))
	if statusLine != expectedStatus {
		return Degraded, statusLine, fmt.Sprintf("Expected %q, got %q", expectedStatus, statusLine)
	}
	open, closing := bytes.Count(resp, []byte("<pre>")), bytes.Count(resp, []byte("</pre>"))
	if open != 1 || closing != 1 || bytes.Index(resp, []byte("<pre>")) > bytes.Index(resp, []byte("</pre>")) {
		return Degraded, statusLine, "Malformed body - expected a single <pre> block"
	}
	return Up, statusLine, "OK - Application is functioning correctly"
}

// ExitCode maps a result to a process exit status: only DOWN fails.
func (r Result) ExitCode() int {
	if r.Health == Down {
		return 1
	}
	return 0
}

// Log writes the result at a level matching its health.
func (r Result) Log(l zerolog.Logger) {
	var ev *zerolog.Event
	switch r.Health {
	case Up:
		ev = l.Info()
	case Degraded:
		ev = l.Warn()
	default:
		ev = l.Error().Err(r.Err)
	}
	ev.Str("addr", r.Addr).
		Str("health", string(r.Health)).
		Str("status", r.StatusLine).
		Int64("latency_ms", r.Latency.Milliseconds()).
		Msg(r.Message)
}

// Summary counts the verdicts of several probes.
type Summary struct {
	Total, Up, Degraded, Down int
}

// Summarize tallies results.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Health {
		case Up:
			s.Up++
		case Degraded:
			s.Degraded++
		default:
			s.Down++
		}
	}
	return s
}

// ExitCode fails when any target is DOWN.
func (s Summary) ExitCode() int {
	if s.Down > 0 {
		return 1
	}
	return 0
}

func (s Summary) String() string {
	return fmt.Sprintf("%d checked: %d %s, %d %s, %d %s", s.Total, s.Up, Up, s.Degraded, Degraded, s.Down, Down)
}
