package wisecow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	atom "go.uber.org/atomic"
)

type stubProvider struct {
	calls atom.Int64
	text  func(n int64) string
	err   error
}

func (p *stubProvider) Generate(context.Context) (string, error) {
	n := p.calls.Inc()
	if p.err != nil {
		return "", p.err
	}
	if p.text != nil {
		return p.text(n), nil
	}
	return "hello\nworld", nil
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func newTestServer(h Handler) *Server {
	return &Server{Handler: h, Logger: nopLogger()}
}

// startServer serves srv on a loopback port and returns its address and
// the channel receiving Serve's result.
func startServer(t *testing.T, srv *Server) (string, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ln)
	}()
	t.Cleanup(func() {
		srv.Close()
	})
	return ln.Addr().String(), served
}

// exchange dials addr, sends send and reads until the server closes.
func exchange(addr, send string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return "", err
	}
	if send != "" {
		if _, err := io.WriteString(conn, send); err != nil {
			return "", err
		}
	}
	resp, err := io.ReadAll(conn)
	return string(resp), err
}

func roundTrip(t *testing.T, addr, send string) string {
	t.Helper()
	resp, err := exchange(addr, send)
	require.NoError(t, err)
	return resp
}

func TestServe_HelloWorld(t *testing.T) {
	p := &stubProvider{}
	addr, _ := startServer(t, newTestServer(QuoteHandler(p)))

	resp := roundTrip(t, addr, "GET / \r\n")

	assert.Equal(t, "HTTP/1.1 200\n\n<pre>hello\nworld</pre>", resp)
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestServe_RequestLineVisibleToHandler(t *testing.T) {
	srv := newTestServer(nil)
	srv.Handler = HandlerFunc(func(w ResponseWriter, r *Request) {
		assert.NotEmpty(t, r.ID)
		assert.NotEmpty(t, r.RemoteAddr)
		assert.Same(t, srv, r.Context().Value(ServerContextKey))
		assert.NotNil(t, r.Context().Value(LocalAddrContextKey))
		fmt.Fprintf(w, "[%s]", r.Line())
	})
	addr, _ := startServer(t, srv)

	assert.Equal(t, "[GET / ]", roundTrip(t, addr, "GET / \r\n"))
}

func TestServe_PartialLineThenHalfClose(t *testing.T) {
	addr, _ := startServer(t, newTestServer(QuoteHandler(&stubProvider{})))

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = io.WriteString(conn, "no newline here")
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200\n\n<pre>hello\nworld</pre>", string(resp))
}

func TestServe_SilentClientAnsweredAfterReadTimeout(t *testing.T) {
	srv := newTestServer(QuoteHandler(&stubProvider{}))
	srv.ReadTimeout = 100 * time.Millisecond
	addr, _ := startServer(t, srv)

	start := time.Now()
	resp := roundTrip(t, addr, "")

	assert.Equal(t, "HTTP/1.1 200\n\n<pre>hello\nworld</pre>", resp)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestServe_LineLimit(t *testing.T) {
	srv := newTestServer(QuoteHandler(&stubProvider{}))
	srv.Header = &LineHeader{MaxBytes: 16}
	addr, _ := startServer(t, srv)

	resp := roundTrip(t, addr, strings.Repeat("a", 16))

	assert.True(t, strings.HasPrefix(resp, StatusLine), resp)
}

func TestServe_ConnectAndDisconnect(t *testing.T) {
	p := &stubProvider{}
	addr, _ := startServer(t, newTestServer(QuoteHandler(p)))

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// The server keeps serving afterwards.
	assert.Equal(t, "HTTP/1.1 200\n\n<pre>hello\nworld</pre>", roundTrip(t, addr, "GET / \r\n"))
}

func TestServe_ProviderErrorClosesWithoutBody(t *testing.T) {
	p := &stubProvider{err: errors.New("fortune: not found")}
	addr, _ := startServer(t, newTestServer(QuoteHandler(p)))

	assert.Empty(t, roundTrip(t, addr, "GET / \r\n"))
	assert.Empty(t, roundTrip(t, addr, "GET / \r\n"))
	assert.EqualValues(t, 2, p.calls.Load())
}

func TestServe_HandlerPanicIsContained(t *testing.T) {
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		if r.Line() == "boom" {
			panic("boom")
		}
		io.WriteString(w, "ok")
	})
	addr, _ := startServer(t, newTestServer(h))

	assert.Empty(t, roundTrip(t, addr, "boom\n"))
	assert.Equal(t, "ok", roundTrip(t, addr, "fine\n"))
}

func TestServe_FreshContentPerConnection(t *testing.T) {
	p := &stubProvider{text: func(n int64) string { return strconv.FormatInt(n, 10) }}
	addr, _ := startServer(t, newTestServer(QuoteHandler(p)))

	for i := 1; i <= 5; i++ {
		resp := roundTrip(t, addr, "GET / \r\n")
		assert.Equal(t, fmt.Sprintf("HTTP/1.1 200\n\n<pre>%d</pre>", i), resp)
	}
	assert.EqualValues(t, 5, p.calls.Load())
}

func TestServe_ConcurrentResponsesAreIsolated(t *testing.T) {
	const clients = 50
	filler := strings.Repeat("x", 5000)
	p := &stubProvider{text: func(n int64) string {
		return fmt.Sprintf("body-%d\n%s", n, filler)
	}}
	addr, _ := startServer(t, newTestServer(QuoteHandler(p)))

	bodyRE := regexp.MustCompile(`^HTTP/1\.1 200\n\n<pre>body-(\d+)\n(x+)</pre>$`)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := exchange(addr, "GET / \r\n")
			if !assert.NoError(t, err) {
				return
			}
			m := bodyRE.FindStringSubmatch(resp)
			if !assert.NotNil(t, m, "unexpected response of %d bytes", len(resp)) {
				return
			}
			assert.Len(t, m[2], len(filler))
			assert.Equal(t, 1, strings.Count(resp, "<pre>"))
			assert.Equal(t, 1, strings.Count(resp, "</pre>"))
			mu.Lock()
			seen[m[1]] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, clients)
	assert.EqualValues(t, clients, p.calls.Load())
}

func TestServe_StalledClientDoesNotBlockOthers(t *testing.T) {
	srv := newTestServer(QuoteHandler(&stubProvider{}))
	srv.ReadTimeout = 3 * time.Second
	addr, _ := startServer(t, srv)

	stalled, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer stalled.Close()

	start := time.Now()
	assert.Equal(t, "HTTP/1.1 200\n\n<pre>hello\nworld</pre>", roundTrip(t, addr, "GET / \r\n"))
	assert.Less(t, time.Since(start), time.Second)
}

func TestServe_SlowProviderDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		if r.Line() == "slow" {
			<-release
		}
		io.WriteString(w, r.Line())
	})
	addr, _ := startServer(t, newTestServer(h))

	slowDone := make(chan string, 1)
	go func() {
		resp, _ := exchange(addr, "slow\n")
		slowDone <- resp
	}()

	assert.Equal(t, "fast", roundTrip(t, addr, "fast\n"))
	close(release)
	assert.Equal(t, "slow", <-slowDone)
}

func TestListenAndServe_BindError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	srv := newTestServer(QuoteHandler(&stubProvider{}))
	srv.Addr = busy.Addr().String()
	err = srv.ListenAndServe()

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, "tcp", bindErr.Network)
	assert.Equal(t, busy.Addr().String(), bindErr.Addr)
	assert.Contains(t, err.Error(), "unable to bind")
}

func TestStart_BindError(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer busy.Close()

	err = Start(busy.Addr().(*net.TCPAddr).Port, &stubProvider{})

	var bindErr *BindError
	assert.ErrorAs(t, err, &bindErr)
}

func TestListenAndServe_InvalidSettings(t *testing.T) {
	srv := newTestServer(nil)
	assert.ErrorIs(t, srv.ListenAndServe(), ErrServerAddrError)

	srv = newTestServer(nil)
	srv.Network, srv.Addr = "udp", "127.0.0.1:0"
	assert.ErrorIs(t, srv.ListenAndServe(), ErrServerNetworkError)
}

func TestShutdown(t *testing.T) {
	srv := newTestServer(QuoteHandler(&stubProvider{}))
	addr, served := startServer(t, srv)
	roundTrip(t, addr, "GET / \r\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-served:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
	assert.ErrorIs(t, srv.ListenAndServe(), ErrServerClosed)
}

func TestShutdown_WaitsForInFlightConnection(t *testing.T) {
	release := make(chan struct{})
	h := HandlerFunc(func(w ResponseWriter, r *Request) {
		<-release
		io.WriteString(w, "late")
	})
	srv := newTestServer(h)
	addr, _ := startServer(t, srv)

	got := make(chan string, 1)
	go func() {
		resp, _ := exchange(addr, "x\n")
		got <- resp
	}()
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		for c := range srv.activeConn {
			if st, _ := c.getState(); st == StateActive {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- srv.Shutdown(context.Background()) }()

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned while a response was pending")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	assert.Equal(t, "late", <-got)
	assert.NoError(t, <-shutdownDone)
}

type tempAcceptError struct{}

func (tempAcceptError) Error() string   { return "accept: too many open files" }
func (tempAcceptError) Temporary() bool { return true }
func (tempAcceptError) Timeout() bool   { return false }

// flakyListener fails the first failures Accept calls with err.
type flakyListener struct {
	net.Listener
	err      error
	failures atom.Int64
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Dec() >= 0 {
		return nil, l.err
	}
	return l.Listener.Accept()
}

func TestServe_RetriesTemporaryAcceptErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fl := &flakyListener{Listener: ln, err: tempAcceptError{}}
	fl.failures.Store(3)
	srv := newTestServer(QuoteHandler(&stubProvider{}))
	go srv.Serve(fl)
	t.Cleanup(func() { srv.Close() })

	resp := roundTrip(t, ln.Addr().String(), "GET / \r\n")

	assert.Equal(t, "HTTP/1.1 200\n\n<pre>hello\nworld</pre>", resp)
	assert.Less(t, fl.failures.Load(), int64(0))
}

func TestServe_ReturnsPermanentAcceptError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	boom := errors.New("accept: boom")
	fl := &flakyListener{Listener: ln, err: boom}
	fl.failures.Store(1)
	srv := newTestServer(QuoteHandler(&stubProvider{}))

	assert.ErrorIs(t, srv.Serve(fl), boom)
}

func TestCloseStaleConns_FollowsReadTimeout(t *testing.T) {
	srv := newTestServer(nil)
	srv.ReadTimeout = time.Minute
	server, client := net.Pipe()
	defer client.Close()
	c := srv.newConn(server)
	c.setState(StateNew)
	c.curState.Store(uint64(time.Now().Add(-10*time.Second).Unix()<<8) | uint64(StateNew))

	assert.False(t, srv.closeStaleConns(), "connection is younger than its read timeout")

	srv.ReadTimeout = time.Second
	assert.True(t, srv.closeStaleConns())
	_, err := client.Write([]byte("x"))
	assert.Error(t, err, "stale connection must be closed")
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "new", StateNew.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closed", StateClosed.String())
}
