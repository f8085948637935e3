package wisecow

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	atom "go.uber.org/atomic"
)

var (
	bufioReaderPool sync.Pool
	bufioWriterPool sync.Pool
)

type ConnState int

const (
	// StateNew represents a new connection that is expected to
	// send its request line. Connections begin at this state and
	// then transition to either StateActive or StateClosed.
	StateNew ConnState = iota

	// StateActive represents a connection whose request line has
	// been read and which is being answered.
	StateActive

	// StateClosed represents a closed connection.
	// This is a terminal state.
	StateClosed
)

var stateName = map[ConnState]string{
	StateNew:    "new",
	StateActive: "active",
	StateClosed: "closed",
}

func (c ConnState) String() string {
	return stateName[c]
}

// A conn represents the server side of a connection.
type conn struct {
	// srv is the server on which the connection arrived.
	// Immutable; never nil.
	srv *Server

	// id identifies the connection in logs and in Request.ID.
	id string

	// cancelCtx cancels the connection-level context.
	cancelCtx context.CancelFunc

	// rwc is the underlying network connection.
	rwc net.Conn

	// remoteAddr is rwc.RemoteAddr().String(), populated inside
	// the (*conn).serve goroutine.
	remoteAddr string

	// werr is set to the first write error to rwc.
	// It is set via checkConnErrorWriter{w}, where bufw writes.
	werr error

	// bufr reads from rwc.
	bufr *bufio.Reader

	// bufw writes to checkConnErrorWriter{c}, which populates werr on error.
	bufw *bufio.Writer

	curState atom.Uint64 // packed (unixtime<<8|uint8(ConnState))
}

func (c *conn) setState(state ConnState) {
	srv := c.srv
	switch state {
	case StateNew:
		srv.trackConn(c, true)
	case StateClosed:
		srv.trackConn(c, false)
	}
	if state > 0xff || state < 0 {
		panic("conn: internal error")
	}
	packedState := uint64(time.Now().Unix()<<8) | uint64(state)
	c.curState.Store(packedState)
}

func (c *conn) getState() (state ConnState, unixSec int64) {
	packedState := c.curState.Load()
	return ConnState(packedState & 0xff), int64(packedState >> 8)
}

// Serve a new connection: one request line, one response, close.
func (c *conn) serve(ctx context.Context) {
	c.remoteAddr = c.rwc.RemoteAddr().String()
	logger := c.srv.logger().With().Str("conn_id", c.id).Str("remote", c.remoteAddr).Logger()
	ctx = context.WithValue(ctx, LocalAddrContextKey, c.rwc.LocalAddr())
	ctx = logger.WithContext(ctx)
	defer func() {
		if err := recover(); err != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			logger.Error().Str("stack", string(buf)).Msgf("panic serving connection: %v", err)
		}
		c.close()
		c.setState(StateClosed)
	}()

	ctx, cancelCtx := context.WithCancel(ctx)
	c.cancelCtx = cancelCtx
	defer cancelCtx()

	c.bufr = newBufioReader(c.rwc)
	c.bufw = newBufioWriter(checkConnErrorWriter{c})

	w, err := c.readRequest(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("read request line failed, dropping connection")
		return
	}
	c.setState(StateActive)
	logger.Debug().Stringer("state", StateActive).Str("line", w.req.Line()).Msg("request line received")

	serverHandler{c.srv}.Serve(w, w.req)
	w.cancelCtx()
	w.finishRequest()

	if c.werr != nil {
		logger.Warn().Err(c.werr).Msg("write response failed")
	}
}

// readRequest reads the request line from the connection. A line cut
// short by EOF, the read deadline or the line limit still counts as read.
func (c *conn) readRequest(ctx context.Context) (w *response, err error) {
	if d := c.srv.readTimeout(); d != 0 {
		c.rwc.SetReadDeadline(time.Now().Add(d))
	}

	req := &Request{
		ID:         c.id,
		RemoteAddr: c.remoteAddr,
		Header:     c.srv.header().NewInstance(),
	}

	if _, err = req.Header.Read(c.bufr); err != nil && !lineEnded(err) {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	req.ctx = ctx

	w = &response{
		conn:      c,
		cancelCtx: cancel,
		req:       req,
	}
	return w, nil
}

// lineEnded reports whether a read error terminates the request line
// instead of failing the connection.
func lineEnded(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, ErrLineTooLong) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Close the connection.
func (c *conn) close() {
	c.finalFlush()
	c.rwc.Close()
}

// checkConnErrorWriter writes to c.rwc and records any write errors to c.werr.
// It only contains one field (and a pointer field at that), so it
// fits in an interface value without an extra allocation.
type checkConnErrorWriter struct {
	c *conn
}

func (w checkConnErrorWriter) Write(p []byte) (n int, err error) {
	n, err = w.c.rwc.Write(p)
	if err != nil && w.c.werr == nil {
		w.c.werr = err
		w.c.cancelCtx()
	}
	return
}

func (c *conn) finalFlush() {
	if c.bufr != nil {
		// Steal the bufio.Reader (~4KB worth of memory) and its associated
		// reader for a future connection.
		putBufioReader(c.bufr)
		c.bufr = nil
	}

	if c.bufw != nil {
		c.bufw.Flush()
		// Steal the bufio.Writer (~4KB worth of memory) and its associated
		// writer for a future connection.
		putBufioWriter(c.bufw)
		c.bufw = nil
	}
}

func putBufioWriter(bw *bufio.Writer) {
	bw.Reset(nil)
	bufioWriterPool.Put(bw)
}

func putBufioReader(br *bufio.Reader) {
	br.Reset(nil)
	bufioReaderPool.Put(br)
}

func newBufioReader(r io.Reader) *bufio.Reader {
	if v := bufioReaderPool.Get(); v != nil {
		br := v.(*bufio.Reader)
		br.Reset(r)
		return br
	}
	return bufio.NewReader(r)
}

func newBufioWriter(w io.Writer) *bufio.Writer {
	if v := bufioWriterPool.Get(); v != nil {
		bw := v.(*bufio.Writer)
		bw.Reset(w)
		return bw
	}
	return bufio.NewWriter(w)
}
