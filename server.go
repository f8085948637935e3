package wisecow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	atom "go.uber.org/atomic"
)

type contextKey struct {
	name string
}

var (
	// ServerContextKey is a context key. It can be used in handlers
	// with Request.Context().Value to access the server that started
	// the handler. The associated value will be of type *Server.
	ServerContextKey = &contextKey{"wisecow"}

	// LocalAddrContextKey is a context key. It can be used in handlers
	// to access the local address the connection arrived on.
	// The associated value will be of type net.Addr.
	LocalAddrContextKey = &contextKey{"wisecow_local_addr"}
)

// DefaultPort is the port the quote service listens on when nothing else is configured.
const DefaultPort = 4499

const (
	// DefaultReadTimeout bounds how long a connection may take to deliver its request line.
	DefaultReadTimeout = 5 * time.Second
	// DefaultWriteTimeout bounds how long writing the response may take.
	DefaultWriteTimeout = 5 * time.Second
)

var shutdownPollInterval = 500 * time.Millisecond

var (
	ErrServerClosed       = errors.New("wisecow: server closed")
	ErrServerAddrError    = errors.New("wisecow: address error")
	ErrServerNetworkError = errors.New("wisecow: network type error")
)

// BindError is returned when the listening socket cannot be created.
type BindError struct {
	Network string
	Addr    string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("wisecow: unable to bind %s %s: %v", e.Network, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// A Server defines parameters for running a quote server.
type Server struct {
	Network string // network type to listen on, "tcp" if empty
	Addr    string // address to listen on, ErrServerAddrError if empty

	Handler Handler // handler to invoke

	// ReadTimeout is the maximum duration for reading the request line.
	// When it expires the request proceeds with whatever was received.
	// Zero means DefaultReadTimeout, a negative value disables the deadline.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out the write
	// of the response. Zero means DefaultWriteTimeout, a negative value
	// disables the deadline.
	WriteTimeout time.Duration

	// Logger receives accept errors, per-connection failures and handler
	// panics. If nil, the global zerolog logger is used.
	Logger *zerolog.Logger

	// Header is the prototype of the request line codec.
	// If nil, a LineHeader with DefaultMaxLineBytes is used.
	Header Header

	inShutdown atom.Bool

	mu         sync.Mutex
	listeners  map[*net.Listener]struct{}
	activeConn map[*conn]struct{}
	doneChan   chan struct{}
}

// Start listens on the given TCP port and serves a quote from provider on
// every connection. It only returns on failure; a port that cannot be bound
// yields a *BindError.
func Start(port int, provider ContentProvider) error {
	return ListenAndServe(net.JoinHostPort("", strconv.Itoa(port)), QuoteHandler(provider))
}

// ListenAndServe listens on the TCP network address addr and then calls
// Serve with handler to handle requests on incoming connections.
//
// ListenAndServe always returns a non-nil error.
func ListenAndServe(addr string, handler Handler) error {
	server := &Server{Network: "tcp", Addr: addr, Handler: handler}
	return server.ListenAndServe()
}

// ListenAndServe listens on the address srv.Addr and then
// calls Serve to handle requests on incoming connections.
//
// If srv.Addr is blank, the returned error is ErrServerAddrError.
func (srv *Server) ListenAndServe() error {
	if srv.shuttingDown() {
		return ErrServerClosed
	}
	addr := srv.Addr
	if len(addr) == 0 {
		return ErrServerAddrError
	}
	network := srv.Network
	switch network {
	case "":
		network = "tcp"
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return ErrServerNetworkError
	}

	ln, err := net.Listen(network, addr)
	if err != nil {
		return &BindError{Network: network, Addr: addr, Err: err}
	}
	srv.logger().Info().Str("addr", ln.Addr().String()).Msgf("Wisdom served on %s...", ln.Addr())
	return srv.Serve(ln)
}

func (srv *Server) shuttingDown() bool {
	return srv.inShutdown.Load()
}

// Serve accepts incoming connections on the Listener l, creating a
// new service goroutine for each. Serve always returns a non-nil error
// and closes l. After Shutdown or Close, the returned error is ErrServerClosed.
func (srv *Server) Serve(l net.Listener) error {
	l = &onceCloseListener{Listener: l}
	defer l.Close()

	if !srv.trackListener(&l, true) {
		return ErrServerClosed
	}
	defer srv.trackListener(&l, false)
	var tempDelay time.Duration // how long to sleep on accept failure
	ctx := context.WithValue(context.Background(), ServerContextKey, srv)
	for {
		rw, e := l.Accept()
		if e != nil {
			select {
			case <-srv.getDoneChan():
				return ErrServerClosed
			default:
			}
			var te temporary
			if errors.As(e, &te) && te.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				srv.logger().Warn().Err(e).Dur("retry_in", tempDelay).Msg("accept error")
				time.Sleep(tempDelay)
				continue
			}
			return e
		}
		tempDelay = 0
		c := srv.newConn(rw)
		c.setState(StateNew) // before Serve can return
		go c.serve(ctx)
	}
}

// temporary is implemented by accept errors worth retrying, such as
// running out of file descriptors.
type temporary interface {
	Temporary() bool
}

func (srv *Server) trackConn(c *conn, add bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.activeConn == nil {
		srv.activeConn = make(map[*conn]struct{})
	}
	if add {
		srv.activeConn[c] = struct{}{}
	} else {
		delete(srv.activeConn, c)
	}
}

func (srv *Server) trackListener(ln *net.Listener, add bool) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listeners == nil {
		srv.listeners = make(map[*net.Listener]struct{})
	}
	if add {
		if srv.shuttingDown() {
			return false
		}
		srv.listeners[ln] = struct{}{}
	} else {
		delete(srv.listeners, ln)
	}
	return true
}

// Create new connection from rwc.
func (srv *Server) newConn(rwc net.Conn) *conn {
	return &conn{
		srv: srv,
		rwc: rwc,
		id:  uuid.NewString(),
	}
}

func (srv *Server) closeListenersLocked() error {
	var err error
	for ln := range srv.listeners {
		if cerr := (*ln).Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(srv.listeners, ln)
	}
	return err
}

// Shutdown stops accepting new connections and waits until every
// in-flight connection has been answered and closed, or ctx is done.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.inShutdown.Store(true)
	srv.mu.Lock()
	lnErr := srv.closeListenersLocked()
	srv.closeDoneChanLocked()
	srv.mu.Unlock()

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
	for {
		if srv.closeStaleConns() {
			return lnErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// closeStaleConns closes connections which never delivered a request
// line and reports whether the srv is quiescent.
func (srv *Server) closeStaleConns() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	// A StateNew connection older than the read deadline is not going
	// to deliver a line worth waiting for.
	stale := srv.readTimeout()
	if stale <= 0 {
		stale = DefaultReadTimeout
	}
	quiescent := true
	for c := range srv.activeConn {
		st, unixSec := c.getState()
		if st != StateNew || unixSec == 0 || time.Since(time.Unix(unixSec, 0)) < stale {
			quiescent = false
			continue
		}
		c.rwc.Close()
		delete(srv.activeConn, c)
	}
	return quiescent
}

// Close immediately closes all active net.Listeners and any
// connections in state StateNew or StateActive. For a
// graceful shutdown, use Shutdown.
//
// Close returns any error returned from closing the Server's
// underlying Listener(s).
func (srv *Server) Close() error {
	srv.inShutdown.Store(true)
	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.closeDoneChanLocked()
	err := srv.closeListenersLocked()
	for c := range srv.activeConn {
		c.rwc.Close()
		delete(srv.activeConn, c)
	}
	return err
}

func (srv *Server) getDoneChan() <-chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getDoneChanLocked()
}

func (srv *Server) getDoneChanLocked() chan struct{} {
	if srv.doneChan == nil {
		srv.doneChan = make(chan struct{})
	}
	return srv.doneChan
}

func (srv *Server) closeDoneChanLocked() {
	ch := srv.getDoneChanLocked()
	select {
	case <-ch:
		// Already closed. Don't close again.
	default:
		// Safe to close here. We're the only closer, guarded
		// by srv.mu.
		close(ch)
	}
}

func (srv *Server) logger() *zerolog.Logger {
	if srv.Logger != nil {
		return srv.Logger
	}
	return &log.Logger
}

func (srv *Server) readTimeout() time.Duration {
	switch {
	case srv.ReadTimeout == 0:
		return DefaultReadTimeout
	case srv.ReadTimeout < 0:
		return 0
	}
	return srv.ReadTimeout
}

func (srv *Server) writeTimeout() time.Duration {
	switch {
	case srv.WriteTimeout == 0:
		return DefaultWriteTimeout
	case srv.WriteTimeout < 0:
		return 0
	}
	return srv.WriteTimeout
}

func (srv *Server) header() Header {
	if srv.Header != nil {
		return srv.Header
	}
	return &LineHeader{}
}
