// Package tcpserver is the scale-facing TCP front-end.
//
// It owns socket lifetimes: accepted connections get a short opaque socket
// ID, bytes flow to the handler callbacks, and closing (peer- or
// server-initiated) releases the connection. Nothing above this package
// touches a net.Conn.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sahinler/edgescale/internal/idgen"
)

// Handler receives connection lifecycle callbacks. Callbacks for one socket
// are invoked sequentially; distinct sockets may run in parallel.
type Handler interface {
	OnOpen(socketID, remoteAddr string)
	OnData(socketID string, data []byte)
	OnClose(socketID, reason string)
	OnError(socketID string, err error)
}

// Stats are the front-end's running totals.
type Stats struct {
	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	BytesIn           int64 `json:"bytes_in"`
	BytesOut          int64 `json:"bytes_out"`
}

// maxConns caps concurrent scale connections. A site has tens of scales;
// the cap only guards against runaway clients.
const maxConns = 256

const readBufferSize = 4096

type connection struct {
	id       string
	conn     net.Conn
	remote   string
	openedAt time.Time

	closeOnce sync.Once
}

// Server accepts and tracks scale connections.
type Server struct {
	addr    string
	handler Handler
	logger  *zap.Logger

	mu       sync.RWMutex
	listener net.Listener
	conns    map[string]*connection
	shutdown bool

	totalConns atomic.Int64
	bytesIn    atomic.Int64
	bytesOut   atomic.Int64

	readyChan chan struct{}
	doneChan  chan struct{}
}

// New creates a front-end bound to addr once started.
func New(addr string, handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		addr:      addr,
		handler:   handler,
		logger:    logger.Named("tcp"),
		conns:     make(map[string]*connection),
		readyChan: make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Start binds the listener and accepts until ctx is cancelled. It returns a
// bind failure immediately; accept errors after shutdown return nil.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.readyChan)

	s.logger.Info("listening for scales", zap.String("addr", listener.Addr().String()))

	// Cancellation closes the listener, which unblocks Accept.
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	defer close(s.doneChan)

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.RLock()
			shutdown := s.shutdown
			s.mu.RUnlock()
			if shutdown || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.RLock()
		n := len(s.conns)
		s.mu.RUnlock()
		if n >= maxConns {
			s.logger.Warn("connection limit reached, rejecting",
				zap.String("remote", conn.RemoteAddr().String()))
			_ = conn.Close()
			continue
		}

		go s.serve(conn)
	}
}

// Ready unblocks once the listener is bound. Useful in tests.
func (s *Server) Ready() <-chan struct{} {
	return s.readyChan
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// serve owns one accepted socket for its lifetime.
func (s *Server) serve(nc net.Conn) {
	c := &connection{
		id:       idgen.NewSocketID(),
		conn:     nc,
		remote:   nc.RemoteAddr().String(),
		openedAt: time.Now(),
	}

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.totalConns.Add(1)

	s.logger.Info("scale connected",
		zap.String("socket", c.id),
		zap.String("remote", c.remote))
	s.handler.OnOpen(c.id, c.remote)

	buf := make([]byte, readBufferSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			s.bytesIn.Add(int64(n))
			data := make([]byte, n)
			copy(data, buf[:n])
			s.handler.OnData(c.id, data)
		}
		if err != nil {
			reason := "peer closed"
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, net.ErrClosed):
				reason = "server closed"
			default:
				reason = err.Error()
				s.handler.OnError(c.id, err)
			}
			s.release(c, reason)
			return
		}
	}
}

// release tears down one connection exactly once.
func (s *Server) release(c *connection, reason string) {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()

		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()

		s.logger.Info("scale disconnected",
			zap.String("socket", c.id),
			zap.String("remote", c.remote),
			zap.String("reason", reason),
			zap.Duration("lifetime", time.Since(c.openedAt)))
		s.handler.OnClose(c.id, reason)
	})
}

// Send writes data to one socket. Returns false if the socket is gone or the
// write fails; a failed write closes the socket.
func (s *Server) Send(socketID string, data []byte) bool {
	s.mu.RLock()
	c, ok := s.conns[socketID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if _, err := c.conn.Write(data); err != nil {
		s.logger.Warn("write failed",
			zap.String("socket", socketID),
			zap.Error(err))
		s.release(c, "write failed")
		return false
	}
	s.bytesOut.Add(int64(len(data)))
	return true
}

// Close shuts one socket down server-side.
func (s *Server) Close(socketID, reason string) {
	s.mu.RLock()
	c, ok := s.conns[socketID]
	s.mu.RUnlock()
	if ok {
		s.release(c, reason)
	}
}

// Broadcast writes data to every live socket and returns the delivery count.
func (s *Server) Broadcast(data []byte) int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var n int
	for _, id := range ids {
		if s.Send(id, data) {
			n++
		}
	}
	return n
}

// Drain is accepted for operational symmetry with the cloud API; it only
// logs. Scales have no quiesce protocol.
func (s *Server) Drain() {
	s.mu.RLock()
	n := len(s.conns)
	s.mu.RUnlock()
	s.logger.Info("drain requested", zap.Int("active", n))
}

// Stats returns the running totals.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	active := int64(len(s.conns))
	s.mu.RUnlock()
	return Stats{
		ActiveConnections: active,
		TotalConnections:  s.totalConns.Load(),
		BytesIn:           s.bytesIn.Load(),
		BytesOut:          s.bytesOut.Load(),
	}
}

// Stop closes the listener and every live socket, then waits for the accept
// loop to drain. Safe to call more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.shutdown {
		started := s.listener != nil
		s.mu.Unlock()
		if started {
			<-s.doneChan
		}
		return
	}
	s.shutdown = true
	listener := s.listener
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	// Release sockets before closing the listener: doneChan closes once the
	// accept loop exits, and concurrent Stop callers use it as the signal
	// that teardown is complete.
	for _, c := range conns {
		s.release(c, "server shutdown")
	}
	if listener != nil {
		_ = listener.Close()
		<-s.doneChan
	}
}
