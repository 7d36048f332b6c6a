package tcpserver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

// recordingHandler captures callbacks for assertions.
type recordingHandler struct {
	mu      sync.Mutex
	opened  []string
	data    map[string][]byte
	closed  map[string]string
	errored []error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		data:   make(map[string][]byte),
		closed: make(map[string]string),
	}
}

func (h *recordingHandler) OnOpen(id, remote string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, id)
}

func (h *recordingHandler) OnData(id string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data[id] = append(h.data[id], data...)
}

func (h *recordingHandler) OnClose(id, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed[id] = reason
}

func (h *recordingHandler) OnError(id string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errored = append(h.errored, err)
}

func (h *recordingHandler) firstSocket() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.opened) == 0 {
		return ""
	}
	return h.opened[0]
}

func (h *recordingHandler) received(id string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.data[id]...)
}

func (h *recordingHandler) closeReason(id string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.closed[id]
	return r, ok
}

func startTestServer(t *testing.T) (*Server, *recordingHandler, context.CancelFunc) {
	t.Helper()
	handler := newRecordingHandler()
	srv := New("127.0.0.1:0", handler, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	select {
	case <-srv.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server never became ready")
	}
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})
	return srv, handler, cancel
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAcceptDataAndAck(t *testing.T) {
	srv, handler, _ := startTestServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	waitFor(t, "open callback", func() bool { return handler.firstSocket() != "" })
	socketID := handler.firstSocket()

	if _, err := conn.Write([]byte("SCALE-01")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "data callback", func() bool {
		return string(handler.received(socketID)) == "SCALE-01"
	})

	if !srv.Send(socketID, []byte("OK\n")) {
		t.Fatal("Send returned false for live socket")
	}
	buf := make([]byte, 8)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "OK\n" {
		t.Errorf("peer read %q, want OK\\n", buf[:n])
	}

	stats := srv.Stats()
	if stats.ActiveConnections != 1 || stats.TotalConnections != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.BytesIn != 8 || stats.BytesOut != 3 {
		t.Errorf("bytes = in %d out %d", stats.BytesIn, stats.BytesOut)
	}
}

func TestPeerCloseReleasesSocket(t *testing.T) {
	srv, handler, _ := startTestServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "open callback", func() bool { return handler.firstSocket() != "" })
	socketID := handler.firstSocket()

	_ = conn.Close()
	waitFor(t, "close callback", func() bool {
		_, ok := handler.closeReason(socketID)
		return ok
	})

	if srv.Send(socketID, []byte("OK\n")) {
		t.Error("Send to released socket must return false")
	}
	if srv.Stats().ActiveConnections != 0 {
		t.Error("active connection count not decremented")
	}
}

func TestServerCloseWithReason(t *testing.T) {
	srv, handler, _ := startTestServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	waitFor(t, "open callback", func() bool { return handler.firstSocket() != "" })
	socketID := handler.firstSocket()

	srv.Close(socketID, "heartbeat timeout")
	waitFor(t, "close callback", func() bool {
		r, ok := handler.closeReason(socketID)
		return ok && r == "heartbeat timeout"
	})
}

func TestBroadcast(t *testing.T) {
	srv, handler, _ := startTestServer(t)

	var conns []net.Conn
	for i := 0; i < 3; i++ {
		c, err := net.Dial("tcp", srv.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = c.Close() }()
		conns = append(conns, c)
	}
	waitFor(t, "all opens", func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.opened) == 3
	})

	if n := srv.Broadcast([]byte("OK\n")); n != 3 {
		t.Errorf("Broadcast delivered to %d, want 3", n)
	}
	for _, c := range conns {
		buf := make([]byte, 3)
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := c.Read(buf); err != nil {
			t.Errorf("peer missed broadcast: %v", err)
		}
	}
}

func TestShutdownClosesLiveSockets(t *testing.T) {
	srv, handler, cancel := startTestServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	waitFor(t, "open callback", func() bool { return handler.firstSocket() != "" })
	socketID := handler.firstSocket()

	cancel()
	srv.Stop()

	if r, ok := handler.closeReason(socketID); !ok || r != "server shutdown" {
		t.Errorf("close reason = %q (ok=%v), want server shutdown", r, ok)
	}
}
