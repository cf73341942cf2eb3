package connmgr

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/maximey/sensor-gateway/internal/auditlog"
	"github.com/maximey/sensor-gateway/internal/config"
	"github.com/maximey/sensor-gateway/internal/coordinator"
	"github.com/maximey/sensor-gateway/internal/metrics"
	"github.com/maximey/sensor-gateway/internal/reading"
	"github.com/maximey/sensor-gateway/internal/sbuffer"
	"github.com/maximey/sensor-gateway/internal/wire"
)

func newTestManager(t *testing.T, cfg config.Config) (*Manager, *coordinator.Coordinator, *sbuffer.Buffer) {
	m, coord, buf, _ := newTestManagerWithLog(t, cfg)
	return m, coord, buf
}

func newTestManagerWithLog(t *testing.T, cfg config.Config) (*Manager, *coordinator.Coordinator, *sbuffer.Buffer, string) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "gateway.log")
	logger, err := auditlog.Open(logPath)
	if err != nil {
		t.Fatalf("auditlog.Open: %v", err)
	}
	t.Cleanup(logger.Close)

	buf := sbuffer.New(config.ReaderCount)
	coord := coordinator.New()
	return New(cfg, buf, coord, logger, metrics.New()), coord, buf, logPath
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestRunRejectsPortOutOfRange(t *testing.T) {
	cfg := config.Default()
	m, _, _ := newTestManager(t, cfg)

	if err := m.Run(context.Background(), 80); err != ErrInvalidPort {
		t.Fatalf("got %v, want ErrInvalidPort", err)
	}
	if err := m.Run(context.Background(), 70000); err != ErrInvalidPort {
		t.Fatalf("got %v, want ErrInvalidPort", err)
	}
}

func TestRunAcceptsConnectionAndInsertsReading(t *testing.T) {
	cfg := config.Default()
	cfg.Timeout = 200 * time.Millisecond
	port := freePort(t)
	m, coord, buf := newTestManager(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, port) }()

	waitForListener(t, port)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	want := reading.Reading{SensorID: 5, Value: 21.5, Timestamp: 1234}
	if err := wire.WriteFrame(conn, want); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	var cur sbuffer.Cursor
	deadline := time.Now().Add(2 * time.Second)
	var got reading.Reading
	for time.Now().Before(deadline) {
		r, status := buf.Pop(&cur, config.ReaderIndexDataManager)
		if status == sbuffer.Success {
			got = r
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	if coord.Shutdown.State() != coordinator.Closed {
		t.Fatalf("shutdown state = %v, want Closed", coord.Shutdown.State())
	}
}

func TestRunEnforcesMaxConnections(t *testing.T) {
	cfg := config.Default()
	cfg.MaxConnections = 1
	cfg.Timeout = 200 * time.Millisecond
	port := freePort(t)
	m, _, _ := newTestManager(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, port)
	waitForListener(t, port)

	first, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()

	time.Sleep(50 * time.Millisecond)

	second, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatalf("expected the over-limit connection to be closed, read succeeded")
	}
}

// TestRunRetainsConnectionOnNonCleanRecvError exercises spec.md's Failure
// semantics: a recv error that is neither a clean close (io.EOF) nor a
// mid-frame close (io.ErrUnexpectedEOF) must be logged but must not evict
// the connection immediately - it stays until the idle-timeout sweep picks
// it up.
func TestRunRetainsConnectionOnNonCleanRecvError(t *testing.T) {
	cfg := config.Default()
	cfg.Timeout = 300 * time.Millisecond
	port := freePort(t)
	m, _, _, logPath := newTestManagerWithLog(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, port)
	waitForListener(t, port)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	// Send a partial frame, then force a hard reset (not a clean FIN) so
	// the server's read fails with something other than io.EOF /
	// io.ErrUnexpectedEOF.
	if _, err := conn.Write([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("write partial frame: %v", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetLinger(0)
	}
	conn.Close()

	// Give the reset a moment to be observed, well inside the idle
	// timeout, and confirm the connection was logged-and-kept rather than
	// evicted as closed.
	time.Sleep(100 * time.Millisecond)
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if strings.Contains(string(data), "connection to 0 closed") {
		t.Fatalf("connection evicted immediately on non-clean recv error: %s", data)
	}
	if !strings.Contains(string(data), "recv error on connection") {
		t.Fatalf("expected a logged recv error, got: %s", data)
	}

	// Past the idle timeout the sweep should have evicted it the normal way.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(logPath)
		if err != nil {
			t.Fatalf("read audit log: %v", err)
		}
		if strings.Contains(string(data), "connection to 0 closed") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("connection was never evicted by the idle-timeout sweep")
}

func waitForListener(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener on port %d never came up", port)
}
