// Package connmgr is the gateway's connection manager: a passive TCP
// listener that accepts sensor connections, reads fixed-size frames off
// each one and inserts them into the shared buffer.
//
// The original gateway multiplexed every socket through a single
// poll(2) call with one shared timeout, evicting idle or dropped
// connections on each poll return. Go has no direct poll(2) binding, so
// this is re-expressed idiomatically: an accept goroutine and one reader
// goroutine per connection feed a central event loop, which owns the
// connection set outright (no locking needed) and runs its own sweep
// ticker at the same cadence poll(TIMEOUT) would have - the same
// eviction reasons (idle timeout, targeted drop, peer hangup, global
// abort) are all still checked there, on the same schedule. Accept errors
// and non-terminal recv errors are logged and never tear the gateway
// down; only a clean or mid-frame close evicts a connection immediately.
package connmgr

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/maximey/sensor-gateway/internal/auditlog"
	"github.com/maximey/sensor-gateway/internal/config"
	"github.com/maximey/sensor-gateway/internal/coordinator"
	"github.com/maximey/sensor-gateway/internal/metrics"
	"github.com/maximey/sensor-gateway/internal/reading"
	"github.com/maximey/sensor-gateway/internal/sbuffer"
	"github.com/maximey/sensor-gateway/internal/wire"
)

// ErrInvalidPort is returned when the requested port is outside
// [1024, 65535].
var ErrInvalidPort = errors.New("connection manager: port out of range")

// sweepInterval is how often the central loop re-checks idle
// connections, pending drop requests and the pipeline's abort flag. It is
// intentionally shorter than the per-connection idle timeout so eviction
// reacts promptly regardless of how quiet a given connection is.
const sweepInterval = 1 * time.Second

// Manager is the connection manager worker.
type Manager struct {
	cfg     config.Config
	buf     *sbuffer.Buffer
	coord   *coordinator.Coordinator
	logger  *auditlog.Logger
	metrics *metrics.Metrics
}

// New constructs a connection manager bound to the shared pipeline state.
func New(cfg config.Config, buf *sbuffer.Buffer, coord *coordinator.Coordinator, logger *auditlog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{cfg: cfg, buf: buf, coord: coord, logger: logger, metrics: m}
}

type connState struct {
	conn       net.Conn
	lastActive time.Time
	sensorID   uint16
}

type frameEvent struct {
	conn    net.Conn
	reading reading.Reading
	err     error
}

// Run validates port, opens the listener and runs the central event loop
// until either the context is cancelled, the pipeline is aborted, or the
// listener has had zero connections for a full Timeout period (the
// gateway's designed idle shutdown).
func (m *Manager) Run(ctx context.Context, port int) error {
	if port < 1024 || port > 65535 {
		return ErrInvalidPort
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		m.logger.Log(auditlog.SourceConnMgr, "failed to open server on port %d: %v", port, err)
		return errors.Wrap(err, "open listener")
	}
	m.logger.Log(auditlog.SourceConnMgr, "started successfully on port %d", port)

	defer func() {
		ln.Close()
		m.coord.Shutdown.Close()
		m.logger.Log(auditlog.SourceConnMgr, "stopped successfully")
	}()

	connCh := make(chan net.Conn)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				m.logger.Log(auditlog.SourceConnMgr, "accept error: %v", err)
				continue
			}
			connCh <- c
		}
	}()

	frameCh := make(chan frameEvent, 16)
	conns := make(map[net.Conn]*connState)

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	idleSince := time.Now()

	cleanup := func() {
		for _, st := range conns {
			st.conn.Close()
		}
	}

	for {
		select {
		case <-ctx.Done():
			cleanup()
			return nil

		case c := <-connCh:
			if len(conns) >= m.cfg.MaxConnections {
				c.Close()
				continue
			}
			st := &connState{conn: c, lastActive: time.Now()}
			conns[c] = st
			m.metrics.SetActiveConnections(len(conns))
			go m.readLoop(c, frameCh)

		case ev := <-frameCh:
			st, ok := conns[ev.conn]
			if !ok {
				continue // already evicted; drop stale event
			}
			if ev.err != nil {
				if errors.Is(ev.err, io.EOF) || errors.Is(ev.err, io.ErrUnexpectedEOF) {
					ev.conn.Close()
					delete(conns, ev.conn)
					m.metrics.SetActiveConnections(len(conns))
					m.logger.Log(auditlog.SourceConnMgr, "connection to %d closed", st.sensorID)
				} else {
					m.logger.Log(auditlog.SourceConnMgr, "recv error on connection to %d: %v", st.sensorID, ev.err)
				}
				continue
			}

			st.lastActive = time.Now()
			if st.sensorID == 0 {
				st.sensorID = ev.reading.SensorID
			}
			m.buf.Insert(ev.reading)
			m.metrics.SetBufferDepth(m.buf.Depth())

		case <-sweep.C:
			if m.coord.Shutdown.IsAborted() {
				m.logger.Log(auditlog.SourceConnMgr, "signalled to terminate by storage manager")
				cleanup()
				return nil
			}

			if dropID, ok := m.coord.Drop.Take(); ok {
				for c, st := range conns {
					if st.sensorID == dropID {
						m.logger.Log(auditlog.SourceConnMgr, "signalled to drop connection to %d", dropID)
						c.Close()
						delete(conns, c)
						m.metrics.SetActiveConnections(len(conns))
						m.logger.Log(auditlog.SourceConnMgr, "connection to %d closed", dropID)
						break
					}
				}
			}

			now := time.Now()
			for c, st := range conns {
				if now.Sub(st.lastActive) >= m.cfg.Timeout {
					c.Close()
					delete(conns, c)
					m.metrics.SetActiveConnections(len(conns))
					m.logger.Log(auditlog.SourceConnMgr, "connection to %d closed", st.sensorID)
				}
			}

			if len(conns) == 0 {
				if now.Sub(idleSince) >= m.cfg.Timeout {
					cleanup()
					return nil
				}
			} else {
				idleSince = now
			}
		}
	}
}

// readLoop blocks reading frames off c and forwards each one (or the
// terminating error) to frameCh. It exits as soon as a read fails: a
// clean or mid-frame close means there is nothing left to read, and any
// other recv error leaves the connection's framing in an unknown state,
// so the central loop decides from there whether to evict (close) or
// just log and leave the connection to the idle-timeout sweep.
func (m *Manager) readLoop(c net.Conn, frameCh chan<- frameEvent) {
	for {
		r, err := wire.ReadFrame(c)
		if err != nil {
			frameCh <- frameEvent{conn: c, err: err}
			return
		}
		frameCh <- frameEvent{conn: c, reading: r}
	}
}
