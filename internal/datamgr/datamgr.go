// Package datamgr is the gateway's data manager: it loads the room/sensor
// registry, then drains the shared buffer as the first reader, validating
// each reading against the registry, tracking each sensor's running
// average and raising alerts and targeted drop requests as needed.
package datamgr

import (
	"context"
	"runtime"

	"github.com/pkg/errors"

	"github.com/maximey/sensor-gateway/internal/auditlog"
	"github.com/maximey/sensor-gateway/internal/config"
	"github.com/maximey/sensor-gateway/internal/coordinator"
	"github.com/maximey/sensor-gateway/internal/metrics"
	"github.com/maximey/sensor-gateway/internal/registry"
	"github.com/maximey/sensor-gateway/internal/sbuffer"
)

// ErrInterrupted is returned when the storage manager aborted the
// pipeline while this worker was still draining.
var ErrInterrupted = errors.New("data manager: interrupted by storage manager")

// Manager is the data manager worker.
type Manager struct {
	cfg     config.Config
	buf     *sbuffer.Buffer
	coord   *coordinator.Coordinator
	logger  *auditlog.Logger
	metrics *metrics.Metrics
}

// New constructs a data manager bound to the shared pipeline state.
func New(cfg config.Config, buf *sbuffer.Buffer, coord *coordinator.Coordinator, logger *auditlog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{cfg: cfg, buf: buf, coord: coord, logger: logger, metrics: m}
}

// Run parses the registry at cfg.RegistryPath, then drains the shared
// buffer until either the connection manager closes it (normal shutdown)
// or the storage manager aborts the pipeline.
func (m *Manager) Run(ctx context.Context) error {
	reg, err := registry.Load(m.cfg.RegistryPath, m.cfg.RunAverageLength)
	if err != nil {
		m.logger.Log(auditlog.SourceDataMgr, "failed to read sensor registry: %v", err)
		return errors.Wrap(err, "load registry")
	}
	m.logger.Log(auditlog.SourceDataMgr, "started and parsed sensor registry successfully")

	var cur sbuffer.Cursor
	lastPop := sbuffer.Success
	for (lastPop != sbuffer.NoData || m.coord.Shutdown.State() == coordinator.Open) && !m.coord.Shutdown.IsAborted() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		r, status := m.buf.Pop(&cur, config.ReaderIndexDataManager)
		lastPop = status
		if status != sbuffer.Success {
			runtime.Gosched()
			continue
		}

		entry, ok := reg.Lookup(r.SensorID)
		if !ok {
			m.logger.Log(auditlog.SourceDataMgr, "sensor %d does not exist", r.SensorID)
			m.coord.Drop.Request(r.SensorID)
			m.metrics.ReadingDropped()
			continue
		}

		avg, ready := entry.Push(r.Value, r.Timestamp)
		if !ready {
			continue
		}

		switch {
		case avg < m.cfg.MinTemp:
			m.logger.Log(auditlog.SourceDataMgr, "sensor %d in room %d: too cold (avg %.2f below %.2f)",
				r.SensorID, entry.RoomID, avg, m.cfg.MinTemp)
			m.metrics.Alert(r.SensorID, "low")
		case avg > m.cfg.MaxTemp:
			m.logger.Log(auditlog.SourceDataMgr, "sensor %d in room %d: too hot (avg %.2f above %.2f)",
				r.SensorID, entry.RoomID, avg, m.cfg.MaxTemp)
			m.metrics.Alert(r.SensorID, "high")
		}
	}

	if m.coord.Shutdown.IsAborted() {
		m.logger.Log(auditlog.SourceDataMgr, "signalled to terminate by storage manager")
		return ErrInterrupted
	}

	m.logger.Log(auditlog.SourceDataMgr, "successfully cleaned up")
	return nil
}
