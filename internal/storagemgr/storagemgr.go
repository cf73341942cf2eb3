// Package storagemgr is the gateway's storage manager: it opens the
// backing store with bounded, backoff-delayed retries, then drains the
// shared buffer as the second reader, persisting every reading it sees.
// A persistent open failure raises the pipeline's global abort - this
// worker is the only one allowed to do that.
package storagemgr

import (
	"context"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/maximey/sensor-gateway/internal/auditlog"
	"github.com/maximey/sensor-gateway/internal/config"
	"github.com/maximey/sensor-gateway/internal/coordinator"
	"github.com/maximey/sensor-gateway/internal/metrics"
	"github.com/maximey/sensor-gateway/internal/sbuffer"
	"github.com/maximey/sensor-gateway/internal/store"
)

// ErrStorageInit is returned when the store could not be opened within
// the configured number of attempts.
var ErrStorageInit = errors.New("storage manager: failed to open storage")

// Manager is the storage manager worker.
type Manager struct {
	cfg     config.Config
	buf     *sbuffer.Buffer
	coord   *coordinator.Coordinator
	logger  *auditlog.Logger
	metrics *metrics.Metrics
}

// New constructs a storage manager bound to the shared pipeline state.
func New(cfg config.Config, buf *sbuffer.Buffer, coord *coordinator.Coordinator, logger *auditlog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{cfg: cfg, buf: buf, coord: coord, logger: logger, metrics: m}
}

// Run opens the store at cfg.StoragePath (retrying up to
// cfg.StorageInitAttempts times), then drains the shared buffer until the
// connection manager closes it. It never checks the pipeline's abort
// flag itself - that flag exists for the other workers to learn the
// storage manager gave up, not the other way round.
func (m *Manager) Run(ctx context.Context) error {
	s, err := m.openWithRetry()
	if err != nil {
		m.logger.Log(auditlog.SourceStorageMgr, "failed to start DB server %d times, exiting", m.cfg.StorageInitAttempts)
		m.coord.Shutdown.Abort()
		return err
	}
	m.logger.Log(auditlog.SourceStorageMgr, "connected to SQL server")
	defer func() {
		s.Close()
		m.logger.Log(auditlog.SourceStorageMgr, "disconnected from SQL server")
	}()

	var cur sbuffer.Cursor
	lastPop := sbuffer.Success
	for lastPop != sbuffer.NoData || m.coord.Shutdown.State() == coordinator.Open {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		r, status := m.buf.Pop(&cur, config.ReaderIndexStorageManager)
		lastPop = status
		if status != sbuffer.Success {
			runtime.Gosched()
			continue
		}

		if err := s.Insert(r); err != nil {
			m.logger.Log(auditlog.SourceStorageMgr, "failed to insert sensor %d reading: %v", r.SensorID, err)
			m.metrics.StorageInsertError()
			continue
		}
		m.metrics.ReadingStored()
	}

	m.logger.Log(auditlog.SourceStorageMgr, "successfully cleaned up")
	return nil
}

func (m *Manager) openWithRetry() (*store.Store, error) {
	var s *store.Store

	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), uint64(m.cfg.StorageInitAttempts-1))
	err := backoff.Retry(func() error {
		opened, err := store.Open(m.cfg.StoragePath)
		if err != nil {
			return err
		}
		s = opened
		return nil
	}, bo)
	if err != nil {
		return nil, errors.Wrapf(ErrStorageInit, "after %d attempts: %v", m.cfg.StorageInitAttempts, err)
	}
	return s, nil
}
