// Command gateway runs the sensor-telemetry gateway: it accepts sensor
// connections on the given port, validates and stores their readings, and
// flags out-of-range temperatures.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/maximey/sensor-gateway/internal/auditlog"
	"github.com/maximey/sensor-gateway/internal/config"
	"github.com/maximey/sensor-gateway/internal/connmgr"
	"github.com/maximey/sensor-gateway/internal/coordinator"
	"github.com/maximey/sensor-gateway/internal/datamgr"
	"github.com/maximey/sensor-gateway/internal/metrics"
	"github.com/maximey/sensor-gateway/internal/sbuffer"
	"github.com/maximey/sensor-gateway/internal/storagemgr"
	"github.com/maximey/sensor-gateway/internal/supervise"
)

const crashLogPath = "gateway.crash.log"

const usage = "Usage: gateway <port>\n  port must be an integer in [1024, 65535]\n"

func main() {
	log := logrus.New()

	defer func() {
		if r := recover(); r != nil {
			supervise.WriteCrashLog(crashLogPath, r, "main")
			os.Exit(1)
		}
	}()

	if err := newRootCmd(log).Execute(); err != nil {
		log.WithError(err).Error("gateway exited with an error")
		os.Exit(1)
	}
}

func newRootCmd(log *logrus.Logger) *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:           "gateway <port>",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				fmt.Print(usage)
				os.Exit(0)
			}
			port, err := strconv.Atoi(args[0])
			if err != nil || port < 1024 || port > 65535 {
				fmt.Print(usage)
				os.Exit(0)
			}
			return run(cmd.Context(), log, cfg, port)
		},
	}

	cmd.Flags().StringVar(&cfg.RegistryPath, "registry", cfg.RegistryPath, "path to the room/sensor registry file")
	cmd.Flags().StringVar(&cfg.StoragePath, "storage", cfg.StoragePath, "path to the sqlite database file")
	cmd.Flags().StringVar(&cfg.AuditLogPath, "log", cfg.AuditLogPath, "path to the audit log file")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve Prometheus metrics on (disabled if empty)")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "connection idle timeout")
	cmd.Flags().Float64Var(&cfg.MinTemp, "min-temp", cfg.MinTemp, "lower bound of the acceptable temperature range")
	cmd.Flags().Float64Var(&cfg.MaxTemp, "max-temp", cfg.MaxTemp, "upper bound of the acceptable temperature range")
	cmd.Flags().IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "maximum number of simultaneous sensor connections")
	cmd.Flags().IntVar(&cfg.RunAverageLength, "run-average-length", cfg.RunAverageLength, "number of readings averaged per sensor")
	cmd.Flags().IntVar(&cfg.StorageInitAttempts, "storage-init-attempts", cfg.StorageInitAttempts, "number of attempts to open storage before aborting")

	return cmd
}

// run wires the shared pipeline state together, launches the three
// workers under panic protection and waits for all of them to finish -
// either because the connection manager shut down on its own (idle
// timeout or a delivered signal) or because the storage manager aborted
// the pipeline.
func run(ctx context.Context, log *logrus.Logger, cfg config.Config, port int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	supervise.Go(crashLogPath, "signal-handler", func() {
		select {
		case <-sigCh:
			log.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	})

	logger, err := auditlog.Open(cfg.AuditLogPath)
	if err != nil {
		return err
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler()}
		supervise.Go(crashLogPath, "metrics-server", func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped unexpectedly")
			}
		})
		supervise.Go(crashLogPath, "metrics-server-shutdown", func() {
			<-ctx.Done()
			srv.Close()
		})
	}

	buf := sbuffer.New(config.ReaderCount)
	coord := coordinator.New()

	cm := connmgr.New(cfg, buf, coord, logger, m)
	dm := datamgr.New(cfg, buf, coord, logger, m)
	sm := storagemgr.New(cfg, buf, coord, logger, m)

	var wg sync.WaitGroup
	wg.Add(3)

	var cmErr, dmErr, smErr error
	supervise.Go(crashLogPath, "connmgr", func() {
		defer wg.Done()
		cmErr = cm.Run(ctx, port)
	})
	supervise.Go(crashLogPath, "datamgr", func() {
		defer wg.Done()
		dmErr = dm.Run(ctx)
	})
	supervise.Go(crashLogPath, "storagemgr", func() {
		defer wg.Done()
		smErr = sm.Run(ctx)
	})

	wg.Wait()

	// Close the audit log only after every worker has stopped writing to
	// it, so every message is flushed before the file is closed - the
	// same ordering the original gateway's pipe-close-after-join gave it.
	logger.Close()

	for _, err := range []error{cmErr, dmErr, smErr} {
		if err != nil {
			return err
		}
	}
	return nil
}
