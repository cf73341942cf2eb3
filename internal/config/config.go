// Package config holds the gateway's compile-time tunables.
//
// These values are constants, not runtime state: the cobra/pflag layer in
// cmd/gateway may override them at process start, but nothing in the
// pipeline ever mutates a Config after the workers are launched.
package config

import "time"

// Default values matching the original sensor gateway's compile-time
// configuration (config.h). TIMEOUT, MinTemp and MaxTemp have no portable
// "correct" default in the original - they were mandated build flags - so
// reasonable values are picked here and are the first thing an operator
// should override via flags.
const (
	DefaultTimeout             = 5 * time.Second
	DefaultMinTemp             = 15.0
	DefaultMaxTemp             = 25.0
	DefaultMaxConnections      = 5
	DefaultRunAverageLength    = 5
	DefaultStorageInitAttempts = 3

	// ReaderCount is the number of independent consumers draining the
	// shared buffer: the data manager and the storage manager. Unlike the
	// other values above this is not exposed as a flag - adding a third
	// reader is a structural change to the pipeline, not a tunable.
	ReaderCount = 2

	ReaderIndexDataManager    = 0
	ReaderIndexStorageManager = 1
)

// Config is the full set of tunables threaded into every worker at
// construction time.
type Config struct {
	Timeout             time.Duration
	MinTemp             float64
	MaxTemp             float64
	MaxConnections      int
	RunAverageLength    int
	StorageInitAttempts int

	RegistryPath string
	StoragePath  string
	AuditLogPath string
	MetricsAddr  string
}

// Default returns a Config seeded with the compile-time defaults above.
func Default() Config {
	return Config{
		Timeout:             DefaultTimeout,
		MinTemp:             DefaultMinTemp,
		MaxTemp:             DefaultMaxTemp,
		MaxConnections:      DefaultMaxConnections,
		RunAverageLength:    DefaultRunAverageLength,
		StorageInitAttempts: DefaultStorageInitAttempts,

		RegistryPath: "room_sensor.map",
		StoragePath:  "gateway.db",
		AuditLogPath: "gateway.log",
		MetricsAddr:  "",
	}
}
