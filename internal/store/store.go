// Package store is the gateway's durable sensor-reading storage: a single
// SQLite table, dropped and recreated on every startup, plus the
// supplemental read queries the original gateway's sensor_db.c exposed
// for downstream verification/tooling.
package store

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/maximey/sensor-gateway/internal/reading"
)

const schema = `
DROP TABLE IF EXISTS readings;
CREATE TABLE readings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sensor_id INTEGER,
	sensor_value REAL,
	timestamp INTEGER
);`

// Store wraps the sensor readings table.
type Store struct {
	db *sql.DB
}

// Open connects to the SQLite database at path and drops-and-recreates
// the readings table, matching the original gateway's init_connection(1)
// behavior: every run starts from an empty table.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping sqlite database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create readings table")
	}
	return &Store{db: db}, nil
}

// Close disconnects from the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert records one reading.
func (s *Store) Insert(r reading.Reading) error {
	_, err := s.db.Exec(
		`INSERT INTO readings (sensor_id, sensor_value, timestamp) VALUES (?, ?, ?)`,
		r.SensorID, r.Value, r.Timestamp,
	)
	return errors.Wrap(err, "insert reading")
}

// Row is one stored reading, including its autoincrement id.
type Row struct {
	ID        int64
	SensorID  uint16
	Value     float64
	Timestamp int64
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.SensorID, &r.Value, &r.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan reading row")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate reading rows")
}

// FindAll returns every stored reading, oldest first.
func (s *Store) FindAll() ([]Row, error) {
	rows, err := s.db.Query(`SELECT id, sensor_id, sensor_value, timestamp FROM readings ORDER BY id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "query all readings")
	}
	return scanRows(rows)
}

// FindByValue returns every reading whose value exactly matches value.
func (s *Store) FindByValue(value float64) ([]Row, error) {
	rows, err := s.db.Query(
		`SELECT id, sensor_id, sensor_value, timestamp FROM readings WHERE sensor_value = ? ORDER BY id ASC`, value)
	if err != nil {
		return nil, errors.Wrap(err, "query readings by value")
	}
	return scanRows(rows)
}

// FindExceedingValue returns every reading whose value is greater than
// value.
func (s *Store) FindExceedingValue(value float64) ([]Row, error) {
	rows, err := s.db.Query(
		`SELECT id, sensor_id, sensor_value, timestamp FROM readings WHERE sensor_value > ? ORDER BY id ASC`, value)
	if err != nil {
		return nil, errors.Wrap(err, "query readings exceeding value")
	}
	return scanRows(rows)
}

// FindByTimestamp returns every reading recorded at exactly ts.
func (s *Store) FindByTimestamp(ts int64) ([]Row, error) {
	rows, err := s.db.Query(
		`SELECT id, sensor_id, sensor_value, timestamp FROM readings WHERE timestamp = ? ORDER BY id ASC`, ts)
	if err != nil {
		return nil, errors.Wrap(err, "query readings by timestamp")
	}
	return scanRows(rows)
}

// FindAfterTimestamp returns every reading recorded after ts.
func (s *Store) FindAfterTimestamp(ts int64) ([]Row, error) {
	rows, err := s.db.Query(
		`SELECT id, sensor_id, sensor_value, timestamp FROM readings WHERE timestamp > ? ORDER BY id ASC`, ts)
	if err != nil {
		return nil, errors.Wrap(err, "query readings after timestamp")
	}
	return scanRows(rows)
}
