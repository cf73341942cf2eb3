// Package registry holds the room<->sensor mapping the data manager
// validates incoming readings against, plus each sensor's running-average
// state. It is loaded once at startup from a text file and mutated only by
// the data manager goroutine - no locking is needed because nothing else
// ever touches it.
package registry

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// Entry is one registered sensor: its room, its fixed-size window of the
// last readings and the running average derived from it.
type Entry struct {
	SensorID uint16
	RoomID   uint16

	window  []float64
	filled  int
	lastAvg float64
	lastTS  int64
}

// Push records value into the entry's window (newest first, oldest
// dropped) and reports the new running average. ready is false for the
// first len(window)-1 readings: the original gateway doesn't raise an
// alert until the window is full, to avoid judging a sensor on a partial
// sample.
func (e *Entry) Push(value float64, ts int64) (avg float64, ready bool) {
	for i := len(e.window) - 1; i > 0; i-- {
		e.window[i] = e.window[i-1]
	}
	e.window[0] = value
	e.lastTS = ts

	if e.filled < len(e.window)-1 {
		e.filled++
		e.lastAvg = 0
		return 0, false
	}

	var sum float64
	for _, v := range e.window {
		sum += v
	}
	e.lastAvg = sum / float64(len(e.window))
	return e.lastAvg, true
}

// LastAverage and LastTimestamp expose the entry's most recent state.
func (e *Entry) LastAverage() float64 { return e.lastAvg }
func (e *Entry) LastTimestamp() int64 { return e.lastTS }

// Registry maps sensor ids to their registered room and running-average
// state.
type Registry struct {
	windowSize int
	entries    map[uint16]*Entry
}

// Load parses a whitespace-separated "<room_id> <sensor_id>" file, one
// pair per line, matching the original gateway's room_sensor.map format.
func Load(path string, windowSize int) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open registry file")
	}
	defer f.Close()

	reg := &Registry{windowSize: windowSize, entries: make(map[uint16]*Entry)}

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		var roomID, sensorID uint16
		if _, err := fmt.Sscanf(line, "%d %d", &roomID, &sensorID); err != nil {
			return nil, errors.Wrapf(err, "parse registry file at line %d", lineNo)
		}
		reg.entries[sensorID] = &Entry{
			SensorID: sensorID,
			RoomID:   roomID,
			window:   make([]float64, windowSize),
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read registry file")
	}

	return reg, nil
}

// Lookup returns the entry registered for sensorID, if any.
func (r *Registry) Lookup(sensorID uint16) (*Entry, bool) {
	e, ok := r.entries[sensorID]
	return e, ok
}

// Len reports how many sensors are registered.
func (r *Registry) Len() int {
	return len(r.entries)
}
