package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempRegistry(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "room_sensor.map")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp registry: %v", err)
	}
	return path
}

func TestLoadParsesRoomSensorPairs(t *testing.T) {
	path := writeTempRegistry(t, "0 1\n1 2\n2 3\n")
	reg, err := Load(path, 5)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reg.Len() != 3 {
		t.Fatalf("got %d entries, want 3", reg.Len())
	}
	e, ok := reg.Lookup(2)
	if !ok {
		t.Fatalf("sensor 2 not found")
	}
	if e.RoomID != 1 {
		t.Fatalf("sensor 2 room = %d, want 1", e.RoomID)
	}
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	path := writeTempRegistry(t, "not a pair\n")
	if _, err := Load(path, 5); err == nil {
		t.Fatalf("expected error for malformed registry line")
	}
}

func TestLookupUnknownSensor(t *testing.T) {
	path := writeTempRegistry(t, "0 1\n")
	reg, err := Load(path, 5)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := reg.Lookup(99); ok {
		t.Fatalf("sensor 99 unexpectedly found")
	}
}

func TestEntryPushColdStart(t *testing.T) {
	e := &Entry{window: make([]float64, 5)}

	for i := 0; i < 4; i++ {
		_, ready := e.Push(30, int64(i))
		if ready {
			t.Fatalf("reading %d: unexpectedly ready before window is full", i)
		}
	}

	avg, ready := e.Push(30, 4)
	if !ready {
		t.Fatalf("reading 5: expected window to be full")
	}
	if avg != 30 {
		t.Fatalf("avg = %v, want 30", avg)
	}
}

func TestEntryPushRunningAverage(t *testing.T) {
	e := &Entry{window: make([]float64, 5)}
	values := []float64{10, 20, 30, 40, 50}
	var avg float64
	var ready bool
	for i, v := range values {
		avg, ready = e.Push(v, int64(i))
	}
	if !ready {
		t.Fatalf("expected window to be full after 5 readings")
	}
	if avg != 30 {
		t.Fatalf("avg = %v, want 30", avg)
	}

	// A sixth reading should drop the oldest (10) out of the window.
	avg, ready = e.Push(60, 5)
	if !ready {
		t.Fatalf("expected ready on subsequent readings")
	}
	want := (20.0 + 30 + 40 + 50 + 60) / 5
	if avg != want {
		t.Fatalf("avg = %v, want %v", avg, want)
	}
}
