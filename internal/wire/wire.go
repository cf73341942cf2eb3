// Package wire implements the gateway's sensor frame codec: 18 bytes per
// reading, little-endian. The original gateway read the three fields as
// raw host-order bytes off the socket; this is an explicit redesign to a
// fixed wire byte order so sensors and gateway agree regardless of the
// host architecture on either end.
package wire

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/maximey/sensor-gateway/internal/reading"
)

// FrameSize is the number of bytes on the wire per reading: a uint16
// sensor id, an IEEE-754 float64 value and an int64 Unix timestamp.
const FrameSize = 2 + 8 + 8

// ReadFrame reads exactly one frame from r. A clean close before any byte
// arrives returns io.EOF; a close partway through a frame returns
// io.ErrUnexpectedEOF so the caller can tell a tidy disconnect from one
// that happened mid-send.
func ReadFrame(r io.Reader) (reading.Reading, error) {
	var buf [FrameSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return reading.Reading{}, err
	}
	return decode(buf[:]), nil
}

func decode(buf []byte) reading.Reading {
	id := binary.LittleEndian.Uint16(buf[0:2])
	value := math.Float64frombits(binary.LittleEndian.Uint64(buf[2:10]))
	ts := int64(binary.LittleEndian.Uint64(buf[10:18]))
	return reading.Reading{SensorID: id, Value: value, Timestamp: ts}
}

// WriteFrame encodes r onto w. Used by tests and by any tooling that
// needs to emulate a sensor.
func WriteFrame(w io.Writer, r reading.Reading) error {
	var buf [FrameSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], r.SensorID)
	binary.LittleEndian.PutUint64(buf[2:10], math.Float64bits(r.Value))
	binary.LittleEndian.PutUint64(buf[10:18], uint64(r.Timestamp))
	_, err := w.Write(buf[:])
	return err
}
