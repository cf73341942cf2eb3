// Package reading defines the sensor measurement that flows through the
// gateway's pipeline, from wire frame to shared buffer to storage row.
package reading

// Reading is one sensor measurement: a sensor id, a value in degrees and
// the Unix timestamp it was taken at. This mirrors sensor_data_t from the
// original gateway (id uint16, value double, ts time_t) field for field.
type Reading struct {
	SensorID  uint16
	Value     float64
	Timestamp int64
}
