// Package telemetry holds the domain types exchanged between the device
// protocol layer and the ride recorder.
package telemetry

import "time"

// Role identifies which peripheral a connection serves
type Role int

const (
	RoleTrainer Role = iota
	RoleHRM
)

func (r Role) String() string {
	switch r {
	case RoleTrainer:
		return "trainer"
	case RoleHRM:
		return "hrm"
	default:
		return "unknown"
	}
}

// ConnectionState is the lifecycle state of one peripheral role
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// TelemetrySample is one decoded trainer frame. Nil fields were not present
// in the frame and must not overwrite previously known values.
type TelemetrySample struct {
	Timestamp  time.Time
	Power      *int
	Cadence    *float64 // rpm
	Speed      *float64 // km/h
	Distance   *float64 // meters
	Resistance *int
	HeartRate  *int // some trainers relay a strap's heart rate
}

// HeartRateSample is one decoded heart-rate measurement
type HeartRateSample struct {
	Timestamp   time.Time
	HR          int
	RRIntervals []int // milliseconds
}

// Int returns a pointer to v, for building samples
func Int(v int) *int { return &v }

// Float returns a pointer to v, for building samples
func Float(v float64) *float64 { return &v }
