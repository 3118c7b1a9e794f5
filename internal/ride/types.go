// Package ride records a ride session from sampled telemetry, derives its
// summary and keeps a recovery snapshot so a crashed process can resume.
package ride

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrAlreadyRecording is returned when a session is already active
var ErrAlreadyRecording = errors.New("ride already recording")

// State of the recorder
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sample is one input to AddDataPoint. Zero values mean "not reported"; a
// zero Timestamp means now.
type Sample struct {
	Timestamp time.Time
	Power     int
	Cadence   float64
	Speed     float64 // km/h
	HR        int
	Distance  float64 // meters, device reported
}

// DataPoint is one recorded sample. Elapsed excludes paused time and is
// written to JSON in milliseconds.
type DataPoint struct {
	Timestamp time.Time     `json:"timestamp"`
	Elapsed   time.Duration `json:"elapsed"`
	Power     int           `json:"power"`
	Cadence   int           `json:"cadence"`
	Speed     float64       `json:"speed"`
	HR        int           `json:"hr"`
	Distance  float64       `json:"distance"`
}

func (p DataPoint) MarshalJSON() ([]byte, error) {
	type alias DataPoint
	return json.Marshal(struct {
		alias
		Elapsed int64 `json:"elapsed"`
	}{alias: alias(p), Elapsed: p.Elapsed.Milliseconds()})
}

func (p *DataPoint) UnmarshalJSON(b []byte) error {
	type alias DataPoint
	aux := struct {
		*alias
		Elapsed int64 `json:"elapsed"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p.Elapsed = time.Duration(aux.Elapsed) * time.Millisecond
	return nil
}

// RRInterval is one beat-to-beat interval tagged with its arrival time
type RRInterval struct {
	Timestamp time.Time `json:"timestamp"`
	RR        int       `json:"rr"` // milliseconds
}

// Profile is the rider reference used for zone aggregation
type Profile struct {
	FTP   int `json:"ftp"`
	MaxHR int `json:"maxHr"`
}

// DefaultProfile is used when no rider profile is configured
func DefaultProfile() Profile {
	return Profile{FTP: 200, MaxHR: 180}
}

// Session is the state of one ride
type Session struct {
	StartTime           time.Time
	PauseStartTime      time.Time // zero unless paused
	TotalPausedDuration time.Duration
	IsPaused            bool
	DataPoints          []DataPoint
	RRIntervals         []RRInterval
	LastDistance        float64
}

// RideData is a finalized ride
type RideData struct {
	StartTime   time.Time     `json:"startTime"`
	Duration    time.Duration `json:"duration"`
	DataPoints  []DataPoint   `json:"dataPoints"`
	RRIntervals []RRInterval  `json:"rrIntervals"`
	Summary     Summary       `json:"summary"`
}
