// Package publish sends live ride telemetry and connection status to an MQTT
// broker, with a no-op and a fake implementation for running without one.
package publish

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/device"
	"github.com/lowaak/smart-trainer/trainer-core/internal/ride"
)

// DefaultTopicPrefix is the topic root used when none is configured
const DefaultTopicPrefix = "smart-trainer"

// Ride lifecycle events
const (
	RideStarted   = "STARTED"
	RidePaused    = "PAUSED"
	RideResumed   = "RESUMED"
	RideStopped   = "STOPPED"
	// a ride interrupted by a crash was restored on startup
	RideRecovered = "RECOVERED"
)

// Publisher publishes to MQTT. Errors are meant to be logged, never to stop a
// ride.
type Publisher interface {
	PublishMetrics(m ride.Metrics) error
	PublishStatus(s device.Status) error
	PublishRide(e RideEvent) error
	Close() error
}

// RideEvent is a change of the recording state
type RideEvent struct {
	Timestamp      time.Time
	Event          string
	ElapsedSeconds int
	RideID         string // set on STOPPED once the ride is saved
	FitFile        string // set on STOPPED when an export was written
}

// Topics are the topic names under one prefix
type Topics struct {
	Live   string
	Status string
	Ride   string
}

func TopicsFor(prefix string) Topics {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{
		Live:   prefix + "/live",
		Status: prefix + "/status",
		Ride:   prefix + "/ride",
	}
}

// LivePayload is the JSON body of a live metrics message
type LivePayload struct {
	Timestamp  string  `json:"timestamp"`
	Power      int     `json:"power"`
	Cadence    float64 `json:"cadence"`
	Speed      float64 `json:"speed"`
	Distance   float64 `json:"distance"`
	Resistance int     `json:"resistance"`
	HR         int     `json:"hr"`
}

func FormatMetrics(m ride.Metrics) ([]byte, error) {
	payload := LivePayload{
		Power:      m.Power,
		Cadence:    m.Cadence,
		Speed:      m.Speed,
		Distance:   m.Distance,
		Resistance: m.Resistance,
		HR:         m.HR,
	}
	if !m.UpdatedAt.IsZero() {
		payload.Timestamp = m.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return json.Marshal(payload)
}

// StatusPayload is the JSON body of a connection status message
type StatusPayload struct {
	Online         bool          `json:"online"`
	Trainer        DevicePayload `json:"trainer"`
	HRM            DevicePayload `json:"hrm"`
	ControlGranted bool          `json:"controlGranted"`
}

type DevicePayload struct {
	State string `json:"state"`
	Name  string `json:"name,omitempty"`
}

func FormatStatus(s device.Status) ([]byte, error) {
	return json.Marshal(StatusPayload{
		Online:         true,
		Trainer:        DevicePayload{State: s.Trainer.String(), Name: s.TrainerName},
		HRM:            DevicePayload{State: s.HRM.String(), Name: s.HRMName},
		ControlGranted: s.ControlGranted,
	})
}

// offlinePayload is left behind by the broker when the client goes away
func offlinePayload() []byte {
	raw, _ := json.Marshal(StatusPayload{
		Trainer: DevicePayload{State: "disconnected"},
		HRM:     DevicePayload{State: "disconnected"},
	})
	return raw
}

// RidePayload is the JSON body of a ride event message
type RidePayload struct {
	Timestamp      string `json:"timestamp"`
	Event          string `json:"event"`
	ElapsedSeconds int    `json:"elapsedSeconds"`
	RideID         string `json:"rideId,omitempty"`
	FitFile        string `json:"fitFile,omitempty"`
}

func FormatRideEvent(e RideEvent) ([]byte, error) {
	return json.Marshal(RidePayload{
		Timestamp:      e.Timestamp.UTC().Format(time.RFC3339),
		Event:          e.Event,
		ElapsedSeconds: e.ElapsedSeconds,
		RideID:         e.RideID,
		FitFile:        e.FitFile,
	})
}

// NopPublisher drops everything
type NopPublisher struct{}

func (NopPublisher) PublishMetrics(ride.Metrics) error { return nil }
func (NopPublisher) PublishStatus(device.Status) error { return nil }
func (NopPublisher) PublishRide(RideEvent) error       { return nil }
func (NopPublisher) Close() error                      { return nil }
