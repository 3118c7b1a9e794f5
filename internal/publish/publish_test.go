package publish

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/device"
	"github.com/lowaak/smart-trainer/trainer-core/internal/ride"
	"github.com/lowaak/smart-trainer/trainer-core/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTopicsFor(t *testing.T) {
	assert.Equal(t, Topics{
		Live:   "smart-trainer/live",
		Status: "smart-trainer/status",
		Ride:   "smart-trainer/ride",
	}, TopicsFor(""))
	assert.Equal(t, "home/bike/live", TopicsFor("home/bike/").Live)
}

func TestFormatMetrics(t *testing.T) {
	raw, err := FormatMetrics(ride.Metrics{
		Power:     215,
		Cadence:   91.5,
		Speed:     33.2,
		Distance:  1520,
		HR:        142,
		UpdatedAt: time.Date(2024, 5, 1, 20, 0, 0, 0, time.FixedZone("CEST", 2*3600)),
	})
	require.NoError(t, err)

	var parsed LivePayload
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Equal(t, "2024-05-01T18:00:00Z", parsed.Timestamp)
	assert.Equal(t, 215, parsed.Power)
	assert.Equal(t, 91.5, parsed.Cadence)
	assert.Equal(t, 142, parsed.HR)
}

func TestFormatStatus(t *testing.T) {
	raw, err := FormatStatus(device.Status{
		Trainer:        telemetry.Connected,
		TrainerName:    "KICKR",
		HRM:            telemetry.Connecting,
		ControlGranted: true,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"online": true,
		"trainer": {"state": "connected", "name": "KICKR"},
		"hrm": {"state": "connecting"},
		"controlGranted": true
	}`, string(raw))

	var offline StatusPayload
	require.NoError(t, json.Unmarshal(offlinePayload(), &offline))
	assert.False(t, offline.Online)
	assert.Equal(t, "disconnected", offline.Trainer.State)
}

func TestFormatRideEvent(t *testing.T) {
	raw, err := FormatRideEvent(RideEvent{
		Timestamp:      time.Date(2024, 5, 1, 18, 30, 0, 0, time.UTC),
		Event:          RideStopped,
		ElapsedSeconds: 1800,
		RideID:         "abc",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":"2024-05-01T18:30:00Z","event":"STOPPED","elapsedSeconds":1800,"rideId":"abc"}`, string(raw))
}

func TestFakePublisher(t *testing.T) {
	f := NewFakePublisher()
	require.NoError(t, f.PublishMetrics(ride.Metrics{Power: 100}))
	require.NoError(t, f.PublishRide(RideEvent{Event: RideStarted}))
	require.NoError(t, f.PublishStatus(device.Status{Trainer: telemetry.Connected}))

	assert.Equal(t, 1, f.MetricsCount())
	assert.Equal(t, []string{RideStarted}, f.Events())
	status, ok := f.LastStatus()
	require.True(t, ok)
	assert.Equal(t, telemetry.Connected, status.Trainer)
	assert.Len(t, f.Payloads["smart-trainer/live"], 1)

	f.PublishError = errors.New("broker down")
	assert.Error(t, f.PublishMetrics(ride.Metrics{}))
	assert.Equal(t, 1, f.MetricsCount())

	require.NoError(t, f.Close())
	assert.True(t, f.Closed)
}

func TestNewRealPublisher_RequiresBroker(t *testing.T) {
	_, err := NewRealPublisher(Options{}, zap.NewNop())
	assert.Error(t, err)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.PublishMetrics(ride.Metrics{}))
	assert.NoError(t, p.PublishStatus(device.Status{}))
	assert.NoError(t, p.PublishRide(RideEvent{}))
	assert.NoError(t, p.Close())
}
