package ride

import (
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/events"
	"github.com/lowaak/smart-trainer/trainer-core/internal/telemetry"
)

// Metrics are the latest known live values
type Metrics struct {
	Power      int       `json:"power"`
	Cadence    float64   `json:"cadence"`
	Speed      float64   `json:"speed"`
	Distance   float64   `json:"distance"`
	Resistance int       `json:"resistance"`
	HR         int       `json:"hr"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Live merges telemetry into Metrics. Fields missing from a sample keep their
// previous value. Once a heart-rate sensor has reported, heart rate relayed
// by the trainer is ignored.
type Live struct {
	mu           sync.Mutex
	metrics      Metrics
	hrFromSensor bool
	updates      *events.Feed[Metrics]
}

func NewLive() *Live {
	return &Live{updates: events.NewFeed[Metrics](true)}
}

// ApplyTelemetry merges a trainer sample
func (l *Live) ApplyTelemetry(s telemetry.TelemetrySample) {
	l.mu.Lock()
	m := &l.metrics
	if s.Power != nil {
		m.Power = *s.Power
	}
	if s.Cadence != nil {
		m.Cadence = *s.Cadence
	}
	if s.Speed != nil {
		m.Speed = *s.Speed
	}
	if s.Distance != nil {
		m.Distance = *s.Distance
	}
	if s.Resistance != nil {
		m.Resistance = *s.Resistance
	}
	if s.HeartRate != nil && !l.hrFromSensor {
		m.HR = *s.HeartRate
	}
	m.UpdatedAt = s.Timestamp
	snapshot := l.metrics
	l.mu.Unlock()

	l.updates.Publish(snapshot)
}

// ApplyHeartRate merges a heart-rate sensor sample
func (l *Live) ApplyHeartRate(s telemetry.HeartRateSample) {
	l.mu.Lock()
	l.hrFromSensor = true
	l.metrics.HR = s.HR
	l.metrics.UpdatedAt = s.Timestamp
	snapshot := l.metrics
	l.mu.Unlock()

	l.updates.Publish(snapshot)
}

// Snapshot returns the current values
func (l *Live) Snapshot() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metrics
}

// Sample converts the current values into a recorder input stamped with ts
func (l *Live) Sample(ts time.Time) Sample {
	m := l.Snapshot()
	return Sample{
		Timestamp: ts,
		Power:     m.Power,
		Cadence:   m.Cadence,
		Speed:     m.Speed,
		HR:        m.HR,
		Distance:  m.Distance,
	}
}

// Updates is the feed of merged values, replaying the latest to new
// subscribers
func (l *Live) Updates() *events.Feed[Metrics] {
	return l.updates
}

// ResetTrainer clears the values the trainer reported. Heart rate from a
// heart-rate sensor is kept, and so is the preference for it.
func (l *Live) ResetTrainer() {
	l.mu.Lock()
	m := &l.metrics
	m.Power = 0
	m.Cadence = 0
	m.Speed = 0
	m.Distance = 0
	m.Resistance = 0
	if !l.hrFromSensor {
		m.HR = 0
		m.UpdatedAt = time.Time{}
	}
	l.mu.Unlock()
}
