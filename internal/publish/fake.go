package publish

import (
	"sync"

	"github.com/lowaak/smart-trainer/trainer-core/internal/device"
	"github.com/lowaak/smart-trainer/trainer-core/internal/ride"
)

// FakePublisher records what was published, for tests
type FakePublisher struct {
	mu sync.Mutex

	Metrics    []ride.Metrics
	Statuses   []device.Status
	RideEvents []RideEvent
	Payloads   map[string][][]byte // by topic

	// PublishError, if set, is returned by every publish
	PublishError error
	Closed       bool

	topics Topics
}

func NewFakePublisher() *FakePublisher {
	return &FakePublisher{
		Payloads: make(map[string][][]byte),
		topics:   TopicsFor(""),
	}
}

func (f *FakePublisher) PublishMetrics(m ride.Metrics) error {
	payload, err := FormatMetrics(m)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Metrics = append(f.Metrics, m)
	f.Payloads[f.topics.Live] = append(f.Payloads[f.topics.Live], payload)
	return nil
}

func (f *FakePublisher) PublishStatus(s device.Status) error {
	payload, err := FormatStatus(s)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Statuses = append(f.Statuses, s)
	f.Payloads[f.topics.Status] = append(f.Payloads[f.topics.Status], payload)
	return nil
}

func (f *FakePublisher) PublishRide(e RideEvent) error {
	payload, err := FormatRideEvent(e)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.RideEvents = append(f.RideEvents, e)
	f.Payloads[f.topics.Ride] = append(f.Payloads[f.topics.Ride], payload)
	return nil
}

func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Events returns the names of the published ride events in order
func (f *FakePublisher) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.RideEvents))
	for _, e := range f.RideEvents {
		names = append(names, e.Event)
	}
	return names
}

// LastStatus returns the latest published status
func (f *FakePublisher) LastStatus() (device.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Statuses) == 0 {
		return device.Status{}, false
	}
	return f.Statuses[len(f.Statuses)-1], true
}

// MetricsCount returns the number of live messages published
func (f *FakePublisher) MetricsCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Metrics)
}
