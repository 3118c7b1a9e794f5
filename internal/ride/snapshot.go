package ride

import (
	"encoding/json"
	"errors"
	"time"
)

// SnapshotKey is the store key of the in-progress ride snapshot
const SnapshotKey = "ride_in_progress"

// snapshot is the persisted form of a session. Only the trailing windows of
// points and RR intervals are kept.
type snapshot struct {
	StartTime           time.Time    `json:"startTime"`
	PauseStartTime      *time.Time   `json:"pauseStartTime"`
	TotalPausedDuration int64        `json:"totalPausedDuration"` // milliseconds
	IsPaused            bool         `json:"isPaused"`
	DataPoints          []DataPoint  `json:"dataPoints"`
	RRIntervals         []RRInterval `json:"rrIntervals"`
}

func newSnapshot(s *Session, maxPoints, maxRR int) snapshot {
	snap := snapshot{
		StartTime:           s.StartTime,
		TotalPausedDuration: s.TotalPausedDuration.Milliseconds(),
		IsPaused:            s.IsPaused,
		DataPoints:          tail(s.DataPoints, maxPoints),
		RRIntervals:         tail(s.RRIntervals, maxRR),
	}
	if s.IsPaused {
		pauseStart := s.PauseStartTime
		snap.PauseStartTime = &pauseStart
	}
	return snap
}

func (snap snapshot) marshal() ([]byte, error) {
	return json.Marshal(snap)
}

func parseSnapshot(raw []byte) (snapshot, error) {
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snapshot{}, err
	}
	if snap.StartTime.IsZero() {
		return snapshot{}, errors.New("snapshot has no start time")
	}
	return snap, nil
}

// session rebuilds a session. The distance carries on from the last point.
func (snap snapshot) session() *Session {
	s := &Session{
		StartTime:           snap.StartTime,
		TotalPausedDuration: time.Duration(snap.TotalPausedDuration) * time.Millisecond,
		IsPaused:            snap.IsPaused,
		DataPoints:          snap.DataPoints,
		RRIntervals:         snap.RRIntervals,
	}
	if snap.IsPaused && snap.PauseStartTime != nil {
		s.PauseStartTime = *snap.PauseStartTime
	}
	if n := len(s.DataPoints); n > 0 {
		s.LastDistance = s.DataPoints[n-1].Distance
	}
	return s
}

func tail[T any](items []T, n int) []T {
	if n < 0 {
		n = 0
	}
	if len(items) > n {
		items = items[len(items)-n:]
	}
	return append([]T(nil), items...)
}
