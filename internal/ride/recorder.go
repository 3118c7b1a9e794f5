package ride

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/kvstore"
	"github.com/lowaak/smart-trainer/trainer-core/internal/telemetry"
	"go.uber.org/zap"
)

// Options tunes the recorder. Zero fields take the defaults.
type Options struct {
	SnapshotEvery  int // persist after every n-th point
	SnapshotPoints int // trailing points kept in the snapshot
	SnapshotRR     int // trailing RR intervals kept in the snapshot
	StoreTimeout   time.Duration
	Clock          func() time.Time
}

func DefaultOptions() Options {
	return Options{
		SnapshotEvery:  10,
		SnapshotPoints: 600,
		SnapshotRR:     20000,
		StoreTimeout:   5 * time.Second,
		Clock:          time.Now,
	}
}

// Recorder owns at most one ride session and its state machine:
// idle -> recording <-> paused -> stopped -> recording ...
// All methods are safe for concurrent use.
type Recorder struct {
	store  kvstore.Store
	logger *zap.Logger
	opts   Options

	mu      sync.Mutex
	state   State
	session *Session
}

func NewRecorder(store kvstore.Store, logger *zap.Logger, opts Options) *Recorder {
	if store == nil {
		panic("Recorder: store cannot be nil")
	}
	if logger == nil {
		panic("Recorder: logger cannot be nil")
	}
	defaults := DefaultOptions()
	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = defaults.SnapshotEvery
	}
	if opts.SnapshotPoints <= 0 {
		opts.SnapshotPoints = defaults.SnapshotPoints
	}
	if opts.SnapshotRR <= 0 {
		opts.SnapshotRR = defaults.SnapshotRR
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaults.StoreTimeout
	}
	if opts.Clock == nil {
		opts.Clock = defaults.Clock
	}
	return &Recorder{
		store:  store,
		logger: logger,
		opts:   opts,
		state:  StateIdle,
	}
}

// StartRecording begins a new session. It is only valid from idle or stopped.
func (r *Recorder) StartRecording() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateRecording || r.state == StatePaused {
		return ErrAlreadyRecording
	}
	r.session = &Session{StartTime: r.opts.Clock()}
	r.state = StateRecording
	r.logger.Info("Recorder: recording started", zap.Time("start", r.session.StartTime))
	r.persistLocked()
	return nil
}

// PauseRecording pauses an active recording; otherwise it does nothing
func (r *Recorder) PauseRecording() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording {
		return
	}
	r.session.IsPaused = true
	r.session.PauseStartTime = r.opts.Clock()
	r.state = StatePaused
	r.logger.Info("Recorder: recording paused")
	r.persistLocked()
}

// ResumeRecording resumes a paused recording; otherwise it does nothing
func (r *Recorder) ResumeRecording() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePaused {
		return
	}
	r.session.TotalPausedDuration += r.currentPauseLocked()
	r.session.IsPaused = false
	r.session.PauseStartTime = time.Time{}
	r.state = StateRecording
	r.logger.Info("Recorder: recording resumed", zap.Duration("totalPaused", r.session.TotalPausedDuration))
	r.persistLocked()
}

// AddDataPoint appends a point while recording and not paused. Elapsed time
// never goes below zero or below the previous point. Distance takes the
// device value when it moves forward, otherwise it is extrapolated from
// speed over the ride time since the previous point, so it never decreases.
func (r *Recorder) AddDataPoint(sample Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording {
		return
	}
	s := r.session

	now := sample.Timestamp
	if now.IsZero() {
		now = r.opts.Clock()
	}
	elapsed := now.Sub(s.StartTime) - s.TotalPausedDuration
	if elapsed < 0 {
		elapsed = 0
	}

	var deltaSeconds float64
	if n := len(s.DataPoints); n > 0 {
		last := s.DataPoints[n-1]
		if elapsed < last.Elapsed {
			elapsed = last.Elapsed
		}
		deltaSeconds = (elapsed - last.Elapsed).Seconds()
	}

	distance := s.LastDistance
	switch {
	case sample.Distance > s.LastDistance:
		distance = sample.Distance
	case sample.Speed > 0 && deltaSeconds > 0:
		distance += sample.Speed / 3.6 * deltaSeconds
	}
	s.LastDistance = distance

	s.DataPoints = append(s.DataPoints, DataPoint{
		Timestamp: now,
		Elapsed:   elapsed,
		Power:     sample.Power,
		Cadence:   int(sample.Cadence),
		Speed:     sample.Speed,
		HR:        sample.HR,
		Distance:  distance,
	})

	if len(s.DataPoints)%r.opts.SnapshotEvery == 0 {
		r.persistLocked()
	}
}

// AddHRData patches the heart rate of the latest point and keeps the RR
// intervals. It does nothing unless recording and not paused.
func (r *Recorder) AddHRData(sample telemetry.HeartRateSample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording {
		return
	}
	s := r.session
	if n := len(s.DataPoints); n > 0 {
		s.DataPoints[n-1].HR = sample.HR
	}
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = r.opts.Clock()
	}
	for _, rr := range sample.RRIntervals {
		s.RRIntervals = append(s.RRIntervals, RRInterval{Timestamp: ts, RR: rr})
	}
}

// StopRecording finalizes the session and removes the recovery snapshot. It
// returns nil when nothing was recorded.
func (r *Recorder) StopRecording(profile *Profile) *RideData {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return nil
	}
	if r.state == StateRecording || r.state == StatePaused {
		if r.state == StatePaused {
			r.session.TotalPausedDuration += r.currentPauseLocked()
			r.session.IsPaused = false
			r.session.PauseStartTime = time.Time{}
		}
		r.state = StateStopped
		r.logger.Info("Recorder: recording stopped", zap.Int("points", len(r.session.DataPoints)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StoreTimeout)
	defer cancel()
	if err := r.store.Delete(ctx, SnapshotKey); err != nil {
		r.logger.Warn("Recorder: could not delete snapshot", zap.Error(err))
	}
	return r.rideDataLocked(profile)
}

// Checkpoint writes the snapshot now instead of waiting for the next point
// interval. It does nothing unless a session is active.
func (r *Recorder) Checkpoint() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording && r.state != StatePaused {
		return
	}
	r.persistLocked()
}

// GetRideData returns the current or last session as a ride, nil when it has
// no points
func (r *Recorder) GetRideData(profile *Profile) *RideData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rideDataLocked(profile)
}

func (r *Recorder) rideDataLocked(profile *Profile) *RideData {
	if r.session == nil || len(r.session.DataPoints) == 0 {
		return nil
	}
	s := r.session
	points := append([]DataPoint(nil), s.DataPoints...)
	return &RideData{
		StartTime:   s.StartTime,
		Duration:    points[len(points)-1].Elapsed,
		DataPoints:  points,
		RRIntervals: append([]RRInterval(nil), s.RRIntervals...),
		Summary:     Summarize(points, profile),
	}
}

// RecoverRide restores a session from the snapshot left by a previous
// process. It reports false when there is nothing to recover; an unreadable
// snapshot is deleted.
func (r *Recorder) RecoverRide(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateRecording || r.state == StatePaused {
		return false, ErrAlreadyRecording
	}

	raw, err := r.store.Get(ctx, SnapshotKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load ride snapshot: %w", err)
	}

	snap, err := parseSnapshot(raw)
	if err != nil {
		if delErr := r.store.Delete(ctx, SnapshotKey); delErr != nil {
			r.logger.Warn("Recorder: could not delete corrupt snapshot", zap.Error(delErr))
		}
		return false, fmt.Errorf("parse ride snapshot: %w", err)
	}

	r.session = snap.session()
	r.state = StateRecording
	if r.session.IsPaused {
		r.state = StatePaused
	}
	r.logger.Info("Recorder: ride recovered",
		zap.Time("start", r.session.StartTime),
		zap.Int("points", len(r.session.DataPoints)),
		zap.Stringer("state", r.state))
	return true, nil
}

// GetElapsedSeconds returns whole seconds of ride time, excluding pauses
// including one in progress
func (r *Recorder) GetElapsedSeconds() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return 0
	}
	s := r.session
	var elapsed time.Duration
	if r.state == StateStopped {
		if n := len(s.DataPoints); n > 0 {
			elapsed = s.DataPoints[n-1].Elapsed
		}
	} else {
		elapsed = r.opts.Clock().Sub(s.StartTime) - s.TotalPausedDuration - r.currentPauseLocked()
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return int(elapsed / time.Second)
}

// GetRecentData returns the points whose timestamp falls within window of
// now. The filter is on wall-clock time, so a pause inside the window leaves
// fewer points than the window length suggests.
func (r *Recorder) GetRecentData(window time.Duration) []DataPoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return nil
	}
	cutoff := r.opts.Clock().Add(-window)
	var result []DataPoint
	for _, p := range r.session.DataPoints {
		if !p.Timestamp.Before(cutoff) {
			result = append(result, p)
		}
	}
	return result
}

// GetFullSessionData returns a copy of every point of the session
func (r *Recorder) GetFullSessionData() []DataPoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return nil
	}
	return append([]DataPoint(nil), r.session.DataPoints...)
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsRecording reports whether a session is active, paused or not
func (r *Recorder) IsRecording() bool {
	state := r.State()
	return state == StateRecording || state == StatePaused
}

func (r *Recorder) IsPaused() bool {
	return r.State() == StatePaused
}

func (r *Recorder) currentPauseLocked() time.Duration {
	s := r.session
	if !s.IsPaused || s.PauseStartTime.IsZero() {
		return 0
	}
	d := r.opts.Clock().Sub(s.PauseStartTime)
	if d < 0 {
		return 0
	}
	return d
}

// persistLocked writes the snapshot. When the store is full the retained
// windows are halved and the write is tried once more. Failures are logged
// and never interrupt recording.
func (r *Recorder) persistLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StoreTimeout)
	defer cancel()

	err := r.writeSnapshotLocked(ctx, r.opts.SnapshotPoints, r.opts.SnapshotRR)
	if errors.Is(err, kvstore.ErrStorageFull) {
		r.logger.Warn("Recorder: storage full, shrinking snapshot", zap.Error(err))
		err = r.writeSnapshotLocked(ctx, r.opts.SnapshotPoints/2, r.opts.SnapshotRR/2)
	}
	if err != nil {
		r.logger.Error("Recorder: could not persist snapshot", zap.Error(err))
	}
}

func (r *Recorder) writeSnapshotLocked(ctx context.Context, maxPoints, maxRR int) error {
	raw, err := newSnapshot(r.session, maxPoints, maxRR).marshal()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return r.store.Set(ctx, SnapshotKey, raw)
}
