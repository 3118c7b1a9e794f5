package ride

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/kvstore"
	"github.com/lowaak/smart-trainer/trainer-core/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRecorder(t *testing.T, store kvstore.Store, clock *fakeClock) *Recorder {
	opts := DefaultOptions()
	opts.Clock = clock.Now
	return NewRecorder(store, zaptest.NewLogger(t), opts)
}

func loadSnapshot(t *testing.T, store kvstore.Store) snapshot {
	raw, err := store.Get(context.Background(), SnapshotKey)
	require.NoError(t, err)
	snap, err := parseSnapshot(raw)
	require.NoError(t, err)
	return snap
}

func TestRecorder_AddDataPointIsNoOpUnlessRecording(t *testing.T) {
	clock := newFakeClock()
	rec := newTestRecorder(t, kvstore.NewMemoryStore(0), clock)

	rec.AddDataPoint(Sample{Power: 100})
	assert.Empty(t, rec.GetFullSessionData())
	assert.Equal(t, StateIdle, rec.State())

	require.NoError(t, rec.StartRecording())
	clock.Advance(time.Second)
	rec.AddDataPoint(Sample{Power: 100})
	require.Len(t, rec.GetFullSessionData(), 1)

	rec.PauseRecording()
	clock.Advance(time.Second)
	rec.AddDataPoint(Sample{Power: 100})
	rec.AddHRData(telemetry.HeartRateSample{HR: 150, RRIntervals: []int{400}})
	assert.Len(t, rec.GetFullSessionData(), 1)
	assert.Equal(t, 0, rec.GetFullSessionData()[0].HR)

	rec.ResumeRecording()
	rec.StopRecording(nil)
	rec.AddDataPoint(Sample{Power: 100})
	assert.Len(t, rec.GetFullSessionData(), 1)
	assert.Equal(t, StateStopped, rec.State())
}

func TestRecorder_StartRecordingTwice(t *testing.T) {
	clock := newFakeClock()
	rec := newTestRecorder(t, kvstore.NewMemoryStore(0), clock)

	require.NoError(t, rec.StartRecording())
	assert.ErrorIs(t, rec.StartRecording(), ErrAlreadyRecording)
	rec.PauseRecording()
	assert.ErrorIs(t, rec.StartRecording(), ErrAlreadyRecording)

	clock.Advance(time.Second)
	rec.ResumeRecording()
	rec.AddDataPoint(Sample{Power: 100})
	rec.StopRecording(nil)

	// a new session starts from empty buffers
	require.NoError(t, rec.StartRecording())
	assert.Empty(t, rec.GetFullSessionData())
	assert.True(t, rec.IsRecording())
	assert.False(t, rec.IsPaused())
}

func TestRecorder_ElapsedIsNonDecreasing(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	clock := newFakeClock()
	rec := newTestRecorder(t, kvstore.NewMemoryStore(0), clock)
	require.NoError(t, rec.StartRecording())

	for i := 0; i < 2000; i++ {
		switch rng.Intn(10) {
		case 0:
			rec.PauseRecording()
		case 1:
			rec.ResumeRecording()
		}
		clock.Advance(time.Duration(rng.Intn(1500)) * time.Millisecond)
		sample := Sample{Power: rng.Intn(400)}
		if rng.Intn(5) == 0 {
			// clock skew: a sample stamped in the past
			sample.Timestamp = clock.Now().Add(-time.Duration(rng.Intn(5000)) * time.Millisecond)
		}
		rec.AddDataPoint(sample)
	}

	points := rec.GetFullSessionData()
	require.NotEmpty(t, points)
	for i, p := range points {
		assert.GreaterOrEqual(t, p.Elapsed, time.Duration(0))
		if i > 0 {
			assert.GreaterOrEqual(t, p.Elapsed, points[i-1].Elapsed, "point %d", i)
		}
	}
}

func TestRecorder_DistanceIsNonDecreasing(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	clock := newFakeClock()
	rec := newTestRecorder(t, kvstore.NewMemoryStore(0), clock)
	require.NoError(t, rec.StartRecording())

	device := 0.0
	for i := 0; i < 2000; i++ {
		clock.Advance(time.Second)
		sample := Sample{}
		switch rng.Intn(4) {
		case 0: // device distance
			device += rng.Float64() * 12
			sample.Distance = device
			sample.Speed = 30
		case 1: // speed only
			sample.Speed = rng.Float64() * 45
		case 2: // device restarted, distance starts over
			device = rng.Float64() * 10
			sample.Distance = device
		default: // nothing reported
		}
		rec.AddDataPoint(sample)
	}

	points := rec.GetFullSessionData()
	for i := 1; i < len(points); i++ {
		assert.GreaterOrEqual(t, points[i].Distance, points[i-1].Distance, "point %d", i)
	}
}

func TestRecorder_DistancePolicy(t *testing.T) {
	clock := newFakeClock()
	rec := newTestRecorder(t, kvstore.NewMemoryStore(0), clock)
	require.NoError(t, rec.StartRecording())

	clock.Advance(time.Second)
	rec.AddDataPoint(Sample{Speed: 36}) // first point, no delta yet
	clock.Advance(time.Second)
	rec.AddDataPoint(Sample{Speed: 36}) // 10 m/s for 1s
	clock.Advance(time.Second)
	rec.AddDataPoint(Sample{Speed: 36, Distance: 100}) // device ahead, adopted
	clock.Advance(2 * time.Second)
	rec.AddDataPoint(Sample{Speed: 18, Distance: 3}) // device reset, extrapolated
	clock.Advance(time.Second)
	rec.AddDataPoint(Sample{Distance: 50}) // behind, nothing to extrapolate

	points := rec.GetFullSessionData()
	require.Len(t, points, 5)
	assert.InDelta(t, 0, points[0].Distance, 1e-9)
	assert.InDelta(t, 10, points[1].Distance, 1e-9)
	assert.InDelta(t, 100, points[2].Distance, 1e-9)
	assert.InDelta(t, 110, points[3].Distance, 1e-9)
	assert.InDelta(t, 110, points[4].Distance, 1e-9)
}

func TestRecorder_TimeInZonesScenario(t *testing.T) {
	clock := newFakeClock()
	rec := newTestRecorder(t, kvstore.NewMemoryStore(0), clock)
	require.NoError(t, rec.StartRecording())

	for _, watts := range []int{100, 100, 240, 240, 100} {
		clock.Advance(time.Second)
		rec.AddDataPoint(Sample{Power: watts})
	}

	data := rec.StopRecording(&Profile{FTP: 200})
	require.NotNil(t, data)
	assert.Equal(t, 3000*time.Millisecond, data.Summary.TimeInPowerZones[1])
	assert.Equal(t, 2000*time.Millisecond, data.Summary.TimeInPowerZones[5])
	assert.Equal(t, 5*time.Second, data.Duration)

	var total time.Duration
	for _, d := range data.Summary.TimeInPowerZones {
		total += d
	}
	assert.Equal(t, data.Duration, total)
}

func TestRecorder_ZoneTimeNeverExceedsDuration(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	clock := newFakeClock()
	rec := newTestRecorder(t, kvstore.NewMemoryStore(0), clock)
	require.NoError(t, rec.StartRecording())

	for i := 0; i < 500; i++ {
		if rng.Intn(20) == 0 {
			rec.PauseRecording()
			clock.Advance(time.Duration(rng.Intn(60)) * time.Second)
			rec.ResumeRecording()
		}
		clock.Advance(time.Duration(500+rng.Intn(1500)) * time.Millisecond)
		rec.AddDataPoint(Sample{Power: 1 + rng.Intn(600), HR: rng.Intn(200)})
	}

	data := rec.GetRideData(&Profile{FTP: 250, MaxHR: 190})
	require.NotNil(t, data)
	var powerTotal, hrTotal time.Duration
	for _, d := range data.Summary.TimeInPowerZones {
		powerTotal += d
	}
	for _, d := range data.Summary.TimeInHRZones {
		hrTotal += d
	}
	// every sample has power, so every sample classifies
	assert.Equal(t, data.Duration, powerTotal)
	assert.LessOrEqual(t, hrTotal, data.Duration)
}

func TestRecorder_PauseTwiceCountsOnce(t *testing.T) {
	clock := newFakeClock()
	store := kvstore.NewMemoryStore(0)
	rec := newTestRecorder(t, store, clock)
	require.NoError(t, rec.StartRecording())

	clock.Advance(10 * time.Second)
	rec.PauseRecording()
	clock.Advance(5 * time.Second)
	rec.PauseRecording()
	clock.Advance(5 * time.Second)
	assert.Equal(t, 10, rec.GetElapsedSeconds())

	rec.ResumeRecording()
	rec.ResumeRecording()
	assert.Equal(t, 10, rec.GetElapsedSeconds())
	assert.Equal(t, int64(10_000), loadSnapshot(t, store).TotalPausedDuration)

	clock.Advance(3 * time.Second)
	rec.AddDataPoint(Sample{Power: 150})
	assert.Equal(t, 13*time.Second, rec.GetFullSessionData()[0].Elapsed)
}

func TestRecorder_HRData(t *testing.T) {
	clock := newFakeClock()
	rec := newTestRecorder(t, kvstore.NewMemoryStore(0), clock)
	require.NoError(t, rec.StartRecording())

	// no point yet, RR still kept
	rec.AddHRData(telemetry.HeartRateSample{Timestamp: clock.Now(), HR: 120, RRIntervals: []int{500}})
	clock.Advance(time.Second)
	rec.AddDataPoint(Sample{Power: 200, HR: 110})
	rec.AddHRData(telemetry.HeartRateSample{Timestamp: clock.Now(), HR: 125, RRIntervals: []int{480, 470}})

	points := rec.GetFullSessionData()
	require.Len(t, points, 1)
	assert.Equal(t, 125, points[0].HR)

	data := rec.GetRideData(nil)
	require.Len(t, data.RRIntervals, 3)
	assert.Equal(t, 470, data.RRIntervals[2].RR)
	assert.Equal(t, clock.Now(), data.RRIntervals[2].Timestamp)
}

func TestRecorder_StopRecording(t *testing.T) {
	clock := newFakeClock()
	store := kvstore.NewMemoryStore(0)
	rec := newTestRecorder(t, store, clock)

	assert.Nil(t, rec.StopRecording(nil))

	require.NoError(t, rec.StartRecording())
	_, err := store.Get(context.Background(), SnapshotKey)
	require.NoError(t, err)

	// nothing recorded
	assert.Nil(t, rec.StopRecording(nil))
	_, err = store.Get(context.Background(), SnapshotKey)
	assert.ErrorIs(t, err, kvstore.ErrNotFound)

	require.NoError(t, rec.StartRecording())
	clock.Advance(time.Second)
	rec.AddDataPoint(Sample{Power: 180, Cadence: 90.6, Speed: 32})
	rec.PauseRecording()
	clock.Advance(time.Minute)

	data := rec.StopRecording(nil)
	require.NotNil(t, data)
	assert.Equal(t, time.Second, data.Duration)
	assert.Equal(t, 90, data.DataPoints[0].Cadence)
	assert.Nil(t, data.Summary.TimeInPowerZones)
	assert.Equal(t, 1, rec.GetElapsedSeconds())

	// the finalized ride stays readable until the next start
	assert.NotNil(t, rec.GetRideData(nil))
}

func TestRecorder_SnapshotEveryTenPoints(t *testing.T) {
	clock := newFakeClock()
	store := kvstore.NewMemoryStore(0)
	rec := newTestRecorder(t, store, clock)
	require.NoError(t, rec.StartRecording())

	for i := 0; i < 9; i++ {
		clock.Advance(time.Second)
		rec.AddDataPoint(Sample{Power: 100})
	}
	assert.Empty(t, loadSnapshot(t, store).DataPoints)

	clock.Advance(time.Second)
	rec.AddDataPoint(Sample{Power: 100})
	assert.Len(t, loadSnapshot(t, store).DataPoints, 10)
}

func TestRecorder_SnapshotKeepsTrailingWindow(t *testing.T) {
	clock := newFakeClock()
	store := kvstore.NewMemoryStore(0)
	opts := DefaultOptions()
	opts.Clock = clock.Now
	opts.SnapshotPoints = 25
	opts.SnapshotRR = 8
	rec := NewRecorder(store, zaptest.NewLogger(t), opts)
	require.NoError(t, rec.StartRecording())

	for i := 0; i < 40; i++ {
		clock.Advance(time.Second)
		rec.AddDataPoint(Sample{Power: i})
		rec.AddHRData(telemetry.HeartRateSample{HR: 100, RRIntervals: []int{600}})
	}

	snap := loadSnapshot(t, store)
	require.Len(t, snap.DataPoints, 25)
	assert.Equal(t, 15, snap.DataPoints[0].Power)
	assert.Len(t, snap.RRIntervals, 8)
}

// limitedStore rejects snapshots holding more than maxPoints points
type limitedStore struct {
	*kvstore.MemoryStore
	maxPoints int
	rejected  int
}

func (s *limitedStore) Set(ctx context.Context, key string, value []byte) error {
	var snap snapshot
	if err := json.Unmarshal(value, &snap); err == nil && len(snap.DataPoints) > s.maxPoints {
		s.rejected++
		return kvstore.ErrStorageFull
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func TestRecorder_StorageFullHalvesSnapshot(t *testing.T) {
	clock := newFakeClock()
	store := &limitedStore{MemoryStore: kvstore.NewMemoryStore(0), maxPoints: 15}
	opts := DefaultOptions()
	opts.Clock = clock.Now
	opts.SnapshotPoints = 20
	rec := NewRecorder(store, zaptest.NewLogger(t), opts)
	require.NoError(t, rec.StartRecording())

	for i := 0; i < 30; i++ {
		clock.Advance(time.Second)
		rec.AddDataPoint(Sample{Power: i})
	}

	assert.Equal(t, 2, store.rejected)
	snap := loadSnapshot(t, store)
	require.Len(t, snap.DataPoints, 10)
	assert.Equal(t, 20, snap.DataPoints[0].Power)
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errors.New("disk gone") }
func (brokenStore) Set(context.Context, string, []byte) error   { return kvstore.ErrStorageFull }
func (brokenStore) Delete(context.Context, string) error        { return errors.New("disk gone") }

func TestRecorder_StorageFailureDoesNotInterruptRecording(t *testing.T) {
	clock := newFakeClock()
	rec := newTestRecorder(t, brokenStore{}, clock)
	require.NoError(t, rec.StartRecording())

	for i := 0; i < 25; i++ {
		clock.Advance(time.Second)
		rec.AddDataPoint(Sample{Power: 200})
	}
	data := rec.StopRecording(nil)
	require.NotNil(t, data)
	assert.Len(t, data.DataPoints, 25)

	_, err := rec.RecoverRide(context.Background())
	assert.Error(t, err)
}

func TestRecorder_RecoverRideRoundTrip(t *testing.T) {
	clock := newFakeClock()
	store := kvstore.NewMemoryStore(0)
	rec := newTestRecorder(t, store, clock)
	require.NoError(t, rec.StartRecording())

	for i := 0; i < 12; i++ {
		clock.Advance(time.Second)
		rec.AddDataPoint(Sample{Power: 150, Speed: 36})
	}
	rec.PauseRecording()
	clock.Advance(30 * time.Second)
	rec.ResumeRecording()
	for i := 0; i < 8; i++ {
		clock.Advance(time.Second)
		rec.AddDataPoint(Sample{Power: 150, Speed: 36})
	}
	before := rec.GetElapsedSeconds()
	beforeDistance := rec.GetFullSessionData()[19].Distance

	// simulated restart: a fresh recorder over the same store
	recovered := newTestRecorder(t, store, clock)
	ok, err := recovered.RecoverRide(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateRecording, recovered.State())
	assert.Equal(t, before, recovered.GetElapsedSeconds())
	assert.Equal(t, 20, before)
	require.Len(t, recovered.GetFullSessionData(), 20)

	clock.Advance(time.Second)
	recovered.AddDataPoint(Sample{Power: 150, Speed: 36})
	points := recovered.GetFullSessionData()
	assert.InDelta(t, beforeDistance+10, points[len(points)-1].Distance, 1e-6)
	assert.Equal(t, 21*time.Second, points[len(points)-1].Elapsed)
}

func TestRecorder_RecoverPausedRide(t *testing.T) {
	clock := newFakeClock()
	store := kvstore.NewMemoryStore(0)
	rec := newTestRecorder(t, store, clock)
	require.NoError(t, rec.StartRecording())
	clock.Advance(40 * time.Second)
	rec.PauseRecording()
	clock.Advance(20 * time.Second)

	recovered := newTestRecorder(t, store, clock)
	ok, err := recovered.RecoverRide(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, recovered.IsPaused())
	assert.Equal(t, 40, recovered.GetElapsedSeconds())

	recovered.ResumeRecording()
	clock.Advance(5 * time.Second)
	assert.Equal(t, 45, recovered.GetElapsedSeconds())
}

func TestRecorder_RecoverRideWithoutSnapshot(t *testing.T) {
	rec := newTestRecorder(t, kvstore.NewMemoryStore(0), newFakeClock())
	ok, err := rec.RecoverRide(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateIdle, rec.State())
}

func TestRecorder_RecoverCorruptSnapshot(t *testing.T) {
	store := kvstore.NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, SnapshotKey, []byte("{broken")))

	rec := newTestRecorder(t, store, newFakeClock())
	ok, err := rec.RecoverRide(ctx)
	assert.Error(t, err)
	assert.False(t, ok)
	_, err = store.Get(ctx, SnapshotKey)
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestRecorder_RecoverWhileRecording(t *testing.T) {
	rec := newTestRecorder(t, kvstore.NewMemoryStore(0), newFakeClock())
	require.NoError(t, rec.StartRecording())
	_, err := rec.RecoverRide(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRecording)
}

func TestRecorder_GetRecentDataUsesWallClock(t *testing.T) {
	clock := newFakeClock()
	rec := newTestRecorder(t, kvstore.NewMemoryStore(0), clock)
	require.NoError(t, rec.StartRecording())

	for i := 0; i < 60; i++ {
		clock.Advance(time.Second)
		rec.AddDataPoint(Sample{Power: i})
	}
	assert.Len(t, rec.GetRecentData(10*time.Second), 11)

	// a pause shrinks the window
	rec.PauseRecording()
	clock.Advance(5 * time.Second)
	rec.ResumeRecording()
	assert.Len(t, rec.GetRecentData(10*time.Second), 6)
	assert.Len(t, rec.GetFullSessionData(), 60)
}

func TestDataPoint_JSONElapsedInMilliseconds(t *testing.T) {
	p := DataPoint{
		Timestamp: time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC),
		Elapsed:   1500 * time.Millisecond,
		Power:     210,
	}
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, float64(1500), fields["elapsed"])

	var back DataPoint
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, p, back)
}

func TestRecorder_Checkpoint(t *testing.T) {
	clock := newFakeClock()
	store := kvstore.NewMemoryStore(0)
	rec := newTestRecorder(t, store, clock)

	rec.Checkpoint()
	_, err := store.Get(context.Background(), SnapshotKey)
	assert.ErrorIs(t, err, kvstore.ErrNotFound)

	require.NoError(t, rec.StartRecording())
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		rec.AddDataPoint(Sample{Power: 100})
	}
	assert.Empty(t, loadSnapshot(t, store).DataPoints)

	rec.Checkpoint()
	assert.Len(t, loadSnapshot(t, store).DataPoints, 3)
}
