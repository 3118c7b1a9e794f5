package history

import (
	"context"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/ride"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupTestStore(t *testing.T, limit int) *Store {
	store, err := Open(":memory:", limit, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRide(start time.Time) ride.RideData {
	points := []ride.DataPoint{
		{Timestamp: start.Add(time.Second), Elapsed: time.Second, Power: 150, Cadence: 85, Speed: 30, HR: 120, Distance: 8},
		{Timestamp: start.Add(2 * time.Second), Elapsed: 2 * time.Second, Power: 250, Cadence: 95, Speed: 34, HR: 130, Distance: 17},
	}
	profile := ride.DefaultProfile()
	return ride.RideData{
		StartTime:   start,
		Duration:    2 * time.Second,
		DataPoints:  points,
		RRIntervals: []ride.RRInterval{{Timestamp: start.Add(time.Second), RR: 480}},
		Summary:     ride.Summarize(points, &profile),
	}
}

var baseTime = time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)

func TestStore_SaveAndGet(t *testing.T) {
	store := setupTestStore(t, 0)
	ctx := context.Background()

	data := testRide(baseTime)
	saved, err := store.Save(ctx, data, "rider-1")
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, 200, saved.AvgPower)
	assert.Equal(t, 2*time.Second, saved.Duration())

	got, err := store.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "rider-1", got.ProfileID)
	assert.True(t, baseTime.Equal(got.StartTime))

	decoded, err := got.RideData()
	require.NoError(t, err)
	require.Len(t, decoded.DataPoints, 2)
	assert.Equal(t, data.DataPoints[1].Elapsed, decoded.DataPoints[1].Elapsed)
	assert.Equal(t, data.Summary.TimeInPowerZones, decoded.Summary.TimeInPowerZones)
	assert.Equal(t, 480, decoded.RRIntervals[0].RR)
}

func TestStore_ListNewestFirst(t *testing.T) {
	store := setupTestStore(t, 0)
	ctx := context.Background()

	for i, profile := range []string{"a", "b", "a"} {
		_, err := store.Save(ctx, testRide(baseTime.Add(time.Duration(i)*time.Hour)), profile)
		require.NoError(t, err)
	}

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, baseTime.Add(2*time.Hour).Equal(all[0].StartTime))
	assert.True(t, baseTime.Equal(all[2].StartTime))
	assert.Empty(t, all[0].Payload)

	_, err = all[0].RideData()
	assert.Error(t, err)

	mine, err := store.List(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestStore_PrunesBeyondLimit(t *testing.T) {
	store := setupTestStore(t, 3)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		saved, err := store.Save(ctx, testRide(baseTime.Add(time.Duration(i)*time.Hour)), "")
		require.NoError(t, err)
		ids = append(ids, saved.ID)
	}

	rides, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, rides, 3)
	assert.Equal(t, ids[4], rides[0].ID)
	assert.Equal(t, ids[2], rides[2].ID)

	_, err = store.Get(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PruneKeepsLatestSaveWithOldStart(t *testing.T) {
	store := setupTestStore(t, 3)
	ctx := context.Background()

	var ids []string
	for i := 1; i <= 3; i++ {
		saved, err := store.Save(ctx, testRide(baseTime.Add(time.Duration(i)*24*time.Hour)), "")
		require.NoError(t, err)
		ids = append(ids, saved.ID)
	}

	// a recovered ride saved late, started before all of them
	recovered, err := store.Save(ctx, testRide(baseTime), "")
	require.NoError(t, err)

	got, err := store.Get(ctx, recovered.ID)
	require.NoError(t, err)
	assert.Equal(t, recovered.ID, got.ID)
	_, err = store.Get(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound)

	rides, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, rides, 3)
	assert.Equal(t, ids[2], rides[0].ID)
	assert.Equal(t, recovered.ID, rides[2].ID)
}

func TestStore_DeleteAndClear(t *testing.T) {
	store := setupTestStore(t, 0)
	ctx := context.Background()

	first, err := store.Save(ctx, testRide(baseTime), "")
	require.NoError(t, err)
	_, err = store.Save(ctx, testRide(baseTime.Add(time.Hour)), "")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, first.ID))
	assert.ErrorIs(t, store.Delete(ctx, first.ID), ErrNotFound)

	rides, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, rides, 1)

	require.NoError(t, store.Clear(ctx))
	rides, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, rides)
}

func TestStore_OpenCreatesDirectory(t *testing.T) {
	path := t.TempDir() + "/nested/history.db"
	store, err := Open(path, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Save(context.Background(), testRide(baseTime), "")
	require.NoError(t, err)
}
