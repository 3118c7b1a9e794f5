// Package export turns a finished ride into a FIT activity file.
package export

import (
	"math"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/ride"
)

// Record is one sample of the activity
type Record struct {
	Timestamp time.Time
	Power     int
	Cadence   int     // rpm, 0 when not reported
	SpeedMps  float64 // 0 when not reported
	DistanceM float64
	HeartRate int // 0 when not reported
}

// HRV holds the RR intervals that arrived with one heart-rate notification
type HRV struct {
	Timestamp time.Time
	RR        []int // milliseconds
}

// Activity is everything a FIT activity file is built from
type Activity struct {
	StartTime time.Time
	Duration  time.Duration
	Records   []Record
	HRV       []HRV
	Summary   ride.Summary
	Profile   *ride.Profile
}

// End is the time the activity finished
func (a Activity) End() time.Time {
	return a.StartTime.Add(a.Duration)
}

// FromRide builds an activity from a finished ride. RR intervals sharing a
// timestamp are grouped in arrival order.
func FromRide(data ride.RideData, profile *ride.Profile) Activity {
	a := Activity{
		StartTime: data.StartTime,
		Duration:  data.Duration,
		Records:   make([]Record, 0, len(data.DataPoints)),
		Summary:   data.Summary,
		Profile:   profile,
	}
	for _, p := range data.DataPoints {
		a.Records = append(a.Records, Record{
			Timestamp: p.Timestamp,
			Power:     p.Power,
			Cadence:   p.Cadence,
			SpeedMps:  p.Speed / 3.6,
			DistanceM: p.Distance,
			HeartRate: p.HR,
		})
	}

	for _, rr := range data.RRIntervals {
		n := len(a.HRV)
		if n > 0 && a.HRV[n-1].Timestamp.Equal(rr.Timestamp) {
			a.HRV[n-1].RR = append(a.HRV[n-1].RR, rr.RR)
			continue
		}
		a.HRV = append(a.HRV, HRV{Timestamp: rr.Timestamp, RR: []int{rr.RR}})
	}
	return a
}

// FileName is the export file name for a ride started at start, in start's
// location
func FileName(start time.Time) string {
	return start.Format("2006-01-02_15-04") + "_indoor_cycling.fit"
}

func clampUint8(v int) uint8 {
	return uint8(min(max(v, 0), math.MaxUint8-1))
}

func clampUint16(v int) uint16 {
	return uint16(min(max(v, 0), math.MaxUint16-1))
}

func clampUint32(v float64) uint32 {
	return uint32(math.Round(min(max(v, 0), math.MaxUint32-1)))
}
