package ride

import (
	"math"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/zones"
)

// Summary holds the aggregate statistics of a ride. The zone maps are nil
// when no profile was supplied.
type Summary struct {
	AvgPower         int                   `json:"avgPower"`
	MaxPower         int                   `json:"maxPower"`
	AvgCadence       int                   `json:"avgCadence"`
	AvgHR            int                   `json:"avgHr"`
	MaxHR            int                   `json:"maxHr"`
	DistanceKm       float64               `json:"distanceKm"`
	TimeInPowerZones map[int]time.Duration `json:"timeInPowerZones,omitempty"`
	TimeInHRZones    map[int]time.Duration `json:"timeInHrZones,omitempty"`
}

// Summarize computes the summary of points. Averages are rounded; heart-rate
// statistics only count points with a reading. Zone time is the elapsed time
// since the previous point, so paused time is never attributed to a zone and
// the zone totals add up to the last point's elapsed time.
func Summarize(points []DataPoint, profile *Profile) Summary {
	var s Summary
	if profile != nil {
		s.TimeInPowerZones = make(map[int]time.Duration, zones.PowerZoneCount)
		for z := 1; z <= zones.PowerZoneCount; z++ {
			s.TimeInPowerZones[z] = 0
		}
		s.TimeInHRZones = make(map[int]time.Duration, zones.HRZoneCount)
		for z := 1; z <= zones.HRZoneCount; z++ {
			s.TimeInHRZones[z] = 0
		}
	}
	if len(points) == 0 {
		return s
	}

	var powerSum, cadenceSum, hrSum, hrCount int
	var previous time.Duration
	for i, p := range points {
		powerSum += p.Power
		cadenceSum += p.Cadence
		if p.Power > s.MaxPower || i == 0 {
			s.MaxPower = p.Power
		}
		if p.HR > 0 {
			hrSum += p.HR
			hrCount++
			if p.HR > s.MaxHR {
				s.MaxHR = p.HR
			}
		}

		if profile != nil {
			delta := p.Elapsed - previous
			if delta < 0 {
				delta = 0
			}
			if z := zones.PowerZone(p.Power, profile.FTP); z.Index > 0 {
				s.TimeInPowerZones[z.Index] += delta
			}
			if p.HR > 0 {
				if z := zones.HRZone(p.HR, profile.MaxHR); z.Index > 0 {
					s.TimeInHRZones[z.Index] += delta
				}
			}
		}
		previous = p.Elapsed
	}

	n := float64(len(points))
	s.AvgPower = int(math.Round(float64(powerSum) / n))
	s.AvgCadence = int(math.Round(float64(cadenceSum) / n))
	if hrCount > 0 {
		s.AvgHR = int(math.Round(float64(hrSum) / float64(hrCount)))
	}
	s.DistanceKm = points[len(points)-1].Distance / 1000
	return s
}
