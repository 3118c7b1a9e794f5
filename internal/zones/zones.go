// Package zones classifies power and heart-rate values into training zones.
//
// Power zones follow the 7-zone Coggan model as a percentage of FTP. Heart
// rate zones use 5 bands as a percentage of maximum heart rate.
package zones

import "math"

const (
	PowerZoneCount = 7
	HRZoneCount    = 5
)

// Zone is the result of a classification. Index 0 means the reference value
// was missing and no zone applies.
type Zone struct {
	Index int
	Name  string
}

// NoZone is returned when the threshold or max heart rate is not set
var NoZone = Zone{Index: 0, Name: "N/A"}

// Boundary describes one band. UpperPercent is exclusive; the last band is
// open-ended with UpperPercent set to +Inf.
type Boundary struct {
	Zone         int
	Name         string
	LowerPercent float64
	UpperPercent float64
	LowerValue   int
	UpperValue   int // exclusive; math.MaxInt32 for the open band
}

type band struct {
	upperPercent float64
	name         string
}

var powerBands = []band{
	{56, "Recovery"},
	{76, "Endurance"},
	{91, "Tempo"},
	{106, "Threshold"},
	{121, "VO2max"},
	{151, "Anaerobic"},
	{math.Inf(1), "Neuromuscular"},
}

var hrBands = []band{
	{60, "Recovery"},
	{70, "Easy"},
	{80, "Aerobic"},
	{90, "Threshold"},
	{math.Inf(1), "Max"},
}

// PowerZone classifies watts against ftp
func PowerZone(watts, ftp int) Zone {
	return classify(powerBands, watts, ftp)
}

// HRZone classifies a heart rate against maxHR
func HRZone(hr, maxHR int) Zone {
	return classify(hrBands, hr, maxHR)
}

// PowerBoundaries returns the watt ranges of every power zone for ftp
func PowerBoundaries(ftp int) []Boundary {
	return boundaries(powerBands, ftp)
}

// HRBoundaries returns the bpm ranges of every heart-rate zone for maxHR
func HRBoundaries(maxHR int) []Boundary {
	return boundaries(hrBands, maxHR)
}

func classify(bands []band, value, reference int) Zone {
	if reference <= 0 {
		return NoZone
	}
	percent := float64(value) / float64(reference) * 100
	for i, b := range bands {
		if percent < b.upperPercent {
			return Zone{Index: i + 1, Name: b.name}
		}
	}
	// unreachable, the last band is open-ended
	last := len(bands)
	return Zone{Index: last, Name: bands[last-1].name}
}

func boundaries(bands []band, reference int) []Boundary {
	if reference <= 0 {
		return nil
	}
	result := make([]Boundary, 0, len(bands))
	lower := 0.0
	for i, b := range bands {
		upperValue := math.MaxInt32
		if !math.IsInf(b.upperPercent, 1) {
			upperValue = int(math.Round(float64(reference) * b.upperPercent / 100))
		}
		result = append(result, Boundary{
			Zone:         i + 1,
			Name:         b.name,
			LowerPercent: lower,
			UpperPercent: b.upperPercent,
			LowerValue:   int(math.Round(float64(reference) * lower / 100)),
			UpperValue:   upperValue,
		})
		lower = b.upperPercent
	}
	return result
}
