// Package workout runs structured ERG workouts, stepping the trainer's target
// power once per second.
package workout

import (
	"strings"
	"time"
)

// TargetMode defines what metric a block targets
type TargetMode int

const (
	TargetModeFTP       TargetMode = iota // power as an FTP fraction
	TargetModeHeartRate                   // heart rate as a max-HR fraction, power follows a PID
)

// Block is a single interval of a workout
type Block struct {
	Mode TargetMode

	// FTP mode. Start and End differ for ramps.
	StartFTP float64
	EndFTP   float64

	// HeartRate mode
	TargetMaxHR float64

	Cadence  int // rpm, 0 means no target
	Duration time.Duration
}

// Workout is a named sequence of blocks
type Workout struct {
	ID     string // short name used on the command line
	Name   string
	Blocks []Block
}

func (w *Workout) TotalDuration() time.Duration {
	var total time.Duration
	for _, b := range w.Blocks {
		total += b.Duration
	}
	return total
}

// blockAt returns the block running at elapsed and the time spent in it. Past
// the end it returns the last block, fully elapsed.
func (w *Workout) blockAt(elapsed time.Duration) (int, time.Duration) {
	var start time.Duration
	for i, b := range w.Blocks {
		end := start + b.Duration
		if elapsed < end {
			return i, elapsed - start
		}
		start = end
	}
	last := len(w.Blocks) - 1
	return last, w.Blocks[last].Duration
}

// ftpAt is the FTP fraction of an FTP-mode block, interpolated along ramps
func (b Block) ftpAt(inBlock time.Duration) float64 {
	if b.Duration <= 0 {
		return b.StartFTP
	}
	progress := float64(inBlock) / float64(b.Duration)
	if progress > 1 {
		progress = 1
	}
	return b.StartFTP + (b.EndFTP-b.StartFTP)*progress
}

const (
	hrZone2 = 0.67
	hrZone3 = 0.75
)

func steady(ftp float64, d time.Duration) Block {
	return Block{StartFTP: ftp, EndFTP: ftp, Cadence: 90, Duration: d}
}

func ramp(from, to float64, d time.Duration) Block {
	return Block{StartFTP: from, EndFTP: to, Cadence: 90, Duration: d}
}

func repeat(n int, blocks ...Block) []Block {
	result := make([]Block, 0, n*len(blocks))
	for i := 0; i < n; i++ {
		result = append(result, blocks...)
	}
	return result
}

func concat(parts ...[]Block) []Block {
	var result []Block
	for _, p := range parts {
		result = append(result, p...)
	}
	return result
}

// Builtins are the workouts available without any configuration
var Builtins = []Workout{
	{
		ID:   "vo2max",
		Name: "VO2max 5x3",
		Blocks: concat(
			[]Block{ramp(0.45, 0.70, 10*time.Minute)},
			repeat(5, steady(1.20, 3*time.Minute), steady(0.50, 3*time.Minute)),
			[]Block{ramp(0.60, 0.40, 7*time.Minute)},
		),
	},
	{
		ID:   "endurance",
		Name: "45 Min Endurance",
		Blocks: []Block{
			ramp(0.40, 0.60, 10*time.Minute),
			steady(0.68, 30*time.Minute),
			ramp(0.60, 0.40, 5*time.Minute),
		},
	},
	{
		ID:   "ramp",
		Name: "Ramp Test",
		Blocks: concat(
			[]Block{steady(0.50, 5*time.Minute)},
			rampSteps(0.50, 0.05, 14),
		),
	},
	{
		ID:   "sweetspot",
		Name: "Sweet Spot 3x10",
		Blocks: concat(
			[]Block{ramp(0.50, 0.65, 10*time.Minute)},
			repeat(3, steady(0.90, 10*time.Minute), steady(0.55, 5*time.Minute)),
			[]Block{steady(0.45, 5*time.Minute)},
		),
	},
	{
		ID:   "hr-z2",
		Name: "HR Zone 2 - 60 Min",
		Blocks: []Block{
			steady(0.50, 5*time.Minute),
			{Mode: TargetModeHeartRate, TargetMaxHR: hrZone2, Cadence: 90, Duration: 55 * time.Minute},
		},
	},
	{
		ID:   "hr-z3",
		Name: "HR Zone 3 - 45 Min",
		Blocks: []Block{
			steady(0.55, 5*time.Minute),
			{Mode: TargetModeHeartRate, TargetMaxHR: hrZone3, Cadence: 90, Duration: 40 * time.Minute},
		},
	},
}

// rampSteps builds one-minute steps growing by step from start
func rampSteps(start, step float64, n int) []Block {
	blocks := make([]Block, 0, n)
	for i := 0; i < n; i++ {
		blocks = append(blocks, steady(start+step*float64(i+1), time.Minute))
	}
	return blocks
}

// Find looks up a built-in workout by ID or name, case-insensitively
func Find(name string) (*Workout, bool) {
	for i := range Builtins {
		w := &Builtins[i]
		if strings.EqualFold(w.ID, name) || strings.EqualFold(w.Name, name) {
			return w, true
		}
	}
	return nil, false
}
