package workout

import (
	"errors"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/events"
	"github.com/lowaak/smart-trainer/trainer-core/internal/go_func_utils"
	"go.uber.org/zap"
)

var (
	ErrNoWorkout = errors.New("no workout loaded")
	ErrBusy      = errors.New("workout in progress")
)

// PowerTarget receives target power changes. It reports false when the
// trainer did not accept the command.
type PowerTarget interface {
	SetTargetPower(watts int) bool
}

// Status of the runner
type Status int

const (
	StatusIdle    Status = iota // nothing loaded, or the last workout completed
	StatusReady                 // loaded, not started
	StatusRunning
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// State is a snapshot of the runner
type State struct {
	Status         Status
	Workout        *Workout
	BlockIndex     int
	Elapsed        time.Duration
	Remaining      time.Duration
	BlockElapsed   time.Duration
	BlockRemaining time.Duration
	TargetFTP      float64 // interpolated FTP fraction, FTP mode only
	TargetPower    int
	TargetHR       int // heart-rate mode only
	Completed      bool
}

// Options tune the runner. Each tick advances the workout by one second;
// Interval is the wall time between ticks.
type Options struct {
	FTP      int
	MaxHR    int
	Interval time.Duration
}

// Runner executes one workout at a time on its own goroutine
type Runner struct {
	target    PowerTarget
	heartRate func() int
	logger    *zap.Logger
	interval  time.Duration
	updates   *events.Feed[State]

	mu        sync.RWMutex
	workout   *Workout
	status    Status
	elapsed   time.Duration
	completed bool
	ftp       int
	maxHR     int
	pid       hrPID
	lastBlock int

	changed      chan struct{}
	done         chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewRunner starts the runner goroutine. heartRate supplies the latest heart
// rate for heart-rate blocks and may be nil.
func NewRunner(target PowerTarget, heartRate func() int, logger *zap.Logger, opts Options) *Runner {
	if target == nil {
		panic("WorkoutRunner: target cannot be nil")
	}
	if logger == nil {
		panic("WorkoutRunner: logger cannot be nil")
	}
	if heartRate == nil {
		heartRate = func() int { return 0 }
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}

	r := &Runner{
		target:    target,
		heartRate: heartRate,
		logger:    logger,
		interval:  opts.Interval,
		updates:   events.NewFeed[State](true),
		status:    StatusIdle,
		ftp:       opts.FTP,
		maxHR:     opts.MaxHR,
		lastBlock: -1,
		changed:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	r.wg.Add(1)
	go_func_utils.SafeGo(logger, r.loop)
	return r
}

// SetProfile changes the references targets are computed from
func (r *Runner) SetProfile(ftp, maxHR int) {
	r.mu.Lock()
	r.ftp = ftp
	r.maxHR = maxHR
	r.mu.Unlock()
	r.logger.Info("WorkoutRunner: profile set", zap.Int("ftp", ftp), zap.Int("maxHr", maxHR))
}

// Load makes w the workout to run. It fails while one is running or paused.
func (r *Runner) Load(w *Workout) error {
	r.mu.Lock()
	if r.status == StatusRunning || r.status == StatusPaused {
		r.mu.Unlock()
		return ErrBusy
	}
	r.workout = w
	r.elapsed = 0
	r.completed = false
	r.pid.reset()
	r.lastBlock = -1
	if w != nil && len(w.Blocks) > 0 {
		r.status = StatusReady
		r.logger.Info("WorkoutRunner: workout loaded",
			zap.String("workout", w.Name),
			zap.Duration("duration", w.TotalDuration()))
	} else {
		r.workout = nil
		r.status = StatusIdle
	}
	state := r.buildStateLocked()
	r.mu.Unlock()

	r.updates.Publish(state)
	return nil
}

// Start begins or resumes the loaded workout. A completed workout starts
// over. The status changes before Start returns; the loop then applies the
// target and starts ticking.
func (r *Runner) Start() error {
	hr := r.heartRate()

	r.mu.Lock()
	if r.workout == nil {
		r.mu.Unlock()
		return ErrNoWorkout
	}
	switch r.status {
	case StatusRunning:
		r.mu.Unlock()
		return nil
	case StatusReady:
		r.pid.reset()
		r.lastBlock = -1
	case StatusIdle:
		// completed, start over
		r.elapsed = 0
		r.pid.reset()
		r.lastBlock = -1
	}
	r.status = StatusRunning
	r.completed = false
	r.updatePIDLocked(hr)
	r.mu.Unlock()

	r.wake()
	return nil
}

func (r *Runner) Pause() {
	r.mu.Lock()
	if r.status != StatusRunning {
		r.mu.Unlock()
		r.logger.Debug("WorkoutRunner: pause ignored, not running")
		return
	}
	r.status = StatusPaused
	r.mu.Unlock()

	r.wake()
}

// Stop ends the workout and rewinds it
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.status != StatusRunning && r.status != StatusPaused {
		r.mu.Unlock()
		r.logger.Debug("WorkoutRunner: stop ignored, nothing running")
		return
	}
	r.status = StatusReady
	r.elapsed = 0
	r.pid.reset()
	r.lastBlock = -1
	r.mu.Unlock()

	r.wake()
}

func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buildStateLocked()
}

// Updates is the feed of state changes, replaying the latest
func (r *Runner) Updates() *events.Feed[State] {
	return r.updates
}

// Shutdown stops the goroutine. Safe to call more than once.
func (r *Runner) Shutdown() {
	r.shutdownOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.logger.Info("WorkoutRunner: shutdown complete")
	})
}

// wake tells the loop the status changed. Pending wake-ups coalesce since the
// loop reads the current status.
func (r *Runner) wake() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// buildStateLocked computes the state from the runner fields. Caller holds mu.
func (r *Runner) buildStateLocked() State {
	state := State{Status: r.status, Workout: r.workout, Completed: r.completed}
	if r.workout == nil || len(r.workout.Blocks) == 0 || r.status == StatusIdle && !r.completed {
		return state
	}

	total := r.workout.TotalDuration()
	state.Elapsed = r.elapsed
	state.Remaining = total - r.elapsed

	idx, inBlock := r.workout.blockAt(r.elapsed)
	block := r.workout.Blocks[idx]
	state.BlockIndex = idx
	state.BlockElapsed = inBlock
	state.BlockRemaining = block.Duration - inBlock

	if block.Mode == TargetModeHeartRate {
		state.TargetHR = int(block.TargetMaxHR * float64(r.maxHR))
		state.TargetPower = int(r.pid.output)
		if !r.pid.initialized {
			state.TargetPower = hrPidStart
		}
		return state
	}
	state.TargetFTP = block.ftpAt(inBlock)
	state.TargetPower = int(state.TargetFTP * float64(r.ftp))
	return state
}

// advance moves the workout on by one second and runs the PID on heart-rate
// blocks. It reports false when not running.
func (r *Runner) advance(currentHR int) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusRunning {
		return State{}, false
	}

	r.elapsed += time.Second
	if total := r.workout.TotalDuration(); r.elapsed >= total {
		r.elapsed = total
		r.status = StatusIdle
		r.completed = true
		return r.buildStateLocked(), true
	}
	r.updatePIDLocked(currentHR)
	return r.buildStateLocked(), true
}

// updatePIDLocked resets the PID on a block change and, on heart-rate blocks
// with a reading, updates its output
func (r *Runner) updatePIDLocked(currentHR int) {
	idx, _ := r.workout.blockAt(r.elapsed)
	if idx != r.lastBlock {
		r.logger.Debug("WorkoutRunner: block change", zap.Int("block", idx))
		r.pid.reset()
		r.lastBlock = idx
	}
	block := r.workout.Blocks[idx]
	if block.Mode != TargetModeHeartRate || currentHR <= 0 {
		return
	}
	targetHR := block.TargetMaxHR * float64(r.maxHR)
	maxPower := hrPidMaxFTP * float64(r.ftp)
	out := r.pid.update(targetHR, float64(currentHR), maxPower)
	r.logger.Debug("WorkoutRunner: heart-rate PID",
		zap.Float64("targetHr", targetHR),
		zap.Int("hr", currentHR),
		zap.Float64("output", out))
}

func (r *Runner) applyTarget(watts int, last *int) {
	if watts == *last {
		return
	}
	if !r.target.SetTargetPower(watts) {
		r.logger.Warn("WorkoutRunner: trainer did not accept target power", zap.Int("watts", watts))
		return
	}
	*last = watts
	r.logger.Info("WorkoutRunner: target power set", zap.Int("watts", watts))
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	ticker.Stop()
	defer ticker.Stop()

	lastTarget := -1

	for {
		select {
		case <-r.done:
			return

		case <-r.changed:
			r.mu.RLock()
			state := r.buildStateLocked()
			r.mu.RUnlock()

			switch state.Status {
			case StatusRunning:
				ticker.Reset(r.interval)
				r.applyTarget(state.TargetPower, &lastTarget)
			case StatusPaused:
				ticker.Stop()
			default:
				ticker.Stop()
				lastTarget = -1
			}
			r.logger.Info("WorkoutRunner: status changed", zap.Stringer("status", state.Status))
			r.updates.Publish(state)

		case <-ticker.C:
			state, ok := r.advance(r.heartRate())
			if !ok {
				continue
			}
			if state.Completed {
				ticker.Stop()
				lastTarget = -1
				r.logger.Info("WorkoutRunner: workout complete")
				r.updates.Publish(state)
				continue
			}
			r.applyTarget(state.TargetPower, &lastTarget)
			r.updates.Publish(state)
		}
	}
}
