// Package app wires the device service, live metrics, ride recorder, history,
// export, publishing and the workout runner into one controller.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/device"
	"github.com/lowaak/smart-trainer/trainer-core/internal/export"
	"github.com/lowaak/smart-trainer/trainer-core/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-core/internal/history"
	"github.com/lowaak/smart-trainer/trainer-core/internal/publish"
	"github.com/lowaak/smart-trainer/trainer-core/internal/ride"
	"github.com/lowaak/smart-trainer/trainer-core/internal/telemetry"
	"github.com/lowaak/smart-trainer/trainer-core/internal/workout"
	"go.uber.org/zap"
)

var ErrUnknownWorkout = errors.New("unknown workout")

// Options hold the controller settings
type Options struct {
	Profile        ride.Profile
	ProfileID      string
	SampleInterval time.Duration // recorder sampling period
	WorkoutTick    time.Duration // wall time of one workout second
	RecoverOnStart bool
	AutoConnect    bool
	ExportDir      string // empty disables FIT export
}

// Deps are the components the controller drives. History, Encoder and
// Publisher are optional.
type Deps struct {
	Devices   *device.Service
	Recorder  *ride.Recorder
	Live      *ride.Live
	History   *history.Store
	Encoder   export.Encoder
	Publisher publish.Publisher
}

// Status is a snapshot of the whole application
type Status struct {
	Devices        device.Status
	Ride           ride.State
	ElapsedSeconds int
	Live           ride.Metrics
	Workout        workout.State
	LastRideID     string
	LastExport     string
}

// Controller coordinates the components. Its methods are safe for
// concurrent use.
type Controller struct {
	devices   *device.Service
	recorder  *ride.Recorder
	live      *ride.Live
	history   *history.Store
	encoder   export.Encoder
	publisher publish.Publisher
	workouts  *workout.Runner
	logger    *zap.Logger
	opts      Options

	mu         sync.Mutex
	lastRideID string
	lastExport string

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	startOnce    sync.Once
	shutdownOnce sync.Once
}

func NewController(deps Deps, logger *zap.Logger, opts Options) *Controller {
	if deps.Devices == nil {
		panic("Controller: devices cannot be nil")
	}
	if deps.Recorder == nil {
		panic("Controller: recorder cannot be nil")
	}
	if deps.Live == nil {
		panic("Controller: live cannot be nil")
	}
	if logger == nil {
		panic("Controller: logger cannot be nil")
	}
	if deps.Publisher == nil {
		deps.Publisher = publish.NopPublisher{}
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = time.Second
	}
	if opts.Profile.FTP <= 0 || opts.Profile.MaxHR <= 0 {
		opts.Profile = ride.DefaultProfile()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		devices:   deps.Devices,
		recorder:  deps.Recorder,
		live:      deps.Live,
		history:   deps.History,
		encoder:   deps.Encoder,
		publisher: deps.Publisher,
		logger:    logger,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.workouts = workout.NewRunner(deps.Devices, c.currentHR, logger, workout.Options{
		FTP:      opts.Profile.FTP,
		MaxHR:    opts.Profile.MaxHR,
		Interval: opts.WorkoutTick,
	})
	return c
}

// Start recovers an interrupted ride, starts sampling and auto-connects
// known devices. Only the first call has an effect.
func (c *Controller) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() {
		if c.opts.RecoverOnStart {
			err = c.recover(ctx)
		}

		c.wg.Add(1)
		go_func_utils.SafeGo(c.logger, c.sampleLoop)

		if c.opts.AutoConnect {
			res := c.devices.TryAutoConnect(ctx, device.AutoConnectCallbacks{
				Trainer: c.trainerCallbacks(),
				HRM:     c.hrmCallbacks(),
			})
			if res.Trainer != nil {
				c.logger.Info("Controller: trainer auto-connected", zap.String("name", res.Trainer.Name))
			}
			if res.HRM != nil {
				c.logger.Info("Controller: heart-rate sensor auto-connected", zap.String("name", res.HRM.Name))
			}
		}
		c.publishStatus()
	})
	return err
}

func (c *Controller) recover(ctx context.Context) error {
	ok, err := c.recorder.RecoverRide(ctx)
	if err != nil {
		return fmt.Errorf("recover ride: %w", err)
	}
	if ok {
		c.logger.Info("Controller: interrupted ride recovered",
			zap.Int("elapsedSeconds", c.recorder.GetElapsedSeconds()),
			zap.Stringer("state", c.recorder.State()))
		c.publishRide(publish.RideRecovered, "", "")
	}
	return nil
}

func (c *Controller) trainerCallbacks() device.TrainerCallbacks {
	return device.TrainerCallbacks{
		OnData: c.live.ApplyTelemetry,
		OnConnectionChange: func(state telemetry.ConnectionState) {
			c.onConnectionChange(telemetry.RoleTrainer, state)
		},
	}
}

func (c *Controller) hrmCallbacks() device.HRMCallbacks {
	return device.HRMCallbacks{
		OnData: func(s telemetry.HeartRateSample) {
			c.live.ApplyHeartRate(s)
			c.recorder.AddHRData(s)
		},
		OnConnectionChange: func(state telemetry.ConnectionState) {
			c.onConnectionChange(telemetry.RoleHRM, state)
		},
	}
}

func (c *Controller) onConnectionChange(role telemetry.Role, state telemetry.ConnectionState) {
	c.logger.Info("Controller: connection changed", zap.Stringer("role", role), zap.Stringer("state", state))
	if role == telemetry.RoleTrainer && state == telemetry.Disconnected {
		// stale trainer values must not be recorded while it is away
		c.live.ResetTrainer()
	}
	c.publishStatus()
}

// ConnectTrainer lets the user pick a trainer
func (c *Controller) ConnectTrainer(ctx context.Context) (device.DeviceInfo, error) {
	return c.devices.ConnectTrainer(ctx, c.trainerCallbacks())
}

// ConnectHRM lets the user pick a heart-rate sensor
func (c *Controller) ConnectHRM(ctx context.Context) (device.DeviceInfo, error) {
	return c.devices.ConnectHRM(ctx, c.hrmCallbacks())
}

func (c *Controller) DisconnectAll() {
	c.devices.DisconnectAll()
}

func (c *Controller) StartRide() error {
	if err := c.recorder.StartRecording(); err != nil {
		return err
	}
	c.publishRide(publish.RideStarted, "", "")
	return nil
}

func (c *Controller) PauseRide() {
	if c.recorder.State() != ride.StateRecording {
		return
	}
	c.recorder.PauseRecording()
	c.workouts.Pause()
	c.publishRide(publish.RidePaused, "", "")
}

func (c *Controller) ResumeRide() {
	if !c.recorder.IsPaused() {
		return
	}
	c.recorder.ResumeRecording()
	if c.workouts.State().Status == workout.StatusPaused {
		if err := c.workouts.Start(); err != nil {
			c.logger.Warn("Controller: could not resume workout", zap.Error(err))
		}
	}
	c.publishRide(publish.RideResumed, "", "")
}

// StopRide finalizes the ride, saves it to history and writes the FIT file.
// The ride is returned even when saving or exporting failed; it is nil when
// no ride was active or nothing was recorded.
func (c *Controller) StopRide(ctx context.Context) (*ride.RideData, error) {
	c.workouts.Stop()
	if !c.recorder.IsRecording() {
		return nil, nil
	}

	profile := c.opts.Profile
	data := c.recorder.StopRecording(&profile)
	if data == nil {
		c.publishRide(publish.RideStopped, "", "")
		return nil, nil
	}

	var errs []error
	var rideID, fitPath string
	if c.history != nil {
		saved, err := c.history.Save(ctx, *data, c.opts.ProfileID)
		if err != nil {
			errs = append(errs, err)
		} else {
			rideID = saved.ID
		}
	}
	if c.encoder != nil && c.opts.ExportDir != "" {
		path, err := export.WriteFile(c.opts.ExportDir, export.FromRide(*data, &profile), c.encoder)
		if err != nil {
			errs = append(errs, fmt.Errorf("export ride: %w", err))
		} else {
			fitPath = path
			c.logger.Info("Controller: ride exported", zap.String("path", path))
		}
	}

	c.mu.Lock()
	c.lastRideID = rideID
	c.lastExport = fitPath
	c.mu.Unlock()

	c.publishRide(publish.RideStopped, rideID, fitPath)
	return data, errors.Join(errs...)
}

// History lists the saved rides, newest first
func (c *Controller) History(ctx context.Context) ([]history.Ride, error) {
	if c.history == nil {
		return nil, errors.New("ride history disabled")
	}
	return c.history.List(ctx, c.opts.ProfileID)
}

// ExportRide writes the FIT file of a saved ride and returns its path
func (c *Controller) ExportRide(ctx context.Context, id string) (string, error) {
	if c.history == nil {
		return "", errors.New("ride history disabled")
	}
	if c.encoder == nil || c.opts.ExportDir == "" {
		return "", errors.New("export disabled")
	}
	saved, err := c.history.Get(ctx, id)
	if err != nil {
		return "", err
	}
	data, err := saved.RideData()
	if err != nil {
		return "", err
	}
	profile := c.opts.Profile
	return export.WriteFile(c.opts.ExportDir, export.FromRide(*data, &profile), c.encoder)
}

// DeleteRide removes a saved ride
func (c *Controller) DeleteRide(ctx context.Context, id string) error {
	if c.history == nil {
		return errors.New("ride history disabled")
	}
	return c.history.Delete(ctx, id)
}

// SetTargetPower sends an ERG target to the trainer
func (c *Controller) SetTargetPower(watts int) bool {
	return c.devices.SetTargetPower(watts)
}

// StartWorkout loads a built-in workout by ID or name and starts it
func (c *Controller) StartWorkout(name string) error {
	w, ok := workout.Find(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkout, name)
	}
	if err := c.workouts.Load(w); err != nil {
		return err
	}
	return c.workouts.Start()
}

func (c *Controller) StopWorkout() {
	c.workouts.Stop()
}

// Workouts returns the workout runner, for observing its state
func (c *Controller) Workouts() *workout.Runner {
	return c.workouts
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	lastRideID, lastExport := c.lastRideID, c.lastExport
	c.mu.Unlock()

	return Status{
		Devices:        c.devices.ConnectionStatus(),
		Ride:           c.recorder.State(),
		ElapsedSeconds: c.recorder.GetElapsedSeconds(),
		Live:           c.live.Snapshot(),
		Workout:        c.workouts.State(),
		LastRideID:     lastRideID,
		LastExport:     lastExport,
	}
}

// Shutdown stops sampling and the workout, checkpoints an active ride so it
// can be recovered, disconnects devices and closes the publisher. Safe to
// call more than once.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.logger.Info("Controller: Shutting down")
		c.cancel()
		c.wg.Wait()
		c.workouts.Shutdown()
		if c.recorder.IsRecording() {
			c.logger.Warn("Controller: ride still recording, it will be recovered on next start")
			c.recorder.Checkpoint()
		}
		c.devices.Shutdown()
		if err := c.publisher.Close(); err != nil {
			c.logger.Warn("Controller: closing publisher failed", zap.Error(err))
		}
		c.logger.Info("Controller: Shutdown complete")
	})
}

// sampleLoop feeds the recorder from the live metrics and publishes them
func (c *Controller) sampleLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			c.sample(now)
		}
	}
}

func (c *Controller) sample(now time.Time) {
	if c.recorder.State() == ride.StateRecording {
		c.recorder.AddDataPoint(c.live.Sample(now))
	}
	metrics := c.live.Snapshot()
	if metrics.UpdatedAt.IsZero() {
		return
	}
	if err := c.publisher.PublishMetrics(metrics); err != nil {
		c.logger.Debug("Controller: publishing metrics failed", zap.Error(err))
	}
}

func (c *Controller) currentHR() int {
	return c.live.Snapshot().HR
}

func (c *Controller) publishStatus() {
	if err := c.publisher.PublishStatus(c.devices.ConnectionStatus()); err != nil {
		c.logger.Debug("Controller: publishing status failed", zap.Error(err))
	}
}

func (c *Controller) publishRide(event, rideID, fitPath string) {
	err := c.publisher.PublishRide(publish.RideEvent{
		Timestamp:      time.Now(),
		Event:          event,
		ElapsedSeconds: c.recorder.GetElapsedSeconds(),
		RideID:         rideID,
		FitFile:        fitPath,
	})
	if err != nil {
		c.logger.Debug("Controller: publishing ride event failed", zap.Error(err))
	}
}
