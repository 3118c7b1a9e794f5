package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/app"
	"github.com/lowaak/smart-trainer/trainer-core/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-core/internal/config"
	"github.com/lowaak/smart-trainer/trainer-core/internal/device"
	"github.com/lowaak/smart-trainer/trainer-core/internal/export"
	"github.com/lowaak/smart-trainer/trainer-core/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-core/internal/history"
	"github.com/lowaak/smart-trainer/trainer-core/internal/kvstore"
	"github.com/lowaak/smart-trainer/trainer-core/internal/logging"
	"github.com/lowaak/smart-trainer/trainer-core/internal/publish"
	"github.com/lowaak/smart-trainer/trainer-core/internal/ride"
	"github.com/lowaak/smart-trainer/trainer-core/internal/workout"
	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

const usage = `commands:
  connect trainer|hrm   pick and connect a device
  disconnect            disconnect all devices
  start | pause | resume | stop
  power <watts>         set an ERG target
  workout <name>|stop   run or stop a built-in workout
  workouts              list built-in workouts
  status | history
  export <id> | delete <id>
  quit`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "smart_trainer:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	logger, syncLogs, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = syncLogs() }()
	logger.Info("Starting smart trainer", zap.String("config", cfg.ConfigFile), zap.Bool("simulate", cfg.Devices.Simulate))

	store, closeStore, err := kvstore.Open(kvstore.Options{
		Backend:       cfg.Storage.Backend,
		Dir:           cfg.Storage.Dir,
		MaxBytes:      cfg.Storage.MaxBytes,
		RedisAddr:     cfg.Storage.RedisAddr,
		RedisPassword: cfg.Storage.RedisPassword,
		RedisDB:       cfg.Storage.RedisDB,
		KeyPrefix:     cfg.Storage.KeyPrefix,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = closeStore() }()

	var central bt.Central
	if cfg.Devices.Simulate {
		sim := bt.NewSimulatedCentral(logger)
		sim.StartSimulation(time.Second)
		defer sim.Shutdown()
		central = sim
	} else {
		manager := bt.NewBTManager(bluetooth.DefaultAdapter, logger, bt.BTManagerConfig{})
		defer manager.Shutdown()
		central = manager
	}

	devices := device.NewService(central, device.NewKnownDevices(store, logger), logger, device.Config{
		ReconnectAttempts:  cfg.Devices.ReconnectAttempts,
		ReconnectDelay:     cfg.Devices.ReconnectDelay,
		RequestTimeout:     cfg.Devices.RequestTimeout,
		ControlIndications: cfg.Devices.ControlIndications,
	})

	recorder := ride.NewRecorder(store, logger, ride.Options{
		SnapshotEvery:  cfg.Ride.SnapshotEvery,
		SnapshotPoints: cfg.Ride.SnapshotPoints,
		SnapshotRR:     cfg.Ride.SnapshotRR,
	})

	var rides *history.Store
	if cfg.History.Path != "" {
		rides, err = history.Open(cfg.History.Path, cfg.History.Limit, logger)
		if err != nil {
			return fmt.Errorf("failed to open ride history: %w", err)
		}
		defer func() { _ = rides.Close() }()
	}

	var encoder export.Encoder
	exportDir := ""
	if cfg.Export.Enabled {
		encoder = export.NewFITEncoder()
		exportDir = cfg.Export.Dir
	}

	var publisher publish.Publisher = publish.NopPublisher{}
	if cfg.MQTT.Enabled {
		mqttPublisher, err := publish.NewRealPublisher(publish.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		publisher = mqttPublisher
	}

	controller := app.NewController(app.Deps{
		Devices:   devices,
		Recorder:  recorder,
		Live:      ride.NewLive(),
		History:   rides,
		Encoder:   encoder,
		Publisher: publisher,
	}, logger, app.Options{
		Profile:        ride.Profile{FTP: cfg.Rider.FTP, MaxHR: cfg.Rider.MaxHR},
		ProfileID:      cfg.Rider.ProfileID,
		SampleInterval: cfg.Ride.SampleInterval,
		WorkoutTick:    cfg.Workout.Interval,
		RecoverOnStart: cfg.Ride.Recover,
		AutoConnect:    cfg.Devices.AutoConnect,
		ExportDir:      exportDir,
	})
	defer controller.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := controller.Start(ctx); err != nil {
		logger.Warn("Startup recovery failed", zap.Error(err))
	}
	if controller.Status().Ride != ride.StateIdle {
		fmt.Printf("Recovered an interrupted ride at %s\n", formatElapsed(controller.Status().ElapsedSeconds))
	}
	fmt.Println(usage)

	lines := make(chan string)
	go_func_utils.SafeGo(logger, func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			logger.Info("Signal received, shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handle(ctx, controller, os.Stdout, line)
			if err != nil {
				fmt.Println("error:", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// handle runs one command line. It reports true when the user asked to quit.
func handle(ctx context.Context, c *app.Controller, out io.Writer, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		if c.Status().Ride == ride.StateRecording || c.Status().Ride == ride.StatePaused {
			if err := stopRide(ctx, c, out); err != nil {
				return true, err
			}
		}
		return true, nil
	case "help":
		fmt.Fprintln(out, usage)
	case "connect":
		var info device.DeviceInfo
		var err error
		switch arg {
		case "trainer":
			info, err = c.ConnectTrainer(ctx)
		case "hrm":
			info, err = c.ConnectHRM(ctx)
		default:
			return false, errors.New("connect trainer|hrm")
		}
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "connected %s (%s)\n", info.Name, info.ID)
	case "disconnect":
		c.DisconnectAll()
	case "start":
		return false, c.StartRide()
	case "pause":
		c.PauseRide()
	case "resume":
		c.ResumeRide()
	case "stop":
		return false, stopRide(ctx, c, out)
	case "power":
		watts, err := strconv.Atoi(arg)
		if err != nil {
			return false, fmt.Errorf("power <watts>: %w", err)
		}
		if !c.SetTargetPower(watts) {
			return false, errors.New("no trainer accepted the target")
		}
	case "workout":
		if arg == "stop" {
			c.StopWorkout()
			return false, nil
		}
		if arg == "" {
			return false, errors.New("workout <name>|stop")
		}
		return false, c.StartWorkout(strings.Join(fields[1:], " "))
	case "workouts":
		for _, w := range workout.Builtins {
			fmt.Fprintf(out, "  %-10s %-28s %s\n", w.ID, w.Name, w.TotalDuration())
		}
	case "status":
		printStatus(out, c.Status())
	case "history":
		rides, err := c.History(ctx)
		if err != nil {
			return false, err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTART\tDURATION\tAVG W\tKM")
		for _, r := range rides {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.2f\n", r.ID, r.StartTime.Local().Format("2006-01-02 15:04"), r.Duration().Round(time.Second), r.AvgPower, r.DistanceKm)
		}
		return false, tw.Flush()
	case "export":
		path, err := c.ExportRide(ctx, arg)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(out, "exported", path)
	case "delete":
		return false, c.DeleteRide(ctx, arg)
	default:
		return false, fmt.Errorf("unknown command %q, try help", fields[0])
	}
	return false, nil
}

func stopRide(ctx context.Context, c *app.Controller, out io.Writer) error {
	data, err := c.StopRide(ctx)
	if data != nil {
		s := data.Summary
		fmt.Fprintf(out, "ride %s: %.2f km, avg %d W, max %d W, avg %d bpm\n",
			data.Duration.Round(time.Second), s.DistanceKm, s.AvgPower, s.MaxPower, s.AvgHR)
		if status := c.Status(); status.LastExport != "" {
			fmt.Fprintln(out, "saved", status.LastExport)
		}
	}
	return err
}

func printStatus(out io.Writer, s app.Status) {
	d := s.Devices
	fmt.Fprintf(out, "trainer: %s %s  hrm: %s %s\n", d.Trainer, d.TrainerName, d.HRM, d.HRMName)
	fmt.Fprintf(out, "ride: %s %s\n", s.Ride, formatElapsed(s.ElapsedSeconds))
	fmt.Fprintf(out, "live: %d W  %.0f rpm  %.1f km/h  %d bpm\n", s.Live.Power, s.Live.Cadence, s.Live.Speed, s.Live.HR)
	if w := s.Workout; w.Workout != nil {
		fmt.Fprintf(out, "workout: %s %s block %d  target %d W  remaining %s\n",
			w.Workout.Name, w.Status, w.BlockIndex+1, w.TargetPower, w.Remaining)
	}
}

func formatElapsed(seconds int) string {
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, seconds/60%60, seconds%60)
}
