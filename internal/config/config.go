// Package config loads settings from defaults, an optional YAML file,
// SMART_TRAINER_* environment variables and command-line flags, in rising
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "SMART_TRAINER"

type Config struct {
	ConfigFile string `mapstructure:"config"`

	Log     LogConfig     `mapstructure:"log"`
	Rider   RiderConfig   `mapstructure:"rider"`
	Devices DevicesConfig `mapstructure:"devices"`
	Storage StorageConfig `mapstructure:"storage"`
	History HistoryConfig `mapstructure:"history"`
	Export  ExportConfig  `mapstructure:"export"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Ride    RideConfig    `mapstructure:"ride"`
	Workout WorkoutConfig `mapstructure:"workout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type RiderConfig struct {
	ProfileID string `mapstructure:"profile_id"`
	FTP       int    `mapstructure:"ftp"`
	MaxHR     int    `mapstructure:"max_hr"`
}

type DevicesConfig struct {
	Simulate           bool          `mapstructure:"simulate"`
	AutoConnect        bool          `mapstructure:"auto_connect"`
	ReconnectAttempts  int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	ControlIndications bool          `mapstructure:"control_indications"`
}

type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	Dir           string `mapstructure:"dir"`
	MaxBytes      int64  `mapstructure:"max_bytes"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

type HistoryConfig struct {
	Path  string `mapstructure:"path"`
	Limit int    `mapstructure:"limit"`
}

type ExportConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type RideConfig struct {
	Recover        bool          `mapstructure:"recover"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	SnapshotEvery  int           `mapstructure:"snapshot_every"`
	SnapshotPoints int           `mapstructure:"snapshot_points"`
	SnapshotRR     int           `mapstructure:"snapshot_rr"`
}

type WorkoutConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// BaseDir is the directory holding state, history, exports and logs
func BaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".smart-trainer"
	}
	return filepath.Join(home, ".smart-trainer")
}

func setDefaults(v *viper.Viper, base string) {
	v.SetDefault("config", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", filepath.Join(base, "logs", "smart-trainer.log"))
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("rider.profile_id", "")
	v.SetDefault("rider.ftp", 200)
	v.SetDefault("rider.max_hr", 180)

	v.SetDefault("devices.simulate", false)
	v.SetDefault("devices.auto_connect", true)
	v.SetDefault("devices.reconnect_attempts", 3)
	v.SetDefault("devices.reconnect_delay", 2*time.Second)
	v.SetDefault("devices.request_timeout", 30*time.Second)
	v.SetDefault("devices.control_indications", true)

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.dir", filepath.Join(base, "state"))
	v.SetDefault("storage.max_bytes", 5*1024*1024)
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_password", "")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.key_prefix", "smart-trainer:")

	v.SetDefault("history.path", filepath.Join(base, "history.db"))
	v.SetDefault("history.limit", 30)

	v.SetDefault("export.enabled", true)
	v.SetDefault("export.dir", filepath.Join(base, "exports"))

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "smart-trainer")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "smart-trainer")

	v.SetDefault("ride.recover", true)
	v.SetDefault("ride.sample_interval", time.Second)
	v.SetDefault("ride.snapshot_every", 10)
	v.SetDefault("ride.snapshot_points", 600)
	v.SetDefault("ride.snapshot_rr", 20000)

	v.SetDefault("workout.interval", time.Second)
}

// flag name -> config key
var flagKeys = map[string]string{
	"config":       "config",
	"simulate":     "devices.simulate",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"log-file":     "log.file",
	"storage":      "storage.backend",
	"storage-dir":  "storage.dir",
	"redis-addr":   "storage.redis_addr",
	"history-path": "history.path",
	"export-dir":   "export.dir",
	"mqtt":         "mqtt.enabled",
	"mqtt-broker":  "mqtt.broker",
	"ftp":          "rider.ftp",
	"max-hr":       "rider.max_hr",
	"recover":      "ride.recover",
	"auto-connect": "devices.auto_connect",
}

// NewFlagSet returns the command-line flags Load understands
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "config file (default ~/.smart-trainer/config.yaml)")
	fs.Bool("simulate", false, "use simulated trainer and heart-rate sensor")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "console", "console log format: console or json")
	fs.String("log-file", "", "rotated JSON log file")
	fs.String("storage", "file", "state backend: file, redis or memory")
	fs.String("storage-dir", "", "directory of the file backend")
	fs.String("redis-addr", "localhost:6379", "redis address of the redis backend")
	fs.String("history-path", "", "ride history database")
	fs.String("export-dir", "", "directory FIT files are written to")
	fs.Bool("mqtt", false, "publish live data over MQTT")
	fs.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker URL")
	fs.Int("ftp", 200, "functional threshold power in watts")
	fs.Int("max-hr", 180, "maximum heart rate in bpm")
	fs.Bool("recover", true, "resume a ride interrupted by a crash")
	fs.Bool("auto-connect", true, "connect known devices on startup")
	return fs
}

// Load parses args and merges all sources into a Config
func Load(args []string) (*Config, error) {
	fs := NewFlagSet("smart_trainer")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return LoadFlags(fs)
}

// LoadFlags merges an already parsed flag set with the other sources. Only
// flags set explicitly override file and environment values.
func LoadFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	base := BaseDir()
	setDefaults(v, base)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if err := readConfigFile(v, base); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// readConfigFile reads the file named by the config key. Without one the
// default location is read when it exists.
func readConfigFile(v *viper.Viper, base string) error {
	path := v.GetString("config")
	if path == "" {
		path = filepath.Join(base, "config.yaml")
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	v.Set("config", path)
	return nil
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "file", "redis", "memory":
	default:
		return fmt.Errorf("storage.backend %q: want file, redis or memory", c.Storage.Backend)
	}
	if c.Rider.FTP <= 0 {
		return fmt.Errorf("rider.ftp must be positive, got %d", c.Rider.FTP)
	}
	if c.Rider.MaxHR <= 0 {
		return fmt.Errorf("rider.max_hr must be positive, got %d", c.Rider.MaxHR)
	}
	if c.Ride.SampleInterval <= 0 {
		return fmt.Errorf("ride.sample_interval must be positive, got %s", c.Ride.SampleInterval)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}
