// Package config loads process configuration from defaults, an optional
// autopilot.yaml and AUTOPILOT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	envPrefix     = "AUTOPILOT"
	envConfigFile = "AUTOPILOT_CONFIG"
	configName    = "autopilot"
)

// Config holds application configuration.
type Config struct {
	ListenAddr string         `mapstructure:"listen_addr"`
	Log        LogConfig      `mapstructure:"log"`
	History    HistoryConfig  `mapstructure:"history"`
	Engine     EngineConfig   `mapstructure:"engine"`
	Worker     WorkerConfig   `mapstructure:"worker"`
	Task       TaskConfig     `mapstructure:"task"`
	Progress   ProgressConfig `mapstructure:"progress"`
	API        APIConfig      `mapstructure:"api"`
	MQTT       MQTTConfig     `mapstructure:"mqtt"`
	Host       HostConfig     `mapstructure:"host"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// EngineConfig selects and tunes the engine driver. Device, when set, is
// connected to at startup.
type EngineConfig struct {
	Driver       string        `mapstructure:"driver"`
	Address      string        `mapstructure:"address"`
	Device       string        `mapstructure:"device"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	MaxFrameSize int64         `mapstructure:"max_frame_size"`
	SimStepDelay time.Duration `mapstructure:"sim_step_delay"`
}

type WorkerConfig struct {
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
}

type TaskConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

type ProgressConfig struct {
	Retention        time.Duration `mapstructure:"retention"`
	OrphanRetention  time.Duration `mapstructure:"orphan_retention"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
}

type APIConfig struct {
	InlineWait  time.Duration `mapstructure:"inline_wait"`
	MaxBodySize int64         `mapstructure:"max_body_size"`
}

// MQTTConfig enables the MQTT event sink when Broker is set.
type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// HostConfig configures autopilot-host.
type HostConfig struct {
	Listen string `mapstructure:"listen"`
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("listen_addr", ":8080")

	vp.SetDefault("log.level", "info")
	vp.SetDefault("log.format", "json")
	vp.SetDefault("log.file", "")
	vp.SetDefault("log.max_size_mb", 100)
	vp.SetDefault("log.max_backups", 3)

	vp.SetDefault("history.dsn", ":memory:")

	vp.SetDefault("engine.driver", "sim")
	vp.SetDefault("engine.address", "")
	vp.SetDefault("engine.device", "")
	vp.SetDefault("engine.call_timeout", "30s")
	vp.SetDefault("engine.dial_timeout", "10s")
	vp.SetDefault("engine.max_frame_size", "16MB")
	vp.SetDefault("engine.sim_step_delay", "200ms")

	vp.SetDefault("worker.shutdown_grace", "5s")
	vp.SetDefault("worker.watchdog_interval", "25ms")

	vp.SetDefault("task.default_timeout", "0s")

	vp.SetDefault("progress.retention", "10m")
	vp.SetDefault("progress.orphan_retention", "1h")
	vp.SetDefault("progress.sweep_interval", "30s")
	vp.SetDefault("progress.subscriber_buffer", 64)

	vp.SetDefault("api.inline_wait", "30s")
	vp.SetDefault("api.max_body_size", "1MB")

	vp.SetDefault("mqtt.broker", "")
	vp.SetDefault("mqtt.client_id", "autopilot")
	vp.SetDefault("mqtt.topic_prefix", "autopilot")

	vp.SetDefault("host.listen", "unix:///run/autopilot/engine.sock")
}

// stringToDurationHookFunc parses Go duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable sizes such as "16MB" into
// int64 byte counts.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			// Not a size; let the default conversion report it.
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

// Load reads configuration. A file named by AUTOPILOT_CONFIG wins over
// autopilot.yaml in the working directory or /etc/autopilot. Environment
// variables override both, with dots in keys written as underscores
// (AUTOPILOT_ENGINE_DRIVER).
func Load() (Config, error) {
	vp := viper.New()
	setDefaults(vp)

	if path := os.Getenv(envConfigFile); path != "" {
		vp.SetConfigFile(path)
	} else {
		vp.SetConfigName(configName)
		vp.SetConfigType("yaml")
		vp.AddConfigPath(".")
		vp.AddConfigPath("/etc/autopilot/")
	}
	if err := vp.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	if c.Engine.Driver == "" {
		errs = append(errs, errors.New("engine.driver must be set"))
	}
	if c.Engine.Driver == "remote" && c.Engine.Address == "" {
		errs = append(errs, errors.New("engine.address is required for the remote driver"))
	}
	if c.Engine.CallTimeout <= 0 {
		errs = append(errs, errors.New("engine.call_timeout must be positive"))
	}
	if c.Worker.WatchdogInterval <= 0 {
		errs = append(errs, errors.New("worker.watchdog_interval must be positive"))
	}
	if c.Task.DefaultTimeout < 0 {
		errs = append(errs, errors.New("task.default_timeout must not be negative"))
	}
	if c.Progress.SweepInterval <= 0 {
		errs = append(errs, errors.New("progress.sweep_interval must be positive"))
	}
	if c.Progress.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("progress.subscriber_buffer must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or text", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Logger builds the process logger from c. Output goes to fallback unless
// c.File is set, in which case it goes to a size-rotated file. The returned
// closer releases the file and is a no-op otherwise.
func (c LogConfig) Logger(fallback io.Writer) (*slog.Logger, io.Closer) {
	w := fallback
	var closer io.Closer = nopCloser{}
	if c.File != "" {
		lj := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			Compress:   true,
		}
		w, closer = lj, lj
	}

	level := parseLogLevel(c.Level)
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer
	}
	return NewLogger(w, level), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
