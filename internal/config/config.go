package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/g960059/portal/internal/pool"
	"github.com/g960059/portal/internal/session"
	"github.com/g960059/portal/internal/wire"
)

const EnvPrefix = "PORTAL_"

type Config struct {
	SocketPath   string `yaml:"socket_path" env:"SOCKET_PATH" validate:"required"`
	Provider     string `yaml:"provider" env:"PROVIDER" validate:"required,max=64"`
	JournalPath  string `yaml:"journal_path" env:"JOURNAL_PATH"`
	RoutesDBPath string `yaml:"routes_db_path" env:"ROUTES_DB_PATH" validate:"required"`
	// DebugAddr serves /metrics and /v1/stream. Empty disables it.
	DebugAddr string `yaml:"debug_addr" env:"DEBUG_ADDR" validate:"omitempty,hostname_port"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT" validate:"oneof=text json"`

	BroadcastInterval time.Duration `yaml:"broadcast_interval" env:"BROADCAST_INTERVAL" validate:"gte=10ms"`
	ThrottleInterval  time.Duration `yaml:"throttle_interval" env:"THROTTLE_INTERVAL" validate:"gt=0"`
	SweepInterval     time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL" validate:"gte=1s"`
	JournalTTL        time.Duration `yaml:"journal_ttl" env:"JOURNAL_TTL" validate:"gte=0"`
	JournalSkip       []string      `yaml:"journal_skip" env:"JOURNAL_SKIP" envSeparator:","`
	CallTimeout       time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT" validate:"gt=0"`
	HandlerTimeout    time.Duration `yaml:"handler_timeout" env:"HANDLER_TIMEOUT" validate:"gt=0"`
	MaxFrameBytes     int           `yaml:"max_frame_bytes" env:"MAX_FRAME_BYTES" validate:"min=1024,max=16777216"`

	PoolCapacity    int `yaml:"pool_capacity" env:"POOL_CAPACITY" validate:"min=1"`
	PoolWarm        int `yaml:"pool_warm" env:"POOL_WARM" validate:"gte=0,ltefield=PoolCapacity"`
	PoolMaxReuse    int `yaml:"pool_max_reuse" env:"POOL_MAX_REUSE" validate:"min=1"`
	GeofenceCap     int `yaml:"geofence_capacity" env:"GEOFENCE_CAPACITY" validate:"min=1"`
	LibraryCacheCap int `yaml:"library_cache_capacity" env:"LIBRARY_CACHE_CAPACITY" validate:"min=1"`
	// LibraryDirs restricts load_library to these directories. Empty allows
	// any absolute path.
	LibraryDirs []string `yaml:"library_dirs" env:"LIBRARY_DIRS" envSeparator:":"`

	Acquire  session.Schedule `yaml:"acquire" envPrefix:"ACQUIRE_"`
	Provide  session.Schedule `yaml:"provider_check" envPrefix:"PROVIDER_CHECK_"`
	Exchange session.Schedule `yaml:"exchange" envPrefix:"EXCHANGE_"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:        defaultSocketPath(),
		Provider:          "portal",
		JournalPath:       defaultStatePath("journal.db"),
		RoutesDBPath:      defaultStatePath("routes.db"),
		DebugAddr:         "127.0.0.1:7465",
		LogLevel:          "info",
		LogFormat:         "text",
		BroadcastInterval: time.Second,
		ThrottleInterval:  30 * time.Minute,
		SweepInterval:     5 * time.Minute,
		JournalTTL:        7 * 24 * time.Hour,
		JournalSkip:       []string{wire.CmdGetLocation, wire.CmdBroadcastLocation, wire.CmdGetListenerSize},
		CallTimeout:       10 * time.Second,
		HandlerTimeout:    5 * time.Second,
		MaxFrameBytes:     wire.DefaultMaxFrame,
		PoolCapacity:      pool.DefaultSampleCapacity,
		PoolWarm:          pool.DefaultSampleWarm,
		PoolMaxReuse:      pool.DefaultMaxReuse,
		GeofenceCap:       1000,
		LibraryCacheCap:   32,
		Acquire:           session.DefaultAcquireSchedule(),
		Provide:           session.DefaultProviderSchedule(),
		Exchange:          session.DefaultExchangeSchedule(),
	}
}

// Load applies defaults, then the YAML file at path when path is not
// empty, then PORTAL_* environment variables, and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	// An empty file decodes to io.EOF and leaves the defaults alone.
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for name, s := range map[string]session.Schedule{"acquire": c.Acquire, "provider_check": c.Provide, "exchange": c.Exchange} {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("invalid config: %s: %w", name, err)
		}
	}
	return nil
}

// SlogLevel maps LogLevel onto slog.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "portal", "portald.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".portald.sock"
	}
	return filepath.Join(home, ".local", "state", "portal", "portald.sock")
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "state", "portal", name)
}
