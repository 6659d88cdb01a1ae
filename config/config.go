// Package config loads process settings for programs built on xinbox: the bus
// identity, the storage engine and the logger.
//
// Load reads a YAML, JSON or TOML file and lets XINBOX_* variables override
// any key (storage.type is XINBOX_STORAGE_TYPE). FromEnv reads the variables
// alone.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/viper"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xinbox"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "XINBOX"

// DeriveMachineID asks the bus to derive its machine id from the network.
const DeriveMachineID = -1

type Config struct {
	Bus     BusConfig            `mapstructure:"bus"`
	Storage xinbox.BackendConfig `mapstructure:"storage"`
	Logging LoggingConfig        `mapstructure:"logging"`
}

type BusConfig struct {
	// ID names the bus; empty generates one.
	ID string `mapstructure:"id" env:"XINBOX_BUS_ID"`
	// MachineID is 0..255, or DeriveMachineID.
	MachineID    int           `mapstructure:"machine_id" env:"XINBOX_BUS_MACHINE_ID,default=-1"`
	PollInterval time.Duration `mapstructure:"poll_interval" env:"XINBOX_BUS_POLL_INTERVAL,default=50ms"`
}

type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level   string `mapstructure:"level" env:"XINBOX_LOGGING_LEVEL,default=info"`
	Console bool   `mapstructure:"console" env:"XINBOX_LOGGING_CONSOLE,default=false"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Bus:     BusConfig{MachineID: DeriveMachineID, PollInterval: 50 * time.Millisecond},
		Storage: xinbox.BackendConfig{Type: xinbox.EngineMemory, Codec: "json"},
		Logging: LoggingConfig{Level: "info"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("bus.id", d.Bus.ID)
	v.SetDefault("bus.machine_id", d.Bus.MachineID)
	v.SetDefault("bus.poll_interval", d.Bus.PollInterval)

	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("storage.file_path", d.Storage.FilePath)
	v.SetDefault("storage.connection_string", d.Storage.ConnectionString)
	v.SetDefault("storage.use_fake_remote", d.Storage.UseFakeRemote)
	v.SetDefault("storage.codec", d.Storage.Codec)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.console", d.Logging.Console)
}

// Load reads path (empty means defaults only), applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &xinbox.ConfigurationError{Field: "config", Reason: err.Error()}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &xinbox.ConfigurationError{Field: "config", Reason: err.Error()}
	}
	return cfg, cfg.Validate()
}

// FromEnv reads XINBOX_* variables only.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, &xinbox.ConfigurationError{Reason: err.Error()}
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = xinbox.EngineMemory
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if c.Bus.MachineID != DeriveMachineID && (c.Bus.MachineID < 0 || c.Bus.MachineID > xinbox.MaxMachineID) {
		return &xinbox.ConfigurationError{
			Field:  "bus.machine_id",
			Reason: fmt.Sprintf("%d outside 0..%d", c.Bus.MachineID, xinbox.MaxMachineID),
		}
	}
	if c.Bus.PollInterval < 0 {
		return &xinbox.ConfigurationError{Field: "bus.poll_interval", Reason: "must not be negative"}
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// BusBuilder returns a builder carrying the bus settings and resolving storage
// through reg.
func (c Config) BusBuilder(reg *xinbox.Registry) *xinbox.BusBuilder {
	bb := xinbox.NewBusBuilder().WithBackendConfig(reg, c.Storage)
	if c.Bus.ID != "" {
		bb.WithID(c.Bus.ID)
	}
	if c.Bus.MachineID != DeriveMachineID {
		bb.WithMachineID(uint16(c.Bus.MachineID))
	}
	if c.Bus.PollInterval > 0 {
		bb.WithPollInterval(c.Bus.PollInterval)
	}
	return bb
}

// ParseLevel maps a level name to its xlog level. Empty means info.
func ParseLevel(s string) (xlog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return xlog.LevelDebug, nil
	case "", "info":
		return xlog.LevelInfo, nil
	case "warn", "warning":
		return xlog.LevelWarn, nil
	case "error":
		return xlog.LevelError, nil
	}
	return xlog.LevelInfo, &xinbox.ConfigurationError{Field: "logging.level", Reason: fmt.Sprintf("unknown level %q", s)}
}

// NewLogger installs the zerolog adapter as the process logger.
func NewLogger(c LoggingConfig) (*xlog.Logger, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	return zerolog.Use(zerolog.Config{
		MinLevel:          level,
		Console:           c.Console,
		ConsoleTimeFormat: time.RFC3339Nano,
		Caller:            level == xlog.LevelDebug,
		CallerSkip:        5,
	}), nil
}
