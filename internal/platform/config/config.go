// Package config loads the server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/botfleet/botfleet/internal/core/supervisor"
	"github.com/botfleet/botfleet/internal/platform/logging"
)

type Config struct {
	// Listen is the HTTP bind address.
	Listen string `yaml:"listen"`
	// DataDir holds one artifact directory per bot.
	DataDir string `yaml:"data_dir"`
	// DatabasePath is the SQLite registry file.
	DatabasePath string `yaml:"database_path"`

	Log logging.Config `yaml:"log"`

	Supervision SupervisionConfig `yaml:"supervision"`
}

type SupervisionConfig struct {
	StopGraceMS      int    `yaml:"stop_grace_ms"`
	RestartSettleMS  int    `yaml:"restart_settle_ms"`
	BackoffBaseMS    int    `yaml:"backoff_base_ms"`
	BackoffCapMS     int    `yaml:"backoff_cap_ms"`
	PortRangeStart   int    `yaml:"port_range_start"`
	PortRangeSize    int    `yaml:"port_range_size"`
	ImagePrefix      string `yaml:"image_prefix"`
	FailOnBuildError *bool  `yaml:"fail_on_build_error"`
	ExecuteInstalls  bool   `yaml:"execute_installs"`
}

func defaults() Config {
	return Config{
		Listen:       ":3000",
		DataDir:      "data/bots",
		DatabasePath: "data/botfleet.db",
		Log: logging.Config{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
	}
}

// Load reads path if it exists, layering its values over the defaults and
// then applying BOTFLEET_* environment overrides. A missing file is not an
// error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr("BOTFLEET_LISTEN", &cfg.Listen)
	setStr("BOTFLEET_DATA_DIR", &cfg.DataDir)
	setStr("BOTFLEET_DB_PATH", &cfg.DatabasePath)
	setStr("BOTFLEET_LOG_LEVEL", &cfg.Log.Level)
	setStr("BOTFLEET_LOG_FILE", &cfg.Log.File)
	setStr("BOTFLEET_IMAGE_PREFIX", &cfg.Supervision.ImagePrefix)

	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt("BOTFLEET_STOP_GRACE_MS", &cfg.Supervision.StopGraceMS)
	setInt("BOTFLEET_RESTART_SETTLE_MS", &cfg.Supervision.RestartSettleMS)
	setInt("BOTFLEET_BACKOFF_BASE_MS", &cfg.Supervision.BackoffBaseMS)
	setInt("BOTFLEET_BACKOFF_CAP_MS", &cfg.Supervision.BackoffCapMS)
}

// SupervisorConfig translates the millisecond fields into the supervisor's
// duration-based config. Zero values fall through to the built-in defaults.
func (c Config) SupervisorConfig() supervisor.Config {
	sc := supervisor.Config{
		StopGrace:        time.Duration(c.Supervision.StopGraceMS) * time.Millisecond,
		RestartSettle:    time.Duration(c.Supervision.RestartSettleMS) * time.Millisecond,
		BackoffBase:      time.Duration(c.Supervision.BackoffBaseMS) * time.Millisecond,
		BackoffCap:       time.Duration(c.Supervision.BackoffCapMS) * time.Millisecond,
		PortRangeStart:   c.Supervision.PortRangeStart,
		PortRangeSize:    c.Supervision.PortRangeSize,
		ImagePrefix:      c.Supervision.ImagePrefix,
		FailOnBuildError: true,
	}
	if c.Supervision.FailOnBuildError != nil {
		sc.FailOnBuildError = *c.Supervision.FailOnBuildError
	}
	return sc
}
