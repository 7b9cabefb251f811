// Package config loads fieldnote configuration from file, environment and
// defaults via viper.
//
// Precedence: environment (FIELDNOTE_*) over config file over defaults. The
// config file is YAML at <data_dir>/config.yaml unless an explicit path is
// given.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved application configuration.
type Config struct {
	// BaseURL is the backend root, e.g. https://api.example.com.
	BaseURL string `mapstructure:"base_url"`

	// AuthToken is the static credential attached to every delivery and
	// captured into queued records for later replay.
	AuthToken string `mapstructure:"auth_token"`

	// DataDir holds the queue database, trigger file and daemon status.
	DataDir string `mapstructure:"data_dir"`

	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Capture CaptureConfig `mapstructure:"capture"`
}

// DaemonConfig tunes the background worker.
type DaemonConfig struct {
	Port          int           `mapstructure:"port"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// CaptureConfig carries the universal backend toggles sent with every
// delivery.
type CaptureConfig struct {
	GenerateCards     bool `mapstructure:"generate_cards"`
	GenerateExercises bool `mapstructure:"generate_exercises"`
}

// DefaultDataDir returns ~/.fieldnote, falling back to .fieldnote in the
// working directory when the home dir is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fieldnote"
	}
	return filepath.Join(home, ".fieldnote")
}

// Load resolves configuration. configFile may be empty, in which case
// <data_dir>/config.yaml is used when present.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("base_url", "http://localhost:8000")
	v.SetDefault("auth_token", "")
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("daemon.port", 7377)
	v.SetDefault("daemon.drain_interval", 5*time.Minute)
	v.SetDefault("daemon.probe_interval", 30*time.Second)
	v.SetDefault("capture.generate_cards", true)
	v.SetDefault("capture.generate_exercises", false)

	v.SetEnvPrefix("FIELDNOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("data_dir"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// QueuePath returns the path of the durable queue database.
func (c *Config) QueuePath() string {
	return filepath.Join(c.DataDir, "queue.db")
}

// HubAddr returns the daemon event hub address for foreground clients.
func (c *Config) HubAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.Daemon.Port)
}

// ControlFields renders the universal backend toggles as multipart fields.
func (c *Config) ControlFields() map[string]string {
	return map[string]string{
		"generate_cards":     strconv.FormatBool(c.Capture.GenerateCards),
		"generate_exercises": strconv.FormatBool(c.Capture.GenerateExercises),
	}
}
