// Package config loads friendrec settings from YAML with environment
// overrides. Command-line flags are applied on top by main.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvAPIKey  = "HUME_API_KEY"
	EnvDataDir = "FRIENDREC_DATA_DIR"

	DefaultDeviceName    = "Friend"
	DefaultEndpoint      = "https://api.hume.ai/v0/batch/jobs"
	DefaultUploadTimeout = 60 * time.Second
	RecordingFile        = "recording.wav"
)

type Config struct {
	DeviceName        string        `yaml:"device_name"`
	Endpoint          string        `yaml:"endpoint"`
	APIKey            string        `yaml:"api_key"`
	RecordingPath     string        `yaml:"recording_path"`
	InputDevice       string        `yaml:"input_device"`
	DeleteAfterUpload bool          `yaml:"delete_after_upload"`
	UploadTimeout     time.Duration `yaml:"upload_timeout"`
	MetricsAddr       string        `yaml:"metrics_addr"`
}

// Load reads path, or the default config file when path is empty. A missing
// default file is not an error.
func Load(path string) (*Config, error) {
	var cfg Config

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case !explicit && errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration with environment overrides.
func Default() *Config {
	var cfg Config
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.RecordingPath = filepath.Join(v, RecordingFile)
	}
}

func (c *Config) applyDefaults() {
	if c.DeviceName == "" {
		c.DeviceName = DefaultDeviceName
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.RecordingPath == "" {
		c.RecordingPath = filepath.Join(DefaultDataDir(), RecordingFile)
	}
	if c.UploadTimeout == 0 {
		c.UploadTimeout = DefaultUploadTimeout
	}
}

// Validate checks a config after flags have been applied.
func (c *Config) Validate() error { return c.validate() }

func (c *Config) validate() error {
	if c.DeviceName == "" {
		return fmt.Errorf("device_name is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("endpoint %q must be an http(s) URL", c.Endpoint)
	}
	if c.RecordingPath == "" {
		return fmt.Errorf("recording_path is required")
	}
	if c.UploadTimeout < 0 {
		return fmt.Errorf("upload_timeout must not be negative")
	}
	return nil
}

func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "friendrec", "config.yaml")
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "friendrec")
	case "windows":
		if d := os.Getenv("LOCALAPPDATA"); d != "" {
			return filepath.Join(d, "friendrec")
		}
		return filepath.Join(home, "AppData", "Local", "friendrec")
	default:
		if d := os.Getenv("XDG_DATA_HOME"); d != "" {
			return filepath.Join(d, "friendrec")
		}
		return filepath.Join(home, ".local", "share", "friendrec")
	}
}
