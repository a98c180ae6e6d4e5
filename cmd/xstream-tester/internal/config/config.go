// Package config loads the xstream-tester configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gordian-engine/xstream/xconn"
	"gopkg.in/yaml.v3"
)

// Config is the xstream-tester configuration.
type Config struct {
	Log LogConfig `yaml:"log"`

	// UDP address the node listens on.
	Listen string `yaml:"listen"`

	// PEM files for the node's certificate and key.
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`

	// PEM files of trusted CA certificates.
	CAs []string `yaml:"cas"`

	// Address of the Prometheus metrics endpoint.
	// Empty disables it.
	Metrics string `yaml:"metrics"`

	ProtocolTimeout time.Duration `yaml:"protocol_timeout"`

	Adapter AdapterConfig `yaml:"adapter"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	// debug, info, warn, or error.
	Level string `yaml:"level"`

	// text or json.
	Format string `yaml:"format"`
}

// AdapterConfig overrides the adapter defaults.
// Zero fields keep the default.
type AdapterConfig struct {
	MaxFrameSize     uint32        `yaml:"max_frame_size"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Listen:          "127.0.0.1:0",
		ProtocolTimeout: 5 * time.Second,
	}
}

// Load reads the configuration from the YAML file at path.
// If the file does not exist, Load returns [Default] with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var err error

	var lvl slog.Level
	if uerr := lvl.UnmarshalText([]byte(c.Log.Level)); uerr != nil {
		err = errors.Join(err, fmt.Errorf("log.level: %w", uerr))
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		err = errors.Join(err, fmt.Errorf("log.format must be text or json (got %q)", c.Log.Format))
	}

	if (c.Cert == "") != (c.Key == "") {
		err = errors.Join(err, errors.New("cert and key must be set together"))
	}

	if c.ProtocolTimeout < 0 {
		err = errors.Join(err, fmt.Errorf("protocol_timeout must not be negative (got %s)", c.ProtocolTimeout))
	}

	return err
}

// NewLogger builds the configured logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var lvl slog.Level
	// Validated in Load; Default is always valid.
	_ = lvl.UnmarshalText([]byte(c.Log.Level))

	opts := &slog.HandlerOptions{Level: lvl}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// AdapterConfig returns the adapter defaults with the configured overrides.
func (c *Config) AdapterConfig() xconn.Config {
	out := xconn.DefaultConfig()

	a := c.Adapter
	if a.MaxFrameSize > 0 {
		out.MaxFrameSize = a.MaxFrameSize
	}
	if a.OpenTimeout > 0 {
		out.OpenTimeout = a.OpenTimeout
	}
	if a.HandshakeTimeout > 0 {
		out.HandshakeTimeout = a.HandshakeTimeout
	}
	if a.SweepInterval > 0 {
		out.SweepInterval = a.SweepInterval
	}

	return out
}
