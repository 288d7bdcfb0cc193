// Package config loads crudfs configuration files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/go-homedir"
	"github.com/rfratto/crudfs/internal/cmdutil"
	"github.com/rfratto/crudfs/internal/crud"
	"github.com/rfratto/crudfs/internal/crud/client"
	"github.com/rfratto/crudfs/internal/crudio"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	LogLevel cmdutil.LogLevel `yaml:"log_level"`
	Server   ServerConfig     `yaml:"server"`
	Volume   VolumeConfig     `yaml:"volume"`
	Metrics  MetricsConfig    `yaml:"metrics"`
}

// ServerConfig configures the connection to the object store.
type ServerConfig struct {
	Addr        string        `yaml:"addr"`
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// RequestTimeout bounds each volume operation. 0 disables the timeout.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// VolumeConfig configures the file table. It must match the values used
// when the volume was formatted.
type VolumeConfig struct {
	MaxFiles      int `yaml:"max_files"`
	MaxPathLength int `yaml:"max_path_length"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	// ListenAddr to serve /metrics on. Metrics aren't served when empty.
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig holds default values for Config.
var DefaultConfig = Config{
	Server: ServerConfig{
		Addr:           client.DefaultOptions.Addr,
		DialTimeout:    client.DefaultOptions.DialTimeout,
		RequestTimeout: 30 * time.Second,
	},
	Volume: VolumeConfig{
		MaxFiles:      crudio.DefaultOptions.MaxFiles,
		MaxPathLength: crudio.DefaultOptions.MaxPathLength,
	},
}

// Load reads a Config from the file at path. A leading ~ in path is expanded
// to the home directory. Fields missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expanding %s: %w", path, err)
	}
	f, err := os.Open(expanded)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", expanded, err)
	}
	return cfg, nil
}

// Parse reads a Config from r and validates it. Unknown fields are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := DefaultConfig

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ParseBytes is like Parse but reads from b.
func ParseBytes(b []byte) (*Config, error) { return Parse(bytes.NewReader(b)) }

// Validate returns every problem with c.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if c.Server.Addr == "" {
		errs = multierror.Append(errs, fmt.Errorf("server.addr is required"))
	}
	if c.Server.DialTimeout < 0 {
		errs = multierror.Append(errs, fmt.Errorf("server.dial_timeout must not be negative"))
	}
	if c.Server.RequestTimeout < 0 {
		errs = multierror.Append(errs, fmt.Errorf("server.request_timeout must not be negative"))
	}
	if c.Volume.MaxFiles <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("volume.max_files must be positive"))
	}
	if c.Volume.MaxPathLength <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("volume.max_path_length must be positive"))
	}
	if c.Volume.MaxPathLength > crud.MaxLength {
		errs = multierror.Append(errs, fmt.Errorf("volume.max_path_length must be at most %d", crud.MaxLength))
	}

	return errs.ErrorOrNil()
}

// ClientOptions returns options for a client.Client based on c.
func (c *Config) ClientOptions() client.Options {
	o := client.DefaultOptions
	o.Addr = c.Server.Addr
	o.DialTimeout = c.Server.DialTimeout
	return o
}

// VolumeOptions returns options for a crudio.Volume based on c.
func (c *Config) VolumeOptions() crudio.Options {
	return crudio.Options{
		MaxFiles:      c.Volume.MaxFiles,
		MaxPathLength: c.Volume.MaxPathLength,
	}
}
