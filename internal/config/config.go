// Package config loads kbase settings from defaults, an optional YAML file
// and KBASE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/kbase/internal/imaging"
)

// EnvPrefix prefixes every environment override, e.g. KBASE_SERVER_ADDR.
const EnvPrefix = "KBASE"

// Config is the full application configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Blobs    BlobsConfig    `mapstructure:"blobs"`
	Images   imaging.Config `mapstructure:"images"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Server   ServerConfig   `mapstructure:"server"`
}

// DatabaseConfig locates the tree store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BlobsConfig locates the content store.
type BlobsConfig struct {
	Dir string `mapstructure:"dir"`
}

// SweepConfig tunes orphan image collection.
type SweepConfig struct {
	Interval    time.Duration `mapstructure:"interval"` // 0 disables the periodic full sweep
	Grace       time.Duration `mapstructure:"grace"`    // 0 sweeps unreferenced images of any age
	Parallelism int           `mapstructure:"parallelism"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReleaseMode     bool          `mapstructure:"release_mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "kbase.db"},
		Blobs:    BlobsConfig{Dir: "uploads"},
		Images:   imaging.DefaultConfig(),
		Sweep: SweepConfig{
			Interval:    6 * time.Hour,
			Grace:       time.Hour,
			Parallelism: 4,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads the configuration. An empty path skips the file; a named file
// that does not exist is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys the
// file does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("blobs.dir", d.Blobs.Dir)

	v.SetDefault("images.max_bytes", d.Images.MaxBytes)
	v.SetDefault("images.max_width", d.Images.MaxWidth)
	v.SetDefault("images.max_height", d.Images.MaxHeight)
	v.SetDefault("images.max_pixels", d.Images.MaxPixels)
	v.SetDefault("images.quality", d.Images.Quality)
	v.SetDefault("images.formats", d.Images.Formats)

	v.SetDefault("sweep.interval", d.Sweep.Interval)
	v.SetDefault("sweep.grace", d.Sweep.Grace)
	v.SetDefault("sweep.parallelism", d.Sweep.Parallelism)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.release_mode", d.Server.ReleaseMode)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var problems []error
	if strings.TrimSpace(c.Database.Path) == "" {
		problems = append(problems, errors.New("database.path is required"))
	}
	if strings.TrimSpace(c.Blobs.Dir) == "" {
		problems = append(problems, errors.New("blobs.dir is required"))
	}
	if c.Images.Quality < 1 || c.Images.Quality > 100 {
		problems = append(problems, fmt.Errorf("images.quality must be 1-100, got %d", c.Images.Quality))
	}
	if c.Sweep.Interval < 0 || c.Sweep.Grace < 0 {
		problems = append(problems, errors.New("sweep durations must not be negative"))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(problems...))
	}
	return nil
}
