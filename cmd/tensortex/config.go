package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the optional ~/.config/tensortex/config.yaml. Pointer fields
// distinguish "not set" from zero values; any field is overridden by an
// explicit flag.
type Config struct {
	OutDir string `yaml:"out_dir"`

	Workers      *int64   `yaml:"workers"`
	Quantize     *float64 `yaml:"quantize"`
	QuantizeAll  *bool    `yaml:"quantize_all"`
	GroupSize    *int64   `yaml:"group_size"`
	Symmetric    *bool    `yaml:"symmetric"`
	ExponentStep *int64   `yaml:"exponent_step"`
	MaxDim       *int64   `yaml:"max_dim"`
	MaxPositions *int64   `yaml:"max_positions"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	if p := os.Getenv(envConfig); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tensortex", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

type configKey struct{}

func withConfig(ctx context.Context, cfg Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFrom(ctx context.Context) Config {
	cfg, _ := ctx.Value(configKey{}).(Config)
	return cfg
}

func applyLogConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyExportConfig applies config file defaults to export variables when
// the corresponding flag was not set.
func applyExportConfig(c *cli.Command, cfg Config) {
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.Quantize != nil && !c.IsSet("quantize") {
		quantizeMiB = *cfg.Quantize
	}
	if cfg.QuantizeAll != nil && !c.IsSet("quantize-all") {
		quantizeAll = *cfg.QuantizeAll
	}
	if cfg.GroupSize != nil && !c.IsSet("group-size") {
		groupSize = *cfg.GroupSize
	}
	if cfg.Symmetric != nil && !c.IsSet("symmetric") {
		symmetric = *cfg.Symmetric
	}
	if cfg.ExponentStep != nil && !c.IsSet("exponent-step") {
		exponentStep = *cfg.ExponentStep
	}
	if cfg.MaxDim != nil && !c.IsSet("max-dim") {
		maxDim = *cfg.MaxDim
	}
	if cfg.MaxPositions != nil && !c.IsSet("max-positions") {
		maxPositions = *cfg.MaxPositions
	}
}

func applyServeConfig(c *cli.Command, cfg Config) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		serveAddr = cfg.ServerAddress
	}
}
