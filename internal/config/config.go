// Package config loads the orchestrator's small tunable set, layering a
// YAML file under the config root beneath cobra flag overrides via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds every tunable the orchestrator reads at startup.
type Config struct {
	Run    RunConfig    `mapstructure:"run"`
	Server ServerConfig `mapstructure:"server"`
	Paths  PathsConfig  `mapstructure:"paths"`
}

// RunConfig controls batch sizing, retries, and timeouts.
type RunConfig struct {
	MaxParallel    int `mapstructure:"max_parallel"`
	MaxIterations  int `mapstructure:"max_iterations"`
	TimeoutPerTask int `mapstructure:"timeout_per_task_seconds"`
}

// ServerConfig controls the push server's bind address.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// PathsConfig controls where the orchestrator reads/writes state.
type PathsConfig struct {
	OutputRoot string `mapstructure:"output_root"`
	ConfigRoot string `mapstructure:"config_root"`
	WorkerBin  string `mapstructure:"worker_binary"`
}

// Load reads <configRoot>/config.yaml if present, falling back to
// DefaultConfig when it doesn't exist.
func Load(configRoot string) (*Config, error) {
	configPath := filepath.Join(configRoot, "config.yaml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", configPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns a Config with every field at its spec default.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Run: RunConfig{
			MaxParallel:    5,
			MaxIterations:  50,
			TimeoutPerTask: 600,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7890,
		},
		Paths: PathsConfig{
			OutputRoot: filepath.Join(home, ".orchestrator", "runs"),
			ConfigRoot: filepath.Join(home, ".orchestrator"),
			WorkerBin:  "worker-agent",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()
	if cfg.Run.MaxParallel == 0 {
		cfg.Run.MaxParallel = defaults.Run.MaxParallel
	}
	if cfg.Run.MaxIterations == 0 {
		cfg.Run.MaxIterations = defaults.Run.MaxIterations
	}
	if cfg.Run.TimeoutPerTask == 0 {
		cfg.Run.TimeoutPerTask = defaults.Run.TimeoutPerTask
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaults.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if cfg.Paths.OutputRoot == "" {
		cfg.Paths.OutputRoot = defaults.Paths.OutputRoot
	}
	if cfg.Paths.ConfigRoot == "" {
		cfg.Paths.ConfigRoot = defaults.Paths.ConfigRoot
	}
	if cfg.Paths.WorkerBin == "" {
		cfg.Paths.WorkerBin = defaults.Paths.WorkerBin
	}
}
