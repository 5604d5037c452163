package config

import (
	"fmt"
	"os"

	"github.com/forgeops/foreman/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the static bootstrap configuration of the server binary.
// Everything tunable at runtime lives in the settings document instead.
type Config struct {
	DataDir        string `yaml:"dataDir"`
	WorkerEndpoint string `yaml:"workerEndpoint"`
	ListenAddr     string `yaml:"listenAddr"`
	MetricsAddr    string `yaml:"metricsAddr"`
	RuntimeImage   string `yaml:"runtimeImage"`
	// SecretsPassphrase derives the AES key for provider secrets
	SecretsPassphrase string `yaml:"secretsPassphrase"`
	ContainerdSocket  string `yaml:"containerdSocket"`

	// Settings seeds the settings document on first start
	Settings *SettingsSeed `yaml:"settings"`
}

// SettingsSeed mirrors the tunable settings fields accepted from yaml
type SettingsSeed struct {
	SchedulerIntervalSeconds   int  `yaml:"schedulerIntervalSeconds"`
	MaxGlobalConcurrentRuns    int  `yaml:"maxGlobalConcurrentRuns"`
	PerProjectConcurrencyLimit int  `yaml:"perProjectConcurrencyLimit"`
	PerRepoConcurrencyLimit    int  `yaml:"perRepoConcurrencyLimit"`
	MinWorkers                 int  `yaml:"minWorkers"`
	MaxWorkers                 int  `yaml:"maxWorkers"`
	ReserveWorkers             int  `yaml:"reserveWorkers"`
	EnableAutoTermination      bool `yaml:"enableAutoTermination"`
	CheckIntervalSeconds       int  `yaml:"checkIntervalSeconds"`
	StaleRunThresholdMinutes   int  `yaml:"staleRunThresholdMinutes"`
	ZombieRunThresholdMinutes  int  `yaml:"zombieRunThresholdMinutes"`
	MaxRunAgeHours             int  `yaml:"maxRunAgeHours"`
}

// Defaults applied when the config file omits fields
const (
	DefaultDataDir        = "/var/lib/foreman"
	DefaultListenAddr     = ":7070"
	DefaultMetricsAddr    = ":9090"
	DefaultWorkerEndpoint = "localhost:7071"
	DefaultRuntimeImage   = "ghcr.io/forgeops/foreman-runtime:latest"
)

// Load reads a yaml config file; a missing path yields defaults
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}
	if c.WorkerEndpoint == "" {
		c.WorkerEndpoint = DefaultWorkerEndpoint
	}
	if c.RuntimeImage == "" {
		c.RuntimeImage = DefaultRuntimeImage
	}
}

// SeedSettings projects the yaml seed into a settings document
func (c *Config) SeedSettings() *types.Settings {
	if c.Settings == nil {
		return &types.Settings{}
	}
	s := c.Settings
	return &types.Settings{
		SchedulerIntervalSeconds:   s.SchedulerIntervalSeconds,
		MaxGlobalConcurrentRuns:    s.MaxGlobalConcurrentRuns,
		PerProjectConcurrencyLimit: s.PerProjectConcurrencyLimit,
		PerRepoConcurrencyLimit:    s.PerRepoConcurrencyLimit,
		MinWorkers:                 s.MinWorkers,
		MaxWorkers:                 s.MaxWorkers,
		ReserveWorkers:             s.ReserveWorkers,
		EnableAutoTermination:      s.EnableAutoTermination,
		CheckIntervalSeconds:       s.CheckIntervalSeconds,
		StaleRunThresholdMinutes:   s.StaleRunThresholdMinutes,
		ZombieRunThresholdMinutes:  s.ZombieRunThresholdMinutes,
		MaxRunAgeHours:             s.MaxRunAgeHours,
	}
}
