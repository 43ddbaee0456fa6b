package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for all meshwatch environment variables.
const EnvPrefix = "MESHWATCH_"

// Coordinator holds the coordinator process configuration.
type Coordinator struct {
	ListenAddr string `yaml:"listen_addr"`
	Version    string `yaml:"version"`
	LogLevel   string `yaml:"log_level"`

	// Health state machine.
	OfflineThreshold time.Duration `yaml:"offline_threshold"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`

	// Periodic task cadences.
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	StatsInterval     time.Duration `yaml:"stats_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`

	// Realtime hub.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	// Mesh scoring.
	MaxExpectedNeighbors int `yaml:"max_expected_neighbors"`

	// Optional NATS mirror of fleet events. Empty disables it.
	NATSURL string `yaml:"nats_url"`
}

// Agent holds the peer-side heartbeat agent configuration.
type Agent struct {
	// Ordered candidate coordinator base URLs probed during discovery.
	Coordinators []string `yaml:"coordinators"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxFailures       int           `yaml:"max_failures"`
	DiscoveryTimeout  time.Duration `yaml:"discovery_timeout"`
	Version           string        `yaml:"version"`
	LogLevel          string        `yaml:"log_level"`
}

// LoadCoordinator builds the coordinator configuration from the
// environment, with an optional YAML file (MESHWATCH_CONFIG_FILE)
// applied first so environment variables win.
func LoadCoordinator() (*Coordinator, error) {
	_ = godotenv.Load()

	cfg := &Coordinator{
		ListenAddr:           ":8420",
		Version:              "1.0.0",
		LogLevel:             "info",
		OfflineThreshold:     60 * time.Second,
		ProbeTimeout:         30 * time.Second,
		DiscoveryInterval:    10 * time.Second,
		StatsInterval:        5 * time.Second,
		SweepInterval:        30 * time.Second,
		SessionIdleTimeout:   30 * time.Minute,
		MaxExpectedNeighbors: 10,
	}

	if err := applyFile(cfg); err != nil {
		return nil, err
	}

	loader := NewEnvLoader(EnvPrefix)
	loader.LoadAll()

	var err error
	cfg.ListenAddr = loader.GetString("LISTEN_ADDR", cfg.ListenAddr)
	cfg.Version = loader.GetString("VERSION", cfg.Version)
	cfg.LogLevel = loader.GetString("LOG_LEVEL", cfg.LogLevel)
	cfg.NATSURL = loader.GetString("NATS_URL", cfg.NATSURL)

	if cfg.OfflineThreshold, err = loader.GetDuration("OFFLINE_THRESHOLD", cfg.OfflineThreshold); err != nil {
		return nil, err
	}
	if cfg.ProbeTimeout, err = loader.GetDuration("PROBE_TIMEOUT", cfg.ProbeTimeout); err != nil {
		return nil, err
	}
	if cfg.DiscoveryInterval, err = loader.GetDuration("DISCOVERY_INTERVAL", cfg.DiscoveryInterval); err != nil {
		return nil, err
	}
	if cfg.StatsInterval, err = loader.GetDuration("STATS_INTERVAL", cfg.StatsInterval); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = loader.GetDuration("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return nil, err
	}
	if cfg.SessionIdleTimeout, err = loader.GetDuration("SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout); err != nil {
		return nil, err
	}
	if cfg.MaxExpectedNeighbors, err = loader.GetInt("MAX_EXPECTED_NEIGHBORS", cfg.MaxExpectedNeighbors); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the coordinator configuration.
func (c *Coordinator) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.OfflineThreshold <= 0 {
		return fmt.Errorf("offline threshold must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	if c.DiscoveryInterval <= 0 || c.StatsInterval <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("task intervals must be positive")
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("session idle timeout must be positive")
	}
	if c.MaxExpectedNeighbors <= 0 {
		return fmt.Errorf("max expected neighbors must be positive")
	}
	return nil
}

// LoadAgent builds the agent configuration from the environment, with
// an optional YAML file applied first.
func LoadAgent() (*Agent, error) {
	_ = godotenv.Load()

	cfg := &Agent{
		HeartbeatInterval: 30 * time.Second,
		MaxFailures:       5,
		DiscoveryTimeout:  2 * time.Second,
		Version:           "1.0.0",
		LogLevel:          "info",
	}

	if err := applyFile(cfg); err != nil {
		return nil, err
	}

	loader := NewEnvLoader(EnvPrefix)
	loader.LoadAll()

	var err error
	if candidates := loader.GetStringSlice("COORDINATORS"); len(candidates) > 0 {
		cfg.Coordinators = candidates
	}
	cfg.Version = loader.GetString("VERSION", cfg.Version)
	cfg.LogLevel = loader.GetString("LOG_LEVEL", cfg.LogLevel)

	if cfg.HeartbeatInterval, err = loader.GetDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return nil, err
	}
	if cfg.MaxFailures, err = loader.GetInt("MAX_FAILURES", cfg.MaxFailures); err != nil {
		return nil, err
	}
	if cfg.DiscoveryTimeout, err = loader.GetDuration("DISCOVERY_TIMEOUT", cfg.DiscoveryTimeout); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the agent configuration. An empty coordinator list is
// allowed: the agent then runs standalone until one appears.
func (a *Agent) Validate() error {
	if a.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if a.MaxFailures <= 0 {
		return fmt.Errorf("max failures must be positive")
	}
	if a.DiscoveryTimeout <= 0 {
		return fmt.Errorf("discovery timeout must be positive")
	}
	return nil
}

// applyFile overlays values from the YAML file named by
// MESHWATCH_CONFIG_FILE, when set.
func applyFile(cfg any) error {
	path := os.Getenv(EnvPrefix + "CONFIG_FILE")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}
