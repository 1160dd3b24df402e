// Package config loads vectorion's node configuration from a YAML file
// and environment variables.
//
// A file value is loaded first, then each VECTORION_* environment
// variable overwrites its field if present, so environment variables
// always take precedence over the config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Role is the node's replication role.
type Role string

// Recognized node roles.
const (
	RoleStandalone Role = "standalone"
	RoleMaster     Role = "master"
	RoleReplica    Role = "replica"
)

// GPUBackend selects the distance-kernel backend at startup.
type GPUBackend string

// Recognized GPU backends. Only "cpu" has a concrete implementation in
// this module; "auto" resolves to cpu, and the GPU backends are accepted
// for config-compatibility and fall back to cpu with a warning.
const (
	GPUAuto   GPUBackend = "auto"
	GPUCPU    GPUBackend = "cpu"
	GPUMetal  GPUBackend = "metal"
	GPUVulkan GPUBackend = "vulkan"
	GPUDX12   GPUBackend = "dx12"
	GPUCUDA   GPUBackend = "cuda"
)

// Config is the full set of recognized node options.
type Config struct {
	NodeRole Role `yaml:"node_role"`

	BindAddress   string `yaml:"bind_address"`
	MasterAddress string `yaml:"master_address"`

	HeartbeatIntervalSecs int `yaml:"heartbeat_interval_secs"`
	ReplicaTimeoutSecs    int `yaml:"replica_timeout_secs"`
	ReconnectIntervalSecs int `yaml:"reconnect_interval_secs"`

	LogSize uint64 `yaml:"log_size"`

	DataDir        string `yaml:"data_dir"`
	MaxConnections int    `yaml:"max_connections"`

	GPUBackend GPUBackend `yaml:"gpu_backend"`
}

// Default returns the conventional defaults: a 5s heartbeat, a 30s
// replica timeout, and a 1s-start reconnect backoff.
func Default() Config {
	return Config{
		NodeRole:              RoleStandalone,
		BindAddress:           "0.0.0.0:7001",
		HeartbeatIntervalSecs: 5,
		ReplicaTimeoutSecs:    30,
		ReconnectIntervalSecs: 1,
		LogSize:               100_000,
		DataDir:               "./data",
		MaxConnections:        64,
		GPUBackend:            GPUAuto,
	}
}

// HeartbeatInterval and ReplicaTimeout render the *Secs fields as durations
// for direct use by the replication engine.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSecs) * time.Second
}

func (c Config) ReplicaTimeout() time.Duration {
	return time.Duration(c.ReplicaTimeoutSecs) * time.Second
}

func (c Config) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalSecs) * time.Second
}

// Load reads path (if non-empty and present) as YAML into Default(), then
// applies VECTORION_* environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := lookupEnv("NODE_ROLE"); ok {
		cfg.NodeRole = Role(v)
	}
	if v, ok := lookupEnv("BIND_ADDRESS"); ok {
		cfg.BindAddress = v
	}
	if v, ok := lookupEnv("MASTER_ADDRESS"); ok {
		cfg.MasterAddress = v
	}
	if v, ok := lookupEnvInt("HEARTBEAT_INTERVAL_SECS"); ok {
		cfg.HeartbeatIntervalSecs = v
	}
	if v, ok := lookupEnvInt("REPLICA_TIMEOUT_SECS"); ok {
		cfg.ReplicaTimeoutSecs = v
	}
	if v, ok := lookupEnvInt("RECONNECT_INTERVAL_SECS"); ok {
		cfg.ReconnectIntervalSecs = v
	}
	if v, ok := lookupEnvUint("LOG_SIZE"); ok {
		cfg.LogSize = v
	}
	if v, ok := lookupEnv("DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := lookupEnvInt("MAX_CONNECTIONS"); ok {
		cfg.MaxConnections = v
	}
	if v, ok := lookupEnv("GPU_BACKEND"); ok {
		cfg.GPUBackend = GPUBackend(v)
	}
}

const envPrefix = "VECTORION_"

func lookupEnv(suffix string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + suffix)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func lookupEnvInt(suffix string) (int, bool) {
	v, ok := lookupEnv(suffix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupEnvUint(suffix string) (uint64, bool) {
	v, ok := lookupEnv(suffix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate rejects configurations that would fail at startup anyway,
// which the caller maps to the process's config-error exit code.
func (c Config) Validate() error {
	switch c.NodeRole {
	case RoleStandalone, RoleMaster, RoleReplica:
	default:
		return fmt.Errorf("config: unknown node_role %q", c.NodeRole)
	}
	if c.NodeRole == RoleReplica && c.MasterAddress == "" {
		return fmt.Errorf("config: node_role=replica requires master_address")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.LogSize == 0 {
		return fmt.Errorf("config: log_size must be positive")
	}
	switch c.GPUBackend {
	case GPUAuto, GPUCPU, GPUMetal, GPUVulkan, GPUDX12, GPUCUDA:
	default:
		return fmt.Errorf("config: unknown gpu_backend %q", c.GPUBackend)
	}
	return nil
}
