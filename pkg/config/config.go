// Package config provides environment-based configuration for the
// coordinator and agent binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the fleet.
type Config struct {
	// Coordinator HTTP API.
	APIHost string
	APIPort int

	// Graceful shutdown timeout.
	ShutdownTimeout time.Duration

	Transport TransportConfig
	Registry  RegistryConfig
	Agent     AgentConfig
}

// TransportConfig holds Redis transport settings.
type TransportConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	// DurableQueue enables mirroring task dispatch onto the durable queue.
	DurableQueue bool
}

// RegistryConfig holds node-liveness sweep settings. A SweepInterval of 0
// disables the sweep: registered nodes are then trusted until the process
// exits.
type RegistryConfig struct {
	SweepInterval     time.Duration
	LivenessThreshold time.Duration
}

// AgentConfig holds worker-agent settings.
type AgentConfig struct {
	NodeID            string
	CoordinatorURL    string
	AddressHint       string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RegisterTimeout   time.Duration
	// MaxConcurrency caps in-flight subtask executions; 0 means unlimited.
	MaxConcurrency int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		APIPort:         getIntEnv("API_PORT", 5000),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		Transport: TransportConfig{
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getIntEnv("REDIS_DB", 0),
			KeyPrefix:     getEnv("REDIS_KEY_PREFIX", "flotilla:"),
			DurableQueue:  getBoolEnv("DURABLE_QUEUE", true),
		},
		Registry: RegistryConfig{
			SweepInterval:     getDurationEnv("REGISTRY_SWEEP_INTERVAL", 0),
			LivenessThreshold: getDurationEnv("REGISTRY_LIVENESS_THRESHOLD", 30*time.Second),
		},
		Agent: AgentConfig{
			NodeID:            getEnv("NODE_ID", ""),
			CoordinatorURL:    getEnv("COORDINATOR_URL", "http://localhost:5000"),
			AddressHint:       getEnv("ADDRESS_HINT", ""),
			HeartbeatInterval: getDurationEnv("HEARTBEAT_INTERVAL", 5*time.Second),
			HeartbeatTimeout:  getDurationEnv("HEARTBEAT_TIMEOUT", 5*time.Second),
			RegisterTimeout:   getDurationEnv("REGISTER_TIMEOUT", 10*time.Second),
			MaxConcurrency:    getIntEnv("AGENT_MAX_CONCURRENCY", 0),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT %d out of range", c.APIPort)
	}
	if c.Agent.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.Registry.SweepInterval > 0 && c.Registry.LivenessThreshold <= 0 {
		return fmt.Errorf("REGISTRY_LIVENESS_THRESHOLD must be positive when the sweep is enabled")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
