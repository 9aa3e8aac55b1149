package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the controller
type Config struct {
	ControllerID string
	Targets      string // comma separated host[:port] list, bypasses discovery
	DevicePort   int
	HTTPPort     int
	RedisURL     string
	NATSURL      string
	ParamFile    string

	ConnectTimeout    time.Duration
	RetryInitial      time.Duration
	RetryMax          time.Duration
	RetryJitter       float64
	HeartbeatInterval time.Duration
	LivenessMult      int

	// Policy knobs, both disabled when zero.
	EvictAfter   time.Duration
	HealthyReset time.Duration

	DiscoveryWindow time.Duration
	DiscoveryPeriod time.Duration
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		ControllerID: getEnv("CONTROLLER_ID", "ctl-01"),
		Targets:      getEnv("TARGETS", ""),
		DevicePort:   getEnvAsInt("DEVICE_PORT", 5569),
		HTTPPort:     getEnvAsInt("HTTP_PORT", 8081),
		RedisURL:     getEnv("REDIS_URL", "localhost:6379"),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		ParamFile:    getEnv("PARAM_FILE", ""),

		ConnectTimeout:    getEnvAsDuration("CONNECT_TIMEOUT", 5*time.Second),
		RetryInitial:      getEnvAsDuration("RETRY_INITIAL", 5*time.Second),
		RetryMax:          getEnvAsDuration("RETRY_MAX", 60*time.Second),
		RetryJitter:       getEnvAsFloat("RETRY_JITTER", 0),
		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 2*time.Second),
		LivenessMult:      getEnvAsInt("LIVENESS_MULTIPLIER", 3),

		EvictAfter:   getEnvAsDuration("EVICT_AFTER", 0),
		HealthyReset: getEnvAsDuration("HEALTHY_RESET", 0),

		DiscoveryWindow: getEnvAsDuration("DISCOVERY_WINDOW", 3*time.Second),
		DiscoveryPeriod: getEnvAsDuration("DISCOVERY_PERIOD", 60*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
