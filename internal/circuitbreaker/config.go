package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

const (
	taskService  = "task"
	cacheService = "fallback-cache"
)

// DefaultTaskSettings returns the task breaker defaults: five consecutive
// failures open the circuit for five minutes.
func DefaultTaskSettings() TaskSettings {
	return TaskSettings{
		Threshold: 5,
		Timeout:   300 * time.Second,
	}
}

// DefaultRegistryConfig returns a registry config using DefaultTaskSettings
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{Default: DefaultTaskSettings()}
}

// CacheConfig returns the fallback cache breaker configuration from environment variables
func CacheConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("CB_CACHE_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_CACHE_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_CACHE_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_CACHE_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_CACHE_SUCCESS_THRESHOLD", 2),
	}
}

// StoreConfig returns the run store breaker configuration from environment variables
func StoreConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("CB_STORE_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("CB_STORE_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("CB_STORE_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvUint32("CB_STORE_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_STORE_SUCCESS_THRESHOLD", 2),
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
