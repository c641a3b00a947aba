// Package config provides unified configuration loading helpers for platform services.
// This package eliminates duplication across service entry points by providing:
// - Environment variable loading with fallbacks
// - CSV parsing
// - Duration and numeric parsing
// - Typed per-service configuration structs
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"os"
)

// LoadDotEnv loads a .env file when present. Missing files are not an error;
// explicit environment always wins over file values.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// GetEnv retrieves an environment variable with optional default.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// RequireEnv retrieves a required environment variable.
func RequireEnv(key string) (string, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return value, nil
}

// GetEnvBool retrieves a boolean environment variable with optional default.
// Accepts: "true", "1", "yes", "y", "on" (case-insensitive) as true.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if val == "" {
		return defaultValue
	}
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// GetEnvInt retrieves an integer environment variable with optional default.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// GetEnvDuration retrieves a duration environment variable with optional default.
// Accepts Go duration syntax ("30s", "5m") or a bare integer in seconds.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(val); err == nil {
		return parsed
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// GetEnvCSV retrieves a comma-separated environment variable as a slice.
func GetEnvCSV(key string, defaultValue []string) []string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
