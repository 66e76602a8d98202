package core

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// lookupEnv returns the parsed value of key, or def when the variable is
// unset, blank, or fails to parse.
func lookupEnv[T any](key string, def T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

// GetEnvOrDefault returns the value of an environment variable or a default value.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// ParseIntEnv parses an environment variable as an integer.
func ParseIntEnv(key string, defaultValue int) int {
	return lookupEnv(key, defaultValue, strconv.Atoi)
}

// ParseInt64Env parses an environment variable as an int64.
func ParseInt64Env(key string, defaultValue int64) int64 {
	return lookupEnv(key, defaultValue, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

// ParseFloat64Env parses an environment variable as a float64.
func ParseFloat64Env(key string, defaultValue float64) float64 {
	return lookupEnv(key, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// ParseBoolEnv parses an environment variable as a boolean.
// Accepts true/1/yes/on and false/0/no/off, case-insensitive.
func ParseBoolEnv(key string, defaultValue bool) bool {
	return lookupEnv(key, defaultValue, parseBool)
}

// ParseDurationEnv parses an environment variable holding whole seconds.
func ParseDurationEnv(key string, defaultSeconds int) time.Duration {
	return time.Duration(ParseIntEnv(key, defaultSeconds)) * time.Second
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, strconv.ErrSyntax
}
