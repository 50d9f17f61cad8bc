package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// String returns the value of the named environment variable, or fallback if
// the variable is unset or empty.
func String(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// Int returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func Int(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return fallback
}

// Float returns the float64 value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func Float(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

// Bool reports whether the named environment variable holds a true value
// ("1", "true", "yes", case-insensitive).
func Bool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// DataDir returns CODEQA_DATA_DIR, defaulting to ~/.codeqa. Falls back to
// ./.codeqa when the home directory cannot be resolved.
func DataDir() string {
	if v := String("CODEQA_DATA_DIR", ""); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codeqa"
	}
	return filepath.Join(home, ".codeqa")
}
