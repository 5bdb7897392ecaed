// Package envconfig reads process-level settings from ETA_* environment
// variables. File-based model and training configuration lives in the config
// package; environment variables only tune how this process runs.
package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Var reads an environment variable, trimming whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Bool returns an accessor for a boolean variable with a default.
func Bool(key string, defaultValue bool) func() bool {
	return func() bool {
		if s := Var(key); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
				return defaultValue
			}
			return b
		}
		return defaultValue
	}
}

// Uint returns an accessor for an unsigned integer variable with a default.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// String returns an accessor for a string variable with a default.
func String(key, defaultValue string) func() string {
	return func() string {
		if s := Var(key); s != "" {
			return s
		}
		return defaultValue
	}
}

// LogLevel maps ETA_DEBUG onto slog levels: unset means info, a truthy value
// or 1 means debug, 2 or more means trace-ish verbosity (still debug, with
// source locations enabled by the logger setup).
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("ETA_DEBUG"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil && b {
			level = slog.LevelDebug
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			level = slog.LevelDebug
		}
	}
	return level
}

// Checkpoints is the directory checkpoints and demos are written under.
// Configurable via ETA_CHECKPOINTS; defaults to ~/.elucidated/checkpoints.
func Checkpoints() string {
	if s := Var("ETA_CHECKPOINTS"); s != "" {
		return s
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "checkpoints")
	}
	return filepath.Join(home, ".elucidated", "checkpoints")
}

// Threads caps worker parallelism for demo decoding. Defaults to the CPU
// count. Configurable via ETA_THREADS.
var Threads = Uint("ETA_THREADS", uint(runtime.NumCPU()))

// FusedAttention toggles the fused attention kernel without editing the
// model configuration. Configurable via ETA_FUSED_ATTENTION.
var FusedAttention = Bool("ETA_FUSED_ATTENTION", true)

// EnvVar describes one recognized variable for help output.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap lists every recognized variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"ETA_DEBUG":           {"ETA_DEBUG", LogLevel(), "Show additional debug information (e.g. ETA_DEBUG=1)"},
		"ETA_CHECKPOINTS":     {"ETA_CHECKPOINTS", Checkpoints(), "Directory for checkpoints and demo output"},
		"ETA_THREADS":         {"ETA_THREADS", Threads(), "Worker parallelism for demo decoding (default: CPU count)"},
		"ETA_FUSED_ATTENTION": {"ETA_FUSED_ATTENTION", FusedAttention(), "Use the fused attention kernel (default: true)"},
	}
}
