// Package envconfig reads the environment variables the training pipeline
// honors. SageMaker sets SM_CHANNEL_TRAIN and SM_MODEL_DIR inside training
// jobs; outside of one the fixed defaults apply.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// DataDir returns the dataset root holding the profile directories.
// Configurable via SM_CHANNEL_TRAIN.
func DataDir() string {
	if s := Var("SM_CHANNEL_TRAIN"); s != "" {
		return s
	}
	return "/opt/ml/input/data/train/images"
}

// ModelDir returns the directory run directories are created under.
// Configurable via SM_MODEL_DIR.
func ModelDir() string {
	if s := Var("SM_MODEL_DIR"); s != "" {
		return s
	}
	return "./model"
}

// OutputDir returns the directory for auxiliary run output. SM_MODEL_DIR
// overrides this too; SageMaker jobs collect both from the same mount.
func OutputDir() string {
	if s := Var("SM_MODEL_DIR"); s != "" {
		return s
	}
	return "./output"
}

// NumWorkers returns the decode worker count for the data loader.
// Configurable via VISAGE_NUM_WORKERS; 0 lets the loader size itself.
func NumWorkers() uint {
	const key = "VISAGE_NUM_WORKERS"
	if s := Var(key); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", 0)
			return 0
		}
		return uint(n)
	}
	return 0
}

// LogLevel returns the slog level for operational logging.
// Configurable via VISAGE_DEBUG: unset or 0 is INFO, 1/true is DEBUG,
// larger numbers lower the level further.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("VISAGE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// Var returns an environment variable stripped of surrounding spaces and
// quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// EnvVar describes one honored environment variable.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every honored variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"SM_CHANNEL_TRAIN":   {"SM_CHANNEL_TRAIN", DataDir(), "Dataset root holding the profile directories"},
		"SM_MODEL_DIR":       {"SM_MODEL_DIR", ModelDir(), "Directory run directories are created under"},
		"VISAGE_NUM_WORKERS": {"VISAGE_NUM_WORKERS", NumWorkers(), "Decode worker count for the data loader (0 = automatic)"},
		"VISAGE_DEBUG":       {"VISAGE_DEBUG", LogLevel(), "Show additional debug information (e.g. VISAGE_DEBUG=1)"},
	}
}

// Values returns every honored variable rendered as a string.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
