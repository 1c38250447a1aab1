// Package config holds the process-wide configuration of opcheck, read once from the environment.
package config

import (
	"os"
	"strings"
	"sync"
)

// Environment variables read by FromEnv.
const (
	// LogLevelEnv sets the verbosity of the harness logger: DEBUG, INFO, WARNING or ERROR.
	LogLevelEnv = "LOG_LEVEL"

	// TargetEnv forces the execution target: "host", "nvgpu" or "interpreter".
	// If not set, the accelerator is used when available, and the host otherwise.
	TargetEnv = "OPCHECK_TARGET"

	// HostPluginEnv is the name (or full path) of the PJRT plugin used for the host target.
	HostPluginEnv = "OPCHECK_HOST_PLUGIN"

	// AcceleratorPluginEnv is the name (or full path) of the PJRT plugin used for the NVGPU target.
	AcceleratorPluginEnv = "OPCHECK_ACCELERATOR_PLUGIN"

	// DumpDirEnv, if set, is the directory where programs of failing comparisons are saved.
	DumpDirEnv = "OPCHECK_DUMP_DIR"
)

// Defaults.
const (
	DefaultLogLevel          = "INFO"
	DefaultHostPlugin        = "cpu"
	DefaultAcceleratorPlugin = "cuda"
)

// Config is the configuration of a test run. It is immutable once loaded.
type Config struct {
	// LogLevel is the upper-cased level name, e.g. "INFO".
	LogLevel string

	// Target is the forced target name, or empty to auto-detect.
	Target string

	HostPlugin        string
	AcceleratorPlugin string

	// DumpDir is empty if reproducers are not to be saved.
	DumpDir string
}

// FromEnv builds a Config from the environment, using the defaults for unset variables.
func FromEnv() Config {
	return Config{
		LogLevel:          strings.ToUpper(getEnvOr(LogLevelEnv, DefaultLogLevel)),
		Target:            strings.ToLower(strings.TrimSpace(os.Getenv(TargetEnv))),
		HostPlugin:        getEnvOr(HostPluginEnv, DefaultHostPlugin),
		AcceleratorPlugin: getEnvOr(AcceleratorPluginEnv, DefaultAcceleratorPlugin),
		DumpDir:           os.Getenv(DumpDirEnv),
	}
}

var (
	loadOnce sync.Once
	loaded   Config
)

// Get returns the configuration read from the environment the first time it is called.
// Later changes to the environment are not seen.
func Get() Config {
	loadOnce.Do(func() {
		loaded = FromEnv()
	})
	return loaded
}

func getEnvOr(key, defaultValue string) string {
	value, found := os.LookupEnv(key)
	if !found || value == "" {
		return defaultValue
	}
	return value
}
