package nce

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Settings holds the tunables of a Supervisor. Zero values mean "use the
// default"; start from DefaultSettings when constructing by hand.
type Settings struct {
	// PatchRegionPages is the number of guest pages reserved in front of
	// every loaded executable for trampoline code. The reservation is a
	// hard bound: a load whose rewrite outgrows it fails.
	PatchRegionPages uint64 `toml:"patch_region_pages"`

	// HostCounterFreq is the host counter frequency in Hz handed to the
	// Patcher. Zero means the host already runs at the guest reference
	// frequency.
	HostCounterFreq uint64 `toml:"host_counter_freq"`

	// SpinBudget bounds every busy-wait loop in the thread handshake
	// protocols to this many iterations, turning a stuck handshake into
	// an error. Zero spins without bound, the production configuration.
	SpinBudget uint64 `toml:"spin_budget"`

	// TraceDepth is the number of instruction words of history included
	// in a crash trace.
	TraceDepth uint16 `toml:"trace_depth"`

	// LogLevel is a logrus level name ("error", "warn", "info", "debug").
	LogLevel string `toml:"log_level"`
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		PatchRegionPages: 16,
		TraceDepth:       10,
		LogLevel:         "info",
	}
}

// LoadSettings reads a TOML settings file, layering it over the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return Settings{}, fmt.Errorf("decoding settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate reports the first nonsensical setting.
func (s Settings) Validate() error {
	if s.PatchRegionPages == 0 {
		return fmt.Errorf("patch_region_pages must be at least 1")
	}
	if _, err := logrus.ParseLevel(s.LogLevel); err != nil {
		return fmt.Errorf("validating log_level: %w", err)
	}
	return nil
}

// logLevel resolves the configured logrus level; Validate has already
// rejected unparsable names.
func (s Settings) logLevel() logrus.Level {
	level, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
