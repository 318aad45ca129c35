package nce

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultSettingsValid(t *testing.T) {
	if err := DefaultSettings().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nce.toml")
	const doc = `
patch_region_pages = 32
host_counter_freq = 25000000
log_level = "debug"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	settings, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := DefaultSettings()
	want.PatchRegionPages = 32
	want.HostCounterFreq = 25000000
	want.LogLevel = "debug"
	if diff := cmp.Diff(want, settings); diff != "" {
		t.Fatalf("settings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSettingsRejectsUnknownLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nce.toml")
	if err := os.WriteFile(path, []byte(`log_level = "shouting"`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadSettings(path); err == nil {
		t.Fatal("expected an error for an unknown log level")
	}
}

func TestValidateRejectsZeroPatchRegion(t *testing.T) {
	settings := DefaultSettings()
	settings.PatchRegionPages = 0
	if err := settings.Validate(); err == nil {
		t.Fatal("expected an error for a zero sized patch region")
	}
}
