package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEmptyTrackerConfigDefaults(t *testing.T) {
	cfg := EmptyTrackerConfig()

	if got := cfg.GetSpeedCorrectionFactor(); got != 1.12 {
		t.Errorf("GetSpeedCorrectionFactor() = %v, want 1.12", got)
	}
	if got := cfg.GetGlobalSpeedLimitKmh(); got != 60 {
		t.Errorf("GetGlobalSpeedLimitKmh() = %d, want 60", got)
	}
	if got := cfg.GetGracePeriod(); got != 10*time.Second {
		t.Errorf("GetGracePeriod() = %v, want 10s", got)
	}
	if got := cfg.GetViolationCooldown(); got != time.Minute {
		t.Errorf("GetViolationCooldown() = %v, want 60s", got)
	}
	if got := cfg.GetAnnounceExitBusy(); got != 2500*time.Millisecond {
		t.Errorf("GetAnnounceExitBusy() = %v, want 2.5s", got)
	}
	if got := cfg.GetLocationWriteInterval(); got != 2*time.Second {
		t.Errorf("GetLocationWriteInterval() = %v, want 2s", got)
	}
	if !cfg.GetTrackInBackground() {
		t.Error("GetTrackInBackground() = false, want true")
	}
	limits := cfg.GetCategorySpeedLimitsKmh()
	if limits["school"] != 20 || limits["crosswalk"] != 15 {
		t.Errorf("unexpected category limits %v", limits)
	}
}

func TestLoadTrackerConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tracker.json")

	testJSON := `{
  "grace_period": "5s",
  "global_speed_limit_kmh": 50,
  "category_speed_limits_kmh": {"school": 25},
  "track_in_background": false
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTrackerConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if got := cfg.GetGracePeriod(); got != 5*time.Second {
		t.Errorf("GetGracePeriod() = %v, want 5s", got)
	}
	if got := cfg.GetGlobalSpeedLimitKmh(); got != 50 {
		t.Errorf("GetGlobalSpeedLimitKmh() = %d, want 50", got)
	}
	limits := cfg.GetCategorySpeedLimitsKmh()
	if limits["school"] != 25 {
		t.Errorf("school override = %d, want 25", limits["school"])
	}
	if limits["church"] != 30 {
		t.Errorf("church default = %d, want 30", limits["church"])
	}
	if cfg.GetTrackInBackground() {
		t.Error("GetTrackInBackground() = true, want false")
	}
	// Unset fields fall back.
	if got := cfg.GetViolationCooldown(); got != time.Minute {
		t.Errorf("GetViolationCooldown() = %v, want 60s", got)
	}
}

func TestLoadTrackerConfigErrors(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadTrackerConfig(filepath.Join(tmpDir, "nope.json")); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("wrong extension", func(t *testing.T) {
		path := filepath.Join(tmpDir, "tracker.yaml")
		if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadTrackerConfig(path); err == nil {
			t.Error("expected error for non-json extension")
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		path := filepath.Join(tmpDir, "bad.json")
		if err := os.WriteFile(path, []byte(`{"grace_period": `), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadTrackerConfig(path); err == nil {
			t.Error("expected error for invalid json")
		}
	})
}

func TestValidate(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	i := func(v int) *int { return &v }
	s := func(v string) *string { return &v }

	tests := []struct {
		name    string
		cfg     TrackerConfig
		wantErr bool
	}{
		{"empty is valid", TrackerConfig{}, false},
		{"zero correction factor", TrackerConfig{SpeedCorrectionFactor: f(0)}, true},
		{"negative global limit", TrackerConfig{GlobalSpeedLimitKmh: i(-1)}, true},
		{"zero category limit", TrackerConfig{CategorySpeedLimitsKmh: map[string]int{"school": 0}}, true},
		{"inverted segment band", TrackerConfig{MinSegmentKm: f(0.6), MaxSegmentKm: f(0.5)}, true},
		{"bad grace duration", TrackerConfig{GracePeriod: s("ten seconds")}, true},
		{"negative cooldown", TrackerConfig{ViolationCooldown: s("-1s")}, true},
		{"valid overrides", TrackerConfig{GracePeriod: s("3s"), MaxSegmentKm: f(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDefaultConfigFile(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if got := cfg.GetMaxPlausibleSpeedKmh(); got != 200 {
		t.Errorf("GetMaxPlausibleSpeedKmh() = %v, want 200", got)
	}
	if got := cfg.GetAnnounceEnterBusy(); got != 4*time.Second {
		t.Errorf("GetAnnounceEnterBusy() = %v, want 4s", got)
	}
}
