package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "klima.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Report.AnomalySigma != 2 || c.Report.AnomalyMinHistory != 3 || c.Report.RadiusLimit != 40 {
		t.Errorf("report defaults = %+v", c.Report)
	}
	if c.Sync.FetchConcurrency != 4 || !c.Sync.Observations {
		t.Errorf("sync defaults = %+v", c.Sync)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
report:
  anomaly_sigma: 3
  anomaly_window: 12
  timezone: Europe/Berlin
sync:
  interval: 6h
  observations: false
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Report.AnomalySigma != 3 || c.Report.AnomalyWindow != 12 {
		t.Errorf("report = %+v", c.Report)
	}
	if c.Report.MinDistanceKM != 0.1 {
		t.Errorf("unset field lost its default: %v", c.Report.MinDistanceKM)
	}
	if c.Sync.Interval != 6*time.Hour || c.Sync.Observations {
		t.Errorf("sync = %+v", c.Sync)
	}

	rc, err := c.ReportConfig()
	if err != nil {
		t.Fatalf("ReportConfig: %v", err)
	}
	if rc.Location.String() != "Europe/Berlin" || rc.AnomalyWindow != 12 {
		t.Errorf("report config = %+v", rc)
	}
	if c.ReconcilerConfig().Observations {
		t.Error("reconciler config ignored observations: false")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"negative sigma", "report:\n  anomaly_sigma: -1\n"},
		{"min history too small", "report:\n  anomaly_min_history: 1\n"},
		{"bad timezone", "report:\n  timezone: Mars/Olympus\n"},
		{"no concurrency", "sync:\n  fetch_concurrency: 0\n"},
		{"not yaml", "report: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error")
	}
}

func TestLoadDotenv(t *testing.T) {
	if err := LoadDotenv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing file: %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("KLIMA_TEST_VALUE=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KLIMA_TEST_VALUE", "")
	os.Unsetenv("KLIMA_TEST_VALUE")
	if err := LoadDotenv(path); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}
	if got := os.Getenv("KLIMA_TEST_VALUE"); got != "from-file" {
		t.Errorf("KLIMA_TEST_VALUE = %q", got)
	}
}

func TestGetRedisConfig(t *testing.T) {
	t.Setenv("REDIS_ADDR", "testhost:6380")
	t.Setenv("REDIS_PASSWORD", "testpassword")
	t.Setenv("REDIS_DB", "5")

	cfg := GetRedisConfig()
	if cfg.Addr != "testhost:6380" || cfg.Password != "testpassword" || cfg.DB != 5 {
		t.Errorf("GetRedisConfig() = %+v", cfg)
	}
	if !cfg.Enabled() {
		t.Error("Enabled() = false")
	}
}

func TestGetRedisConfig_Disabled(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := GetRedisConfig()
	if cfg.Enabled() {
		t.Error("Enabled() = true without REDIS_ADDR")
	}
	if cfg.DB != 0 {
		t.Errorf("DB = %d, want 0", cfg.DB)
	}
}
