package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Model.Threshold != 0.5 {
		t.Errorf("Expected threshold 0.5, got %v", cfg.Model.Threshold)
	}
	if !reflect.DeepEqual(cfg.Guidelines.Labels, DefaultLabels()) {
		t.Errorf("Unexpected default labels: %v", cfg.Guidelines.Labels)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("DIET_MODEL_DIR", "/srv/models")
	path := writeConfig(t, `
server:
  port: 9090
model:
  path: ${DIET_MODEL_DIR}/risk.txt
  threshold: 0.7
guidelines:
  path: risk_guidelines.json
  mode: binary
fill:
  default: -1
  per_field:
    bmi: 22.5
schema:
  leakage: [Recommended_Diet, " ", Diet_Plan]
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Model.Path != "/srv/models/risk.txt" {
		t.Errorf("Expected expanded model path, got %q", cfg.Model.Path)
	}
	if cfg.Guidelines.Labels != nil {
		t.Errorf("Binary mode should not get the multiclass label table, got %v", cfg.Guidelines.Labels)
	}
	if cfg.Fill.Value("bmi") != 22.5 || cfg.Fill.Value("age") != -1 {
		t.Errorf("Unexpected fill policy: %+v", cfg.Fill)
	}
	if !reflect.DeepEqual(cfg.LeakageColumns(), []string{"Recommended_Diet", "Diet_Plan"}) {
		t.Errorf("Unexpected leakage columns: %v", cfg.LeakageColumns())
	}
	if cfg.Server.DataDir != "./data" {
		t.Errorf("Expected default data dir, got %q", cfg.Server.DataDir)
	}
}

func TestLoadConfigLabels(t *testing.T) {
	path := writeConfig(t, `
guidelines:
  labels:
    0: low
    1: medium
    2: high
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if !reflect.DeepEqual(cfg.Guidelines.Labels, map[int]string{0: "low", 1: "medium", 2: "high"}) {
		t.Errorf("Unexpected labels: %v", cfg.Guidelines.Labels)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "server: [1, 2"},
		{"bad mode", "guidelines:\n  mode: ternary\n"},
		{"bad threshold", "model:\n  threshold: 1.5\n"},
		{"bad port", "server:\n  port: 70000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.content)); err == nil {
				t.Error("Expected error")
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestResolve(t *testing.T) {
	cfg := Default()
	cfg.Server.DataDir = "/var/lib/diet"

	if got := cfg.Resolve("model.txt"); got != "/var/lib/diet/model.txt" {
		t.Errorf("Unexpected relative resolve: %q", got)
	}
	if got := cfg.Resolve("/opt/model.txt"); got != "/opt/model.txt" {
		t.Errorf("Absolute path should be kept, got %q", got)
	}
	if got := cfg.Resolve(""); got != "" {
		t.Errorf("Empty path should stay empty, got %q", got)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Setenv(HomeEnv, filepath.Join(t.TempDir(), "home"))

	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if s.ModelPackPath != "" {
		t.Errorf("Expected empty settings, got %+v", s)
	}

	s.ModelPackPath = "/packs/v2"
	if err := SaveSettings(s); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}

	loaded, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if loaded.ModelPackPath != "/packs/v2" {
		t.Errorf("Expected saved pack path, got %q", loaded.ModelPackPath)
	}
}
