package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kartoza/diet-planner/internal/align"
)

// Config holds the application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Model      ModelConfig      `yaml:"model"`
	Schema     SchemaConfig     `yaml:"schema"`
	Guidelines GuidelineConfig  `yaml:"guidelines"`
	Fill       align.FillPolicy `yaml:"fill"`
	History    HistoryConfig    `yaml:"history"`
	Log        LogConfig        `yaml:"log"`

	// Version is set by the binary, not read from the file.
	Version string `yaml:"-"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// ModelConfig points at the serialized tree ensemble.
type ModelConfig struct {
	Path      string  `yaml:"path"`
	Format    string  `yaml:"format"`
	Threshold float64 `yaml:"threshold"`
	Threads   int     `yaml:"threads"`
}

// SchemaConfig says where the feature schema comes from: a saved snapshot,
// an explicit field list, or the training table minus target and leakage
// columns.
type SchemaConfig struct {
	Snapshot    string   `yaml:"snapshot"`
	Fields      []string `yaml:"fields"`
	TrainingCSV string   `yaml:"training_csv"`
	Target      string   `yaml:"target"`
	Leakage     []string `yaml:"leakage"`
}

// GuidelineConfig configures the guideline store and label table.
type GuidelineConfig struct {
	Path   string         `yaml:"path"`
	Mode   string         `yaml:"mode"`
	Labels map[int]string `yaml:"labels"`
	// Fallback substitutes the general plan for rows whose lookup missed.
	Fallback bool `yaml:"fallback"`
}

// HistoryConfig configures the run history database.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	JSON  bool   `yaml:"json"`
	Level string `yaml:"level"`
}

// DefaultLabels is the condition table of the multiclass diet model.
func DefaultLabels() map[int]string {
	return map[int]string{
		0: "diabetes",
		1: "hypertension",
		2: "thyroid",
		3: "vitamin deficiency",
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = "./data"
	}
	if c.Model.Path == "" {
		c.Model.Path = "model.txt"
	}
	if c.Model.Threshold == 0 {
		c.Model.Threshold = 0.5
	}
	if c.Model.Threads == 0 {
		c.Model.Threads = 1
	}
	if c.Schema.Snapshot == "" {
		c.Schema.Snapshot = "feature_schema.gob"
	}
	if c.Schema.Target == "" {
		c.Schema.Target = "Disease_Type"
	}
	if c.Guidelines.Path == "" {
		c.Guidelines.Path = "diet_guidelines.json"
	}
	if c.Guidelines.Mode == "" {
		c.Guidelines.Mode = "multiclass"
	}
	if c.Guidelines.Labels == nil && c.Guidelines.Mode == "multiclass" {
		c.Guidelines.Labels = DefaultLabels()
	}
	if c.History.Path == "" {
		c.History.Path = "history.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Model.Threshold <= 0 || c.Model.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("model.threshold %v must be between 0 and 1", c.Model.Threshold))
	}
	switch c.Guidelines.Mode {
	case "binary", "multiclass":
	default:
		errs = append(errs, fmt.Errorf("guidelines.mode %q must be binary or multiclass", c.Guidelines.Mode))
	}
	if c.Guidelines.Mode == "multiclass" && len(c.Guidelines.Labels) == 0 {
		errs = append(errs, errors.New("guidelines.labels is required in multiclass mode"))
	}
	return errors.Join(errs...)
}

// LoadConfig reads configuration from a YAML file. ${VAR} references are
// expanded from the environment before decoding.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filepath.Base(configPath), err)
	}
	return cfg, nil
}

// Resolve returns path unchanged when absolute, otherwise relative to the
// data directory.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Server.DataDir, path)
}

// LeakageColumns returns the configured leakage columns with blanks removed.
func (c *Config) LeakageColumns() []string {
	out := make([]string, 0, len(c.Schema.Leakage))
	for _, col := range c.Schema.Leakage {
		if col = strings.TrimSpace(col); col != "" {
			out = append(out, col)
		}
	}
	return out
}
