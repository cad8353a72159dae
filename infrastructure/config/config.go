// Package config is the ambient per-process settings loader every daemon
// (payments-monitor, billing, executor-agent, validator) uses to populate
// its own config struct from an optional YAML file and environment
// variable overrides. Grounded on pkg/config/config.go's Load, generalized
// from one hardcoded global Config to any tagged struct, since each daemon
// here has distinct settings rather than sharing one monolith.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load populates cfg (a pointer to a struct with `yaml:"..."` and
// `env:"..."` tags) from, in order: its zero value, an optional YAML file
// (path from the CONFIG_FILE env var, or defaultYAMLPath if that's unset
// and the file exists), then environment variable overrides.
func Load(cfg interface{}, defaultYAMLPath string) error {
	_ = godotenv.Load()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = defaultYAMLPath
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return err
		}
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged field had a matching env var set;
		// that just means "rely entirely on the YAML file/defaults."
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return fmt.Errorf("decode env: %w", err)
		}
	}
	return nil
}

func loadFromFile(path string, cfg interface{}) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path %s: %w", path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}
