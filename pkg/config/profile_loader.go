package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadProfile overlays a named YAML deployment profile onto cfg. The
// profile file is <dir>/profile_<name>.yaml; unset profile fields keep
// the existing configuration values.
func LoadProfile(cfg *Config, dir, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("config: empty profile name")
	}

	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", name))
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read profile %q: %w", name, err)
	}

	// Decode into the config itself: yaml.v3 leaves fields absent from
	// the document untouched, which gives the overlay semantics.
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("config: parse profile %q: %w", name, err)
	}
	return cfg.Validate()
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Mode {
	case "embedded", "server", "hybrid":
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if c.Tier1Capacity <= 0 {
		return fmt.Errorf("config: tier1 capacity must be positive, got %d", c.Tier1Capacity)
	}
	if c.MaxParallelWorkers <= 0 {
		return fmt.Errorf("config: max parallel workers must be positive, got %d", c.MaxParallelWorkers)
	}
	if c.Mode != "embedded" && c.ServerHost == "" {
		return fmt.Errorf("config: %s mode requires a server host", c.Mode)
	}
	return nil
}
