package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML or JSON config file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	return cfg, nil
}

// Load resolves the config file (explicit path, $CONTRACTAI_CONFIG, or the
// usual locations), applies env overrides and validates the result.
// A missing file is not an error: defaults plus env are used.
func Load(path string) (*Config, string, error) {
	path = resolvePath(path)
	cfg := Default()
	if path != "" {
		loaded, err := LoadFile(path)
		switch {
		case err == nil:
			cfg = loaded
		case os.IsNotExist(err):
			path = ""
		default:
			return nil, path, err
		}
	}
	ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func resolvePath(path string) string {
	if path == "" {
		path = os.Getenv("CONTRACTAI_CONFIG")
	}
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	if path != "" {
		return path
	}
	for _, loc := range []string{"config.yaml", "config.yml", "config.json", filepath.Join("config", "config.yaml")} {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}
