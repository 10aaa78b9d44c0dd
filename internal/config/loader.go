package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Environment overrides applied after file loading. The two endpoint base
// URLs and the bearer token are the only settings sourced from the
// process environment.
const (
	EnvPushURL  = "PARLEY_PUSH_URL"
	EnvAPIURL   = "PARLEY_API_URL"
	EnvAPIToken = "PARLEY_API_TOKEN"
)

// Load reads the configuration from path, expanding ${VAR} references,
// and applies defaults and environment overrides. An empty path returns
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := []byte(os.ExpandEnv(string(data)))
		if err := decode(expanded, path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func decode(data []byte, pathHint string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", pathHint, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", pathHint, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvPushURL); v != "" {
		cfg.Push.URL = v
	}
	if v := os.Getenv(EnvAPIURL); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv(EnvAPIToken); v != "" {
		cfg.API.Token = v
	}
}
