package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error — defaults plus env overrides are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, validationError(path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// ResolvePath returns the effective config file path: --config flag,
// then MEMORYD_CONFIG env var, then "config.json".
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := resolveConfigEnvVar(); v != "" {
		return v
	}
	return "config.json"
}
