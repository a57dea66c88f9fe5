package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envPrefix is prepended to every environment variable the gateway reads.
const envPrefix = "OPENCLAW_GATEWAY_"

// applyEnv overlays OPENCLAW_GATEWAY_* environment variables onto cfg.
func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}
