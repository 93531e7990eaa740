package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

// EnvPrefix is prepended to every env tag in Config.
const EnvPrefix = "FABRIC_"

// ApplyEnv overlays FABRIC_* environment variables onto cfg.
// Only fields tagged with env are affected; unset variables leave the file value.
func ApplyEnv(ctx context.Context, cfg *Config) error {
	return applyEnv(ctx, cfg, envconfig.OsLookuper())
}

func applyEnv(ctx context.Context, cfg *Config, l envconfig.Lookuper) error {
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, l),
	}); err != nil {
		return fmt.Errorf("config env overlay: %w", err)
	}
	return nil
}
