package config

import (
	"reflect"

	"chatfabric/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe structured
// attrs for logging. Secrets (tokens, passwords, DSNs) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Throttle != newCfg.Throttle {
		changed = append(changed, "throttle")
		attrs = append(attrs, logx.String("throttle.window", newCfg.Throttle.Window))
	}
	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
	}
	if oldCfg.Database != newCfg.Database {
		changed = append(changed, "database")
		attrs = append(attrs, logx.String("database.driver", newCfg.Database.Driver))
	}
	if oldCfg.Redis != newCfg.Redis {
		changed = append(changed, "redis")
	}
	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
	}
	if oldCfg.FollowUp != newCfg.FollowUp {
		changed = append(changed, "followup")
	}
	if oldCfg.Realtime != newCfg.Realtime {
		changed = append(changed, "realtime")
	}
	if oldCfg.Redemption != newCfg.Redemption {
		changed = append(changed, "redemption")
	}
	if oldCfg.Messaging != newCfg.Messaging {
		changed = append(changed, "messaging")
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
	}
	return changed, attrs
}

// LiveSections are applied without a restart; changes elsewhere are logged
// and take effect on the next start.
var LiveSections = map[string]bool{"logging": true, "throttle": true}
