// Package config loads gateway configuration from a YAML file plus
// WARDGATE_* environment variable overrides.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/careops/wardgate/provider"
	"github.com/careops/wardgate/tool"
)

// Config is the full gateway configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `mapstructure:"addr"`

	// DatabasePath locates the SQLite file holding the audit ledger and
	// clinical facts.
	DatabasePath string `mapstructure:"database_path"`
	// SessionDir is the root of the per-tenant session journals.
	SessionDir string `mapstructure:"session_dir"`

	ToolsConfig    string `mapstructure:"tools_config"`
	ChannelsConfig string `mapstructure:"channels_config"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	// Backends maps service names to base URLs.
	Backends map[string]string `mapstructure:"backends"`

	Providers       []provider.Config `mapstructure:"providers"`
	DefaultProvider string            `mapstructure:"default_provider"`

	Consolidation struct {
		Threshold int `mapstructure:"threshold"`
		Keep      int `mapstructure:"keep"`
	} `mapstructure:"consolidation"`

	// ConfirmTTL is the validity window of a critical-action confirmation.
	ConfirmTTL time.Duration `mapstructure:"confirm_ttl"`

	RateLimit struct {
		// RPS is the sustained per-tenant request rate. Zero disables
		// limiting.
		RPS   float64 `mapstructure:"rps"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`
}

// Load reads the config file at path (optional) and applies environment
// overrides, e.g. WARDGATE_ADDR or WARDGATE_LOG_LEVEL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("wardgate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("database_path", "/data/wardgate/gateway.db")
	v.SetDefault("session_dir", "/data/wardgate/sessions")
	v.SetDefault("tools_config", "/etc/wardgate/tools.json")
	v.SetDefault("channels_config", "/etc/wardgate/channels.json")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("consolidation.threshold", 30)
	v.SetDefault("consolidation.keep", 10)
	v.SetDefault("confirm_ttl", 10*time.Minute)
	v.SetDefault("rate_limit.rps", 10.0)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("backends", map[string]string{
		tool.ServiceMonitoring:      "http://synthetic-monitoring:8000",
		tool.ServiceEHR:             "http://synthetic-ehr:8080",
		tool.ServiceLIS:             "http://synthetic-lis:8000",
		tool.ServicePharmacy:        "http://synthetic-pharmacy:8000",
		tool.ServiceRadiology:       "http://synthetic-radiology:8042",
		tool.ServiceBloodbank:       "http://synthetic-bloodbank:8000",
		tool.ServiceERP:             "http://synthetic-erp:8000",
		tool.ServicePatientServices: "http://synthetic-patient-services:8000",
	})
}
