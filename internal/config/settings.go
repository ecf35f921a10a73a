package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings are the process-level options resolved from flags and
// AGENTLINE_* environment variables.
type Settings struct {
	Workspace      string   `mapstructure:"workspace"`
	Organization   string   `mapstructure:"org"`
	User           string   `mapstructure:"user"`
	JSON           bool     `mapstructure:"json"`
	LogLevel       string   `mapstructure:"log-level"`
	LogFormat      string   `mapstructure:"log-format"`
	JWTSecret      string   `mapstructure:"jwt-secret"`
	Addr           string   `mapstructure:"addr"`
	BasePath       string   `mapstructure:"base-path"`
	AllowedOrigins []string `mapstructure:"allowed-origins"`
	OTLPEndpoint   string   `mapstructure:"otlp-endpoint"`
}

// NewViper returns a viper instance with the env conventions applied.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("AGENTLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("workspace", ".")
	v.SetDefault("user", "local-user")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")
	v.SetDefault("addr", "127.0.0.1:8080")
	v.SetDefault("base-path", "/v0")
	return v
}

// LoadSettings unmarshals settings from v.
func LoadSettings(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return s, fmt.Errorf("load settings: %w", err)
	}
	if s.Workspace == "" {
		s.Workspace = "."
	}
	switch s.LogFormat {
	case "", "text", "json":
	default:
		return s, fmt.Errorf("log-format must be text or json, got %q", s.LogFormat)
	}
	return s, nil
}
