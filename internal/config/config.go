package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "INKWELL"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "inkwell.db"
	defaultLogLevel           = "info"
	defaultTokenIssuer        = "inkwell-auth"
	defaultTokenAudience      = "inkwell-collab"
	defaultDebounceMillis     = 5000
	defaultGracePeriodSeconds = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	DatabasePath        string
	LogLevel            string
	CollabSigningSecret string
	CollabTokenIssuer   string
	CollabTokenAudience string
	DebounceInterval    time.Duration
	GracePeriod         time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("collab.token_issuer", defaultTokenIssuer)
	configViper.SetDefault("collab.token_audience", defaultTokenAudience)
	configViper.SetDefault("collab.debounce_ms", defaultDebounceMillis)
	configViper.SetDefault("collab.grace_period_s", defaultGracePeriodSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		CollabSigningSecret: configViper.GetString("collab.signing_secret"),
		CollabTokenIssuer:   configViper.GetString("collab.token_issuer"),
		CollabTokenAudience: configViper.GetString("collab.token_audience"),
		DebounceInterval:    time.Duration(configViper.GetInt("collab.debounce_ms")) * time.Millisecond,
		GracePeriod:         time.Duration(configViper.GetInt("collab.grace_period_s")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.CollabSigningSecret) == "" {
		return fmt.Errorf("collab.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.DebounceInterval <= 0 {
		return fmt.Errorf("collab.debounce_ms must be positive")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("collab.grace_period_s must be positive")
	}
	return nil
}
