package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "QUILLSYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "quillsync.db"
	defaultLogLevel          = "info"
	defaultFlushMaxPending   = 100
	defaultFlushIntervalSecs = 20
	defaultRetryBaseSecs     = 2
	defaultRetryCapSecs      = 60
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	FlushMaxPending int
	FlushInterval   time.Duration
	FlushRetryBase  time.Duration
	FlushRetryCap   time.Duration
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
	configViper.SetDefault("flush.max_pending", defaultFlushMaxPending)
	configViper.SetDefault("flush.interval_seconds", defaultFlushIntervalSecs)
	configViper.SetDefault("flush.retry_base_seconds", defaultRetryBaseSecs)
	configViper.SetDefault("flush.retry_cap_seconds", defaultRetryCapSecs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		FlushMaxPending: configViper.GetInt("flush.max_pending"),
		FlushInterval:   time.Duration(configViper.GetInt("flush.interval_seconds")) * time.Second,
		FlushRetryBase:  time.Duration(configViper.GetInt("flush.retry_base_seconds")) * time.Second,
		FlushRetryCap:   time.Duration(configViper.GetInt("flush.retry_cap_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.FlushMaxPending <= 0 {
		return fmt.Errorf("flush.max_pending must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush.interval_seconds must be positive")
	}
	if c.FlushRetryBase <= 0 {
		return fmt.Errorf("flush.retry_base_seconds must be positive")
	}
	if c.FlushRetryCap < c.FlushRetryBase {
		return fmt.Errorf("flush.retry_cap_seconds must not be below flush.retry_base_seconds")
	}
	return nil
}
