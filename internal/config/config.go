package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "CANVAS"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "canvas.db"
	defaultRedisURL           = "redis://localhost:6379/0"
	defaultLogLevel           = "info"
	defaultIssuer             = "canvas-auth"
	defaultAudience           = "canvas-api"
	defaultTokenTTLMinutes    = 60
	defaultLockTTLMillis      = 5000
	defaultPresenceTTLSeconds = 45
)

// AppConfig captures runtime configuration for the API server and tools.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	RedisURL          string
	LogLevel          string
	SigningSecret     string
	Issuer            string
	Audience          string
	TokenTTL          time.Duration
	LockTTL           time.Duration
	PresenceRecordTTL time.Duration
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
	configViper.SetDefault("redis.url", defaultRedisURL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("locks.ttl_ms", defaultLockTTLMillis)
	configViper.SetDefault("presence.record_ttl_seconds", defaultPresenceTTLSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		RedisURL:          configViper.GetString("redis.url"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		Issuer:            configViper.GetString("auth.issuer"),
		Audience:          configViper.GetString("auth.audience"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		LockTTL:           time.Duration(configViper.GetInt("locks.ttl_ms")) * time.Millisecond,
		PresenceRecordTTL: time.Duration(configViper.GetInt("presence.record_ttl_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("locks.ttl_ms must be positive")
	}
	if c.PresenceRecordTTL <= 0 {
		return fmt.Errorf("presence.record_ttl_seconds must be positive")
	}
	return nil
}
