package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                     = "ASSETGRID"
	defaultHTTPAddress            = "0.0.0.0:8080"
	defaultDatabasePath           = "assetgrid.db"
	defaultReplicaPath            = "assetgrid-replica.db"
	defaultLogLevel               = "info"
	defaultCookieName             = "assetgrid_session"
	defaultSessionIssuer          = "assetgrid-auth"
	defaultPresenceTimeoutSeconds = 30
	defaultHeartbeatSeconds       = 15
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	ReplicaPath       string
	LogLevel          string
	SigningSecret     string
	CookieName        string
	SessionIssuer     string
	AllowedOrigins    []string
	PresenceTimeout   time.Duration
	HeartbeatInterval time.Duration
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("replica.path", defaultReplicaPath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("presence.timeout_seconds", defaultPresenceTimeoutSeconds)
	configViper.SetDefault("stream.heartbeat_seconds", defaultHeartbeatSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		ReplicaPath:       configViper.GetString("replica.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("session.signing_secret"),
		CookieName:        configViper.GetString("session.cookie_name"),
		SessionIssuer:     configViper.GetString("session.issuer"),
		AllowedOrigins:    splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
		PresenceTimeout:   time.Duration(configViper.GetInt("presence.timeout_seconds")) * time.Second,
		HeartbeatInterval: time.Duration(configViper.GetInt("stream.heartbeat_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitOrigins accepts both list values and a single comma separated env value.
func splitOrigins(raw []string) []string {
	var origins []string
	for _, entry := range raw {
		for _, origin := range strings.Split(entry, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("session.issuer is required")
	}
	if c.PresenceTimeout <= 0 {
		return fmt.Errorf("presence.timeout_seconds must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("stream.heartbeat_seconds must be positive")
	}
	return nil
}
