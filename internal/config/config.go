package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "CREWNET"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "crewnet.db"
	defaultLogLevel     = "info"
	defaultTokenTTL     = 24 * time.Hour
	defaultMediaDir     = "media"
	defaultTokenIssuer  = "crewnet-api"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	TokenIssuer    string
	TokenAudience  string
	TokenTTL       time.Duration
	MediaDir       string
	OIDCIssuers    []string
	OIDCAudience   string
	OIDCJWKSURL    string
	AllowedOrigins []string
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
	configViper.SetDefault("auth.token_issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL.String())
	configViper.SetDefault("media.dir", defaultMediaDir)
	configViper.SetDefault("auth.oidc_jwks_url", "https://www.googleapis.com/oauth2/v3/certs")
	configViper.SetDefault("auth.oidc_issuers", []string{"https://accounts.google.com", "accounts.google.com"})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	tokenTTL, err := time.ParseDuration(configViper.GetString("auth.token_ttl"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("auth.token_ttl is not a duration: %w", err)
	}

	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:    configViper.GetString("auth.token_issuer"),
		TokenAudience:  configViper.GetString("auth.token_audience"),
		TokenTTL:       tokenTTL,
		MediaDir:       configViper.GetString("media.dir"),
		OIDCIssuers:    configViper.GetStringSlice("auth.oidc_issuers"),
		OIDCAudience:   configViper.GetString("auth.oidc_audience"),
		OIDCJWKSURL:    configViper.GetString("auth.oidc_jwks_url"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
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
	if strings.TrimSpace(c.TokenIssuer) == "" {
		return fmt.Errorf("auth.token_issuer is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if strings.TrimSpace(c.MediaDir) == "" {
		return fmt.Errorf("media.dir is required")
	}
	return nil
}
