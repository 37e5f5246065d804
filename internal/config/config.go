package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config lists the tunable parameters for the gate controller.
type Config struct {
	HTTPPort     int
	DatabasePath string
	LogLevel     string

	// OAuth client settings, written into the config row on first start.
	Issuer       string
	APIBase      string
	GrantType    string
	ClientID     string
	ClientSecret string
	Scope        string

	// OrganisationID forces the tenant binding when the directory returns
	// more than one organisation for this client.
	OrganisationID string
}

const (
	defaultHTTPPort     = 8080
	defaultDatabasePath = "data/gate.db"
	defaultLogLevel     = "info"
	defaultGrantType    = "client_credentials"
	defaultScope        = "gateapi gateapi.read roles"
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:     defaultHTTPPort,
		DatabasePath: defaultDatabasePath,
		LogLevel:     defaultLogLevel,
		GrantType:    defaultGrantType,
		Scope:        defaultScope,
	}

	if v := os.Getenv("GATE_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid GATE_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("GATE_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("GATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("GATE_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("GATE_API_BASE"); v != "" {
		cfg.APIBase = v
	}

	if v := os.Getenv("GATE_GRANT_TYPE"); v != "" {
		cfg.GrantType = v
	}

	if v := os.Getenv("GATE_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}

	if v := os.Getenv("GATE_CLIENT_SECRET"); v != "" {
		cfg.ClientSecret = v
	}

	if v := os.Getenv("GATE_SCOPE"); v != "" {
		cfg.Scope = v
	}

	if v := os.Getenv("GATE_ORGANISATION_ID"); v != "" {
		cfg.OrganisationID = v
	}

	if cfg.Issuer == "" {
		return Config{}, fmt.Errorf("GATE_ISSUER is required")
	}
	if cfg.APIBase == "" {
		return Config{}, fmt.Errorf("GATE_API_BASE is required")
	}
	if cfg.ClientID == "" {
		return Config{}, fmt.Errorf("GATE_CLIENT_ID is required")
	}

	return cfg, nil
}
