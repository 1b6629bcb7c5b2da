package backend

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr                 = ":9090"
	defaultDatabaseURL                = "dontskip-backend.db"
	defaultAllowedOrigin              = "http://localhost:8000"
	defaultTokenIssuer                = "dontskip"
	defaultStartingMinutes      int64 = 0
	defaultEmergencyAllowance   int64 = 90
	defaultMaxDailyMinutes      int64 = 480
	defaultEmergencyGrantCap    int64 = 60
	defaultShutdownGracePeriod        = 5 * time.Second
)

// Config aggregates runtime settings for the balance service.
type Config struct {
	ListenAddr        string
	DatabaseURL       string
	TokenSigningKey   string
	TokenIssuer       string
	AllowedOrigins    []string
	StartingMinutes   int64
	EmergencyMinutes  int64
	MaxDailyMinutes   int64
	EmergencyGrantCap int64
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.TokenIssuer = defaultIfEmpty(cfg.TokenIssuer, defaultTokenIssuer)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.StartingMinutes < 0 {
		cfg.StartingMinutes = defaultStartingMinutes
	}
	if cfg.EmergencyMinutes <= 0 {
		cfg.EmergencyMinutes = defaultEmergencyAllowance
	}
	if cfg.MaxDailyMinutes <= 0 {
		cfg.MaxDailyMinutes = defaultMaxDailyMinutes
	}
	if cfg.EmergencyGrantCap <= 0 {
		cfg.EmergencyGrantCap = defaultEmergencyGrantCap
	}
	if len(cfg.TokenSigningKey) == 0 {
		return fmt.Errorf("token signing key is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
