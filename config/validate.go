package config

import (
	"fmt"
	"strings"

	"dealescrow/crypto"
)

// MinHMACSecretLength is the shortest accepted JWT signing secret.
var MinHMACSecretLength = 32

func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	if _, err := crypto.ParseScheme(c.SignatureScheme); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(strings.TrimSpace(c.Auth.HMACSecret)) < MinHMACSecretLength {
		return fmt.Errorf("config: auth.HMACSecret must be at least %d characters (or set %s)", MinHMACSecretLength, EnvJWTSecret)
	}
	if c.Auth.ClockSkewSeconds < 0 {
		return fmt.Errorf("config: auth.ClockSkewSeconds < 0")
	}
	if c.RateLimit.RatePerSecond < 0 {
		return fmt.Errorf("config: rate_limit.RatePerSecond < 0")
	}
	if c.RateLimit.RatePerSecond > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("config: rate_limit.Burst must be positive when rate limiting is enabled")
	}
	if c.AuditLog.Enabled {
		switch strings.ToLower(strings.TrimSpace(c.AuditLog.Driver)) {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("config: audit_log.Driver %q unsupported", c.AuditLog.Driver)
		}
		if strings.TrimSpace(c.AuditLog.DSN) == "" {
			return fmt.Errorf("config: audit_log.DSN required")
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: log.Level %q unsupported", c.Log.Level)
	}
	s := c.Server
	if s.ReadHeaderTimeoutSeconds <= 0 || s.ReadTimeoutSeconds <= 0 || s.WriteTimeoutSeconds <= 0 || s.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("config: server timeouts must be positive")
	}
	if s.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: server.MaxBodyBytes <= 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("config: telemetry.SampleRatio must be within [0, 1]")
	}
	if c.EventHistory < 0 {
		return fmt.Errorf("config: EventHistory < 0")
	}
	return nil
}
