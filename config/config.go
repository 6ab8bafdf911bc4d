package config

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values. Secrets are usually
// injected this way rather than committed to the config file.
const (
	EnvListenAddress     = "ESCROWD_LISTEN"
	EnvDataDir           = "ESCROWD_DATA_DIR"
	EnvJWTSecret         = "ESCROWD_JWT_SECRET"
	EnvCustodySecretFile = "ESCROWD_CUSTODY_SECRET_FILE"
	EnvAuditDSN          = "ESCROWD_AUDIT_DSN"
	EnvOTelHeaders       = "ESCROWD_OTEL_HEADERS"
	EnvLogLevel          = "ESCROWD_LOG_LEVEL"
)

type Config struct {
	ListenAddress     string          `toml:"ListenAddress" yaml:"listenAddress"`
	DataDir           string          `toml:"DataDir" yaml:"dataDir"`
	Environment       string          `toml:"Environment" yaml:"environment"`
	SignatureScheme   string          `toml:"SignatureScheme" yaml:"signatureScheme"`
	CustodySecretFile string          `toml:"CustodySecretFile" yaml:"custodySecretFile"`
	EventHistory      int             `toml:"EventHistory" yaml:"eventHistory"`
	Server            ServerConfig    `toml:"server" yaml:"server"`
	Auth              AuthConfig      `toml:"auth" yaml:"auth"`
	RateLimit         RateLimitConfig `toml:"rate_limit" yaml:"rateLimit"`
	AuditLog          AuditLogConfig  `toml:"audit_log" yaml:"auditLog"`
	Log               LogConfig       `toml:"log" yaml:"log"`
	Telemetry         TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
}

type ServerConfig struct {
	ReadHeaderTimeoutSeconds int   `toml:"ReadHeaderTimeoutSeconds" yaml:"readHeaderTimeoutSeconds"`
	ReadTimeoutSeconds       int   `toml:"ReadTimeoutSeconds" yaml:"readTimeoutSeconds"`
	WriteTimeoutSeconds      int   `toml:"WriteTimeoutSeconds" yaml:"writeTimeoutSeconds"`
	IdleTimeoutSeconds       int   `toml:"IdleTimeoutSeconds" yaml:"idleTimeoutSeconds"`
	MaxBodyBytes             int64 `toml:"MaxBodyBytes" yaml:"maxBodyBytes"`
}

// Timeouts converts the configured seconds to durations.
func (s ServerConfig) Timeouts() (readHeader, read, write, idle time.Duration) {
	return time.Duration(s.ReadHeaderTimeoutSeconds) * time.Second,
		time.Duration(s.ReadTimeoutSeconds) * time.Second,
		time.Duration(s.WriteTimeoutSeconds) * time.Second,
		time.Duration(s.IdleTimeoutSeconds) * time.Second
}

type AuthConfig struct {
	HMACSecret       string `toml:"HMACSecret" yaml:"hmacSecret"`
	Issuer           string `toml:"Issuer" yaml:"issuer"`
	Audience         string `toml:"Audience" yaml:"audience"`
	ClockSkewSeconds int    `toml:"ClockSkewSeconds" yaml:"clockSkewSeconds"`
}

type RateLimitConfig struct {
	RatePerSecond float64 `toml:"RatePerSecond" yaml:"ratePerSecond"`
	Burst         int     `toml:"Burst" yaml:"burst"`
}

type AuditLogConfig struct {
	Enabled bool   `toml:"Enabled" yaml:"enabled"`
	Driver  string `toml:"Driver" yaml:"driver"`
	DSN     string `toml:"DSN" yaml:"dsn"`
}

type LogConfig struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
}

type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Headers  string `toml:"Headers" yaml:"headers"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics"`
	Traces   bool   `toml:"Traces" yaml:"traces"`
	// SampleRatio is the fraction of root spans kept; 0 keeps every span.
	SampleRatio float64 `toml:"SampleRatio" yaml:"sampleRatio"`
}

// Load loads the configuration from the given path. A missing file is
// replaced by a generated default, including a fresh custody secret.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config %s: unknown key %s", path, undecoded[0])
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.resolvePaths(path)
	if err := ensureCustodySecret(cfg.CustodySecretFile); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		ListenAddress:     "127.0.0.1:8645",
		DataDir:           "./escrow-data",
		Environment:       "local",
		SignatureScheme:   "secp256k1",
		CustodySecretFile: "custody.secret",
		EventHistory:      2048,
		Server: ServerConfig{
			ReadHeaderTimeoutSeconds: 5,
			ReadTimeoutSeconds:       15,
			WriteTimeoutSeconds:      15,
			IdleTimeoutSeconds:       60,
			MaxBodyBytes:             1 << 20,
		},
		Auth: AuthConfig{
			Issuer:           "escrowd",
			ClockSkewSeconds: 30,
		},
		RateLimit: RateLimitConfig{
			RatePerSecond: 20,
			Burst:         40,
		},
		AuditLog: AuditLogConfig{
			Enabled: true,
			Driver:  "sqlite",
			DSN:     "audit.db",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Telemetry: TelemetryConfig{
			Endpoint: "localhost:4318",
		},
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	secret, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	cfg.Auth.HMACSecret = secret
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.resolvePaths(path)
	if err := ensureCustodySecret(cfg.CustodySecretFile); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvListenAddress)); v != "" {
		c.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		c.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvJWTSecret)); v != "" {
		c.Auth.HMACSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvCustodySecretFile)); v != "" {
		c.CustodySecretFile = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAuditDSN)); v != "" {
		c.AuditLog.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvOTelHeaders)); v != "" {
		c.Telemetry.Headers = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_RATE_PER_SECOND")); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_RATE_PER_SECOND: %w", err)
		}
		c.RateLimit.RatePerSecond = rate
	}
	return nil
}

// resolvePaths anchors relative data paths next to the config file.
func (c *Config) resolvePaths(configPath string) {
	base := filepath.Dir(configPath)
	if c.DataDir != "" && !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(base, c.DataDir)
	}
	if c.CustodySecretFile != "" && !filepath.IsAbs(c.CustodySecretFile) {
		c.CustodySecretFile = filepath.Join(c.DataDir, c.CustodySecretFile)
	}
	if strings.EqualFold(c.AuditLog.Driver, "sqlite") && c.AuditLog.DSN != "" &&
		!strings.HasPrefix(c.AuditLog.DSN, "file:") && !filepath.IsAbs(c.AuditLog.DSN) {
		c.AuditLog.DSN = filepath.Join(c.DataDir, c.AuditLog.DSN)
	}
}

// LedgerPath is the LevelDB directory under the data dir.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "ledger")
}

// LoadCustodySecret reads the hex-encoded engine custody secret.
func (c *Config) LoadCustodySecret() ([]byte, error) {
	data, err := os.ReadFile(c.CustodySecretFile)
	if err != nil {
		return nil, err
	}
	secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("custody secret %s: %w", c.CustodySecretFile, err)
	}
	return secret, nil
}

func ensureCustodySecret(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("custody secret file not configured")
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	secret, err := randomHex(32)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(secret+"\n"), 0o600)
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
