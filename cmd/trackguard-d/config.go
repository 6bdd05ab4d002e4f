package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultAddr         = "127.0.0.1:8095"
	defaultMinSpacing   = time.Second
	defaultCacheTTL     = time.Minute
	defaultCooldown     = 30 * time.Minute
	defaultMaxPerMinute = 30
)

// SessionConfig is a polling session started at boot.
type SessionConfig struct {
	ID        string        `mapstructure:"id"`
	DeviceIDs []string      `mapstructure:"device_ids"`
	Interval  time.Duration `mapstructure:"interval"`
	Priority  string        `mapstructure:"priority"`
}

type Config struct {
	Addr        string
	DBPath      string
	RedisURL    string
	VendorURL   string
	VendorToken string
	VendorMode  string
	MockDevices int
	AdminToken  string
	TLSCert     string
	TLSKey      string

	MinSpacing   time.Duration
	CacheTTL     time.Duration
	Cooldown     time.Duration
	MaxPerMinute int

	RulesPath      string
	AlertRetention time.Duration
	// ArchiveDir receives expired alerts as gzipped JSON lines; empty
	// means they are deleted.
	ArchiveDir string
	Sessions   []SessionConfig
	LogLevel   string
}

// LoadConfig resolves the daemon configuration. Precedence is flags, then
// TRACKGUARD_* environment variables, then the optional config file, then
// defaults.
func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	v := viper.New()
	v.SetDefault("addr", defaultAddr)
	v.SetDefault("db_path", "trackguard.db")
	v.SetDefault("vendor_mode", "mock")
	v.SetDefault("mock_devices", 25)
	v.SetDefault("min_spacing", defaultMinSpacing)
	v.SetDefault("cache_ttl", defaultCacheTTL)
	v.SetDefault("cooldown", defaultCooldown)
	v.SetDefault("max_per_minute", defaultMaxPerMinute)
	v.SetDefault("alert_retention", 30*24*time.Hour)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("TRACKGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs := pflag.NewFlagSet("trackguard-d", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.String("config", "", "path to YAML config file")
	fs.String("addr", defaultAddr, "HTTP listen address")
	fs.String("db-path", "trackguard.db", "path to SQLite database")
	fs.String("redis-url", "", "Redis URL for shared Coordinator state (redis://host:port/db)")
	fs.String("vendor-url", "", "tracking vendor base URL")
	fs.String("vendor-token", "", "tracking vendor API token")
	fs.String("vendor-mode", "mock", "vendor backend: http|mock")
	fs.Int("mock-devices", 25, "number of simulated devices in mock mode")
	fs.String("admin-token", "", "bearer token required on /v1/admin")
	fs.String("tls-cert", "", "TLS certificate file")
	fs.String("tls-key", "", "TLS key file")
	fs.Duration("min-spacing", defaultMinSpacing, "minimum gap between vendor calls")
	fs.Duration("cache-ttl", defaultCacheTTL, "how long successful responses are served from cache")
	fs.Duration("cooldown", defaultCooldown, "lockout after a vendor rate-limit response")
	fs.Int("max-per-minute", defaultMaxPerMinute, "Coordinator admission limit per minute")
	fs.String("rules-path", "", "path to alert rules YAML")
	fs.Duration("alert-retention", 30*24*time.Hour, "how long persisted alerts are kept")
	fs.String("archive-dir", "", "directory for archived alerts (empty deletes expired alerts)")
	fs.String("log-level", "info", "log level: debug|info|warn|error")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(resolvePath(path, cwd))
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := Config{
		Addr:           strings.TrimSpace(v.GetString("addr")),
		DBPath:         resolvePath(v.GetString("db_path"), cwd),
		RedisURL:       strings.TrimSpace(v.GetString("redis_url")),
		VendorURL:      strings.TrimSpace(v.GetString("vendor_url")),
		VendorToken:    v.GetString("vendor_token"),
		VendorMode:     strings.ToLower(strings.TrimSpace(v.GetString("vendor_mode"))),
		MockDevices:    v.GetInt("mock_devices"),
		AdminToken:     v.GetString("admin_token"),
		TLSCert:        resolvePath(v.GetString("tls_cert"), cwd),
		TLSKey:         resolvePath(v.GetString("tls_key"), cwd),
		MinSpacing:     v.GetDuration("min_spacing"),
		CacheTTL:       v.GetDuration("cache_ttl"),
		Cooldown:       v.GetDuration("cooldown"),
		MaxPerMinute:   v.GetInt("max_per_minute"),
		RulesPath:      resolvePath(v.GetString("rules_path"), cwd),
		AlertRetention: v.GetDuration("alert_retention"),
		ArchiveDir:     resolvePath(v.GetString("archive_dir"), cwd),
		LogLevel:       strings.ToLower(v.GetString("log_level")),
	}
	if err := v.UnmarshalKey("sessions", &cfg.Sessions); err != nil {
		return Config{}, fmt.Errorf("invalid sessions: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Addr == "" {
		return errors.New("addr cannot be empty")
	}
	switch c.VendorMode {
	case "mock":
		if c.MockDevices <= 0 {
			return errors.New("mock-devices must be positive")
		}
	case "http":
		if c.VendorURL == "" {
			return errors.New("vendor-mode=http requires vendor-url")
		}
	default:
		return fmt.Errorf("unsupported vendor mode: %s", c.VendorMode)
	}
	if c.MinSpacing < 0 {
		return errors.New("min spacing must not be negative")
	}
	if c.CacheTTL <= 0 {
		return errors.New("cache ttl must be positive")
	}
	if c.Cooldown <= 0 {
		return errors.New("cooldown must be positive")
	}
	if c.AlertRetention <= 0 {
		return errors.New("alert retention must be positive")
	}
	if c.MaxPerMinute < 0 {
		return errors.New("max-per-minute must not be negative")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls-cert and tls-key must be set together")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %s", c.LogLevel)
	}
	seen := make(map[string]bool, len(c.Sessions))
	for _, s := range c.Sessions {
		if s.ID == "" {
			return errors.New("session id cannot be empty")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate session id: %s", s.ID)
		}
		seen[s.ID] = true
		if len(s.DeviceIDs) == 0 {
			return fmt.Errorf("session %s has no device_ids", s.ID)
		}
	}
	return nil
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
