// Package config loads serverboxd's configuration from the environment,
// with no file-based layer. Use Default() to get a configuration with
// every default applied, then Load() to read and apply environment
// overrides; Validate() is run automatically by Load() and may also be
// called directly (e.g. in tests).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LogLevel is one of debug|info|warn|error.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// Config holds every runtime setting serverboxd needs, sourced from
// SERVERBOX_*/DAYTONA_* environment variables.
type Config struct {
	AdminAPIKey string
	ProxyAPIKey string // empty means proxy auth is disabled
	ProxyHost   string
	ProxyPort   int

	AutoResume         bool
	ResumeTimeout      time.Duration
	RequestTimeout     time.Duration
	RequestLogsEnabled bool
	LogLevel           LogLevel

	DBPath string

	DaytonaAPIKey string
	DaytonaAPIURL string
	DaytonaTarget string
}

// Default returns a Config with every documented default applied but no
// admin key (which has no default and must come from the environment).
func Default() Config {
	return Config{
		ProxyHost:          "0.0.0.0",
		ProxyPort:          7788,
		AutoResume:         true,
		ResumeTimeout:      60 * time.Second,
		RequestTimeout:     60 * time.Second,
		RequestLogsEnabled: false,
		LogLevel:           LogInfo,
		DBPath:             "./serverbox.db",
	}
}

// Load reads configuration from the environment, starting from Default()
// and applying every SERVERBOX_*/DAYTONA_* override that is set. It
// validates the result before returning.
func Load() (Config, error) {
	cfg := Default()

	if v, ok := os.LookupEnv("SERVERBOX_ADMIN_API_KEY"); ok {
		cfg.AdminAPIKey = v
	}
	if v, ok := os.LookupEnv("SERVERBOX_PROXY_API_KEY"); ok {
		cfg.ProxyAPIKey = v
	} else {
		cfg.ProxyAPIKey = cfg.AdminAPIKey
	}
	if v, ok := os.LookupEnv("SERVERBOX_PROXY_HOST"); ok && strings.TrimSpace(v) != "" {
		cfg.ProxyHost = v
	}
	if v, err := lookupInt("SERVERBOX_PROXY_PORT"); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.ProxyPort = *v
	}
	if v, err := lookupBool("SERVERBOX_PROXY_AUTO_RESUME"); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.AutoResume = *v
	}
	if v, err := lookupMillis("SERVERBOX_PROXY_RESUME_TIMEOUT_MS"); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.ResumeTimeout = *v
	}
	if v, err := lookupMillis("SERVERBOX_PROXY_REQUEST_TIMEOUT_MS"); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.RequestTimeout = *v
	}
	if v, err := lookupBool("SERVERBOX_PROXY_REQUEST_LOGS"); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.RequestLogsEnabled = *v
	}
	if v, ok := os.LookupEnv("SERVERBOX_LOG_LEVEL"); ok && strings.TrimSpace(v) != "" {
		cfg.LogLevel = LogLevel(v)
	}
	if v, ok := os.LookupEnv("SERVERBOX_DB_PATH"); ok && strings.TrimSpace(v) != "" {
		cfg.DBPath = v
	}
	if v, ok := os.LookupEnv("DAYTONA_API_KEY"); ok {
		cfg.DaytonaAPIKey = v
	}
	if v, ok := os.LookupEnv("DAYTONA_API_URL"); ok {
		cfg.DaytonaAPIURL = v
	}
	if v, ok := os.LookupEnv("DAYTONA_TARGET"); ok {
		cfg.DaytonaTarget = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required fields are present and numeric/level
// fields are well-formed, returning an error describing the first
// validation failure encountered.
func (c Config) Validate() error {
	if strings.TrimSpace(c.AdminAPIKey) == "" {
		return fmt.Errorf("SERVERBOX_ADMIN_API_KEY is required")
	}
	if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
		return fmt.Errorf("SERVERBOX_PROXY_PORT must be a valid port, got %d", c.ProxyPort)
	}
	if c.ResumeTimeout <= 0 {
		return fmt.Errorf("SERVERBOX_PROXY_RESUME_TIMEOUT_MS must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("SERVERBOX_PROXY_REQUEST_TIMEOUT_MS must be positive")
	}
	switch c.LogLevel {
	case LogDebug, LogInfo, LogWarn, LogError:
	default:
		return fmt.Errorf("SERVERBOX_LOG_LEVEL must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("SERVERBOX_DB_PATH must not be empty")
	}
	return nil
}

// ProxyAuthDisabled reports whether proxy-route auth is explicitly turned
// off (SERVERBOX_PROXY_API_KEY set to the empty string).
func (c Config) ProxyAuthDisabled() bool {
	_, explicit := os.LookupEnv("SERVERBOX_PROXY_API_KEY")
	return explicit && c.ProxyAPIKey == ""
}

// ListenAddr returns the host:port pair the server binds.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ProxyHost, c.ProxyPort)
}

func lookupInt(name string) (*int, error) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer: %w", name, err)
	}
	return &n, nil
}

func lookupMillis(name string) (*time.Duration, error) {
	n, err := lookupInt(name)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, nil
	}
	d := time.Duration(*n) * time.Millisecond
	return &d, nil
}

func lookupBool(name string) (*bool, error) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("%s must be a boolean: %w", name, err)
	}
	return &b, nil
}
