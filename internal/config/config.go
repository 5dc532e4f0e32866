// Package config loads fleet daemon configuration from the
// environment. Every knob has a FLEET_-prefixed variable and a default
// that works for local development; only DATABASE_URL is required.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable shared by the fleet binaries.
type Config struct {
	// DatabaseURL is the Postgres connection string. Both URL and
	// key=value DSN forms are accepted.
	DatabaseURL string
	// HTTPPort is the control-plane listen port.
	HTTPPort int
	// MetricsPort serves Prometheus scrapes. Zero disables the
	// metrics listener.
	MetricsPort int
	// AuthTokens guards the /v1 API. Empty leaves the API open.
	AuthTokens []string

	Queue  QueueConfig
	Worker WorkerConfig
	Notify NotifyConfig
}

// QueueConfig tunes leasing and background reconciliation.
type QueueConfig struct {
	LeaseDuration  time.Duration
	MaxAttempts    int
	StuckTimeout   time.Duration
	ReaperInterval time.Duration
}

// WorkerConfig tunes the hosted worker pool and its agent runtime
// client.
type WorkerConfig struct {
	WorkerID           string
	AgentName          string
	Capabilities       []string
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	MaxConcurrentTasks int
	MaxRuntime         time.Duration
	DrainTimeout       time.Duration
	RuntimeURL         string
	RuntimeAPIKey      string
	RuntimeRetries     int
}

// NotifyConfig tunes completion-notification delivery.
type NotifyConfig struct {
	MaxAttempts int
	SendTimeout time.Duration
	EmailAPIURL string
	EmailAPIKey string
	EmailFrom   string
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: getEnv("FLEET_DATABASE_URL", os.Getenv("DATABASE_URL")),
		HTTPPort:    getEnvInt("FLEET_HTTP_PORT", 8080),
		MetricsPort: getEnvInt("FLEET_METRICS_PORT", 9090),
		AuthTokens:  splitList(os.Getenv("FLEET_AUTH_TOKENS")),
		Queue: QueueConfig{
			LeaseDuration:  getEnvDuration("FLEET_LEASE_DURATION", 600*time.Second),
			MaxAttempts:    getEnvInt("FLEET_MAX_ATTEMPTS", 3),
			StuckTimeout:   getEnvDuration("FLEET_STUCK_TIMEOUT", 300*time.Second),
			ReaperInterval: getEnvDuration("FLEET_REAPER_INTERVAL", 60*time.Second),
		},
		Worker: WorkerConfig{
			WorkerID:           os.Getenv("FLEET_WORKER_ID"),
			AgentName:          getEnv("FLEET_AGENT_NAME", "general"),
			Capabilities:       splitList(os.Getenv("FLEET_CAPABILITIES")),
			PollInterval:       getEnvDuration("FLEET_POLL_INTERVAL", 2*time.Second),
			HeartbeatInterval:  getEnvDuration("FLEET_HEARTBEAT_INTERVAL", 60*time.Second),
			MaxConcurrentTasks: getEnvInt("FLEET_MAX_CONCURRENT_TASKS", 2),
			MaxRuntime:         getEnvDuration("FLEET_MAX_RUNTIME", time.Hour),
			DrainTimeout:       getEnvDuration("FLEET_DRAIN_TIMEOUT", 30*time.Second),
			RuntimeURL:         os.Getenv("FLEET_AGENT_RUNTIME_URL"),
			RuntimeAPIKey:      os.Getenv("FLEET_AGENT_RUNTIME_API_KEY"),
			RuntimeRetries:     getEnvInt("FLEET_AGENT_RUNTIME_RETRIES", 3),
		},
		Notify: NotifyConfig{
			MaxAttempts: getEnvInt("FLEET_NOTIFICATION_MAX_ATTEMPTS", 3),
			SendTimeout: getEnvDuration("FLEET_NOTIFY_TIMEOUT", 15*time.Second),
			EmailAPIURL: os.Getenv("FLEET_EMAIL_API_URL"),
			EmailAPIKey: os.Getenv("FLEET_EMAIL_API_KEY"),
			EmailFrom:   getEnv("FLEET_EMAIL_FROM", "fleet@localhost"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL (or FLEET_DATABASE_URL) is required")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("FLEET_HTTP_PORT %d out of range", c.HTTPPort)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("FLEET_METRICS_PORT %d out of range", c.MetricsPort)
	}
	if c.Queue.LeaseDuration <= 0 {
		return fmt.Errorf("FLEET_LEASE_DURATION must be positive")
	}
	if c.Worker.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("FLEET_MAX_CONCURRENT_TASKS must be positive")
	}
	return nil
}

// RedactedDSN returns dsn safe for logs, with any password replaced.
// Both URL and key=value DSN forms are handled.
func RedactedDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "REDACTED")
		}
		return u.String()
	}

	if !strings.Contains(dsn, "password=") {
		return dsn
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=REDACTED"
		}
	}
	return strings.Join(fields, " ")
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// getEnvDuration accepts Go duration syntax ("10m") and, for
// convenience, bare integers interpreted as seconds ("600").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
