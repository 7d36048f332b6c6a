// Package config loads the process configuration from the environment.
//
// Every option is an environment variable with a documented default; viper
// handles the env binding so values can also come from an optional
// edgescale.yaml next to the data directory.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the immutable snapshot handed to every component at startup.
type Config struct {
	EdgeName          string
	SiteID            string
	SiteName          string
	RegistrationToken string

	TCPHost string
	TCPPort int

	HTTPHost string
	HTTPPort int

	DBPath string

	CloudAPIURL string

	SessionPollInterval time.Duration
	EventSendTimeout    time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	BackoffMultiplier   float64
	MaxRetryDelay       time.Duration
	CloudBatchSize      int
	BatchInterval       time.Duration

	HeartbeatTimeout time.Duration
	ActivityIdle     time.Duration
	ActivityStale    time.Duration

	SessionCacheExpiry time.Duration

	OfflineTriggerDelay   time.Duration
	OfflineMaxEventsBatch int
	OfflineRetentionDays  int

	WorkHoursStart string
	WorkHoursEnd   string
	Timezone       string
}

// defaults registers every option with its documented default.
func defaults(v *viper.Viper) {
	v.SetDefault("EDGE_NAME", "")
	v.SetDefault("SITE_ID", "")
	v.SetDefault("SITE_NAME", "")
	v.SetDefault("REGISTRATION_TOKEN", "")

	v.SetDefault("TCP_PORT", 8899)
	v.SetDefault("TCP_HOST", "0.0.0.0")
	v.SetDefault("HTTP_PORT", 3000)
	v.SetDefault("HTTP_HOST", "0.0.0.0")

	v.SetDefault("DB_PATH", "data/edgescale.db")
	v.SetDefault("CLOUD_API_URL", "http://localhost:4000")

	v.SetDefault("SESSION_POLL_INTERVAL_MS", 5000)
	v.SetDefault("EVENT_SEND_TIMEOUT_MS", 10000)
	v.SetDefault("REST_MAX_RETRIES", 3)
	v.SetDefault("REST_RETRY_DELAY_MS", 1000)
	v.SetDefault("REST_BACKOFF_MULTIPLIER", 2.0)
	v.SetDefault("REST_MAX_RETRY_DELAY_MS", 30000)
	v.SetDefault("CLOUD_BATCH_SIZE", 50)
	v.SetDefault("BATCH_INTERVAL_MS", 5000)

	v.SetDefault("HEARTBEAT_TIMEOUT_MS", 60000)
	v.SetDefault("ACTIVITY_IDLE_MS", 300000)
	v.SetDefault("ACTIVITY_STALE_MS", 1800000)

	v.SetDefault("SESSION_CACHE_EXPIRY_MS", 14400000)

	v.SetDefault("OFFLINE_TRIGGER_DELAY_MS", 5000)
	v.SetDefault("OFFLINE_MAX_EVENTS_PER_BATCH", 1000)
	v.SetDefault("OFFLINE_BATCH_RETENTION_DAYS", 30)

	v.SetDefault("WORK_HOURS_START", "")
	v.SetDefault("WORK_HOURS_END", "")
	v.SetDefault("TIMEZONE", "UTC")
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	ms := func(key string) time.Duration {
		return time.Duration(v.GetInt64(key)) * time.Millisecond
	}

	cfg := &Config{
		EdgeName:          v.GetString("EDGE_NAME"),
		SiteID:            v.GetString("SITE_ID"),
		SiteName:          v.GetString("SITE_NAME"),
		RegistrationToken: v.GetString("REGISTRATION_TOKEN"),

		TCPHost: v.GetString("TCP_HOST"),
		TCPPort: v.GetInt("TCP_PORT"),

		HTTPHost: v.GetString("HTTP_HOST"),
		HTTPPort: v.GetInt("HTTP_PORT"),

		DBPath:      v.GetString("DB_PATH"),
		CloudAPIURL: strings.TrimRight(v.GetString("CLOUD_API_URL"), "/"),

		SessionPollInterval: ms("SESSION_POLL_INTERVAL_MS"),
		EventSendTimeout:    ms("EVENT_SEND_TIMEOUT_MS"),
		MaxRetries:          v.GetInt("REST_MAX_RETRIES"),
		RetryDelay:          ms("REST_RETRY_DELAY_MS"),
		BackoffMultiplier:   v.GetFloat64("REST_BACKOFF_MULTIPLIER"),
		MaxRetryDelay:       ms("REST_MAX_RETRY_DELAY_MS"),
		CloudBatchSize:      v.GetInt("CLOUD_BATCH_SIZE"),
		BatchInterval:       ms("BATCH_INTERVAL_MS"),

		HeartbeatTimeout: ms("HEARTBEAT_TIMEOUT_MS"),
		ActivityIdle:     ms("ACTIVITY_IDLE_MS"),
		ActivityStale:    ms("ACTIVITY_STALE_MS"),

		SessionCacheExpiry: ms("SESSION_CACHE_EXPIRY_MS"),

		OfflineTriggerDelay:   ms("OFFLINE_TRIGGER_DELAY_MS"),
		OfflineMaxEventsBatch: v.GetInt("OFFLINE_MAX_EVENTS_PER_BATCH"),
		OfflineRetentionDays:  v.GetInt("OFFLINE_BATCH_RETENTION_DAYS"),

		WorkHoursStart: v.GetString("WORK_HOURS_START"),
		WorkHoursEnd:   v.GetString("WORK_HOURS_END"),
		Timezone:       v.GetString("TIMEZONE"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and basic sanity.
func (c *Config) Validate() error {
	if c.SiteID == "" {
		return fmt.Errorf("SITE_ID is required")
	}
	if c.RegistrationToken == "" {
		return fmt.Errorf("REGISTRATION_TOKEN is required")
	}
	if c.TCPPort <= 0 || c.TCPPort > 65535 {
		return fmt.Errorf("TCP_PORT %d out of range", c.TCPPort)
	}
	// An accidental "/edge" suffix would double up to /edge/edge on the wire.
	if strings.HasSuffix(c.CloudAPIURL, "/edge") {
		return fmt.Errorf("CLOUD_API_URL must not end with /edge (got %q)", c.CloudAPIURL)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("REST_MAX_RETRIES must be >= 0")
	}
	if c.CloudBatchSize < 1 {
		return fmt.Errorf("CLOUD_BATCH_SIZE must be >= 1")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("REST_BACKOFF_MULTIPLIER must be >= 1")
	}
	return nil
}

// TCPAddr returns the scale listener bind address.
func (c *Config) TCPAddr() string {
	return fmt.Sprintf("%s:%d", c.TCPHost, c.TCPPort)
}

// HTTPAddr returns the admin HTTP bind address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPHost, c.HTTPPort)
}

// MonitorInterval is how often the device monitor wakes: a quarter of the
// heartbeat timeout, floored at one second.
func (c *Config) MonitorInterval() time.Duration {
	iv := c.HeartbeatTimeout / 4
	if iv < time.Second {
		iv = time.Second
	}
	return iv
}

// ApplyCloudOverrides folds interval overrides returned by GET /config into
// a copy of the snapshot. Zero values leave the local setting untouched.
func (c *Config) ApplyCloudOverrides(sessionPoll, heartbeat time.Duration) *Config {
	out := *c
	if sessionPoll > 0 {
		out.SessionPollInterval = sessionPoll
	}
	if heartbeat > 0 {
		out.HeartbeatTimeout = heartbeat
	}
	return &out
}
