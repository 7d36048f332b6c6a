package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SITE_ID", "ist-04")
	t.Setenv("REGISTRATION_TOKEN", "tok-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TCPPort != 8899 {
		t.Errorf("TCPPort = %d, want 8899", cfg.TCPPort)
	}
	if cfg.SessionPollInterval != 5*time.Second {
		t.Errorf("SessionPollInterval = %v, want 5s", cfg.SessionPollInterval)
	}
	if cfg.SessionCacheExpiry != 4*time.Hour {
		t.Errorf("SessionCacheExpiry = %v, want 4h", cfg.SessionCacheExpiry)
	}
	if cfg.CloudBatchSize != 50 {
		t.Errorf("CloudBatchSize = %d, want 50", cfg.CloudBatchSize)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
}

func TestLoadRequiredKeys(t *testing.T) {
	t.Setenv("SITE_ID", "")
	t.Setenv("REGISTRATION_TOKEN", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load without SITE_ID must fail")
	}

	t.Setenv("SITE_ID", "ist-04")
	if _, err := Load(); err == nil {
		t.Fatal("Load without REGISTRATION_TOKEN must fail")
	}
}

func TestLoadRejectsEdgeSuffix(t *testing.T) {
	t.Setenv("SITE_ID", "ist-04")
	t.Setenv("REGISTRATION_TOKEN", "tok-1")
	t.Setenv("CLOUD_API_URL", "https://cloud.example.com/edge")
	if _, err := Load(); err == nil {
		t.Fatal("CLOUD_API_URL ending in /edge must be rejected")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SITE_ID", "ist-04")
	t.Setenv("REGISTRATION_TOKEN", "tok-1")
	t.Setenv("TCP_PORT", "9100")
	t.Setenv("CLOUD_BATCH_SIZE", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TCPPort != 9100 {
		t.Errorf("TCPPort = %d, want 9100", cfg.TCPPort)
	}
	if cfg.CloudBatchSize != 10 {
		t.Errorf("CloudBatchSize = %d, want 10", cfg.CloudBatchSize)
	}
}

func TestMonitorInterval(t *testing.T) {
	c := &Config{HeartbeatTimeout: 60 * time.Second}
	if got := c.MonitorInterval(); got != 15*time.Second {
		t.Errorf("MonitorInterval = %v, want 15s", got)
	}
	c.HeartbeatTimeout = 2 * time.Second
	if got := c.MonitorInterval(); got != time.Second {
		t.Errorf("MonitorInterval floor = %v, want 1s", got)
	}
}

func TestApplyCloudOverrides(t *testing.T) {
	c := &Config{SessionPollInterval: 5 * time.Second, HeartbeatTimeout: time.Minute}
	out := c.ApplyCloudOverrides(10*time.Second, 0)
	if out.SessionPollInterval != 10*time.Second {
		t.Errorf("override not applied: %v", out.SessionPollInterval)
	}
	if out.HeartbeatTimeout != time.Minute {
		t.Errorf("zero override must not clobber: %v", out.HeartbeatTimeout)
	}
	if c.SessionPollInterval != 5*time.Second {
		t.Error("ApplyCloudOverrides must not mutate the receiver")
	}
}
