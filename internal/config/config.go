// Package config loads service settings from YAML and manages the
// persisted credential bundle that the renewal workflow updates.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default endpoints for the Gemini Business auth surface.
const (
	DefaultAuthHost  = "https://auth.business.gemini.google"
	DefaultTargetURL = "https://business.gemini.google/home/"
)

// RedisConfig configures the shared token cache tier.
type RedisConfig struct {
	// Enabled turns the distributed tier on. When off, or when the
	// server is unreachable, the cache runs memory-only.
	Enabled bool `yaml:"enabled"`
	// Addr is the host:port of the Redis server.
	Addr string `yaml:"addr"`
	// Password is the optional AUTH password.
	Password string `yaml:"password"`
	// DB selects the Redis logical database.
	DB int `yaml:"db"`
	// KeyPrefix namespaces every key written by this service.
	KeyPrefix string `yaml:"key-prefix"`
}

// IMAPConfig configures the mailbox used for verification codes.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseSSL   bool   `yaml:"use-ssl"`
	// Folder is the mailbox folder to search. Defaults to INBOX.
	Folder string `yaml:"folder"`
	// SenderFilter restricts the search to mails from this address.
	SenderFilter string `yaml:"sender-filter"`
	// MaxAgeSeconds ignores mails older than this.
	MaxAgeSeconds int `yaml:"max-age-seconds"`
	// TimeoutSeconds bounds the overall wait for a code.
	TimeoutSeconds int `yaml:"timeout-seconds"`
	// PollSeconds is the interval between mailbox polls.
	PollSeconds int `yaml:"poll-seconds"`
}

// KeepAliveConfig configures the background session warmer.
type KeepAliveConfig struct {
	Enabled bool `yaml:"enabled"`
	// IntervalMinutes is the base gap between cycles.
	IntervalMinutes int `yaml:"interval-minutes"`
	// JitterPercent randomizes each gap by +/- this percentage.
	JitterPercent int `yaml:"jitter-percent"`
	// RenewalEnabled allows the scheduler to run the browser login
	// flow when a session has expired.
	RenewalEnabled bool `yaml:"renewal-enabled"`
}

// BrowserConfig configures the automated login browser.
type BrowserConfig struct {
	Headless bool `yaml:"headless"`
	// ExecPath points at a Chrome/Chromium binary. Empty uses the
	// driver default lookup.
	ExecPath string `yaml:"exec-path"`
}

// Config is the root service configuration.
type Config struct {
	// AuthHost is the base URL of the session/auth endpoints.
	AuthHost string `yaml:"auth-host"`
	// TargetURL is the logged-in landing page the renewal flow drives to.
	TargetURL string `yaml:"target-url"`
	// AccountEmail is typed into the login form during renewal.
	AccountEmail string `yaml:"account-email"`
	// ProxyURL routes all auth-host and browser traffic when set.
	ProxyURL string `yaml:"proxy-url"`
	// CredentialFile is the path of the persisted credential bundle.
	CredentialFile string `yaml:"credential-file"`
	// LogFile mirrors logs into a rotated file when set.
	LogFile string `yaml:"log-file"`
	// MetricsAddr exposes Prometheus metrics when set (host:port).
	MetricsAddr string `yaml:"metrics-addr"`

	Redis     RedisConfig     `yaml:"redis"`
	IMAP      IMAPConfig      `yaml:"imap"`
	KeepAlive KeepAliveConfig `yaml:"keep-alive"`
	Browser   BrowserConfig   `yaml:"browser"`
}

// DefaultConfig returns a Config with production defaults applied.
func DefaultConfig() *Config {
	return &Config{
		AuthHost:       DefaultAuthHost,
		TargetURL:      DefaultTargetURL,
		CredentialFile: "credentials.json",
		Redis: RedisConfig{
			KeyPrefix: "sessiond:",
		},
		IMAP: IMAPConfig{
			Port:           993,
			UseSSL:         true,
			Folder:         "INBOX",
			SenderFilter:   "noreply-googlecloud@google.com",
			MaxAgeSeconds:  300,
			TimeoutSeconds: 180,
			PollSeconds:    5,
		},
		KeepAlive: KeepAliveConfig{
			Enabled:         true,
			IntervalMinutes: 60,
			JitterPercent:   20,
			RenewalEnabled:  true,
		},
		Browser: BrowserConfig{Headless: true},
	}
}

// Load reads a YAML config file, layering it over the defaults. A
// missing file returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyFloors()
	return cfg, nil
}

// applyFloors keeps hand-edited configs from producing degenerate
// schedules.
func (c *Config) applyFloors() {
	if c.AuthHost == "" {
		c.AuthHost = DefaultAuthHost
	}
	if c.TargetURL == "" {
		c.TargetURL = DefaultTargetURL
	}
	if c.KeepAlive.IntervalMinutes <= 0 {
		c.KeepAlive.IntervalMinutes = 60
	}
	if c.KeepAlive.JitterPercent < 0 || c.KeepAlive.JitterPercent > 50 {
		c.KeepAlive.JitterPercent = 20
	}
	if c.IMAP.PollSeconds <= 0 {
		c.IMAP.PollSeconds = 5
	}
	if c.IMAP.TimeoutSeconds <= 0 {
		c.IMAP.TimeoutSeconds = 180
	}
}

// KeepAliveInterval returns the base interval as a duration.
func (c *Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAlive.IntervalMinutes) * time.Minute
}

// ResolveCredentialFile returns the bundle path relative to the config
// file directory when it is not absolute.
func (c *Config) ResolveCredentialFile(configPath string) string {
	if c.CredentialFile == "" || filepath.IsAbs(c.CredentialFile) || configPath == "" {
		return c.CredentialFile
	}
	return filepath.Join(filepath.Dir(configPath), c.CredentialFile)
}
