// Package config loads Shadowbox's process configuration from environment
// variables.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all process configuration, loaded from environment
// variables. Field names mirror spec.md §6's environment variable table.
type Config struct {
	// Mode selects the runtime mode: "manager" or "collector".
	Mode string `env:"SB_MODE" envDefault:"manager"`

	// StateDir is the directory holding all persisted JSON/YAML state.
	StateDir string `env:"SB_STATE_DIR" envDefault:"/root/shadowbox/persisted-state"`

	// APIPort is the port the manager REST service listens on.
	APIPort int `env:"SB_API_PORT" envDefault:"8081"`

	// APIPrefix is the secret URL prefix guarding the manager REST API.
	// If empty, one is generated and logged on first boot.
	APIPrefix string `env:"SB_API_PREFIX"`

	// CertificateFile and PrivateKeyFile enable TLS on the manager API
	// when both are set. Plain HTTP is used when either is empty.
	CertificateFile string `env:"SB_CERTIFICATE_FILE"`
	PrivateKeyFile  string `env:"SB_PRIVATE_KEY_FILE"`

	// MetricsURL is the collector endpoint the publisher POSTs reports to.
	MetricsURL string `env:"SB_METRICS_URL" envDefault:"https://metrics-collector.outline.org"`

	// DefaultServerName seeds ServerConfig.Name on first boot.
	DefaultServerName string `env:"SB_DEFAULT_SERVER_NAME" envDefault:"Outline Server"`

	// CollectorPort is the port the metrics collector service listens on
	// when Mode is "collector".
	CollectorPort int `env:"SB_COLLECTOR_PORT" envDefault:"8082"`

	// ProxyBinaryPath and ProxyConfigPath locate the supervised Shadowsocks
	// proxy binary and the YAML config this process writes for it.
	ProxyBinaryPath string `env:"SB_PROXY_BINARY" envDefault:"/usr/local/bin/outline-ss-server"`
	ProxyConfigPath string `env:"SB_PROXY_CONFIG_PATH" envDefault:"outline-ss-server/config.yml"`
	// MMDBPath, if set, enables country tagging in the proxy's metrics.
	MMDBPath string `env:"SB_MMDB_PATH"`
	// ReplayProtectionEnabled toggles the proxy binary's replay-protection flag.
	ReplayProtectionEnabled bool `env:"SB_REPLAY_PROTECTION" envDefault:"true"`

	// ScraperBinaryPath and ScraperConfigPath locate the supervised
	// Prometheus-compatible scraper binary and its scrape config.
	ScraperBinaryPath string `env:"SB_SCRAPER_BINARY" envDefault:"/usr/local/bin/prometheus"`
	ScraperConfigPath string `env:"SB_SCRAPER_CONFIG_PATH" envDefault:"prometheus/config.yml"`
	// ScraperPort is the port the scraper binary's HTTP API listens on.
	ScraperPort int `env:"SB_SCRAPER_PORT" envDefault:"9090"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ManagerListenAddr returns the address the manager REST service should
// listen on.
func (c *Config) ManagerListenAddr() string {
	return fmt.Sprintf(":%d", c.APIPort)
}

// CollectorListenAddr returns the address the metrics collector service
// should listen on.
func (c *Config) CollectorListenAddr() string {
	return fmt.Sprintf(":%d", c.CollectorPort)
}

// TLSEnabled reports whether both certificate and key files are configured.
func (c *Config) TLSEnabled() bool {
	return c.CertificateFile != "" && c.PrivateKeyFile != ""
}

// ScraperEndpoint returns the base URL the scraper's HTTP API listens on.
func (c *Config) ScraperEndpoint() string {
	return fmt.Sprintf("http://localhost:%d", c.ScraperPort)
}
