package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cwsl/mixerpanel/channels"
	"github.com/cwsl/mixerpanel/watchdog"
)

// Config represents the application configuration
type Config struct {
	Mixer      MixerConfig      `yaml:"mixer"`
	VU         VUConfig         `yaml:"vu"`
	UI         UIConfig         `yaml:"ui"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// MixerConfig selects the mixer and which of its channels are shown
type MixerConfig struct {
	APIURL       string            `yaml:"api_url"`       // REST base, e.g. http://mixer.local/api
	UserAgent    string            `yaml:"user_agent"`    // Sent with snapshot requests
	Inputs       []string          `yaml:"inputs"`        // Input allow-list, in display order
	Outputs      []string          `yaml:"outputs"`       // Output allow-list, in display order
	InputLabels  map[string]string `yaml:"input_labels"`  // Display names for inputs
	OutputLabels map[string]string `yaml:"output_labels"` // Display names for outputs
}

// VUConfig contains level feed and watchdog settings
type VUConfig struct {
	StaleThresholdMS int    `yaml:"stale_threshold_ms"` // Feed is stale after this long without a frame (default: 1000)
	TickIntervalMS   int    `yaml:"tick_interval_ms"`   // Watchdog period (default: 1000)
	ReopenPolicy     string `yaml:"reopen_policy"`      // every_tick or on_transition (default: every_tick)
}

// UIConfig contains terminal UI settings
type UIConfig struct {
	Mode              string `yaml:"mode"`                // auto, tui or headless (default: auto)
	Title             string `yaml:"title"`               // Title line of the panel
	RefreshIntervalMS int    `yaml:"refresh_interval_ms"` // Redraw period (default: 100)
}

// PrometheusConfig contains Prometheus metrics settings
type PrometheusConfig struct {
	Enabled      bool              `yaml:"enabled"`       // Enable/disable the metrics endpoint
	Listen       string            `yaml:"listen"`        // Listen address (default: :9110)
	Path         string            `yaml:"path"`          // Metrics path (default: /metrics)
	AllowedHosts []string          `yaml:"allowed_hosts"` // IPs/CIDRs allowed to scrape (empty = allow all)
	Pushgateway  PushgatewayConfig `yaml:"pushgateway"`   // Pushgateway configuration

	allowedNets []*net.IPNet
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`      // Pushgateway URL (e.g., http://pushgateway:9091)
	Job      string `yaml:"job"`      // Job name (default: mixerpanel)
	Instance string `yaml:"instance"` // Instance grouping label, also the basic auth username
	Token    string `yaml:"token"`    // Basic auth password
	Interval int    `yaml:"interval"` // Push interval in seconds (default: 60)
}

// MQTTConfig contains MQTT status publishing settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Broker          string        `yaml:"broker"`           // MQTT broker URL (e.g., tcp://mqtt.example.com:1883)
	ClientID        string        `yaml:"client_id"`        // Random when empty
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	TopicPrefix     string        `yaml:"topic_prefix"`     // Topic prefix (default: mixerpanel)
	PublishInterval int           `yaml:"publish_interval"` // Metrics publishing interval in seconds, 0 disables
	QoS             byte          `yaml:"qos"`              // 0, 1 or 2
	TLS             MQTTTLSConfig `yaml:"tls"`
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // console or json (default: console)
	File   string `yaml:"file"`   // Log file; required while the TUI owns the terminal (default: mixerpanel.log)
}

const (
	UIModeAuto     = "auto"
	UIModeTUI      = "tui"
	UIModeHeadless = "headless"
)

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() *Config {
	ch := channels.DefaultConfig()
	config := &Config{
		Mixer: MixerConfig{
			APIURL:       "http://localhost/api",
			Inputs:       ch.Inputs,
			Outputs:      ch.Outputs,
			InputLabels:  ch.InputLabels,
			OutputLabels: ch.OutputLabels,
		},
	}
	config.applyDefaults()
	return config
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	// Lists and label maps from the file replace the defaults rather than
	// merging with them.
	config.Mixer.Inputs = nil
	config.Mixer.Outputs = nil
	config.Mixer.InputLabels = nil
	config.Mixer.OutputLabels = nil

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	defaults := channels.DefaultConfig()
	if config.Mixer.Inputs == nil {
		config.Mixer.Inputs = defaults.Inputs
	}
	if config.Mixer.Outputs == nil {
		config.Mixer.Outputs = defaults.Outputs
	}
	if config.Mixer.InputLabels == nil {
		config.Mixer.InputLabels = defaults.InputLabels
	}
	if config.Mixer.OutputLabels == nil {
		config.Mixer.OutputLabels = defaults.OutputLabels
	}

	config.applyDefaults()

	if err := config.Prometheus.parseAllowedHosts(); err != nil {
		return nil, fmt.Errorf("failed to parse prometheus.allowed_hosts: %w", err)
	}

	return config, nil
}

// LoadConfigOrDefault loads filename, falling back to DefaultConfig when the
// file does not exist and was not asked for explicitly.
func LoadConfigOrDefault(filename string, explicit bool) (*Config, error) {
	config, err := LoadConfig(filename)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return config, err
}

func (c *Config) applyDefaults() {
	if c.VU.StaleThresholdMS == 0 {
		c.VU.StaleThresholdMS = 1000
	}
	if c.VU.TickIntervalMS == 0 {
		c.VU.TickIntervalMS = 1000
	}
	if c.VU.ReopenPolicy == "" {
		c.VU.ReopenPolicy = string(watchdog.EveryTick)
	}
	if c.UI.Mode == "" {
		c.UI.Mode = UIModeAuto
	}
	if c.UI.Title == "" {
		c.UI.Title = "Mixer"
	}
	if c.UI.RefreshIntervalMS == 0 {
		c.UI.RefreshIntervalMS = 100
	}
	if c.Prometheus.Listen == "" {
		c.Prometheus.Listen = ":9110"
	}
	if c.Prometheus.Path == "" {
		c.Prometheus.Path = "/metrics"
	}
	if c.Prometheus.Pushgateway.Job == "" {
		c.Prometheus.Pushgateway.Job = "mixerpanel"
	}
	if c.Prometheus.Pushgateway.Interval == 0 {
		c.Prometheus.Pushgateway.Interval = 60
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "mixerpanel"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.File == "" {
		c.Logging.File = "mixerpanel.log"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Mixer.APIURL == "" {
		return fmt.Errorf("mixer.api_url is required")
	}
	u, err := url.Parse(c.Mixer.APIURL)
	if err != nil {
		return fmt.Errorf("mixer.api_url is invalid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("mixer.api_url must be an http or https URL")
	}
	if c.VU.StaleThresholdMS < 1 {
		return fmt.Errorf("vu.stale_threshold_ms must be positive")
	}
	if c.VU.TickIntervalMS < 1 {
		return fmt.Errorf("vu.tick_interval_ms must be positive")
	}
	if _, err := watchdog.ParsePolicy(c.VU.ReopenPolicy); err != nil {
		return fmt.Errorf("vu.reopen_policy: %w", err)
	}
	switch c.UI.Mode {
	case UIModeAuto, UIModeTUI, UIModeHeadless:
	default:
		return fmt.Errorf("ui.mode must be one of %s, %s, %s", UIModeAuto, UIModeTUI, UIModeHeadless)
	}
	if c.UI.RefreshIntervalMS < 10 {
		return fmt.Errorf("ui.refresh_interval_ms must be at least 10")
	}
	if c.Prometheus.Enabled && !strings.HasPrefix(c.Prometheus.Path, "/") {
		return fmt.Errorf("prometheus.path must start with /")
	}
	if c.Prometheus.Pushgateway.Enabled && c.Prometheus.Pushgateway.URL == "" {
		return fmt.Errorf("prometheus.pushgateway.url is required when pushgateway is enabled")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if c.MQTT.PublishInterval < 0 {
			return fmt.Errorf("mqtt.publish_interval must not be negative")
		}
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json")
	}
	return nil
}

// ChannelConfig converts the mixer section for the channel registry
func (c *Config) ChannelConfig() channels.Config {
	return channels.Config{
		Inputs:       c.Mixer.Inputs,
		Outputs:      c.Mixer.Outputs,
		InputLabels:  c.Mixer.InputLabels,
		OutputLabels: c.Mixer.OutputLabels,
	}
}

// StaleThreshold returns vu.stale_threshold_ms as a duration
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.VU.StaleThresholdMS) * time.Millisecond
}

// TickInterval returns vu.tick_interval_ms as a duration
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.VU.TickIntervalMS) * time.Millisecond
}

// RefreshInterval returns ui.refresh_interval_ms as a duration
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.UI.RefreshIntervalMS) * time.Millisecond
}

// parseAllowedHosts parses the allowed_hosts list into CIDR networks
func (pc *PrometheusConfig) parseAllowedHosts() error {
	pc.allowedNets = make([]*net.IPNet, 0, len(pc.AllowedHosts))

	for _, host := range pc.AllowedHosts {
		if _, ipNet, err := net.ParseCIDR(host); err == nil {
			pc.allowedNets = append(pc.allowedNets, ipNet)
			continue
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return fmt.Errorf("invalid IP or CIDR: %s", host)
		}
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		pc.allowedNets = append(pc.allowedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}

	return nil
}

// IsIPAllowed checks if an IP address may scrape metrics. An empty
// allowed_hosts list allows everyone.
func (pc *PrometheusConfig) IsIPAllowed(ipStr string) bool {
	if len(pc.AllowedHosts) == 0 {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	for _, ipNet := range pc.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}

	return false
}
