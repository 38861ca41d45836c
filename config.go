package main

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/cwsl/weathermap/processing/bandpower"
	"github.com/cwsl/weathermap/processing/channels"
	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Feedback    FeedbackConfig    `yaml:"feedback"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Server      ServerConfig      `yaml:"server"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Prometheus  PrometheusConfig  `yaml:"prometheus"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	PowerLog    PowerLogConfig    `yaml:"power_log"`
	MCP         MCPConfig         `yaml:"mcp"`
}

// FeedbackConfig contains the settings shared by every pipeline
type FeedbackConfig struct {
	Band                   bandpower.Band    `yaml:"band"`
	WinSize                float64           `yaml:"winsize"`                  // Window duration in seconds (default: 5)
	Sources                int               `yaml:"sources"`                  // Number of sources to run (default: 1)
	CommonAverageReference bool              `yaml:"common_average_reference"` // Re-reference retained channels to their mean before estimation
	ExcludeChannels        []string          `yaml:"exclude_channels"`         // Channel names never rendered (trigger/aux/reference aliases)
	RenameChannels         map[string]string `yaml:"rename_channels"`          // Applied to the layout before exclusion
	TriggerChannels        []string          `yaml:"trigger_channels"`         // Channel names read for the cycle label
}

// AcquisitionConfig selects how samples reach a pipeline
type AcquisitionConfig struct {
	Mode      string          `yaml:"mode"`       // "synthetic" or "rtp"
	Interface string          `yaml:"interface"`  // Multicast interface name for rtp mode (empty = default)
	TimeoutMs int             `yaml:"timeout_ms"` // Wait for fresh samples before reusing the last window (default: 1000)
	Synthetic SyntheticConfig `yaml:"synthetic"`
}

// SyntheticConfig describes the generated test signal
type SyntheticConfig struct {
	SampleRate float64  `yaml:"sample_rate"` // Hz (default: 256)
	Channels   []string `yaml:"channels"`
	Frequency  float64  `yaml:"frequency"`   // Sine frequency in Hz (default: 10)
	Amplitude  float64  `yaml:"amplitude"`   // Sine amplitude (default: 1)
	Noise      float64  `yaml:"noise"`       // Gaussian noise standard deviation
	ChunkMs    int      `yaml:"chunk_ms"`    // Samples are pushed in chunks of this duration (default: 62)
	TriggerSec float64  `yaml:"trigger_sec"` // Emit a trigger pulse every N seconds (0 = never)
}

// DiscoveryConfig controls how sources are found
type DiscoveryConfig struct {
	Mode          string         `yaml:"mode"`           // "synthetic", "static" or "mdns"
	Service       string         `yaml:"service"`        // mDNS service type (default: _eegstream._udp)
	Domain        string         `yaml:"domain"`         // mDNS domain (default: local.)
	Prefix        string         `yaml:"prefix"`         // Only accept instances whose name starts with this (e.g. "WS-")
	BrowseTimeout int            `yaml:"browse_timeout"` // Seconds to browse before counting (default: 3)
	Protocol      string         `yaml:"protocol"`       // Accepted stream protocol versions (default: ">= 1.0, < 2.0")
	Sources       []SourceConfig `yaml:"sources"`
}

// SourceConfig describes one statically configured stream
type SourceConfig struct {
	Name       string   `yaml:"name"`
	Address    string   `yaml:"address"` // Multicast group:port (hostnames are hashed into 239.0.0.0/8)
	SSRC       uint32   `yaml:"ssrc"`
	SampleRate float64  `yaml:"sample_rate"`
	Channels   []string `yaml:"channels"`
	Roles      []string `yaml:"roles"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Listen    string `yaml:"listen"`     // Empty disables the HTTP server
	RateLimit int    `yaml:"rate_limit"` // API and WebSocket requests per minute per IP (default: 60, negative disables)
}

// WebSocketConfig contains the live viewer settings
type WebSocketConfig struct {
	Enabled     bool `yaml:"enabled"`
	Compression bool `yaml:"compression"` // Send zstd-compressed binary frames instead of JSON
	QueueSize   int  `yaml:"queue_size"`  // Frames buffered per viewer before dropping (default: 30)
}

// PrometheusConfig contains Prometheus metrics settings
type PrometheusConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Pushgateway PushgatewayConfig `yaml:"pushgateway"`
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Job      string `yaml:"job"`      // default: weathermap
	Instance string `yaml:"instance"` // Grouping label and basic auth user
	Token    string `yaml:"token"`
	Interval int    `yaml:"interval"` // Seconds (default: 60)
}

// MQTTConfig contains MQTT publishing settings
type MQTTConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Broker           string        `yaml:"broker"` // e.g. tcp://mqtt.example.com:1883
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	TopicPrefix      string        `yaml:"topic_prefix"`       // default: weathermap
	PublishInterval  int           `yaml:"publish_interval"`   // Metrics snapshot interval in seconds (default: 60)
	PublishTimeoutMs int           `yaml:"publish_timeout_ms"` // Max wait for a power message acknowledgement (default: 500)
	ConnectTimeout   int           `yaml:"connect_timeout"`    // Seconds to wait for the first connection (default: 10)
	QoS              byte          `yaml:"qos"`
	Retain           bool          `yaml:"retain"`
	TLS              MQTTTLSConfig `yaml:"tls"`
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// PowerLogConfig contains CSV band power logging settings
type PowerLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	DataDir string `yaml:"data_dir"` // default: powerlog
}

// MCPConfig contains Model Context Protocol server settings
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() *Config {
	config := &Config{}
	config.applyDefaults()
	return config
}

func (c *Config) applyDefaults() {
	if c.Feedback.Band.Low == 0 && c.Feedback.Band.High == 0 {
		c.Feedback.Band = bandpower.Band{Low: 8, High: 13}
	}
	if c.Feedback.WinSize == 0 {
		c.Feedback.WinSize = 5
	}
	if c.Feedback.Sources == 0 {
		c.Feedback.Sources = 1
	}
	if c.Feedback.ExcludeChannels == nil {
		c.Feedback.ExcludeChannels = append([]string(nil), channels.DefaultExclude...)
	}
	if c.Feedback.RenameChannels == nil {
		c.Feedback.RenameChannels = make(map[string]string, len(channels.DefaultRenames))
		for from, to := range channels.DefaultRenames {
			c.Feedback.RenameChannels[from] = to
		}
	}
	if c.Feedback.TriggerChannels == nil {
		c.Feedback.TriggerChannels = []string{"TRIGGER"}
	}

	if c.Acquisition.Mode == "" {
		c.Acquisition.Mode = "synthetic"
	}
	if c.Acquisition.TimeoutMs == 0 {
		c.Acquisition.TimeoutMs = 1000
	}
	syn := &c.Acquisition.Synthetic
	if syn.SampleRate == 0 {
		syn.SampleRate = 256
	}
	if len(syn.Channels) == 0 {
		syn.Channels = []string{"TRIGGER", "Fp1", "Fp2", "C3", "C4", "Cz", "O1", "O2"}
	}
	if syn.Frequency == 0 {
		syn.Frequency = 10
	}
	if syn.Amplitude == 0 {
		syn.Amplitude = 1
	}
	if syn.ChunkMs == 0 {
		syn.ChunkMs = 62
	}

	if c.Discovery.Mode == "" {
		c.Discovery.Mode = "synthetic"
	}
	if c.Discovery.Service == "" {
		c.Discovery.Service = "_eegstream._udp"
	}
	if c.Discovery.Domain == "" {
		c.Discovery.Domain = "local."
	}
	if c.Discovery.BrowseTimeout == 0 {
		c.Discovery.BrowseTimeout = 3
	}
	if c.Discovery.Protocol == "" {
		c.Discovery.Protocol = ">= 1.0, < 2.0"
	}

	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 60
	}

	if c.WebSocket.QueueSize == 0 {
		c.WebSocket.QueueSize = 30
	}

	if c.Prometheus.Pushgateway.Job == "" {
		c.Prometheus.Pushgateway.Job = "weathermap"
	}
	if c.Prometheus.Pushgateway.Interval == 0 {
		c.Prometheus.Pushgateway.Interval = 60
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "weathermap"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = 60
	}
	if c.MQTT.PublishTimeoutMs == 0 {
		c.MQTT.PublishTimeoutMs = 500
	}
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = 10
	}

	if c.PowerLog.DataDir == "" {
		c.PowerLog.DataDir = "powerlog"
	}
}

// Validate validates the configuration. Every failure is a *ConfigurationError.
func (c *Config) Validate() error {
	if err := c.Feedback.Band.Validate(); err != nil {
		return &ConfigurationError{Field: "feedback.band", Reason: "must satisfy 0 < low < high", Err: err}
	}
	if !(c.Feedback.WinSize > 0) || math.IsInf(c.Feedback.WinSize, 0) {
		return &ConfigurationError{Field: "feedback.winsize", Reason: fmt.Sprintf("must be a positive number of seconds, got %g", c.Feedback.WinSize)}
	}
	if c.Feedback.Sources < 1 {
		return &ConfigurationError{Field: "feedback.sources", Reason: fmt.Sprintf("must be at least 1, got %d", c.Feedback.Sources)}
	}

	switch c.Acquisition.Mode {
	case "synthetic":
		syn := c.Acquisition.Synthetic
		if !(syn.SampleRate > 0) {
			return &ConfigurationError{Field: "acquisition.synthetic.sample_rate", Reason: "must be positive"}
		}
		if c.Feedback.Band.High > syn.SampleRate/2 {
			return &ConfigurationError{Field: "feedback.band", Reason: fmt.Sprintf("high edge %g Hz is above the Nyquist frequency %g Hz", c.Feedback.Band.High, syn.SampleRate/2)}
		}
		if syn.ChunkMs < 1 {
			return &ConfigurationError{Field: "acquisition.synthetic.chunk_ms", Reason: "must be at least 1"}
		}
	case "rtp":
		if c.Discovery.Mode == "synthetic" {
			return &ConfigurationError{Field: "discovery.mode", Reason: "synthetic discovery cannot feed rtp acquisition"}
		}
	default:
		return &ConfigurationError{Field: "acquisition.mode", Reason: fmt.Sprintf("unknown mode %q (want synthetic or rtp)", c.Acquisition.Mode)}
	}
	if c.Acquisition.TimeoutMs < 1 {
		return &ConfigurationError{Field: "acquisition.timeout_ms", Reason: "must be at least 1"}
	}

	switch c.Discovery.Mode {
	case "synthetic":
		if err := c.checkWindow(c.Acquisition.Synthetic.SampleRate); err != nil {
			return err
		}
	case "static":
		for i, src := range c.Discovery.Sources {
			field := fmt.Sprintf("discovery.sources[%d]", i)
			if src.Name == "" {
				return &ConfigurationError{Field: field + ".name", Reason: "is required"}
			}
			if !(src.SampleRate > 0) {
				return &ConfigurationError{Field: field + ".sample_rate", Reason: "must be positive"}
			}
			if len(src.Channels) == 0 {
				return &ConfigurationError{Field: field + ".channels", Reason: "is required"}
			}
			if err := c.checkWindow(src.SampleRate); err != nil {
				return err
			}
			if c.Acquisition.Mode == "rtp" && src.Address == "" {
				return &ConfigurationError{Field: field + ".address", Reason: "is required for rtp acquisition"}
			}
		}
	case "mdns":
		if c.Discovery.BrowseTimeout < 1 {
			return &ConfigurationError{Field: "discovery.browse_timeout", Reason: "must be at least 1 second"}
		}
		if _, err := version.NewConstraint(c.Discovery.Protocol); err != nil {
			return &ConfigurationError{Field: "discovery.protocol", Reason: "is not a version constraint", Err: err}
		}
	default:
		return &ConfigurationError{Field: "discovery.mode", Reason: fmt.Sprintf("unknown mode %q (want synthetic, static or mdns)", c.Discovery.Mode)}
	}

	if (c.WebSocket.Enabled || c.MCP.Enabled || c.Prometheus.Enabled) && c.Server.Listen == "" {
		return &ConfigurationError{Field: "server.listen", Reason: "is required when websocket, mcp or prometheus is enabled"}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return &ConfigurationError{Field: "mqtt.broker", Reason: "is required when mqtt is enabled"}
	}
	if c.MQTT.QoS > 2 {
		return &ConfigurationError{Field: "mqtt.qos", Reason: "must be 0, 1 or 2"}
	}
	if c.Prometheus.Pushgateway.Enabled && c.Prometheus.Pushgateway.URL == "" {
		return &ConfigurationError{Field: "prometheus.pushgateway.url", Reason: "is required when the pushgateway is enabled"}
	}
	return nil
}

// checkWindow rejects a window that holds fewer than 2 samples or no FFT bin
// of the band at sample rate fs. mDNS sources are checked when opened.
func (c *Config) checkWindow(fs float64) error {
	n := windowSamples(c.Feedback.WindowDuration(), fs)
	if n < 2 {
		return &ConfigurationError{Field: "feedback.winsize", Reason: fmt.Sprintf("%gs holds fewer than 2 samples at %g Hz", c.Feedback.WinSize, fs)}
	}
	if bandpower.BinCount(n, fs, c.Feedback.Band) == 0 {
		return &ConfigurationError{Field: "feedback.band", Reason: fmt.Sprintf("%v contains no frequency bin at %g Hz resolution", c.Feedback.Band, fs/float64(n))}
	}
	return nil
}

// WindowDuration returns the configured window as a time.Duration
func (fc FeedbackConfig) WindowDuration() time.Duration {
	return time.Duration(fc.WinSize * float64(time.Second))
}

// Timeout returns how long LatestWindow waits for fresh samples
func (ac AcquisitionConfig) Timeout() time.Duration {
	return time.Duration(ac.TimeoutMs) * time.Millisecond
}
