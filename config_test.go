package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwsl/weathermap/processing/bandpower"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, bandpower.Band{Low: 8, High: 13}, config.Feedback.Band)
	assert.Equal(t, 5.0, config.Feedback.WinSize)
	assert.Equal(t, 5*time.Second, config.Feedback.WindowDuration())
	assert.Equal(t, 1, config.Feedback.Sources)
	assert.Contains(t, config.Feedback.ExcludeChannels, "TRIGGER")
	assert.Equal(t, "Cz", config.Feedback.RenameChannels["E257"])
	assert.Equal(t, []string{"TRIGGER"}, config.Feedback.TriggerChannels)

	assert.Equal(t, "synthetic", config.Acquisition.Mode)
	assert.Equal(t, time.Second, config.Acquisition.Timeout())
	assert.Equal(t, 256.0, config.Acquisition.Synthetic.SampleRate)
	assert.Equal(t, "synthetic", config.Discovery.Mode)
	assert.Equal(t, 60, config.Server.RateLimit)
	assert.Equal(t, 30, config.WebSocket.QueueSize)
	assert.Equal(t, "weathermap", config.MQTT.TopicPrefix)

	require.NoError(t, config.Validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
feedback:
  band:
    low: 4
    high: 7
  winsize: 2
  sources: 2
  exclude_channels: [AUX]
discovery:
  mode: static
  sources:
    - name: amp-1
      sample_rate: 500
      channels: [Cz, Pz]
    - name: amp-2
      sample_rate: 500
      channels: [Cz, Pz]
server:
  listen: ":8080"
websocket:
  enabled: true
`), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, bandpower.Band{Low: 4, High: 7}, config.Feedback.Band)
	assert.Equal(t, 2.0, config.Feedback.WinSize)
	assert.Equal(t, 2, config.Feedback.Sources)
	assert.Equal(t, []string{"AUX"}, config.Feedback.ExcludeChannels)
	assert.Len(t, config.Discovery.Sources, 2)
	assert.Equal(t, []string{"Cz", "Pz"}, config.Discovery.Sources[1].Channels)
	assert.True(t, config.WebSocket.Enabled)
	assert.Equal(t, 30, config.WebSocket.QueueSize, "defaults fill what the file leaves out")
	require.NoError(t, config.Validate())
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("feedback: [1, 2"), 0644))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "parse")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"inverted band", func(c *Config) { c.Feedback.Band = bandpower.Band{Low: 13, High: 8} }, "feedback.band"},
		{"zero low edge", func(c *Config) { c.Feedback.Band = bandpower.Band{Low: 0, High: 8} }, "feedback.band"},
		{"negative window", func(c *Config) { c.Feedback.WinSize = -1 }, "feedback.winsize"},
		{"no sources", func(c *Config) { c.Feedback.Sources = -1 }, "feedback.sources"},
		{"window below two samples", func(c *Config) { c.Feedback.WinSize = 0.001 }, "feedback.winsize"},
		{"band between frequency bins", func(c *Config) { c.Feedback.WinSize = 0.05 }, "feedback.band"},
		{"static source window below two samples", func(c *Config) {
			c.Feedback.WinSize = 0.001
			c.Discovery.Mode = "static"
			c.Discovery.Sources = []SourceConfig{{Name: "a", SampleRate: 256, Channels: []string{"Cz"}}}
		}, "feedback.winsize"},
		{"band above nyquist", func(c *Config) { c.Feedback.Band = bandpower.Band{Low: 100, High: 200} }, "feedback.band"},
		{"unknown acquisition", func(c *Config) { c.Acquisition.Mode = "serial" }, "acquisition.mode"},
		{"rtp from synthetic discovery", func(c *Config) { c.Acquisition.Mode = "rtp" }, "discovery.mode"},
		{"unknown discovery", func(c *Config) { c.Discovery.Mode = "dht" }, "discovery.mode"},
		{"static source without name", func(c *Config) {
			c.Discovery.Mode = "static"
			c.Discovery.Sources = []SourceConfig{{SampleRate: 256, Channels: []string{"Cz"}}}
		}, "discovery.sources[0].name"},
		{"rtp source without address", func(c *Config) {
			c.Acquisition.Mode = "rtp"
			c.Discovery.Mode = "static"
			c.Discovery.Sources = []SourceConfig{{Name: "a", SampleRate: 256, Channels: []string{"Cz"}}}
		}, "discovery.sources[0].address"},
		{"bad protocol constraint", func(c *Config) {
			c.Discovery.Mode = "mdns"
			c.Discovery.Protocol = "not a version"
		}, "discovery.protocol"},
		{"websocket without listener", func(c *Config) { c.WebSocket.Enabled = true }, "server.listen"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"pushgateway without url", func(c *Config) { c.Prometheus.Pushgateway.Enabled = true }, "prometheus.pushgateway.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)

			err := config.Validate()
			var configErr *ConfigurationError
			require.ErrorAs(t, err, &configErr)
			assert.Equal(t, tt.field, configErr.Field)
		})
	}
}

func TestApplyFlags(t *testing.T) {
	fs := newFlagSet()
	require.NoError(t, fs.Parse([]string{"--fmin", "4", "--winsize=2.5", "-n", "3", "-vv"}))

	config := DefaultConfig()
	require.NoError(t, applyFlags(config, fs))

	assert.Equal(t, 4.0, config.Feedback.Band.Low)
	assert.Equal(t, 13.0, config.Feedback.Band.High, "unset flags keep the configured value")
	assert.Equal(t, 2.5, config.Feedback.WinSize)
	assert.Equal(t, 3, config.Feedback.Sources)

	verbosity, err := fs.GetCount("verbose")
	require.NoError(t, err)
	assert.Equal(t, 2, verbosity)
}

func TestApplyFlagsKeepsFileValues(t *testing.T) {
	fs := newFlagSet()
	require.NoError(t, fs.Parse(nil))

	config := DefaultConfig()
	config.Feedback.Band = bandpower.Band{Low: 1, High: 4}
	require.NoError(t, applyFlags(config, fs))
	assert.Equal(t, bandpower.Band{Low: 1, High: 4}, config.Feedback.Band)
}

func TestLoadConfigurationFallsBackToDefaults(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "config.yaml")

	config, err := loadConfiguration(missing, false)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), config)

	_, err = loadConfiguration(missing, true)
	assert.Error(t, err, "an explicitly requested file must exist")
}

func TestConfigurationErrorMessage(t *testing.T) {
	err := &ConfigurationError{Field: "feedback.band", Reason: "must satisfy 0 < low < high"}
	assert.Equal(t, "invalid feedback.band: must satisfy 0 < low < high", err.Error())

	inner := errors.New("boom")
	wrapped := &ConfigurationError{Field: "x", Reason: "y", Err: inner}
	assert.ErrorIs(t, wrapped, inner)
}
