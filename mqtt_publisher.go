package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	dto "github.com/prometheus/client_model/go"
)

// MQTTPublisher publishes band power frames and periodic metric snapshots
type MQTTPublisher struct {
	client  mqtt.Client
	config  *MQTTConfig
	metrics *PrometheusMetrics
}

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Labels    map[string]string  `json:"labels,omitempty"`
}

// PowerPayload is published once per cycle on <prefix>/<source>/power
type PowerPayload struct {
	Timestamp int64              `json:"timestamp"`
	Source    string             `json:"source"`
	Label     string             `json:"label,omitempty"`
	Low       float64            `json:"low"`
	High      float64            `json:"high"`
	Channels  []string           `json:"channels"`
	PowerDB   map[string]float64 `json:"power_db"`
}

var topicReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_")

// safeSegment makes a source name safe as one MQTT topic level or file name
func safeSegment(name string) string {
	return topicReplacer.Replace(name)
}

// generateClientID creates a random client ID for MQTT connection
func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "weathermap_" + hex.EncodeToString(bytes)
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the broker
func NewMQTTPublisher(config *MQTTConfig, metrics *PrometheusMetrics) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	connectTimeout := time.Duration(config.ConnectTimeout) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	// Auto reconnect covers drops after the first connection; the first
	// connect fails fast so an unreachable broker never blocks startup
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Println("MQTT: Attempting to reconnect...")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout + time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s after %s", config.Broker, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	log.Printf("MQTT: Successfully connected to broker: %s", config.Broker)

	return &MQTTPublisher{
		client:  client,
		config:  config,
		metrics: metrics,
	}, nil
}

// RendererFor returns a renderer that publishes the power of source every cycle
func (mp *MQTTPublisher) RendererFor(source SourceInfo) Renderer {
	topic := fmt.Sprintf("%s/%s/power", mp.config.TopicPrefix, safeSegment(source.Name))
	return RendererFunc(func(vector []float64, bounds Bounds, names []string, label string) error {
		data, err := json.Marshal(newPowerPayload(source.Name, time.Now(), vector, bounds, names, label))
		if err != nil {
			return fmt.Errorf("mqtt: marshal power payload: %w", err)
		}
		err = mp.publishBytes(topic, data)
		mp.metrics.RecordMQTTPublish("power", err)
		return err
	})
}

func newPowerPayload(source string, now time.Time, vector []float64, bounds Bounds, names []string, label string) PowerPayload {
	power := make(map[string]float64, len(vector))
	for i, v := range vector {
		if i < len(names) {
			power[names[i]] = v
		}
	}
	return PowerPayload{
		Timestamp: now.Unix(),
		Source:    source,
		Label:     label,
		Low:       bounds.Low,
		High:      bounds.High,
		Channels:  append([]string(nil), names...),
		PowerDB:   power,
	}
}

// publishBytes publishes and waits at most publish_timeout_ms for the acknowledgement
func (mp *MQTTPublisher) publishBytes(topic string, data []byte) error {
	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	timeout := time.Duration(mp.config.PublishTimeoutMs) * time.Millisecond
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt: publish to %s not acknowledged within %v", topic, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	return nil
}

// StartPublisher starts the background metrics snapshot publisher
func (mp *MQTTPublisher) StartPublisher(ctx context.Context) {
	go mp.startMetricsPublisher(ctx)
}

// startMetricsPublisher publishes metric snapshots at the configured interval
func (mp *MQTTPublisher) startMetricsPublisher(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
	defer ticker.Stop()

	log.Printf("MQTT: Metrics publisher started with %d second interval", mp.config.PublishInterval)

	// Publish immediately on start
	mp.publishAllMetrics()

	for {
		select {
		case <-ctx.Done():
			log.Println("MQTT: Metrics publisher stopped")
			return
		case <-ticker.C:
			mp.publishAllMetrics()
		}
	}
}

// publishAllMetrics gathers the registry and publishes one message per source plus one for the process
func (mp *MQTTPublisher) publishAllMetrics() {
	metricFamilies, err := mp.metrics.Gatherer().Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}

	timestamp := time.Now().Unix()
	for topic, metrics := range groupMetricFamilies(mp.config.TopicPrefix, metricFamilies) {
		mp.publish(topic, MetricPayload{Timestamp: timestamp, Metrics: metrics})
	}
}

// groupMetricFamilies routes metrics carrying a source label to
// <prefix>/<source>/metrics and everything else to <prefix>/system.
// Remaining labels are folded into the key.
func groupMetricFamilies(prefix string, families []*dto.MetricFamily) map[string]map[string]float64 {
	grouped := make(map[string]map[string]float64)
	add := func(topic, key string, value float64) {
		if grouped[topic] == nil {
			grouped[topic] = make(map[string]float64)
		}
		grouped[topic][key] = value
	}

	for _, mf := range families {
		metricName := mf.GetName()
		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}

			topic := prefix + "/system"
			key := metricName
			for _, label := range m.GetLabel() {
				if label.GetName() == "source" {
					topic = fmt.Sprintf("%s/%s/metrics", prefix, safeSegment(label.GetValue()))
					continue
				}
				key += "_" + label.GetName() + "_" + label.GetValue()
			}
			add(topic, key, value)
		}
	}
	return grouped
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	if m.GetSummary() != nil {
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// publish sends a metric payload to an MQTT topic
func (mp *MQTTPublisher) publish(topic string, payload MetricPayload) {
	if len(payload.Metrics) == 0 {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal payload for topic %s: %v", topic, err)
		return
	}

	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, token.Error())
		mp.metrics.RecordMQTTPublish("metrics", token.Error())
		return
	}
	mp.metrics.RecordMQTTPublish("metrics", nil)
}

// Disconnect gracefully disconnects from the MQTT broker
func (mp *MQTTPublisher) Disconnect() {
	if mp.client != nil && mp.client.IsConnected() {
		mp.client.Disconnect(250)
		log.Println("MQTT: Disconnected from broker")
	}
}
