package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/cwsl/mixerpanel/watchdog"
)

// mqttClient is the part of mqtt.Client the publisher uses
type mqttClient interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes level feed health and metrics over MQTT
type MQTTPublisher struct {
	client   mqttClient
	config   *MQTTConfig
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	now      func() time.Time
}

// StatusPayload is the retained feed status message
type StatusPayload struct {
	Timestamp int64  `json:"timestamp"`
	State     string `json:"state"`
	LastFrame string `json:"last_frame,omitempty"`
}

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

const (
	statusOffline = "offline"
	statusOnline  = "online"
)

// generateClientID creates a random client ID for MQTT connection
func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "mixerpanel_" + hex.EncodeToString(bytes)
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{MinVersion: tls.VersionTLS12}

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

func (c *MQTTConfig) statusTopic() string {
	return strings.TrimRight(c.TopicPrefix, "/") + "/vu/status"
}

func (c *MQTTConfig) metricsTopic() string {
	return strings.TrimRight(c.TopicPrefix, "/") + "/vu/metrics"
}

func statusMessage(state string, at time.Time) []byte {
	data, _ := json.Marshal(StatusPayload{Timestamp: at.Unix(), State: state})
	return data
}

// NewMQTTPublisher connects to the broker. The broker publishes an offline
// status on our behalf if the connection is lost.
func NewMQTTPublisher(config *MQTTConfig, gatherer prometheus.Gatherer, logger *zap.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	if config.ClientID != "" {
		opts.SetClientID(config.ClientID)
	} else {
		opts.SetClientID(generateClientID())
	}

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetBinaryWill(config.statusTopic(), statusMessage(statusOffline, time.Now()), config.QoS, true)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Info("connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Warn("connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		logger.Info("attempting to reconnect")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.Info("successfully connected to broker", zap.String("broker", config.Broker))

	mp := newMQTTPublisher(client, config, gatherer, logger)
	mp.publishRaw(config.statusTopic(), true, statusMessage(statusOnline, mp.now()))
	return mp, nil
}

func newMQTTPublisher(client mqttClient, config *MQTTConfig, gatherer prometheus.Gatherer, logger *zap.Logger) *MQTTPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTPublisher{
		client:   client,
		config:   config,
		gatherer: gatherer,
		logger:   logger,
		now:      time.Now,
	}
}

// StateChanged publishes the retained feed status on every fresh/stale
// transition.
func (mp *MQTTPublisher) StateChanged(state watchdog.State, lastFrame, at time.Time) {
	payload := StatusPayload{
		Timestamp: at.Unix(),
		State:     state.String(),
	}
	if !lastFrame.IsZero() {
		payload.LastFrame = lastFrame.UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		mp.logger.Error("failed to marshal status payload", zap.Error(err))
		return
	}
	mp.publishRaw(mp.config.statusTopic(), true, data)
}

// Reopened is part of watchdog.Observer; reopens are only counted in metrics.
func (mp *MQTTPublisher) Reopened(time.Time) {}

// StartMetricsPublisher publishes the mixerpanel metrics at the configured
// interval until ctx is done.
func (mp *MQTTPublisher) StartMetricsPublisher(ctx context.Context) {
	if mp.config.PublishInterval <= 0 || mp.gatherer == nil {
		return
	}
	interval := time.Duration(mp.config.PublishInterval) * time.Second

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		mp.logger.Info("metrics publisher started", zap.Duration("interval", interval))
		mp.publishMetrics()

		for {
			select {
			case <-ctx.Done():
				mp.logger.Debug("metrics publisher stopped")
				return
			case <-ticker.C:
				mp.publishMetrics()
			}
		}
	}()
}

// publishMetrics gathers the mixerpanel_* families and publishes them as one
// flat message. Labelled series are keyed name_label_value.
func (mp *MQTTPublisher) publishMetrics() {
	families, err := mp.gatherer.Gather()
	if err != nil {
		mp.logger.Error("failed to gather metrics", zap.Error(err))
		return
	}

	metrics := make(map[string]float64)
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, "mixerpanel_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}
			key := name
			for _, label := range m.GetLabel() {
				key += "_" + label.GetName() + "_" + label.GetValue()
			}
			metrics[key] = value
		}
	}

	mp.publish(mp.config.metricsTopic(), MetricPayload{
		Timestamp: mp.now().Unix(),
		Metrics:   metrics,
	})
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue(), true
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue(), true
	case m.GetHistogram() != nil:
		return m.GetHistogram().GetSampleSum(), true
	case m.GetSummary() != nil:
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// publish sends a payload to an MQTT topic
func (mp *MQTTPublisher) publish(topic string, payload MetricPayload) {
	if len(payload.Metrics) == 0 {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		mp.logger.Error("failed to marshal payload", zap.String("topic", topic), zap.Error(err))
		return
	}
	mp.publishRaw(topic, false, data)
}

func (mp *MQTTPublisher) publishRaw(topic string, retain bool, data []byte) {
	token := mp.client.Publish(topic, mp.config.QoS, retain, data)
	if token.Wait() && token.Error() != nil {
		mp.logger.Error("failed to publish", zap.String("topic", topic), zap.Error(token.Error()))
	}
}

// Disconnect publishes the offline status and disconnects from the broker
func (mp *MQTTPublisher) Disconnect() {
	if mp.client != nil && mp.client.IsConnected() {
		mp.publishRaw(mp.config.statusTopic(), true, statusMessage(statusOffline, mp.now()))
		mp.client.Disconnect(250)
		mp.logger.Info("disconnected from broker")
	}
}
