package integration

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/dess-bridge/dess-bridge-pro/internal/config"
	"github.com/dess-bridge/dess-bridge-pro/internal/models"
)

// ForwarderService publishes normalized batches and discovery events to the
// configured outputs. NATS is the primary output; MQTT is optional and
// best-effort. Either output may be absent.
type ForwarderService struct {
	nc      *nats.Conn
	natsCfg *config.NATSConfig

	mqttCfg    *config.MQTTConfig
	mqttClient mqtt.Client
}

// NewForwarderService creates a forwarder. nc may be nil when NATS is not
// configured.
func NewForwarderService(nc *nats.Conn, natsCfg *config.NATSConfig, mqttCfg *config.MQTTConfig) *ForwarderService {
	return &ForwarderService{
		nc:      nc,
		natsCfg: natsCfg,
		mqttCfg: mqttCfg,
	}
}

// Start connects the optional MQTT output
func (s *ForwarderService) Start(ctx context.Context) error {
	if s.mqttCfg != nil && s.mqttCfg.Enabled {
		if err := s.connectMQTT(); err != nil {
			// Keep running on NATS alone; MQTT reconnects in the background.
			log.Error().Err(err).Msg("Failed to connect MQTT output")
		}
	}
	log.Info().
		Bool("nats", s.nc != nil).
		Bool("mqtt", s.mqttClient != nil).
		Msg("Integration forwarder started")
	return nil
}

// Close disconnects the outputs
func (s *ForwarderService) Close() {
	if s.mqttClient != nil && s.mqttClient.IsConnected() {
		s.mqttClient.Disconnect(250)
	}
}

// EmitBatch publishes one normalized measurement batch to every output
func (s *ForwarderService) EmitBatch(ctx context.Context, batch *models.MeasurementBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	if s.nc != nil {
		subject := fmt.Sprintf("%s.plant.%s.device.%s.measurements",
			s.natsCfg.SubjectPrefix, subjectToken(batch.Plant), subjectToken(batch.PN))
		if err := s.nc.Publish(subject, data); err != nil {
			return fmt.Errorf("publish batch: %w", err)
		}
		log.Debug().
			Str("pn", batch.PN).
			Str("subject", subject).
			Int("records", len(batch.Records)).
			Msg("Batch published to NATS")
	}

	s.publishMQTT(batch, data)
	return nil
}

// EmitDiscovery publishes the refreshed device inventory
func (s *ForwarderService) EmitDiscovery(ctx context.Context, devices []*models.Device) error {
	if s.nc == nil {
		return nil
	}

	event := map[string]interface{}{
		"type":      "discovery",
		"devices":   devices,
		"timestamp": time.Now(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal discovery event: %w", err)
	}

	subject := fmt.Sprintf("%s.discovery.devices", s.natsCfg.SubjectPrefix)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish discovery event: %w", err)
	}
	log.Debug().Int("devices", len(devices)).Str("subject", subject).Msg("Discovery event published")
	return nil
}

func (s *ForwarderService) publishMQTT(batch *models.MeasurementBatch, data []byte) {
	if s.mqttClient == nil || !s.mqttClient.IsConnected() {
		return
	}

	topic := s.mqttCfg.TopicPattern
	topic = strings.ReplaceAll(topic, "{plant}", subjectToken(batch.Plant))
	topic = strings.ReplaceAll(topic, "{pn}", batch.PN)

	token := s.mqttClient.Publish(topic, s.mqttCfg.QoS, false, data)
	if token.WaitTimeout(5 * time.Second) {
		if err := token.Error(); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("Failed to publish to MQTT")
		}
	} else {
		log.Error().Str("topic", topic).Msg("MQTT publish timeout")
	}
}

func (s *ForwarderService) connectMQTT() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.mqttCfg.BrokerURL)
	opts.SetClientID("dess-bridge")

	if s.mqttCfg.Username != "" {
		opts.SetUsername(s.mqttCfg.Username)
		opts.SetPassword(s.mqttCfg.Password)
	}

	if s.mqttCfg.TLS {
		opts.SetTLSConfig(&tls.Config{})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", s.mqttCfg.BrokerURL).Msg("MQTT output connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return fmt.Errorf("connect mqtt broker: %w", token.Error())
	}

	s.mqttClient = client
	return nil
}

// subjectToken makes a value safe to embed in a NATS subject or MQTT topic.
// Empty values collapse to "_" so subjects keep a fixed shape.
func subjectToken(v string) string {
	if v == "" {
		return "_"
	}
	replacer := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "/", "_", "+", "_", "#", "_")
	return replacer.Replace(v)
}
