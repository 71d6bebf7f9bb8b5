// Package telemetry publishes relay events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/replicator/internal/config"
	"github.com/energizer-project/replicator/internal/events"
	"github.com/energizer-project/replicator/internal/util"
)

// Topic suffixes below the configured prefix.
const (
	TopicPeers    = "peers"
	TopicEntities = "entities"
	TopicHost     = "host"
	TopicStatus   = "status"
	TopicLag      = "lag"
	TopicAdmin    = "admin"
)

const publishTimeout = 5 * time.Second

// subscriptions maps bus events to the topic they are published on. Entity
// updates are left out, they arrive every tick for every moving entity.
var subscriptions = map[events.EventType]string{
	events.EventPeerConnected:    TopicPeers,
	events.EventPeerDisconnected: TopicPeers,
	events.EventHostChanged:      TopicHost,
	events.EventEntityCreated:    TopicEntities,
	events.EventEntityRemoved:    TopicEntities,
	events.EventBatchRejected:    TopicEntities,
	events.EventServerStatus:     TopicStatus,
	events.EventLongTick:         TopicLag,
	events.EventNotifyAdmin:      TopicAdmin,
}

// MQTTHandler forwards bus events to an MQTT broker as JSON messages.
type MQTTHandler struct {
	prefix   string
	eventBus *events.EventBus
	client   mqtt.Client

	// Included in every message.
	metadata map[string]interface{}
}

// NewMQTTHandler builds a handler from the MQTT section of the config. It
// does not connect until Start.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus) (*MQTTHandler, error) {
	mqttCfg := cfg.GetApplicationData().MQTT
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	opts, err := clientOptions(mqttCfg)
	if err != nil {
		return nil, err
	}
	h := newHandler(mqttCfg.TopicPrefix, cfg.GetServer().Hostname, eventBus, nil)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", mqttCfg.BrokerURL).Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})
	h.client = mqtt.NewClient(opts)
	return h, nil
}

func newHandler(prefix, relayName string, eventBus *events.EventBus, client mqtt.Client) *MQTTHandler {
	sys := util.GetSystemInfo()
	return &MQTTHandler{
		prefix:   strings.Trim(prefix, "/"),
		eventBus: eventBus,
		client:   client,
		metadata: map[string]interface{}{
			"relay":     relayName,
			"hostname":  sys.Hostname,
			"os":        sys.OS,
			"cpu_cores": sys.CPUCores,
		},
	}
}

func clientOptions(mqttCfg config.MQTTConfig) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	clientID := mqttCfg.ClientID
	if clientID == "" {
		clientID = "replicator-" + uuid.NewString()[:8]
	}
	opts.SetClientID(clientID)
	if mqttCfg.Username != "" {
		opts.SetUsername(mqttCfg.Username)
		opts.SetPassword(mqttCfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if mqttCfg.UseTLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

		if mqttCfg.CAFile != "" {
			pem, err := os.ReadFile(mqttCfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates in MQTT CA file %s", mqttCfg.CAFile)
			}
			tlsConfig.RootCAs = pool
		}
		// mTLS
		if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

// Start connects, forwards events until ctx is cancelled, then announces the
// shutdown and disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	defer h.unsubscribeEvents()
	h.publishAdmin("online")

	<-ctx.Done()

	h.publishAdmin("shutdown")
	h.client.Disconnect(250)
	log.Info().Msg("MQTT disconnected")
	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	for t, topic := range subscriptions {
		topic := topic
		h.eventBus.Subscribe(t, "mqtt."+string(t), func(_ context.Context, ev events.Event) error {
			h.publish(topic, string(ev.Type), ev.Payload)
			return nil
		})
	}
}

func (h *MQTTHandler) unsubscribeEvents() {
	for t := range subscriptions {
		h.eventBus.Unsubscribe(t, "mqtt."+string(t))
	}
}

// Topic returns the full topic name for a suffix.
func (h *MQTTHandler) Topic(suffix string) string {
	if h.prefix == "" {
		return suffix
	}
	return h.prefix + "/" + suffix
}

func (h *MQTTHandler) publish(suffix, event string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}
	topic := h.Topic(suffix)

	data, err := json.Marshal(h.buildMessage(event, payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(publishTimeout) {
		log.Warn().Str("topic", topic).Msg("MQTT publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
	}
}

func (h *MQTTHandler) publishAdmin(state string) {
	h.publish(TopicAdmin, state, nil)
}

func (h *MQTTHandler) buildMessage(event string, payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+3)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["event"] = event
	if payload != nil {
		msg["payload"] = payload
	}
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}
