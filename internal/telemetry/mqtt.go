// Package telemetry publishes relay events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/chatrelay-project/chatrelay/internal/config"
	"github.com/chatrelay-project/chatrelay/internal/events"
	"github.com/chatrelay-project/chatrelay/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicStatus   = "status"
	TopicSessions = "sessions"
	TopicAdmin    = "admin"
)

// MQTTHandler publishes bus events as JSON messages.
type MQTTHandler struct {
	mu sync.Mutex

	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	prefix   string

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler for the given broker settings. The
// connection is made by Start.
func NewMQTTHandler(cfg config.MQTTConfig, relayName string, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"relay":     relayName,
		"hostname":  sysInfo.Hostname,
		"platform":  sysInfo.Platform,
		"cpu_cores": sysInfo.CPUCores,
		"memory_mb": sysInfo.TotalMemory,
	}

	h := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		prefix:   strings.TrimSuffix(cfg.TopicPrefix, "/"),
		metadata: metadata,
	}
	if h.prefix == "" {
		h.prefix = "chatrelay"
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("chatrelay-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if cfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// mTLS
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)

	return h, nil
}

// Start connects to the broker, forwards bus events until ctx is
// cancelled, then publishes a shutdown notice and disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.SubscribeMany("mqtt.sessions", h.onEvent, events.SessionEvents...)
	h.eventBus.SubscribeMany("mqtt.status", h.onEvent, events.EventRelayStats, events.EventAnnouncement)
	h.eventBus.Subscribe(events.EventHealthAlert, "mqtt.admin", h.onEvent)
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	h.publish(h.topicFor(event.Type), map[string]interface{}{
		"event":   string(event.Type),
		"payload": event.Payload,
	})
	return nil
}

// topicFor maps an event type to its full topic.
func (h *MQTTHandler) topicFor(t events.EventType) string {
	suffix := TopicStatus
	switch t {
	case events.EventShutdown, events.EventHealthAlert:
		suffix = TopicAdmin
	case events.EventRelayStats, events.EventAnnouncement:
		suffix = TopicStatus
	default:
		for _, st := range events.SessionEvents {
			if st == t {
				suffix = TopicSessions
				break
			}
		}
	}
	return h.prefix + "/" + suffix
}

func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	h.mu.Lock()
	token := h.client.Publish(topic, 1, false, data) // QoS 1
	h.mu.Unlock()

	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown sends a shutdown notice to the admin topic.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.topicFor(events.EventShutdown), map[string]interface{}{
		"event": string(events.EventShutdown),
	})
}
