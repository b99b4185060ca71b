package telemetry

import (
	"testing"

	"github.com/chatrelay-project/chatrelay/internal/config"
	"github.com/chatrelay-project/chatrelay/internal/events"
)

func TestNewMQTTHandlerDisabled(t *testing.T) {
	if _, err := NewMQTTHandler(config.MQTTConfig{}, "relay", events.NewEventBus()); err == nil {
		t.Fatal("expected error for disabled MQTT")
	}
}

func TestTopicFor(t *testing.T) {
	h, err := NewMQTTHandler(config.MQTTConfig{
		Enabled:     true,
		BrokerURL:   "localhost",
		Port:        1883,
		TopicPrefix: "relay/eu/",
	}, "relay", events.NewEventBus())
	if err != nil {
		t.Fatalf("NewMQTTHandler: %v", err)
	}

	tests := []struct {
		event events.EventType
		want  string
	}{
		{events.EventSessionConnected, "relay/eu/sessions"},
		{events.EventMessagePosted, "relay/eu/sessions"},
		{events.EventRelayStats, "relay/eu/status"},
		{events.EventAnnouncement, "relay/eu/status"},
		{events.EventShutdown, "relay/eu/admin"},
		{events.EventHealthAlert, "relay/eu/admin"},
	}
	for _, tt := range tests {
		if got := h.topicFor(tt.event); got != tt.want {
			t.Errorf("topicFor(%s) = %q, want %q", tt.event, got, tt.want)
		}
	}
}

func TestBuildMessage(t *testing.T) {
	h, err := NewMQTTHandler(config.MQTTConfig{Enabled: true, BrokerURL: "localhost", Port: 1883}, "lobby", events.NewEventBus())
	if err != nil {
		t.Fatalf("NewMQTTHandler: %v", err)
	}

	msg := h.buildMessage(map[string]int{"live": 2})
	if msg["relay"] != "lobby" {
		t.Fatalf("relay = %v", msg["relay"])
	}
	if _, ok := msg["timestamp"]; !ok {
		t.Fatal("missing timestamp")
	}
	if msg["payload"].(map[string]int)["live"] != 2 {
		t.Fatalf("payload = %v", msg["payload"])
	}

	// Publishing while disconnected is a no-op.
	h.PublishShutdown()
}
