package mqtt

import (
	"errors"
	"testing"
)

// newDisconnectedClient returns a Client that was never connected.
// Validation paths run before any broker interaction, so these tests
// need no running broker.
func newDisconnectedClient() *Client {
	return &Client{
		subscriptions: make(map[string]subscription),
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v, want nil", err)
	}
}

func TestPublishValidation(t *testing.T) {
	client := newDisconnectedClient()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "cn/device/main//", []byte("x"), 3, ErrInvalidQoS},
		{"oversized payload", "cn/device/main//", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"not connected", "cn/device/main//", []byte("x"), 1, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := newDisconnectedClient()
	handler := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty topic) error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Subscribe("cn/#", 5, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(bad qos) error = %v, want ErrInvalidQoS", err)
	}
	if err := client.Subscribe("cn/#", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) error = %v, want ErrSubscribeFailed", err)
	}
	if err := client.Subscribe("cn/#", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe(disconnected) error = %v, want ErrNotConnected", err)
	}

	if count := client.SubscriptionCount(); count != 0 {
		t.Errorf("SubscriptionCount() = %d after failed subscribes, want 0", count)
	}
}

func TestUnsubscribeValidation(t *testing.T) {
	client := newDisconnectedClient()

	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Unsubscribe("cn/#"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe(disconnected) error = %v, want ErrNotConnected", err)
	}
}

func TestHasSubscription(t *testing.T) {
	client := newDisconnectedClient()

	if client.HasSubscription("cn/#") {
		t.Error("HasSubscription() = true for untracked topic")
	}

	client.subscriptions["cn/#"] = subscription{topic: "cn/#", qos: 1}
	if !client.HasSubscription("cn/#") {
		t.Error("HasSubscription() = false for tracked topic")
	}
	if count := client.SubscriptionCount(); count != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", count)
	}
}
