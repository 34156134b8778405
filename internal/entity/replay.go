package entity

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/canopyhq/canopy-agent/internal/infrastructure/mqtt"
)

// Subscriber is the subset of the mqtt client the binder needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Binder connects the store to the bus. On Start it subscribes to the
// registration and twin wildcard patterns; the broker then delivers the
// retained backlog in its original arrival order, rebuilding the tree,
// and the same subscriptions keep applying live updates afterwards.
//
// The store's own publishes are echoed back through these subscriptions.
// Every handler is idempotent (identical registration, unchanged twin
// value, already-absent entity), so echoes are harmless no-ops.
type Binder struct {
	store *Store
	root  string
	qos   byte
}

// NewBinder creates a binder for the given store and topic root.
func NewBinder(store *Store, root string, qos byte) *Binder {
	return &Binder{
		store: store,
		root:  root,
		qos:   qos,
	}
}

// Start subscribes to the entity and twin patterns. The retained replay
// happens asynchronously as the broker delivers the backlog; callers that
// need a settled tree should allow a brief drain before acting on it.
func (b *Binder) Start(sub Subscriber) error {
	topics := b.store.topics

	if err := sub.Subscribe(topics.AllEntities(), b.qos, b.handleRegistration); err != nil {
		return fmt.Errorf("subscribing to entity registrations: %w", err)
	}
	if err := sub.Subscribe(topics.AllTwins(), b.qos, b.handleTwin); err != nil {
		return fmt.Errorf("subscribing to twin fragments: %w", err)
	}
	return nil
}

// handleRegistration applies one registration topic message.
//
// An empty payload deregisters the entity (cascading). A payload with a
// parent differing from the stored one is treated as a re-parent request;
// any other conflicting re-registration is logged and ignored, since a bus
// peer cannot receive a synchronous error.
func (b *Binder) handleRegistration(topic string, payload []byte) error {
	id, rest, err := ParseBusTopic(b.root, topic)
	if err != nil || len(rest) != 0 {
		return nil // Not a registration topic; other subscriptions handle it.
	}

	if len(payload) == 0 {
		_, err := b.store.Deregister(id)
		return err
	}

	var reg Registration
	if err := json.Unmarshal(payload, &reg); err != nil {
		return fmt.Errorf("decoding registration for %q: %w", id, err)
	}
	reg.TopicID = id

	// Retained replay order is not parent-first; synthesize a missing
	// parent so the child is not dropped. A later registration for the
	// parent with identical attributes is an idempotent no-op.
	if reg.Parent != "" {
		if _, err := b.store.AutoRegister(reg.Parent); err != nil {
			b.store.logger.Warn("synthesizing parent failed", "topic_id", id, "parent", reg.Parent, "error", err)
		}
	} else if id.IsService() {
		if _, err := b.store.AutoRegister(id.DeviceID()); err != nil {
			b.store.logger.Warn("synthesizing owning device failed", "topic_id", id, "error", err)
		}
	}

	_, err = b.store.Register(reg)
	if errors.Is(err, ErrTypeMismatch) {
		if existing, getErr := b.store.Get(id); getErr == nil &&
			(reg.Type == "" || existing.Type == reg.Type) && reg.Parent != "" {
			_, err = b.store.UpdateParent(id, reg.Parent)
		}
	}
	if err != nil {
		b.store.logger.Warn("bus registration rejected", "topic_id", id, "error", err)
	}
	return nil
}

// handleTwin applies one twin fragment message, auto-registering the
// target entity on first sight.
func (b *Binder) handleTwin(topic string, payload []byte) error {
	id, rest, err := ParseBusTopic(b.root, topic)
	if err != nil || len(rest) != 2 || rest[0] != "twin" {
		return nil
	}
	key := rest[1]

	if len(payload) == 0 {
		err := b.store.ClearTwinKey(id, key)
		if errors.Is(err, ErrUnknownEntity) {
			return nil
		}
		return err
	}

	if _, err := b.store.AutoRegister(id); err != nil {
		return fmt.Errorf("auto-registering %q: %w", id, err)
	}
	return b.store.SetTwinKey(id, key, payload)
}
