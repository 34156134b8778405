package entity

import (
	"encoding/json"
	"fmt"
)

// Type classifies an entity's place in the device tree.
type Type string

// Entity types.
const (
	// TypeMainDevice is the single tree root. Exactly one per store, no parent.
	TypeMainDevice Type = "main-device"

	// TypeChildDevice is a device owned by another device.
	TypeChildDevice Type = "child-device"

	// TypeService is a software component running on a device. Services
	// cannot own children.
	TypeService Type = "service"
)

// ParseType validates a raw string as an entity type.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeMainDevice, TypeChildDevice, TypeService:
		return Type(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
}

// IsDevice reports whether the type is a device (main or child).
func (t Type) IsDevice() bool {
	return t == TypeMainDevice || t == TypeChildDevice
}

// Entity is an addressable node in the equipment's device tree.
type Entity struct {
	// TopicID is the entity's immutable bus address.
	TopicID TopicID `json:"topic_id"`

	// Type is main-device, child-device, or service.
	Type Type `json:"type"`

	// Parent is the owning device's topic identifier.
	// Empty only for the main device.
	Parent TopicID `json:"parent,omitempty"`

	// HealthEndpoint optionally references a service entity whose health
	// status represents this entity's liveness.
	HealthEndpoint TopicID `json:"health_endpoint,omitempty"`

	// Twin holds the entity's key/value state fragments.
	// Unordered, last-write-wins per key.
	Twin map[string]json.RawMessage `json:"twin,omitempty"`
}

// DeepCopy creates a complete independent copy of the Entity.
// The twin map and its values are cloned so modifications to the copy
// do not affect the original. This is essential for store isolation.
func (e *Entity) DeepCopy() *Entity {
	if e == nil {
		return nil
	}

	cpy := *e

	if e.Twin != nil {
		cpy.Twin = make(map[string]json.RawMessage, len(e.Twin))
		for k, v := range e.Twin {
			val := make(json.RawMessage, len(v))
			copy(val, v)
			cpy.Twin[k] = val
		}
	}

	return &cpy
}

// Registration describes an entity to be registered with the store.
// It also serves as the retained bus payload for registration topics,
// using the reserved '@' keys.
type Registration struct {
	// TopicID is the address to register. Not part of the payload; it is
	// carried by the topic itself.
	TopicID TopicID `json:"-"`

	// Type of the entity. Defaults to the type inferred from the topic
	// shape (service or child-device) when empty.
	Type Type `json:"@type,omitempty"`

	// Parent device. Defaults to the owning device for services and to
	// the main device for child devices.
	Parent TopicID `json:"@parent,omitempty"`

	// HealthEndpoint optionally references a service entity.
	HealthEndpoint TopicID `json:"@health,omitempty"`
}

// registrationPayload renders the retained registration message for an entity.
func registrationPayload(e *Entity) []byte {
	reg := Registration{
		Type:           e.Type,
		Parent:         e.Parent,
		HealthEndpoint: e.HealthEndpoint,
	}
	// Marshalling a struct of strings cannot fail.
	data, _ := json.Marshal(reg) //nolint:errcheck // Fixed shape, cannot fail
	return data
}
