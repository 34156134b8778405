package entity

import (
	"fmt"
	"strings"
)

// topicSegments is the fixed number of segments in an entity topic identifier.
const topicSegments = 4

// TopicID is the hierarchical address of an entity on the bus.
//
// It is always exactly four slash-separated segments:
//
//	<group>/<device-id>/<service-marker>/<service-id>
//
// Device entities leave the last two segments empty ("device/main//"),
// service entities fill all four ("device/main/service/agent"). The fixed
// depth keeps wildcard subscriptions unambiguous. TopicIDs are immutable
// and globally unique within a store.
type TopicID string

// ParseTopicID validates a raw string as an entity topic identifier.
//
// Rules:
//   - exactly four segments
//   - group and device-id segments are non-empty
//   - service-marker and service-id are either both empty (a device) or
//     both non-empty (a service)
//   - no segment contains MQTT wildcard characters
//
// Returns:
//   - TopicID: The validated identifier
//   - error: ErrInvalidTopicID wrapped with the reason
func ParseTopicID(s string) (TopicID, error) {
	parts := strings.Split(s, "/")
	if len(parts) != topicSegments {
		return "", fmt.Errorf("%w: %q must have exactly %d segments", ErrInvalidTopicID, s, topicSegments)
	}
	for _, p := range parts {
		if strings.ContainsAny(p, "+#") {
			return "", fmt.Errorf("%w: %q contains wildcard characters", ErrInvalidTopicID, s)
		}
	}
	if parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: %q group and device segments must be non-empty", ErrInvalidTopicID, s)
	}
	if (parts[2] == "") != (parts[3] == "") {
		return "", fmt.Errorf("%w: %q service segments must be both empty or both set", ErrInvalidTopicID, s)
	}
	return TopicID(s), nil
}

// String returns the canonical slash-separated form.
func (t TopicID) String() string {
	return string(t)
}

// Segments returns the four topic segments.
func (t TopicID) Segments() [topicSegments]string {
	var out [topicSegments]string
	parts := strings.Split(string(t), "/")
	for i := 0; i < len(parts) && i < topicSegments; i++ {
		out[i] = parts[i]
	}
	return out
}

// IsService reports whether the identifier addresses a service entity.
func (t TopicID) IsService() bool {
	seg := t.Segments()
	return seg[3] != ""
}

// DeviceID returns the identifier of the device this topic belongs to.
// For a device topic this is the topic itself; for a service topic it is
// the owning device ("device/main/service/agent" -> "device/main//").
func (t TopicID) DeviceID() TopicID {
	seg := t.Segments()
	return TopicID(seg[0] + "/" + seg[1] + "//")
}

// ParseBusTopic splits a full bus topic into the entity TopicID and any
// trailing channel segments.
//
// Examples (root "cn"):
//
//	"cn/device/main//"                     -> "device/main//", nil
//	"cn/device/main///twin/name"           -> "device/main//", ["twin","name"]
//	"cn/device/child0///cmd/restart/r1"    -> "device/child0//", ["cmd","restart","r1"]
//
// Returns ErrInvalidTopicID if the topic is not under the root or the
// embedded entity identifier is malformed.
func ParseBusTopic(root, topic string) (TopicID, []string, error) {
	prefix := root + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", nil, fmt.Errorf("%w: topic %q not under root %q", ErrInvalidTopicID, topic, root)
	}

	parts := strings.Split(strings.TrimPrefix(topic, prefix), "/")
	if len(parts) < topicSegments {
		return "", nil, fmt.Errorf("%w: topic %q too short", ErrInvalidTopicID, topic)
	}

	id, err := ParseTopicID(strings.Join(parts[:topicSegments], "/"))
	if err != nil {
		return "", nil, err
	}

	rest := parts[topicSegments:]
	if len(rest) == 0 {
		return id, nil, nil
	}
	return id, rest, nil
}
