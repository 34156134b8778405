package mqtt

import "fmt"

// DefaultTopicRoot is the root segment used when no override is configured.
const DefaultTopicRoot = "cn"

// Topics builds Canopy bus topics under a configurable root segment.
// Using these helpers ensures consistent topic naming across the codebase.
//
// Every entity owns a four-segment topic identifier beneath the root:
//
//	<root>/<group>/<device-id>/<service-marker>/<service-id>
//
// Device entities leave the last two segments empty, so the main device
// "device/main//" registers on "cn/device/main//" and its twin fragments
// live under "cn/device/main///twin/<key>". Empty segments are legal MQTT
// levels and keep every entity topic at a fixed depth, which makes the
// wildcard subscriptions below unambiguous.
//
//	topics := mqtt.NewTopics("cn")
//	cmdTopic := topics.Command("device/main//", "restart", "c-1842")
//	// Returns: "cn/device/main///cmd/restart/c-1842"
type Topics struct {
	// Root is the first topic segment. Empty means DefaultTopicRoot.
	Root string
}

// NewTopics returns a Topics builder for the given root segment.
// An empty root falls back to DefaultTopicRoot.
func NewTopics(root string) Topics {
	if root == "" {
		root = DefaultTopicRoot
	}
	return Topics{Root: root}
}

func (t Topics) root() string {
	if t.Root == "" {
		return DefaultTopicRoot
	}
	return t.Root
}

// Entity returns the retained registration topic for an entity.
//
// Example: cn/device/child0//
func (t Topics) Entity(topicID string) string {
	return fmt.Sprintf("%s/%s", t.root(), topicID)
}

// Twin returns the retained topic for a single twin fragment of an entity.
//
// Example: cn/device/main///twin/name
func (t Topics) Twin(topicID, key string) string {
	return fmt.Sprintf("%s/%s/twin/%s", t.root(), topicID, key)
}

// Command returns the retained status topic for one command instance.
//
// Example: cn/device/main///cmd/restart/c-1842
func (t Topics) Command(topicID, cmdType, cmdID string) string {
	return fmt.Sprintf("%s/%s/cmd/%s/%s", t.root(), topicID, cmdType, cmdID)
}

// Health returns the retained health status topic for an entity.
//
// Example: cn/device/main/service/canopy-agent/status/health
func (t Topics) Health(topicID string) string {
	return fmt.Sprintf("%s/%s/status/health", t.root(), topicID)
}

// AllEntities returns a pattern matching every entity registration topic.
//
// Pattern: cn/+/+/+/+
func (t Topics) AllEntities() string {
	return fmt.Sprintf("%s/+/+/+/+", t.root())
}

// AllTwins returns a pattern matching every twin fragment of every entity.
//
// Pattern: cn/+/+/+/+/twin/+
func (t Topics) AllTwins() string {
	return fmt.Sprintf("%s/+/+/+/+/twin/+", t.root())
}

// AllCommands returns a pattern matching every command status topic.
//
// Pattern: cn/+/+/+/+/cmd/+/+
func (t Topics) AllCommands() string {
	return fmt.Sprintf("%s/+/+/+/+/cmd/+/+", t.root())
}
