package mqtt

import "testing"

func TestTopicsBuilders(t *testing.T) {
	topics := NewTopics("cn")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"entity device", topics.Entity("device/main//"), "cn/device/main//"},
		{"entity service", topics.Entity("device/main/service/agent"), "cn/device/main/service/agent"},
		{"twin", topics.Twin("device/main//", "name"), "cn/device/main///twin/name"},
		{"command", topics.Command("device/child0//", "restart", "c-1"), "cn/device/child0///cmd/restart/c-1"},
		{"health", topics.Health("device/main/service/agent"), "cn/device/main/service/agent/status/health"},
		{"all entities", topics.AllEntities(), "cn/+/+/+/+"},
		{"all twins", topics.AllTwins(), "cn/+/+/+/+/twin/+"},
		{"all commands", topics.AllCommands(), "cn/+/+/+/+/cmd/+/+"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestTopicsCustomRoot(t *testing.T) {
	topics := NewTopics("edge")

	if got := topics.Entity("device/main//"); got != "edge/device/main//" {
		t.Errorf("Entity() = %q, want edge/device/main//", got)
	}
	if got := topics.AllCommands(); got != "edge/+/+/+/+/cmd/+/+" {
		t.Errorf("AllCommands() = %q", got)
	}
}

func TestTopicsEmptyRootDefaults(t *testing.T) {
	topics := NewTopics("")

	if got := topics.AllEntities(); got != "cn/+/+/+/+" {
		t.Errorf("AllEntities() = %q, want cn/+/+/+/+", got)
	}
	// Zero-value struct behaves the same.
	if got := (Topics{}).AllEntities(); got != "cn/+/+/+/+" {
		t.Errorf("zero-value AllEntities() = %q, want cn/+/+/+/+", got)
	}
}
