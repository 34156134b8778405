package entity

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/canopyhq/canopy-agent/internal/infrastructure/mqtt"
)

// mockPublisher records retained publishes and clears for assertions.
type mockPublisher struct {
	mu        sync.Mutex
	published map[string][]byte // topic -> last payload
	pubOrder  []string
	cleared   []string
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{published: make(map[string][]byte)}
}

func (m *mockPublisher) PublishRetained(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[topic] = payload
	m.pubOrder = append(m.pubOrder, topic)
	return nil
}

func (m *mockPublisher) ClearRetained(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.published, topic)
	m.cleared = append(m.cleared, topic)
	return nil
}

func (m *mockPublisher) publishCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.pubOrder {
		if t == topic {
			n++
		}
	}
	return n
}

func (m *mockPublisher) wasCleared(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.cleared {
		if t == topic {
			return true
		}
	}
	return false
}

// newTestStore builds a store with a registered main device.
func newTestStore(t *testing.T) (*Store, *mockPublisher) {
	t.Helper()

	pub := newMockPublisher()
	store := NewStore(mqtt.NewTopics("cn"), pub)

	if _, err := store.Register(Registration{
		TopicID: "device/main//",
		Type:    TypeMainDevice,
	}); err != nil {
		t.Fatalf("registering main device: %v", err)
	}
	return store, pub
}

func mustRegister(t *testing.T, store *Store, reg Registration) *Entity {
	t.Helper()
	e, err := store.Register(reg)
	if err != nil {
		t.Fatalf("Register(%q) error = %v", reg.TopicID, err)
	}
	return e
}

func TestRegisterMainDevice(t *testing.T) {
	store, pub := newTestStore(t)

	main, err := store.MainDevice()
	if err != nil {
		t.Fatalf("MainDevice() error = %v", err)
	}
	if main.TopicID != "device/main//" {
		t.Errorf("main = %q", main.TopicID)
	}
	if main.Parent != "" {
		t.Errorf("main device parent = %q, want empty", main.Parent)
	}
	if pub.publishCount("cn/device/main//") != 1 {
		t.Errorf("registration published %d times, want 1", pub.publishCount("cn/device/main//"))
	}

	// A second main device is rejected.
	_, err = store.Register(Registration{TopicID: "device/other//", Type: TypeMainDevice})
	if !errors.Is(err, ErrMainDeviceExists) {
		t.Errorf("second main device error = %v, want ErrMainDeviceExists", err)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	store, pub := newTestStore(t)

	reg := Registration{TopicID: "device/child0//", Type: TypeChildDevice, Parent: "device/main//"}
	mustRegister(t, store, reg)
	mustRegister(t, store, reg)

	if got := pub.publishCount("cn/device/child0//"); got != 1 {
		t.Errorf("registration published %d times, want 1 (idempotent)", got)
	}
	if got := len(store.List(Filter{})); got != 2 {
		t.Errorf("entity count = %d, want 2", got)
	}
}

func TestRegisterConflict(t *testing.T) {
	store, _ := newTestStore(t)
	mustRegister(t, store, Registration{TopicID: "device/child0//"})

	_, err := store.Register(Registration{TopicID: "device/child0//", Type: TypeMainDevice})
	if !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("conflicting re-register error = %v, want ErrTypeMismatch", err)
	}
}

func TestRegisterDefaults(t *testing.T) {
	store, _ := newTestStore(t)

	// Child device defaults to the main device as parent.
	child := mustRegister(t, store, Registration{TopicID: "device/child0//"})
	if child.Type != TypeChildDevice {
		t.Errorf("inferred type = %q, want child-device", child.Type)
	}
	if child.Parent != "device/main//" {
		t.Errorf("defaulted parent = %q, want device/main//", child.Parent)
	}

	// Service defaults to its owning device.
	svc := mustRegister(t, store, Registration{TopicID: "device/child0/service/agent"})
	if svc.Type != TypeService {
		t.Errorf("inferred type = %q, want service", svc.Type)
	}
	if svc.Parent != "device/child0//" {
		t.Errorf("defaulted parent = %q, want device/child0//", svc.Parent)
	}
}

func TestRegisterValidation(t *testing.T) {
	store, _ := newTestStore(t)
	mustRegister(t, store, Registration{TopicID: "device/main/service/agent"})

	tests := []struct {
		name    string
		reg     Registration
		wantErr error
	}{
		{
			name:    "unknown parent",
			reg:     Registration{TopicID: "device/child1//", Parent: "device/ghost//"},
			wantErr: ErrUnknownParent,
		},
		{
			name:    "parent is service",
			reg:     Registration{TopicID: "device/child1//", Parent: "device/main/service/agent"},
			wantErr: ErrParentIsService,
		},
		{
			name:    "self parent",
			reg:     Registration{TopicID: "device/child1//", Parent: "device/child1//"},
			wantErr: ErrCycle,
		},
		{
			name:    "service type on device topic",
			reg:     Registration{TopicID: "device/child1//", Type: TypeService},
			wantErr: ErrInvalidType,
		},
		{
			name:    "device type on service topic",
			reg:     Registration{TopicID: "device/child1/service/x", Type: TypeChildDevice},
			wantErr: ErrInvalidType,
		},
		{
			name:    "bad topic id",
			reg:     Registration{TopicID: "device/child1"},
			wantErr: ErrInvalidTopicID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Register(tt.reg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			// Store unchanged: the rejected entity must not exist.
			if _, err := store.Get(tt.reg.TopicID); err == nil && tt.wantErr != ErrInvalidTopicID {
				t.Error("rejected entity was stored")
			}
		})
	}
}

func TestAutoRegisterSynthesizesAncestors(t *testing.T) {
	store, pub := newTestStore(t)

	// First sight of a service under an unknown device synthesizes both.
	if _, err := store.AutoRegister("device/sensor1/service/collector"); err != nil {
		t.Fatalf("AutoRegister() error = %v", err)
	}

	dev, err := store.Get("device/sensor1//")
	if err != nil {
		t.Fatalf("synthesized device missing: %v", err)
	}
	if dev.Type != TypeChildDevice || dev.Parent != "device/main//" {
		t.Errorf("synthesized device = %+v", dev)
	}

	svc, err := store.Get("device/sensor1/service/collector")
	if err != nil {
		t.Fatalf("service missing: %v", err)
	}
	if svc.Type != TypeService || svc.Parent != "device/sensor1//" {
		t.Errorf("service = %+v", svc)
	}

	if pub.publishCount("cn/device/sensor1//") != 1 {
		t.Error("synthesized device registration not mirrored")
	}

	// Second sight is a no-op.
	if _, err := store.AutoRegister("device/sensor1/service/collector"); err != nil {
		t.Fatalf("repeat AutoRegister() error = %v", err)
	}
	if pub.publishCount("cn/device/sensor1/service/collector") != 1 {
		t.Error("auto-registration republished on second sight")
	}
}

func TestUpdateParent(t *testing.T) {
	store, _ := newTestStore(t)
	mustRegister(t, store, Registration{TopicID: "device/a//"})
	mustRegister(t, store, Registration{TopicID: "device/b//"})
	mustRegister(t, store, Registration{TopicID: "device/c//", Parent: "device/a//"})
	mustRegister(t, store, Registration{TopicID: "device/a/service/svc"})

	t.Run("moves subtree", func(t *testing.T) {
		if _, err := store.UpdateParent("device/a//", "device/b//"); err != nil {
			t.Fatalf("UpdateParent() error = %v", err)
		}
		a, _ := store.Get("device/a//")
		if a.Parent != "device/b//" {
			t.Errorf("parent = %q, want device/b//", a.Parent)
		}
		// The child moved with it.
		c, _ := store.Get("device/c//")
		if c.Parent != "device/a//" {
			t.Errorf("child parent = %q, should be unchanged", c.Parent)
		}
	})

	t.Run("rejections leave store unchanged", func(t *testing.T) {
		tests := []struct {
			name      string
			id        TopicID
			newParent TopicID
			wantErr   error
		}{
			{"unknown entity", "device/ghost//", "device/main//", ErrUnknownEntity},
			{"main device", "device/main//", "device/b//", ErrMainDeviceParent},
			{"self parent", "device/a//", "device/a//", ErrSelfParent},
			{"unknown parent", "device/a//", "device/ghost//", ErrUnknownParent},
			{"service parent", "device/c//", "device/a/service/svc", ErrParentIsService},
			{"descendant cycle", "device/a//", "device/c//", ErrDescendantCycle},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := store.UpdateParent(tt.id, tt.newParent)
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
			})
		}

		a, _ := store.Get("device/a//")
		if a.Parent != "device/b//" {
			t.Errorf("parent changed by rejected operations: %q", a.Parent)
		}
	})
}

func TestTwinReplaceSemantics(t *testing.T) {
	store, pub := newTestStore(t)

	if err := store.ReplaceTwin("device/main//", map[string]json.RawMessage{
		"a": json.RawMessage(`1`),
		"b": json.RawMessage(`2`),
	}); err != nil {
		t.Fatalf("ReplaceTwin() error = %v", err)
	}

	// Replace {a:1,b:2} with {a:1,c:3}: a unchanged (no re-emit),
	// c emitted, b cleared.
	if err := store.ReplaceTwin("device/main//", map[string]json.RawMessage{
		"a": json.RawMessage(`1`),
		"c": json.RawMessage(`3`),
	}); err != nil {
		t.Fatalf("ReplaceTwin() error = %v", err)
	}

	if got := pub.publishCount("cn/device/main///twin/a"); got != 1 {
		t.Errorf("twin a published %d times, want 1 (unchanged value re-emitted)", got)
	}
	if got := pub.publishCount("cn/device/main///twin/c"); got != 1 {
		t.Errorf("twin c published %d times, want 1", got)
	}
	if !pub.wasCleared("cn/device/main///twin/b") {
		t.Error("twin b retained message not cleared")
	}

	e, _ := store.Get("device/main//")
	if len(e.Twin) != 2 {
		t.Errorf("twin keys = %d, want 2", len(e.Twin))
	}
	if _, ok := e.Twin["b"]; ok {
		t.Error("twin key b still present after replace")
	}
}

func TestSetTwinKey(t *testing.T) {
	store, pub := newTestStore(t)

	if err := store.SetTwinKey("device/main//", "name", json.RawMessage(`"rig-1"`)); err != nil {
		t.Fatalf("SetTwinKey() error = %v", err)
	}

	// Unchanged value is not re-emitted.
	if err := store.SetTwinKey("device/main//", "name", json.RawMessage(`"rig-1"`)); err != nil {
		t.Fatalf("SetTwinKey() repeat error = %v", err)
	}
	if got := pub.publishCount("cn/device/main///twin/name"); got != 1 {
		t.Errorf("twin published %d times, want 1", got)
	}

	tests := []struct {
		name    string
		key     string
		value   string
		wantErr error
	}{
		{"empty key", "", `1`, ErrInvalidTwinKey},
		{"slash in key", "a/b", `1`, ErrInvalidTwinKey},
		{"reserved prefix", "@type", `1`, ErrInvalidTwinKey},
		{"invalid json", "ok", `{not json`, ErrInvalidTwinValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.SetTwinKey("device/main//", tt.key, json.RawMessage(tt.value))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := store.SetTwinKey("device/ghost//", "k", json.RawMessage(`1`)); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("unknown entity error = %v, want ErrUnknownEntity", err)
	}
}

func TestClearTwinKey(t *testing.T) {
	store, pub := newTestStore(t)

	if err := store.SetTwinKey("device/main//", "name", json.RawMessage(`"x"`)); err != nil {
		t.Fatalf("SetTwinKey() error = %v", err)
	}
	if err := store.ClearTwinKey("device/main//", "name"); err != nil {
		t.Fatalf("ClearTwinKey() error = %v", err)
	}
	if !pub.wasCleared("cn/device/main///twin/name") {
		t.Error("retained twin message not cleared")
	}

	// Clearing an absent key is a no-op.
	if err := store.ClearTwinKey("device/main//", "name"); err != nil {
		t.Errorf("repeat ClearTwinKey() error = %v", err)
	}
}

func TestListFilters(t *testing.T) {
	store, _ := newTestStore(t)
	mustRegister(t, store, Registration{TopicID: "device/a//"})
	mustRegister(t, store, Registration{TopicID: "device/b//"})
	mustRegister(t, store, Registration{TopicID: "device/c//", Parent: "device/a//"})
	mustRegister(t, store, Registration{TopicID: "device/a/service/svc"})

	t.Run("all in insertion order", func(t *testing.T) {
		all := store.List(Filter{})
		want := []TopicID{"device/main//", "device/a//", "device/b//", "device/c//", "device/a/service/svc"}
		if len(all) != len(want) {
			t.Fatalf("count = %d, want %d", len(all), len(want))
		}
		for i, e := range all {
			if e.TopicID != want[i] {
				t.Errorf("order[%d] = %q, want %q", i, e.TopicID, want[i])
			}
		}
	})

	t.Run("by parent", func(t *testing.T) {
		children := store.List(Filter{Parent: "device/a//"})
		if len(children) != 2 {
			t.Fatalf("children of a = %d, want 2", len(children))
		}
		if children[0].TopicID != "device/c//" || children[1].TopicID != "device/a/service/svc" {
			t.Errorf("children = %v", children)
		}
	})

	t.Run("by type", func(t *testing.T) {
		services := store.List(Filter{Type: TypeService})
		if len(services) != 1 || services[0].TopicID != "device/a/service/svc" {
			t.Errorf("services = %v", services)
		}
	})

	t.Run("by root", func(t *testing.T) {
		subtree := store.List(Filter{Root: "device/a//"})
		if len(subtree) != 3 {
			t.Fatalf("subtree of a = %d, want 3 (inclusive)", len(subtree))
		}
	})
}

func TestDeregisterCascade(t *testing.T) {
	store, pub := newTestStore(t)
	mustRegister(t, store, Registration{TopicID: "device/a//"})
	mustRegister(t, store, Registration{TopicID: "device/b//", Parent: "device/a//"})
	mustRegister(t, store, Registration{TopicID: "device/a/service/svc"})
	mustRegister(t, store, Registration{TopicID: "device/keep//"})

	if err := store.SetTwinKey("device/b//", "name", json.RawMessage(`"b"`)); err != nil {
		t.Fatalf("SetTwinKey() error = %v", err)
	}

	var hookDeleted []Entity
	store.SetOnDeregister(func(deleted []Entity) { hookDeleted = deleted })

	deleted, err := store.Deregister("device/a//")
	if err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}

	// Pre-order: the entity first, then descendants.
	want := []TopicID{"device/a//", "device/b//", "device/a/service/svc"}
	if len(deleted) != len(want) {
		t.Fatalf("deleted = %d entities, want %d", len(deleted), len(want))
	}
	for i, e := range deleted {
		if e.TopicID != want[i] {
			t.Errorf("deleted[%d] = %q, want %q", i, e.TopicID, want[i])
		}
	}

	// Exactly the subtree: unrelated entities remain.
	if _, err := store.Get("device/keep//"); err != nil {
		t.Error("unrelated entity removed by cascade")
	}
	if _, err := store.Get("device/main//"); err != nil {
		t.Error("main device removed by cascade")
	}

	// Retained mirrors cleared, twin included.
	for _, topic := range []string{
		"cn/device/a//", "cn/device/b//", "cn/device/a/service/svc",
		"cn/device/b///twin/name",
	} {
		if !pub.wasCleared(topic) {
			t.Errorf("retained message %q not cleared", topic)
		}
	}

	if len(hookDeleted) != len(want) {
		t.Errorf("deregister hook saw %d entities, want %d", len(hookDeleted), len(want))
	}

	// Idempotent: absent id returns empty, no error.
	again, err := store.Deregister("device/a//")
	if err != nil {
		t.Errorf("repeat Deregister() error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("repeat Deregister() = %d entities, want 0", len(again))
	}
}

func TestGetReturnsDeepCopy(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.SetTwinKey("device/main//", "name", json.RawMessage(`"x"`)); err != nil {
		t.Fatalf("SetTwinKey() error = %v", err)
	}

	e, _ := store.Get("device/main//")
	e.Twin["name"] = json.RawMessage(`"mutated"`)
	e.Parent = "device/hacked//"

	fresh, _ := store.Get("device/main//")
	if string(fresh.Twin["name"]) != `"x"` {
		t.Error("mutation through returned copy leaked into store")
	}
	if fresh.Parent != "" {
		t.Error("parent mutation leaked into store")
	}
}

func TestHealthEndpoint(t *testing.T) {
	store, _ := newTestStore(t)
	mustRegister(t, store, Registration{TopicID: "device/main/service/agent"})

	if _, err := store.UpdateHealthEndpoint("device/main//", "device/main/service/agent"); err != nil {
		t.Fatalf("UpdateHealthEndpoint() error = %v", err)
	}
	e, _ := store.Get("device/main//")
	if e.HealthEndpoint != "device/main/service/agent" {
		t.Errorf("health endpoint = %q", e.HealthEndpoint)
	}

	// Health endpoint must reference a service.
	mustRegister(t, store, Registration{TopicID: "device/x//"})
	if _, err := store.UpdateHealthEndpoint("device/main//", "device/x//"); !errors.Is(err, ErrInvalidHealthEndpoint) {
		t.Errorf("error = %v, want ErrInvalidHealthEndpoint", err)
	}
}

// failingPublisher rejects bus writes on demand.
type failingPublisher struct {
	mockPublisher
	fail bool
}

func (f *failingPublisher) PublishRetained(topic string, payload []byte) error {
	if f.fail {
		return errors.New("broker unavailable")
	}
	return f.mockPublisher.PublishRetained(topic, payload)
}

func (f *failingPublisher) ClearRetained(topic string) error {
	if f.fail {
		return errors.New("broker unavailable")
	}
	return f.mockPublisher.ClearRetained(topic)
}

func TestMutationsRollBackOnPublishFailure(t *testing.T) {
	// An error return must mean the store is unchanged; a mutation that
	// sticks while its retained publish failed leaves the bus mirror and
	// the store silently disagreeing.
	pub := &failingPublisher{mockPublisher: mockPublisher{published: make(map[string][]byte)}}
	store := NewStore(mqtt.NewTopics("cn"), pub)

	mustRegister(t, store, Registration{TopicID: "device/main//", Type: TypeMainDevice})
	mustRegister(t, store, Registration{TopicID: "device/child0//"})
	if err := store.SetTwinKey("device/child0//", "name", json.RawMessage(`"old"`)); err != nil {
		t.Fatalf("SetTwinKey() error = %v", err)
	}

	pub.fail = true

	if _, err := store.Register(Registration{TopicID: "device/child1//"}); err == nil {
		t.Fatal("Register() succeeded despite publish failure")
	}
	if _, err := store.Get("device/child1//"); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("rejected registration left the entity behind: %v", err)
	}

	if err := store.SetTwinKey("device/child0//", "name", json.RawMessage(`"new"`)); err == nil {
		t.Fatal("SetTwinKey() succeeded despite publish failure")
	}
	if err := store.ClearTwinKey("device/child0//", "name"); err == nil {
		t.Fatal("ClearTwinKey() succeeded despite clear failure")
	}
	if err := store.ReplaceTwin("device/child0//", map[string]json.RawMessage{
		"extra": json.RawMessage(`1`),
	}); err == nil {
		t.Fatal("ReplaceTwin() succeeded despite publish failure")
	}
	if _, err := store.UpdateParent("device/child0//", "device/main//"); err != nil {
		// Re-parenting to the current parent is a no-op and must not publish.
		t.Errorf("no-op UpdateParent() error = %v", err)
	}

	e, err := store.Get("device/child0//")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(e.Twin["name"]) != `"old"` {
		t.Errorf("twin name = %s, want the pre-failure value", e.Twin["name"])
	}
	if _, ok := e.Twin["extra"]; ok {
		t.Error("failed ReplaceTwin() left a half-applied key behind")
	}

	// Once the broker is back, the same mutations go through.
	pub.fail = false
	if _, err := store.Register(Registration{TopicID: "device/child1//"}); err != nil {
		t.Fatalf("Register() after recovery error = %v", err)
	}
	if err := store.SetTwinKey("device/child0//", "name", json.RawMessage(`"new"`)); err != nil {
		t.Fatalf("SetTwinKey() after recovery error = %v", err)
	}
}
