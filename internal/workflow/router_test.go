package workflow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/canopyhq/canopy-agent/internal/entity"
	"github.com/canopyhq/canopy-agent/internal/infrastructure/mqtt"
)

// mockBus records retained messages and loops publishes back through the
// router's subscription, the way a real broker echoes to a subscriber.
type mockBus struct {
	mu       sync.Mutex
	retained map[string][]byte
	cleared  map[string]int
	handler  mqtt.MessageHandler
}

func newMockBus() *mockBus {
	return &mockBus{
		retained: make(map[string][]byte),
		cleared:  make(map[string]int),
	}
}

func (b *mockBus) Subscribe(_ string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
	return nil
}

func (b *mockBus) PublishRetained(topic string, payload []byte) error {
	b.mu.Lock()
	b.retained[topic] = payload
	handler := b.handler
	b.mu.Unlock()
	if handler != nil {
		go handler(topic, payload) //nolint:errcheck // Test loopback
	}
	return nil
}

func (b *mockBus) ClearRetained(topic string) error {
	b.mu.Lock()
	delete(b.retained, topic)
	b.cleared[topic]++
	handler := b.handler
	b.mu.Unlock()
	if handler != nil {
		go handler(topic, nil) //nolint:errcheck // Test loopback
	}
	return nil
}

// deliver injects a message as if it arrived from an external requester.
func (b *mockBus) deliver(t *testing.T, topic string, payload []byte) {
	t.Helper()
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler == nil {
		t.Fatal("router not subscribed")
	}
	if err := handler(topic, payload); err != nil {
		t.Fatalf("handler(%q) error = %v", topic, err)
	}
}

func (b *mockBus) status(topic string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.retained[topic]
	if !ok {
		return ""
	}
	var doc struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(payload, &doc) != nil {
		return ""
	}
	return doc.Status
}

func (b *mockBus) payload(topic string) map[string]json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var doc map[string]json.RawMessage
	json.Unmarshal(b.retained[topic], &doc) //nolint:errcheck // Absent topic returns nil
	return doc
}

func (b *mockBus) clearedCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cleared[topic]
}

func (b *mockBus) topicsMatching(substr string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for topic := range b.retained {
		if strings.Contains(topic, substr) {
			out = append(out, topic)
		}
	}
	return out
}

// mockEntityStore records auto-registrations.
type mockEntityStore struct {
	mu         sync.Mutex
	registered []entity.TopicID
}

func (m *mockEntityStore) AutoRegister(topicID entity.TopicID) (*entity.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = append(m.registered, topicID)
	return &entity.Entity{TopicID: topicID, Type: entity.TypeChildDevice}, nil
}

func (m *mockEntityStore) has(topicID entity.TopicID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.registered {
		if id == topicID {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestRouter(t *testing.T, builtins *Builtins) (*Router, *mockBus, *mockEntityStore) {
	t.Helper()

	registry, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if builtins == nil {
		builtins = testBuiltins(t)
	}
	bus := newMockBus()
	store := &mockEntityStore{}

	router := NewRouter(RouterConfig{
		Bus:      bus,
		Topics:   mqtt.NewTopics("cn"),
		Registry: registry,
		Store:    store,
		Builtins: builtins,
	})
	if err := router.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(router.Stop)
	return router, bus, store
}

func TestRouterRunsCommandToTerminal(t *testing.T) {
	router, bus, store := newTestRouter(t, nil)
	topic := "cn/device/main///cmd/restart/r-1"

	bus.deliver(t, topic, []byte(`{"status":"init"}`))

	eventually(t, func() bool {
		return bus.status(topic) == StatusSuccessful
	}, "restart never reached successful")

	if !store.has("device/main//") {
		t.Error("command target was not auto-registered")
	}
	if router.Active() != 1 {
		t.Errorf("Active() = %d, want 1 terminal command awaiting clear", router.Active())
	}
}

func TestRouterClearReleasesTerminal(t *testing.T) {
	router, bus, _ := newTestRouter(t, nil)
	topic := "cn/device/main///cmd/restart/r-2"

	bus.deliver(t, topic, []byte(`{"status":"init"}`))
	eventually(t, func() bool {
		return bus.status(topic) == StatusSuccessful
	}, "restart never finished")

	bus.deliver(t, topic, nil)
	eventually(t, func() bool {
		return router.Active() == 0
	}, "terminal command was not released")
}

func TestRouterClearOfActiveCommandIgnored(t *testing.T) {
	release := make(chan struct{})
	builtins := testBuiltins(t)
	builtins.table["restart"] = func(context.Context, map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		<-release
		return nil, nil
	}
	defer close(release)

	router, bus, _ := newTestRouter(t, builtins)
	topic := "cn/device/main///cmd/restart/r-3"

	bus.deliver(t, topic, []byte(`{"status":"init"}`))
	eventually(t, func() bool {
		return bus.status(topic) == "executing"
	}, "restart never started executing")

	bus.deliver(t, topic, nil)
	if router.Active() != 1 {
		t.Errorf("Active() = %d, clear of a running command must be ignored", router.Active())
	}
}

func TestRouterResumesFromRetainedState(t *testing.T) {
	_, bus, _ := newTestRouter(t, nil)
	topic := "cn/device/main///cmd/restart/r-4"

	// Retained replay after a restart delivers the intermediate state.
	bus.deliver(t, topic, []byte(`{"status":"executing"}`))

	eventually(t, func() bool {
		return bus.status(topic) == StatusSuccessful
	}, "resumed command never finished")
}

func TestRouterUnknownCommandTypeFails(t *testing.T) {
	_, bus, _ := newTestRouter(t, nil)
	topic := "cn/device/main///cmd/levitate/l-1"

	bus.deliver(t, topic, []byte(`{"status":"init"}`))

	eventually(t, func() bool {
		return bus.status(topic) == StatusFailed
	}, "unknown command type never failed")

	var reason string
	if raw, ok := bus.payload(topic)["reason"]; ok {
		json.Unmarshal(raw, &reason) //nolint:errcheck // Checked below
	}
	if !strings.Contains(reason, "unrecognised") {
		t.Errorf("reason = %q", reason)
	}
}

func TestRouterSoftwareUpdateDelegates(t *testing.T) {
	_, bus, _ := newTestRouter(t, nil)
	topic := "cn/device/main///cmd/software_update/u-1"

	bus.deliver(t, topic, []byte(`{"status":"init","update_list":[]}`))

	eventually(t, func() bool {
		return bus.status(topic) == StatusSuccessful
	}, "software_update never reached successful")

	// The inventory gathered by the software_list sub-command flows into
	// the parent payload.
	if string(bus.payload(topic)["current_software_list"]) != `[]` {
		t.Errorf("current_software_list = %s", bus.payload(topic)["current_software_list"])
	}

	// The child's retained message was cleared after its result was
	// consumed.
	if leftovers := bus.topicsMatching("/cmd/software_list/"); len(leftovers) != 0 {
		t.Errorf("sub-command retained messages left behind: %v", leftovers)
	}
}

func TestRouterOrphanedSubCommandReleased(t *testing.T) {
	// The parent gives up on its child at the state timeout, but the child
	// keeps running. Once it finishes, the router must clear its retained
	// message and bookkeeping: the parent was its only requester.
	dir := t.TempDir()
	writeFile := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writeFile("deep_clean.toml", `
type = "deep_clean"

[states.init]
timeout = "50ms"
on_success = "successful"
on_timeout = "failed"

  [states.init.action]
  sub_command = "scrub"

[states.successful]
terminal = true

[states.failed]
terminal = true
`)
	writeFile("scrub.toml", `
type = "scrub"

[states.init]
on_success = "successful"
on_error = "failed"

  [states.init.action]
  builtin = "scrub"

[states.successful]
terminal = true

[states.failed]
terminal = true
`)

	release := make(chan struct{})
	var releaseOnce sync.Once
	defer releaseOnce.Do(func() { close(release) })
	builtins := testBuiltins(t)
	builtins.table["scrub"] = func(context.Context, map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		<-release
		return nil, nil
	}

	registry, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if err := registry.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}

	bus := newMockBus()
	router := NewRouter(RouterConfig{
		Bus:      bus,
		Topics:   mqtt.NewTopics("cn"),
		Registry: registry,
		Store:    &mockEntityStore{},
		Builtins: builtins,
	})
	if err := router.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(router.Stop)

	topic := "cn/device/main///cmd/deep_clean/d-1"
	bus.deliver(t, topic, []byte(`{"status":"init"}`))

	eventually(t, func() bool {
		return bus.status(topic) == StatusFailed
	}, "parent never timed out waiting for the child")

	if leftovers := bus.topicsMatching("/cmd/scrub/"); len(leftovers) == 0 {
		t.Fatal("child command vanished before finishing")
	}

	releaseOnce.Do(func() { close(release) })

	eventually(t, func() bool {
		return len(bus.topicsMatching("/cmd/scrub/")) == 0
	}, "orphaned child retained message was not cleared")
	eventually(t, func() bool {
		return router.Active() == 1
	}, "orphaned child bookkeeping was not released")
}

func TestRouterMalformedPayloadIgnored(t *testing.T) {
	router, bus, _ := newTestRouter(t, nil)

	bus.deliver(t, "cn/device/main///cmd/restart/bad-1", []byte(`not json`))
	bus.deliver(t, "cn/device/main///cmd/restart/bad-2", []byte(`{"no_status":true}`))

	if router.Active() != 0 {
		t.Errorf("Active() = %d, malformed commands must not be tracked", router.Active())
	}
}

func TestRouterReleaseTargetAbandons(t *testing.T) {
	release := make(chan struct{})
	builtins := testBuiltins(t)
	builtins.table["restart"] = func(context.Context, map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		<-release
		return nil, nil
	}
	defer close(release)

	router, bus, _ := newTestRouter(t, builtins)
	topic := "cn/device/child9///cmd/restart/r-5"

	bus.deliver(t, topic, []byte(`{"status":"init"}`))
	eventually(t, func() bool {
		return bus.status(topic) == "executing"
	}, "restart never started executing")

	router.ReleaseTarget([]entity.Entity{{TopicID: "device/child9//"}})

	if router.Active() != 0 {
		t.Errorf("Active() = %d after target removal", router.Active())
	}
	eventually(t, func() bool {
		return bus.clearedCount(topic) > 0
	}, "retained command message was not cleared")
}
