package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/canopyhq/canopy-agent/internal/infrastructure/mqtt"
)

// Logger defines the logging interface used by the Store.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Publisher mirrors store mutations onto the bus as retained messages.
// Satisfied by the mqtt client.
type Publisher interface {
	PublishRetained(topic string, payload []byte) error
	ClearRetained(topic string) error
}

// Store is the authoritative registry of addressable entities: the device
// tree and its twin state. It is an in-memory index mirrored onto the bus
// as retained messages and rebuilt at startup by replaying them.
//
// Thread Safety:
//   - All mutations are serialized under a single write lock, held through
//     the corresponding retained publish so readers only ever observe
//     committed state.
//   - Reads may proceed concurrently and return deep copies.
type Store struct {
	mu       sync.RWMutex
	entities map[TopicID]*Entity
	order    []TopicID // global insertion order, stable across replay
	root     TopicID   // the main device, set on first main-device registration

	topics mqtt.Topics
	pub    Publisher
	logger Logger

	// onDeregister is invoked after a cascade removal with the deleted
	// entities in pre-order. Used by the command router to release
	// in-flight commands targeting the removed subtree.
	onDeregister func(deleted []Entity)

	// onTwinUpdate is invoked after every committed twin change, outside
	// the store lock. Used for telemetry.
	onTwinUpdate func(topicID TopicID, key string, deleted bool)
}

// NewStore creates an empty entity store.
//
// Parameters:
//   - topics: Topic builder for the configured root segment
//   - pub: Bus publisher for retained mirrors (must not be nil)
func NewStore(topics mqtt.Topics, pub Publisher) *Store {
	return &Store{
		entities: make(map[TopicID]*Entity),
		topics:   topics,
		pub:      pub,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// SetOnDeregister sets a hook invoked after every cascading removal.
func (s *Store) SetOnDeregister(hook func(deleted []Entity)) {
	s.onDeregister = hook
}

// SetOnTwinUpdate sets a hook invoked after every committed twin change.
// The hook runs outside the store lock and must not block.
func (s *Store) SetOnTwinUpdate(hook func(topicID TopicID, key string, deleted bool)) {
	s.onTwinUpdate = hook
}

func (s *Store) notifyTwinUpdate(topicID TopicID, key string, deleted bool) {
	if s.onTwinUpdate != nil {
		s.onTwinUpdate(topicID, key, deleted)
	}
}

// Register adds an entity to the store and mirrors it as a retained message.
//
// Defaults: an empty Type is inferred from the topic shape (service or
// child-device); an empty Parent defaults to the owning device for services
// and to the main device for child devices.
//
// Registering an existing topic identifier with identical attributes is
// idempotent: the stored entity is returned without a duplicate publish.
//
// Returns:
//   - *Entity: Deep copy of the registered entity
//   - error: ErrInvalidTopicID, ErrInvalidType, ErrTypeMismatch,
//     ErrUnknownParent, ErrParentIsService, ErrCycle, ErrMainDeviceExists,
//     or a publish failure
func (s *Store) Register(reg Registration) (*Entity, error) {
	id, err := ParseTopicID(string(reg.TopicID))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, created, err := s.registerLocked(id, reg.Type, reg.Parent, reg.HealthEndpoint)
	if err != nil {
		return nil, err
	}
	if created {
		if err := s.publishRegistrationLocked(e); err != nil {
			s.rollbackRegisterLocked(id)
			return nil, err
		}
	}
	return e.DeepCopy(), nil
}

// AutoRegister creates an entity (and any missing ancestors) the first time
// a message is seen under an unknown topic identifier. Types are inferred
// from the topic shape: services register as services under their owning
// device, everything else as a bare child device under the main device.
//
// Returns the entity (existing or newly created).
func (s *Store) AutoRegister(topicID TopicID) (*Entity, error) {
	id, err := ParseTopicID(string(topicID))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.autoRegisterLocked(id)
}

func (s *Store) autoRegisterLocked(id TopicID) (*Entity, error) {
	if e, ok := s.entities[id]; ok {
		return e.DeepCopy(), nil
	}

	// Synthesize the owning device first for services.
	if id.IsService() {
		if _, err := s.autoRegisterLocked(id.DeviceID()); err != nil {
			return nil, err
		}
	}

	e, created, err := s.registerLocked(id, "", "", "")
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("auto-registered entity", "topic_id", id, "type", e.Type)
		if err := s.publishRegistrationLocked(e); err != nil {
			s.rollbackRegisterLocked(id)
			return nil, err
		}
	}
	return e.DeepCopy(), nil
}

// rollbackRegisterLocked undoes a registerLocked insert whose retained
// publish failed. An error returned to the caller must mean the store is
// unchanged; otherwise the store and its bus mirror silently diverge.
// Caller holds the write lock.
func (s *Store) rollbackRegisterLocked(id TopicID) {
	e, ok := s.entities[id]
	if !ok {
		return
	}
	delete(s.entities, id)
	if n := len(s.order); n > 0 && s.order[n-1] == id {
		s.order = s.order[:n-1]
	}
	if e.Type == TypeMainDevice {
		s.root = ""
	}
}

// registerLocked validates and inserts one entity. Caller holds the write lock.
func (s *Store) registerLocked(id TopicID, typ Type, parent, health TopicID) (*Entity, bool, error) {
	// Apply defaults from topic shape.
	if typ == "" {
		if id.IsService() {
			typ = TypeService
		} else {
			typ = TypeChildDevice
		}
	} else if _, err := ParseType(string(typ)); err != nil {
		return nil, false, err
	}

	if (typ == TypeService) != id.IsService() {
		return nil, false, fmt.Errorf("%w: type %s does not match topic shape of %q", ErrInvalidType, typ, id)
	}

	if parent == "" && typ != TypeMainDevice {
		if typ == TypeService {
			parent = id.DeviceID()
		} else {
			parent = s.root
		}
	}

	if existing, ok := s.entities[id]; ok {
		if existing.Type == typ && existing.Parent == parent &&
			(health == "" || existing.HealthEndpoint == health) {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("%w: %q", ErrTypeMismatch, id)
	}

	switch typ {
	case TypeMainDevice:
		if s.root != "" {
			return nil, false, fmt.Errorf("%w: %q", ErrMainDeviceExists, s.root)
		}
		if parent != "" {
			return nil, false, ErrMainDeviceParent
		}
	default:
		if parent == "" {
			return nil, false, fmt.Errorf("%w: no main device to default to for %q", ErrUnknownParent, id)
		}
		if parent == id {
			return nil, false, fmt.Errorf("%w: %q", ErrCycle, id)
		}
		p, ok := s.entities[parent]
		if !ok {
			return nil, false, fmt.Errorf("%w: %q", ErrUnknownParent, parent)
		}
		if !p.Type.IsDevice() {
			return nil, false, fmt.Errorf("%w: %q", ErrParentIsService, parent)
		}
	}

	if health != "" {
		if err := s.validateHealthLocked(health); err != nil {
			return nil, false, err
		}
	}

	e := &Entity{
		TopicID:        id,
		Type:           typ,
		Parent:         parent,
		HealthEndpoint: health,
	}
	s.entities[id] = e
	s.order = append(s.order, id)
	if typ == TypeMainDevice {
		s.root = id
	}
	return e, true, nil
}

func (s *Store) validateHealthLocked(health TopicID) error {
	h, ok := s.entities[health]
	if !ok || h.Type != TypeService {
		return fmt.Errorf("%w: %q", ErrInvalidHealthEndpoint, health)
	}
	return nil
}

// UpdateParent re-parents an entity, moving its whole subtree atomically.
// No intermediate inconsistent state is observable by readers.
//
// Returns:
//   - *Entity: Deep copy of the updated entity
//   - error: ErrUnknownEntity, ErrMainDeviceParent, ErrSelfParent,
//     ErrUnknownParent, ErrParentIsService, ErrDescendantCycle
func (s *Store) UpdateParent(topicID, newParent TopicID) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[topicID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, topicID)
	}
	if e.Type == TypeMainDevice {
		return nil, ErrMainDeviceParent
	}
	if newParent == topicID {
		return nil, ErrSelfParent
	}

	p, ok := s.entities[newParent]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParent, newParent)
	}
	if !p.Type.IsDevice() {
		return nil, fmt.Errorf("%w: %q", ErrParentIsService, newParent)
	}
	if s.isDescendantLocked(newParent, topicID) {
		return nil, fmt.Errorf("%w: %q is under %q", ErrDescendantCycle, newParent, topicID)
	}

	if e.Parent == newParent {
		return e.DeepCopy(), nil
	}

	oldParent := e.Parent
	e.Parent = newParent
	if err := s.publishRegistrationLocked(e); err != nil {
		e.Parent = oldParent
		return nil, err
	}
	s.logger.Info("entity re-parented", "topic_id", topicID, "parent", newParent)
	return e.DeepCopy(), nil
}

// UpdateHealthEndpoint sets or clears an entity's health endpoint.
// A non-empty endpoint must reference a known service entity.
func (s *Store) UpdateHealthEndpoint(topicID, health TopicID) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[topicID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, topicID)
	}
	if health != "" {
		if err := s.validateHealthLocked(health); err != nil {
			return nil, err
		}
	}
	if e.HealthEndpoint == health {
		return e.DeepCopy(), nil
	}

	oldHealth := e.HealthEndpoint
	e.HealthEndpoint = health
	if err := s.publishRegistrationLocked(e); err != nil {
		e.HealthEndpoint = oldHealth
		return nil, err
	}
	return e.DeepCopy(), nil
}

// isDescendantLocked reports whether candidate lies in the subtree rooted
// at ancestor. Caller holds a lock.
func (s *Store) isDescendantLocked(candidate, ancestor TopicID) bool {
	cur := candidate
	for cur != "" {
		e, ok := s.entities[cur]
		if !ok {
			return false
		}
		if e.Parent == ancestor {
			return true
		}
		cur = e.Parent
	}
	return false
}

// validateTwinKey enforces the twin key rules: non-empty, no '/', not
// starting with the reserved '@' prefix.
func validateTwinKey(key string) error {
	if key == "" || strings.Contains(key, "/") || strings.HasPrefix(key, "@") {
		return fmt.Errorf("%w: %q", ErrInvalidTwinKey, key)
	}
	return nil
}

// SetTwinKey sets a single twin fragment and mirrors it as a retained
// message. Setting a key to its current value is a no-op (no re-publish).
func (s *Store) SetTwinKey(topicID TopicID, key string, value json.RawMessage) error {
	if err := validateTwinKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("%w: key %q", ErrInvalidTwinValue, key)
	}

	s.mu.Lock()

	e, ok := s.entities[topicID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownEntity, topicID)
	}

	if existing, ok := e.Twin[key]; ok && jsonEqual(existing, value) {
		s.mu.Unlock()
		return nil
	}

	prev, hadPrev := e.Twin[key]
	if e.Twin == nil {
		e.Twin = make(map[string]json.RawMessage)
	}
	val := make(json.RawMessage, len(value))
	copy(val, value)
	e.Twin[key] = val

	err := s.pub.PublishRetained(s.topics.Twin(string(topicID), key), value)
	if err != nil {
		if hadPrev {
			e.Twin[key] = prev
		} else {
			delete(e.Twin, key)
		}
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.notifyTwinUpdate(topicID, key, false)
	return nil
}

// ClearTwinKey removes a single twin fragment and its retained backing
// message. Clearing an absent key is a no-op.
func (s *Store) ClearTwinKey(topicID TopicID, key string) error {
	if err := validateTwinKey(key); err != nil {
		return err
	}

	s.mu.Lock()

	e, ok := s.entities[topicID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownEntity, topicID)
	}
	if _, ok := e.Twin[key]; !ok {
		s.mu.Unlock()
		return nil
	}

	prev := e.Twin[key]
	delete(e.Twin, key)
	err := s.pub.ClearRetained(s.topics.Twin(string(topicID), key))
	if err != nil {
		e.Twin[key] = prev
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.notifyTwinUpdate(topicID, key, true)
	return nil
}

// ReplaceTwin replaces an entity's whole twin map.
//
// Replace semantics keep bus traffic minimal:
//   - keys absent from the new map are cleared (retained message removed)
//   - keys with unchanged values are not re-emitted
//   - changed and new keys are emitted
func (s *Store) ReplaceTwin(topicID TopicID, fragments map[string]json.RawMessage) error {
	for key, value := range fragments {
		if err := validateTwinKey(key); err != nil {
			return err
		}
		if !json.Valid(value) {
			return fmt.Errorf("%w: key %q", ErrInvalidTwinValue, key)
		}
	}

	type twinChange struct {
		key     string
		deleted bool
	}
	var changes []twinChange

	s.mu.Lock()

	e, ok := s.entities[topicID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownEntity, topicID)
	}

	// Snapshot for rollback: an error must leave the stored twin as it was,
	// not half-replaced.
	original := make(map[string]json.RawMessage, len(e.Twin))
	for k, v := range e.Twin {
		original[k] = v
	}
	rollback := func(err error) error {
		e.Twin = original
		s.mu.Unlock()
		return err
	}

	// Clear keys absent from the new map.
	for key := range e.Twin {
		if _, keep := fragments[key]; !keep {
			delete(e.Twin, key)
			if err := s.pub.ClearRetained(s.topics.Twin(string(topicID), key)); err != nil {
				return rollback(err)
			}
			changes = append(changes, twinChange{key: key, deleted: true})
		}
	}

	// Emit changed and new keys only.
	for key, value := range fragments {
		if existing, ok := e.Twin[key]; ok && jsonEqual(existing, value) {
			continue
		}
		if e.Twin == nil {
			e.Twin = make(map[string]json.RawMessage)
		}
		val := make(json.RawMessage, len(value))
		copy(val, value)
		e.Twin[key] = val
		if err := s.pub.PublishRetained(s.topics.Twin(string(topicID), key), value); err != nil {
			return rollback(err)
		}
		changes = append(changes, twinChange{key: key})
	}

	s.mu.Unlock()
	for _, c := range changes {
		s.notifyTwinUpdate(topicID, c.key, c.deleted)
	}
	return nil
}

// jsonEqual compares two JSON values ignoring insignificant whitespace.
func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if err := json.Compact(&ca, a); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Compact(&cb, b); err != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// Get retrieves an entity by topic identifier.
// The returned entity is a deep copy; callers can safely modify it.
func (s *Store) Get(topicID TopicID) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[topicID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, topicID)
	}
	return e.DeepCopy(), nil
}

// MainDevice returns the tree root, or ErrNoMainDevice if none is registered.
func (s *Store) MainDevice() (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.root == "" {
		return nil, ErrNoMainDevice
	}
	return s.entities[s.root].DeepCopy(), nil
}

// Filter narrows a List call. Zero-value fields are ignored.
type Filter struct {
	// Root limits results to the subtree rooted at this entity (inclusive).
	Root TopicID

	// Parent limits results to direct children of this entity.
	Parent TopicID

	// Type limits results to one entity type.
	Type Type
}

// List returns entities matching the filter in insertion order, which is
// stable across restarts because the store is rebuilt by replaying retained
// messages in their original arrival order.
// The returned entities are deep copies.
func (s *Store) List(f Filter) []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entity
	for _, id := range s.order {
		e := s.entities[id]
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Parent != "" && e.Parent != f.Parent {
			continue
		}
		if f.Root != "" && id != f.Root && !s.isDescendantLocked(id, f.Root) {
			continue
		}
		out = append(out, *e.DeepCopy())
	}
	return out
}

// Counts returns the number of device and service entities.
func (s *Store) Counts() (devices, services int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entities {
		if e.Type == TypeService {
			services++
		} else {
			devices++
		}
	}
	return devices, services
}

// Deregister removes an entity and its whole subtree, clearing every
// retained registration and twin message beneath it.
//
// The returned slice is in pre-order: the entity itself first, then its
// descendants (children in insertion order). Deregistering an absent topic
// identifier is idempotent and returns an empty slice.
func (s *Store) Deregister(topicID TopicID) ([]Entity, error) {
	s.mu.Lock()

	if _, ok := s.entities[topicID]; !ok {
		s.mu.Unlock()
		return nil, nil
	}

	ids := s.subtreePreorderLocked(topicID)
	deleted := make([]Entity, 0, len(ids))
	for _, id := range ids {
		e := s.entities[id]
		deleted = append(deleted, *e.DeepCopy())

		for key := range e.Twin {
			if err := s.pub.ClearRetained(s.topics.Twin(string(id), key)); err != nil {
				s.logger.Warn("clearing twin retained message failed", "topic_id", id, "key", key, "error", err)
			}
		}
		if err := s.pub.ClearRetained(s.topics.Entity(string(id))); err != nil {
			s.logger.Warn("clearing registration retained message failed", "topic_id", id, "error", err)
		}

		delete(s.entities, id)
		if id == s.root {
			s.root = ""
		}
	}
	s.compactOrderLocked()
	s.logger.Info("deregistered entity subtree", "topic_id", topicID, "count", len(deleted))

	hook := s.onDeregister
	s.mu.Unlock()

	if hook != nil {
		hook(deleted)
	}
	return deleted, nil
}

// subtreePreorderLocked returns the subtree rooted at id in pre-order,
// children visited in insertion order. Caller holds the write lock.
func (s *Store) subtreePreorderLocked(id TopicID) []TopicID {
	out := []TopicID{id}
	for _, candidate := range s.order {
		e, ok := s.entities[candidate]
		if !ok || e.Parent != id {
			continue
		}
		out = append(out, s.subtreePreorderLocked(candidate)...)
	}
	return out
}

// compactOrderLocked drops removed entities from the insertion order slice.
func (s *Store) compactOrderLocked() {
	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.entities[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
}

// publishRegistrationLocked mirrors an entity's registration onto the bus.
// Caller holds the write lock.
func (s *Store) publishRegistrationLocked(e *Entity) error {
	return s.pub.PublishRetained(s.topics.Entity(string(e.TopicID)), registrationPayload(e))
}
