package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canopyhq/canopy-agent/internal/entity"
	"github.com/canopyhq/canopy-agent/internal/infrastructure/mqtt"
)

// Bus is the slice of the message bus client the router needs.
type Bus interface {
	Publisher
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// EntityStore lets the router materialise command targets it has not seen.
type EntityStore interface {
	AutoRegister(topicID entity.TopicID) (*entity.Entity, error)
}

// Router owns the command side of the bus.
//
// It subscribes to every command status topic and dispatches each message:
// an "init" for an untracked command starts a new executor, messages for
// tracked commands are forwarded to their executor, terminal results wake
// any parent waiting on a sub-command, and empty payloads release finished
// commands. On startup the broker replays retained command messages through
// the same path, which resumes interrupted commands from their last
// persisted state.
//
// Thread Safety: safe for concurrent use.
type Router struct {
	bus            Bus
	topics         mqtt.Topics
	registry       *Registry
	store          EntityStore
	builtins       *Builtins
	recorder       Recorder
	telemetry      Telemetry
	logger         Logger
	qos            byte
	defaultTimeout time.Duration

	mu      sync.Mutex
	tracked map[string]*track
	waiters map[string]chan Command

	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once
}

// track is the router's bookkeeping for one in-flight or finished command.
// executor is nil for commands observed already terminal, which only await
// the requester's clear.
type track struct {
	cmd      Command
	def      *Definition
	executor *Executor
}

func (t *track) status() string {
	if t.executor != nil {
		return t.executor.Current()
	}
	return t.cmd.Status
}

// RouterConfig collects the router's collaborators. Recorder, Telemetry
// and Logger are optional.
type RouterConfig struct {
	Bus            Bus
	Topics         mqtt.Topics
	Registry       *Registry
	Store          EntityStore
	Builtins       *Builtins
	Recorder       Recorder
	Telemetry      Telemetry
	Logger         Logger
	QoS            byte
	DefaultTimeout time.Duration
}

// NewRouter creates a command router. Call Start to begin receiving
// messages.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = &noopLogger{}
	}
	return &Router{
		bus:            cfg.Bus,
		topics:         cfg.Topics,
		registry:       cfg.Registry,
		store:          cfg.Store,
		builtins:       cfg.Builtins,
		recorder:       cfg.Recorder,
		telemetry:      cfg.Telemetry,
		logger:         logger,
		qos:            cfg.QoS,
		defaultTimeout: cfg.DefaultTimeout,
		tracked:        make(map[string]*track),
		waiters:        make(map[string]chan Command),
		shutdown:       make(chan struct{}),
	}
}

// Start subscribes to the command wildcard. Retained replay resumes
// commands interrupted by a restart.
func (r *Router) Start() error {
	return r.bus.Subscribe(r.topics.AllCommands(), r.qos, r.handleMessage)
}

// Stop signals all executors to halt and waits for them to exit.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.shutdown)
	})

	r.mu.Lock()
	for _, t := range r.tracked {
		if t.executor != nil {
			t.executor.Abandon()
		}
	}
	r.mu.Unlock()

	r.wg.Wait()
}

// Active returns the number of tracked commands.
func (r *Router) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

func (r *Router) handleMessage(topic string, payload []byte) error {
	id, rest, err := entity.ParseBusTopic(r.topics.Root, topic)
	if err != nil || len(rest) != 3 || rest[0] != "cmd" {
		r.logger.Debug("ignoring non-command message", "topic", topic)
		return nil
	}
	cmdType, cmdID := rest[1], rest[2]
	key := string(id) + "|" + cmdType + "|" + cmdID

	if len(payload) == 0 {
		r.handleClear(key, cmdType, cmdID)
		return nil
	}

	cmd, err := DecodeCommand(id, cmdType, cmdID, payload)
	if err != nil {
		r.logger.Warn("discarding malformed command message", "topic", topic, "error", err)
		return nil
	}

	r.notifyWaiter(key, cmd)

	r.mu.Lock()
	t, ok := r.tracked[key]
	r.mu.Unlock()
	if ok {
		if t.executor != nil {
			t.executor.Deliver(cmd)
		}
		return nil
	}

	r.startCommand(key, cmd)
	return nil
}

// handleClear processes an empty retained payload: the requester's
// acknowledgement of a terminal command.
func (r *Router) handleClear(key, cmdType, cmdID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tracked[key]
	if !ok {
		return
	}
	status := t.status()
	if !t.def.IsTerminal(status) {
		r.logger.Warn("ignoring clear of active command",
			"cmd_type", cmdType, "cmd_id", cmdID, "status", status)
		return
	}
	delete(r.tracked, key)
	r.logger.Info("command released", "cmd_type", cmdType, "cmd_id", cmdID, "status", status)
}

// notifyWaiter completes a pending sub-command wait when the child reaches
// a terminal state. A late result after the waiter gave up is dropped.
func (r *Router) notifyWaiter(key string, cmd Command) {
	def := r.registry.Get(cmd.Type)
	if !def.IsTerminal(cmd.Status) {
		return
	}

	r.mu.Lock()
	ch, ok := r.waiters[key]
	if ok {
		delete(r.waiters, key)
	}
	r.mu.Unlock()
	if ok {
		ch <- cmd
	}
}

// startCommand begins tracking an untracked command. A fresh "init" or a
// replayed intermediate state gets an executor; a replayed terminal state
// is tracked only until its clear arrives.
func (r *Router) startCommand(key string, cmd Command) {
	select {
	case <-r.shutdown:
		return
	default:
	}

	def := r.registry.Get(cmd.Type)

	if def.IsTerminal(cmd.Status) {
		r.mu.Lock()
		r.tracked[key] = &track{cmd: cmd, def: def}
		r.mu.Unlock()
		return
	}

	if _, err := r.store.AutoRegister(cmd.Target); err != nil {
		r.logger.Warn("registering command target failed",
			"target", cmd.Target, "cmd_type", cmd.Type, "error", err)
	}

	exec := NewExecutor(ExecutorConfig{
		Command:        cmd,
		Definition:     def,
		Publisher:      r.bus,
		Topic:          r.topics.Command(string(cmd.Target), cmd.Type, cmd.ID),
		Builtins:       r.builtins,
		SubCommands:    r,
		Recorder:       r.recorder,
		Telemetry:      r.telemetry,
		Logger:         r.logger,
		DefaultTimeout: r.defaultTimeout,
	})

	r.mu.Lock()
	r.tracked[key] = &track{cmd: cmd, def: def, executor: exec}
	r.mu.Unlock()

	if cmd.Status == StatusInit {
		r.logger.Info("command accepted",
			"target", cmd.Target, "cmd_type", cmd.Type, "cmd_id", cmd.ID)
	} else {
		r.logger.Info("command resumed from persisted state",
			"target", cmd.Target, "cmd_type", cmd.Type, "cmd_id", cmd.ID, "status", cmd.Status)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		runCtx, cancel := contextForShutdown(r.shutdown)
		defer cancel()
		exec.Run(runCtx)
	}()
}

// AwaitSubCommand issues a child command on behalf of a parent executor
// and blocks until the child reaches a terminal state, the timeout passes,
// or the parent is abandoned. The child's retained message is cleared once
// its result has been consumed. A child still running at timeout or
// abandonment is left to finish on its own; the router stays behind as its
// requester, discarding the result and clearing its retained message when
// it lands, since no external party knows the child's identifier.
func (r *Router) AwaitSubCommand(parent Command, action SubCommandAction, timeout time.Duration, cancel <-chan struct{}) (Command, error) {
	target := action.Target
	if target == "" {
		target = parent.Target
	}

	child := Command{
		Target: target,
		Type:   action.Type,
		ID:     parent.ID + "-" + uuid.New().String()[:8],
		Status: StatusInit,
	}
	childKey := child.Key()
	childTopic := r.topics.Command(string(child.Target), child.Type, child.ID)

	ch := make(chan Command, 1)
	r.mu.Lock()
	r.waiters[childKey] = ch
	r.mu.Unlock()

	removeWaiter := func() {
		r.mu.Lock()
		delete(r.waiters, childKey)
		r.mu.Unlock()
	}

	r.logger.Info("delegating to sub-command",
		"parent_id", parent.ID, "cmd_type", child.Type, "cmd_id", child.ID, "target", child.Target)

	if err := r.bus.PublishRetained(childTopic, child.Encode()); err != nil {
		removeWaiter()
		return Command{}, fmt.Errorf("issuing sub-command: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		if err := r.bus.ClearRetained(childTopic); err != nil {
			r.logger.Warn("clearing sub-command retained message failed",
				"topic", childTopic, "error", err)
		}
		return result, nil
	case <-timer.C:
		r.reapChild(childKey, childTopic, ch)
		return Command{}, fmt.Errorf("%w: sub-command %s/%s", ErrActionTimeout, child.Type, child.ID)
	case <-cancel:
		r.reapChild(childKey, childTopic, ch)
		return Command{}, ErrAbandoned
	case <-r.shutdown:
		removeWaiter()
		return Command{}, ErrAbandoned
	}
}

// reapChild acknowledges an orphaned child in the background. The waiter
// stays registered so the child's terminal result still lands on ch; once
// it does, the child's bookkeeping and retained message are released the
// way its parent would have. A child abandoned before finishing (target
// deregistered) is released by ReleaseTarget instead, and the goroutine
// exits at shutdown.
func (r *Router) reapChild(childKey, childTopic string, ch chan Command) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		select {
		case <-ch:
		case <-r.shutdown:
			return
		}

		r.mu.Lock()
		delete(r.tracked, childKey)
		r.mu.Unlock()

		if err := r.bus.ClearRetained(childTopic); err != nil {
			r.logger.Warn("clearing sub-command retained message failed",
				"topic", childTopic, "error", err)
			return
		}
		r.logger.Info("orphaned sub-command released", "topic", childTopic)
	}()
}

// contextForShutdown derives a context cancelled when the channel closes.
func contextForShutdown(ch <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// ReleaseTarget abandons every tracked command for the given entities and
// clears their retained messages. Called from the entity store's
// deregistration hook. Running scripts are not signalled; their results
// are discarded when they finish.
func (r *Router) ReleaseTarget(deleted []entity.Entity) {
	removed := make(map[entity.TopicID]bool, len(deleted))
	for _, e := range deleted {
		removed[e.TopicID] = true
	}

	r.mu.Lock()
	var topics []string
	for key, t := range r.tracked {
		if !removed[t.cmd.Target] {
			continue
		}
		if t.executor != nil {
			t.executor.Abandon()
		}
		delete(r.tracked, key)
		topics = append(topics, r.topics.Command(string(t.cmd.Target), t.cmd.Type, t.cmd.ID))
		r.logger.Info("abandoning command for deregistered entity",
			"target", t.cmd.Target, "cmd_type", t.cmd.Type, "cmd_id", t.cmd.ID)
	}
	r.mu.Unlock()

	for _, topic := range topics {
		if err := r.bus.ClearRetained(topic); err != nil {
			r.logger.Warn("clearing command retained message failed", "topic", topic, "error", err)
		}
	}
}
