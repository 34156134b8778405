package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// fallbackStateTimeout bounds action run time when neither the state nor
// the engine configuration sets one.
const fallbackStateTimeout = 5 * time.Minute

// Publisher is the outbound half of the message bus the executor needs.
type Publisher interface {
	PublishRetained(topic string, payload []byte) error
	ClearRetained(topic string) error
}

// Recorder persists command transitions for later inspection.
type Recorder interface {
	Record(ctx context.Context, target, cmdType, cmdID, status string, payload []byte) error
}

// Telemetry receives transition measurements. Implementations must not block.
type Telemetry interface {
	WriteCommandTransition(target, cmdType, status string, elapsed time.Duration)
}

// SubCommandRunner spawns a child command and waits for its terminal
// status. The cancel channel releases the wait early when the parent is
// abandoned.
type SubCommandRunner interface {
	AwaitSubCommand(parent Command, action SubCommandAction, timeout time.Duration, cancel <-chan struct{}) (Command, error)
}

// Executor drives one command through its workflow state machine.
//
// The executor owns the command's retained message: each transition is
// persisted to the bus before the next state's action runs, so a restart
// resumes from the last persisted state. Terminal states are persisted and
// left retained; clearing them is the requester's acknowledgement.
//
// Thread Safety: Run executes in its own goroutine; Deliver, Abandon,
// Current and Done may be called concurrently.
type Executor struct {
	cmd            Command
	def            *Definition
	pub            Publisher
	topic          string
	subCommands    SubCommandRunner
	builtins       *Builtins
	recorder       Recorder
	telemetry      Telemetry
	logger         Logger
	defaultTimeout time.Duration

	mu         sync.Mutex
	abandoned  chan struct{}
	abandonOne sync.Once
	done       chan struct{}
}

// ExecutorConfig collects the executor's collaborators. Recorder,
// Telemetry, SubCommands and Logger are optional.
type ExecutorConfig struct {
	Command        Command
	Definition     *Definition
	Publisher      Publisher
	Topic          string
	Builtins       *Builtins
	SubCommands    SubCommandRunner
	Recorder       Recorder
	Telemetry      Telemetry
	Logger         Logger
	DefaultTimeout time.Duration
}

// NewExecutor creates an executor for one command instance. The command's
// current status is the resume point; a freshly issued command starts at
// "init".
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = &noopLogger{}
	}
	return &Executor{
		cmd:            cfg.Command,
		def:            cfg.Definition,
		pub:            cfg.Publisher,
		topic:          cfg.Topic,
		subCommands:    cfg.SubCommands,
		builtins:       cfg.Builtins,
		recorder:       cfg.Recorder,
		telemetry:      cfg.Telemetry,
		logger:         logger,
		defaultTimeout: cfg.DefaultTimeout,
		abandoned:      make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Current returns the command's current status.
func (e *Executor) Current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cmd.Status
}

// Done is closed when the executor's run loop has exited.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

// Abandon stops the executor without touching the retained message or
// signalling any running script. Used when the target entity disappears.
func (e *Executor) Abandon() {
	e.abandonOne.Do(func() {
		close(e.abandoned)
	})
}

// Deliver hands the executor an external update for its command. The
// executor is the single writer of the command's state, so anything that
// is not an echo of its own last publish is discarded.
func (e *Executor) Deliver(update Command) {
	current := e.Current()
	if update.Status == current {
		return
	}
	e.logger.Warn("discarding external command update",
		"target", update.Target,
		"cmd_type", update.Type,
		"cmd_id", update.ID,
		"status", update.Status,
		"current", current)
}

// Run executes the state machine until a terminal state, abandonment, or
// context cancellation. It blocks and is meant to be run in a goroutine.
func (e *Executor) Run(ctx context.Context) {
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("executor stopped by shutdown",
				"cmd_type", e.cmd.Type, "cmd_id", e.cmd.ID, "status", e.Current())
			return
		case <-e.abandoned:
			e.logger.Info("executor abandoned",
				"cmd_type", e.cmd.Type, "cmd_id", e.cmd.ID, "status", e.Current())
			return
		default:
		}

		status := e.Current()
		st, ok := e.def.States[status]
		if !ok || st.Terminal {
			e.logger.Info("command reached terminal state",
				"target", e.cmd.Target, "cmd_type", e.cmd.Type, "cmd_id", e.cmd.ID, "status", status)
			return
		}

		started := time.Now()
		fields, err := e.runAction(st)

		select {
		case <-e.abandoned:
			return
		default:
		}

		next := nextState(e.def, st, err)
		e.mu.Lock()
		for k, v := range fields {
			if e.cmd.Payload == nil {
				e.cmd.Payload = make(map[string]json.RawMessage)
			}
			e.cmd.Payload[k] = v
		}
		if err != nil {
			e.cmd.SetField("reason", err.Error())
		} else {
			delete(e.cmd.Payload, "reason")
		}
		e.mu.Unlock()

		if err != nil {
			e.logger.Warn("command state action failed",
				"target", e.cmd.Target, "cmd_type", e.cmd.Type, "cmd_id", e.cmd.ID,
				"status", status, "next", next, "error", err)
		}

		e.persist(next, time.Since(started))
	}
}

// persist advances the command to the next state and writes the retained
// status message before the loop acts on it.
func (e *Executor) persist(next string, elapsed time.Duration) {
	e.mu.Lock()
	e.cmd.Status = next
	payload := e.cmd.Encode()
	target, cmdType, cmdID := e.cmd.Target, e.cmd.Type, e.cmd.ID
	e.mu.Unlock()

	if err := e.pub.PublishRetained(e.topic, payload); err != nil {
		e.logger.Error("persisting command status failed",
			"topic", e.topic, "status", next, "error", err)
	}
	if e.recorder != nil {
		if err := e.recorder.Record(context.Background(), string(target), cmdType, cmdID, next, payload); err != nil {
			e.logger.Warn("recording command transition failed",
				"cmd_type", cmdType, "cmd_id", cmdID, "error", err)
		}
	}
	if e.telemetry != nil {
		e.telemetry.WriteCommandTransition(string(target), cmdType, next, elapsed)
	}

	e.logger.Debug("command transitioned",
		"target", target, "cmd_type", cmdType, "cmd_id", cmdID, "status", next, "elapsed", elapsed)
}

// runAction executes the state's action and returns payload fields to
// merge. A nil action completes immediately with success.
func (e *Executor) runAction(st State) (map[string]json.RawMessage, error) {
	timeout := st.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	if timeout <= 0 {
		timeout = fallbackStateTimeout
	}

	switch action := st.Action.(type) {
	case nil:
		return nil, nil

	case BuiltinAction:
		return e.runBuiltin(action, timeout)

	case ScriptAction:
		return runScript(action, e.snapshotPayload(), timeout)

	case SubCommandAction:
		if e.subCommands == nil {
			return nil, errors.New("sub-commands are not available")
		}
		e.mu.Lock()
		parent := e.cmd
		e.mu.Unlock()
		child, err := e.subCommands.AwaitSubCommand(parent, action, timeout, e.abandoned)
		if err != nil {
			return nil, err
		}
		if child.Status != StatusSuccessful {
			reason := "reached state " + child.Status
			if raw, ok := child.Payload["reason"]; ok {
				var s string
				if json.Unmarshal(raw, &s) == nil && s != "" {
					reason = s
				}
			}
			return nil, fmt.Errorf("%w: %s", ErrSubCommandFailed, reason)
		}
		delete(child.Payload, "reason")
		return child.Payload, nil

	default:
		return nil, errors.New("unhandled action variant")
	}
}

// builtinResult carries a builtin's outcome across the timeout race.
type builtinResult struct {
	fields map[string]json.RawMessage
	err    error
}

// runBuiltin races the builtin against the state timeout. Builtins receive
// the deadline through their context, but the executor cannot rely on them
// honouring it: the deadline is enforced here, and a result arriving after
// it is discarded.
func (e *Executor) runBuiltin(action BuiltinAction, timeout time.Duration) (map[string]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	results := make(chan builtinResult, 1)
	go func() {
		fields, err := e.builtins.Run(ctx, action.Name, e.snapshotPayload())
		results <- builtinResult{fields: fields, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) {
			return nil, ErrActionTimeout
		}
		return res.fields, res.err
	case <-ctx.Done():
		e.logger.Warn("builtin overran state timeout",
			"cmd_type", e.cmd.Type, "cmd_id", e.cmd.ID, "builtin", action.Name, "timeout", timeout)
		return nil, ErrActionTimeout
	}
}

func (e *Executor) snapshotPayload() map[string]json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	copied := make(map[string]json.RawMessage, len(e.cmd.Payload))
	for k, v := range e.cmd.Payload {
		copied[k] = v
	}
	return copied
}

// nextState resolves the transition for an action outcome. Timeouts prefer
// on_timeout, then on_error; a missing transition lands in the failure state.
func nextState(def *Definition, st State, err error) string {
	switch {
	case err == nil:
		if st.OnSuccess != "" {
			return st.OnSuccess
		}
	case errors.Is(err, ErrActionTimeout):
		if st.OnTimeout != "" {
			return st.OnTimeout
		}
		if st.OnError != "" {
			return st.OnError
		}
	default:
		if st.OnError != "" {
			return st.OnError
		}
	}
	return def.FailureState
}
