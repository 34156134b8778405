package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/canopyhq/canopy-agent/internal/entity"
)

// Well-known command states. Workflows may declare additional states;
// only "init" is mandatory.
const (
	// StatusInit is the state every command starts in.
	StatusInit = "init"

	// StatusSuccessful is the conventional success terminal state.
	StatusSuccessful = "successful"

	// StatusFailed is the conventional failure terminal state and the
	// default failure target when a transition is missing.
	StatusFailed = "failed"
)

// Command is one instance of a named operation targeting one entity.
// It is the decoded form of the retained message on the command topic.
type Command struct {
	// Target is the entity the operation applies to.
	Target entity.TopicID

	// Type is the operation name (restart, software_update, ...).
	Type string

	// ID is the caller-supplied token, unique per (target, type).
	ID string

	// Status is the current state name.
	Status string

	// Payload carries the cmd_type-specific JSON fields, everything in
	// the message except "status".
	Payload map[string]json.RawMessage
}

// Key identifies a command instance for tracking.
func (c Command) Key() string {
	return string(c.Target) + "|" + c.Type + "|" + c.ID
}

// DecodeCommand parses a command topic message body.
func DecodeCommand(target entity.TopicID, cmdType, cmdID string, payload []byte) (Command, error) {
	cmd := Command{
		Target: target,
		Type:   cmdType,
		ID:     cmdID,
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Command{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	rawStatus, ok := fields["status"]
	if !ok {
		return Command{}, fmt.Errorf("%w: missing status field", ErrInvalidEnvelope)
	}
	if err := json.Unmarshal(rawStatus, &cmd.Status); err != nil {
		return Command{}, fmt.Errorf("%w: status is not a string", ErrInvalidEnvelope)
	}
	delete(fields, "status")
	cmd.Payload = fields

	return cmd, nil
}

// Encode renders the retained message body for the command's current state.
func (c Command) Encode() []byte {
	doc := make(map[string]json.RawMessage, len(c.Payload)+1)
	for k, v := range c.Payload {
		doc[k] = v
	}
	status, _ := json.Marshal(c.Status) //nolint:errcheck // String marshal cannot fail
	doc["status"] = status

	data, _ := json.Marshal(doc) //nolint:errcheck // Map of raw JSON cannot fail
	return data
}

// SetField sets one payload field, replacing any previous value.
func (c *Command) SetField(key string, value any) {
	if c.Payload == nil {
		c.Payload = make(map[string]json.RawMessage)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.Payload[key] = data
}

// Action is what a workflow state does on entry. It is a closed union with
// exactly three variants: Builtin, Script, and SubCommand.
type Action interface {
	isAction()
}

// BuiltinAction invokes a fixed, named effect implemented natively.
type BuiltinAction struct {
	// Name of the builtin (e.g. "restart", "software_list").
	Name string
}

func (BuiltinAction) isAction() {}

// ScriptAction invokes an external executable. The command payload is
// serialized as JSON on stdin; stdout is expected to be a JSON fragment
// merged into the payload. Non-zero exit or unparsable output is an error
// outcome.
type ScriptAction struct {
	// Command is the executable path.
	Command string

	// Args are fixed command-line arguments.
	Args []string
}

func (ScriptAction) isAction() {}

// SubCommandAction delegates to a child command and suspends the state
// until the child reaches a terminal status.
type SubCommandAction struct {
	// Type is the child operation name.
	Type string

	// Target optionally names the child's target entity.
	// Empty means the same entity as the parent command.
	Target entity.TopicID
}

func (SubCommandAction) isAction() {}

// State is one node of a workflow's state machine.
type State struct {
	// Action runs on state entry. Nil means the state completes
	// immediately with a success outcome.
	Action Action

	// OnSuccess names the next state for a success outcome.
	OnSuccess string

	// OnError names the next state for an error outcome.
	// Empty falls back to the definition's failure state.
	OnError string

	// OnTimeout names the next state when Timeout elapses.
	// Empty falls back to OnError, then the failure state.
	OnTimeout string

	// Timeout bounds the action's run time. Zero means the engine
	// default applies.
	Timeout time.Duration

	// Terminal marks an end state. Terminal states have no action and
	// no transitions.
	Terminal bool
}

// Definition is the declarative state machine for one command type.
// Definitions are data, not code: built-in defaults ship embedded and can
// be overridden or extended by TOML files without recompilation.
type Definition struct {
	// Type is the command type this definition governs.
	Type string

	// States maps state name to its behaviour. "init" must exist.
	States map[string]State

	// FailureState is the terminal state used when a transition is
	// missing or an outcome has no declared target. Defaults to "failed".
	FailureState string
}

// IsTerminal reports whether a status names a terminal state. Unknown
// statuses are treated as terminal so malformed commands cannot be
// tracked forever.
func (d *Definition) IsTerminal(status string) bool {
	st, ok := d.States[status]
	if !ok {
		return true
	}
	return st.Terminal
}
