package workflow

import "errors"

// Domain errors for the workflow package.
//
// These errors can be checked using errors.Is() for error handling.
var (
	// ErrInvalidEnvelope is returned when a command message body cannot
	// be decoded.
	ErrInvalidEnvelope = errors.New("workflow: invalid command envelope")

	// ErrInvalidDefinition is returned when a workflow definition fails
	// load-time validation.
	ErrInvalidDefinition = errors.New("workflow: invalid definition")

	// ErrUnknownBuiltin is returned when a definition names a builtin
	// action that is not implemented.
	ErrUnknownBuiltin = errors.New("workflow: unknown builtin action")

	// ErrActionTimeout is returned when a state's action exceeds its timeout.
	ErrActionTimeout = errors.New("workflow: action timed out")

	// ErrScriptFailed is returned when a script action exits non-zero or
	// produces unparsable output.
	ErrScriptFailed = errors.New("workflow: script failed")

	// ErrAbandoned is returned when a command's bookkeeping is removed
	// because its target entity was deregistered.
	ErrAbandoned = errors.New("workflow: command abandoned")

	// ErrSubCommandFailed is returned when a delegated child command
	// reaches a failure terminal state.
	ErrSubCommandFailed = errors.New("workflow: sub-command failed")
)
