package workflow

import (
	"fmt"
)

// Validate checks a definition's structural integrity at load time.
// Invalid definitions are rejected before any command can use them, so the
// executor never discovers a dangling transition mid-run.
//
// Returns:
//   - error: ErrInvalidDefinition wrapped with the specific violation
func (d *Definition) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidDefinition)
	}
	if len(d.States) == 0 {
		return fmt.Errorf("%w: %s declares no states", ErrInvalidDefinition, d.Type)
	}
	if _, ok := d.States[StatusInit]; !ok {
		return fmt.Errorf("%w: %s has no %q state", ErrInvalidDefinition, d.Type, StatusInit)
	}

	if d.FailureState == "" {
		d.FailureState = StatusFailed
	}
	failure, ok := d.States[d.FailureState]
	if !ok {
		return fmt.Errorf("%w: %s failure state %q is not declared", ErrInvalidDefinition, d.Type, d.FailureState)
	}
	if !failure.Terminal {
		return fmt.Errorf("%w: %s failure state %q is not terminal", ErrInvalidDefinition, d.Type, d.FailureState)
	}

	hasTerminal := false
	for name, st := range d.States {
		if st.Terminal {
			hasTerminal = true
			if st.Action != nil || st.OnSuccess != "" || st.OnError != "" || st.OnTimeout != "" {
				return fmt.Errorf("%w: %s terminal state %q has an action or transitions",
					ErrInvalidDefinition, d.Type, name)
			}
			continue
		}
		for _, target := range []string{st.OnSuccess, st.OnError, st.OnTimeout} {
			if target == "" {
				continue
			}
			if _, ok := d.States[target]; !ok {
				return fmt.Errorf("%w: %s state %q transitions to undeclared state %q",
					ErrInvalidDefinition, d.Type, name, target)
			}
		}
		if st.OnSuccess == "" {
			return fmt.Errorf("%w: %s state %q has no success transition",
				ErrInvalidDefinition, d.Type, name)
		}
		if sub, ok := st.Action.(SubCommandAction); ok && sub.Type == d.Type {
			return fmt.Errorf("%w: %s state %q delegates to its own command type",
				ErrInvalidDefinition, d.Type, name)
		}
	}
	if !hasTerminal {
		return fmt.Errorf("%w: %s has no terminal state", ErrInvalidDefinition, d.Type)
	}

	if !d.successPathTerminates() {
		return fmt.Errorf("%w: %s success path from %q never reaches a terminal state",
			ErrInvalidDefinition, d.Type, StatusInit)
	}

	return nil
}

// successPathTerminates follows on_success edges from init and reports
// whether they reach a terminal state. Error and timeout edges always fall
// back to the failure terminal, so only the success chain can loop forever.
func (d *Definition) successPathTerminates() bool {
	visited := make(map[string]bool, len(d.States))
	name := StatusInit

	for !visited[name] {
		visited[name] = true
		st, ok := d.States[name]
		if !ok {
			return false
		}
		if st.Terminal {
			return true
		}
		name = st.OnSuccess
	}
	return false
}
