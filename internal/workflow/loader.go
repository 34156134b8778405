package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/canopyhq/canopy-agent/internal/entity"
)

// duration wraps time.Duration for TOML decoding of "30s" style strings.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// definitionFile is the on-disk TOML shape of a workflow definition.
type definitionFile struct {
	Type         string               `toml:"type"`
	FailureState string               `toml:"failure_state"`
	States       map[string]stateFile `toml:"states"`
}

type stateFile struct {
	Action    *actionFile `toml:"action"`
	OnSuccess string      `toml:"on_success"`
	OnError   string      `toml:"on_error"`
	OnTimeout string      `toml:"on_timeout"`
	Timeout   duration    `toml:"timeout"`
	Terminal  bool        `toml:"terminal"`
}

// actionFile holds the raw action table. Exactly one of Builtin, Script,
// or SubCommand must be set.
type actionFile struct {
	Builtin    string   `toml:"builtin"`
	Script     string   `toml:"script"`
	Args       []string `toml:"args"`
	SubCommand string   `toml:"sub_command"`
	Target     string   `toml:"target"`
}

func (a *actionFile) toAction(defType, state string) (Action, error) {
	set := 0
	for _, v := range []string{a.Builtin, a.Script, a.SubCommand} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: %s state %q action must set exactly one of builtin, script, sub_command",
			ErrInvalidDefinition, defType, state)
	}

	switch {
	case a.Builtin != "":
		return BuiltinAction{Name: a.Builtin}, nil
	case a.Script != "":
		return ScriptAction{Command: a.Script, Args: a.Args}, nil
	default:
		var target entity.TopicID
		if a.Target != "" {
			parsed, err := entity.ParseTopicID(a.Target)
			if err != nil {
				return nil, fmt.Errorf("%w: %s state %q sub-command target: %w",
					ErrInvalidDefinition, defType, state, err)
			}
			target = parsed
		}
		return SubCommandAction{Type: a.SubCommand, Target: target}, nil
	}
}

// ParseDefinition decodes and validates one TOML workflow definition.
//
// Parameters:
//   - data: raw TOML document
//
// Returns:
//   - *Definition: the validated state machine
//   - error: decode failures or ErrInvalidDefinition
func ParseDefinition(data []byte) (*Definition, error) {
	var file definitionFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	def := &Definition{
		Type:         strings.TrimSpace(file.Type),
		FailureState: file.FailureState,
		States:       make(map[string]State, len(file.States)),
	}
	for name, sf := range file.States {
		st := State{
			OnSuccess: sf.OnSuccess,
			OnError:   sf.OnError,
			OnTimeout: sf.OnTimeout,
			Timeout:   sf.Timeout.Duration,
			Terminal:  sf.Terminal,
		}
		if sf.Action != nil {
			action, err := sf.Action.toAction(def.Type, name)
			if err != nil {
				return nil, err
			}
			st.Action = action
		}
		def.States[name] = st
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}
