package workflow

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

//go:embed definitions/*.toml
var defaultDefinitions embed.FS

// Registry holds the loaded workflow definitions keyed by command type.
//
// Built-in defaults are embedded in the binary; an operator directory can
// override or extend them. Lookups for unknown command types return a
// synthetic definition that rejects the command, so the executor always has
// a state machine to run.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*Definition
	logger Logger
}

// NewRegistry creates a registry populated with the embedded default
// definitions.
//
// Returns:
//   - *Registry: registry ready for lookups
//   - error: if an embedded definition fails to parse
func NewRegistry() (*Registry, error) {
	r := &Registry{
		defs:   make(map[string]*Definition),
		logger: &noopLogger{},
	}

	entries, err := defaultDefinitions.ReadDir("definitions")
	if err != nil {
		return nil, fmt.Errorf("workflow: reading embedded definitions: %w", err)
	}
	for _, e := range entries {
		data, err := defaultDefinitions.ReadFile("definitions/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("workflow: reading embedded %s: %w", e.Name(), err)
		}
		def, err := ParseDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("workflow: embedded %s: %w", e.Name(), err)
		}
		r.defs[def.Type] = def
	}

	return r, nil
}

// SetLogger sets the logger for registry operations.
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.mu.Lock()
		r.logger = logger
		r.mu.Unlock()
	}
}

// LoadDir loads operator-provided definitions from a directory,
// overriding embedded defaults with the same command type. A missing
// directory is not an error; an invalid file is skipped with a warning so
// one bad definition cannot take the remaining workflows down.
//
// Parameters:
//   - dir: directory scanned for *.toml files (non-recursive)
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("workflow: reading definitions dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("skipping unreadable workflow definition", "path", path, "error", err)
			continue
		}
		def, err := ParseDefinition(data)
		if err != nil {
			r.logger.Warn("skipping invalid workflow definition", "path", path, "error", err)
			continue
		}

		r.mu.Lock()
		if _, exists := r.defs[def.Type]; exists {
			r.logger.Info("overriding workflow definition", "type", def.Type, "path", path)
		} else {
			r.logger.Info("loaded workflow definition", "type", def.Type, "path", path)
		}
		r.defs[def.Type] = def
		r.mu.Unlock()
	}

	return nil
}

// Get returns the definition for a command type. Unknown types receive a
// synthetic definition whose only action is to reject the command, so
// callers never handle a nil definition.
func (r *Registry) Get(cmdType string) *Definition {
	r.mu.RLock()
	def, ok := r.defs[cmdType]
	r.mu.RUnlock()
	if ok {
		return def
	}
	return unsupportedDefinition(cmdType)
}

// Has reports whether a real (non-synthetic) definition exists.
func (r *Registry) Has(cmdType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[cmdType]
	return ok
}

// Types returns the registered command types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// unsupportedDefinition builds the fallback state machine for a command
// type without a definition: init runs a builtin that always errors, which
// lands the command in the failure terminal with a reason attached.
func unsupportedDefinition(cmdType string) *Definition {
	return &Definition{
		Type:         cmdType,
		FailureState: StatusFailed,
		States: map[string]State{
			StatusInit: {
				Action:    BuiltinAction{Name: builtinUnsupported},
				OnSuccess: StatusFailed,
				OnError:   StatusFailed,
			},
			StatusFailed: {Terminal: true},
		},
	}
}
