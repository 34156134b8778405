package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

const builtinUnsupported = "unsupported"

// OSExec runs an operating system command and returns its combined output.
// Tests substitute a fake so builtins can run without touching the host.
type OSExec func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultOSExec(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// BuiltinFunc is one natively implemented workflow action. It receives the
// command payload and returns fields to merge back into it.
type BuiltinFunc func(ctx context.Context, payload map[string]json.RawMessage) (map[string]json.RawMessage, error)

// Builtins is the table of named effects workflow definitions can invoke
// without shelling out to a script.
//
// Thread Safety: safe for concurrent use after construction.
type Builtins struct {
	fileDir string
	execFn  OSExec
	table   map[string]BuiltinFunc
}

// NewBuiltins creates the builtin action table.
//
// Parameters:
//   - fileDir: directory backing the agent file store, used by the
//     config and log builtins
//   - execFn: command runner, nil for the real one
func NewBuiltins(fileDir string, execFn OSExec) *Builtins {
	if execFn == nil {
		execFn = defaultOSExec
	}
	b := &Builtins{fileDir: fileDir, execFn: execFn}
	b.table = map[string]BuiltinFunc{
		"restart":          b.restart,
		"software_list":    b.softwareList,
		"software_apply":   b.softwareApply,
		"config_snapshot":  b.configSnapshot,
		"config_update":    b.configUpdate,
		"log_upload":       b.logUpload,
		builtinUnsupported: b.unsupported,
	}
	return b
}

// Run executes the named builtin.
func (b *Builtins) Run(ctx context.Context, name string, payload map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	fn, ok := b.table[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBuiltin, name)
	}
	return fn(ctx, payload)
}

// restart schedules a host reboot one minute out, leaving time for the
// terminal status to be persisted and acknowledged.
func (b *Builtins) restart(ctx context.Context, _ map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	if out, err := b.execFn(ctx, "shutdown", "-r", "+1"); err != nil {
		return nil, fmt.Errorf("scheduling reboot: %w: %s", err, firstLine(out))
	}
	return nil, nil
}

// softwareList reports the installed software modules. Without a package
// manager integration configured the inventory is empty.
func (b *Builtins) softwareList(_ context.Context, _ map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	return map[string]json.RawMessage{
		"current_software_list": json.RawMessage(`[]`),
	}, nil
}

// softwareApply applies the requested module changes. An empty update list
// is a no-op; a non-empty one needs a package manager integration.
func (b *Builtins) softwareApply(_ context.Context, payload map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	raw, ok := payload["update_list"]
	if !ok {
		return nil, nil
	}
	var updates []json.RawMessage
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("decoding update_list: %w", err)
	}
	if len(updates) > 0 {
		return nil, errors.New("no software manager configured for this device")
	}
	return nil, nil
}

// configSnapshot copies the file at payload "path" into the file store and
// reports the stored name under "file".
func (b *Builtins) configSnapshot(_ context.Context, payload map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	path, err := stringField(payload, "path")
	if err != nil {
		return nil, err
	}
	name := "snapshot-" + filepath.Base(path)
	if err := copyFile(path, filepath.Join(b.fileDir, name)); err != nil {
		return nil, fmt.Errorf("capturing %s: %w", path, err)
	}
	return map[string]json.RawMessage{"file": mustJSON(name)}, nil
}

// configUpdate copies a previously uploaded file from the file store onto
// the target path given in the payload.
func (b *Builtins) configUpdate(_ context.Context, payload map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	file, err := stringField(payload, "file")
	if err != nil {
		return nil, err
	}
	path, err := stringField(payload, "path")
	if err != nil {
		return nil, err
	}
	src := filepath.Join(b.fileDir, filepath.Base(file))
	if err := copyFile(src, path); err != nil {
		return nil, fmt.Errorf("applying %s: %w", file, err)
	}
	return nil, nil
}

// logUpload copies the log file at payload "path" into the file store.
func (b *Builtins) logUpload(_ context.Context, payload map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	path, err := stringField(payload, "path")
	if err != nil {
		return nil, err
	}
	name := "log-" + filepath.Base(path)
	if err := copyFile(path, filepath.Join(b.fileDir, name)); err != nil {
		return nil, fmt.Errorf("collecting %s: %w", path, err)
	}
	return map[string]json.RawMessage{"file": mustJSON(name)}, nil
}

func (b *Builtins) unsupported(_ context.Context, _ map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	return nil, errors.New("unrecognised command type")
}

func stringField(payload map[string]json.RawMessage, key string) (string, error) {
	raw, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("payload is missing %q", key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("payload field %q is not a string", key)
	}
	if s == "" {
		return "", fmt.Errorf("payload field %q is empty", key)
	}
	return s, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func firstLine(out []byte) string {
	for i, b := range out {
		if b == '\n' {
			return string(out[:i])
		}
	}
	return string(out)
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v) //nolint:errcheck // Strings cannot fail to marshal
	return data
}
