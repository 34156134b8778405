package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// killGracePeriod is how long a timed-out script gets between SIGTERM and
// SIGKILL.
const killGracePeriod = 5 * time.Second

// runScript executes a script action.
//
// The command payload is written to the script's stdin as a JSON document.
// Stdout, if non-empty, must be a JSON object whose fields are merged into
// the payload. The script runs in its own process group so a timeout can
// take down any children it spawned.
//
// Parameters:
//   - action: the script to run
//   - payload: command payload fields
//   - timeout: hard bound on run time
//
// Returns:
//   - map: fields from stdout to merge into the payload, nil if none
//   - error: ErrScriptFailed for non-zero exit or bad output,
//     ErrActionTimeout when the deadline passed
func runScript(action ScriptAction, payload map[string]json.RawMessage, timeout time.Duration) (map[string]json.RawMessage, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding payload: %w", ErrScriptFailed, err)
	}

	cmd := exec.Command(action.Command, action.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %w", ErrScriptFailed, action.Command, err)
	}
	pid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w: %s", ErrScriptFailed, action.Command, err, firstLine(stderr.Bytes()))
		}
	case <-timer.C:
		// Negative pid signals the whole process group.
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
			syscall.Kill(-pid, syscall.SIGKILL) //nolint:errcheck // Group may already be gone
		}
		select {
		case <-done:
		case <-time.After(killGracePeriod):
			syscall.Kill(-pid, syscall.SIGKILL) //nolint:errcheck // Group may already be gone
			<-done
		}
		return nil, fmt.Errorf("%w: %s exceeded %s", ErrActionTimeout, action.Command, timeout)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s produced unparsable output: %w", ErrScriptFailed, action.Command, err)
	}
	delete(fields, "status")
	return fields, nil
}
