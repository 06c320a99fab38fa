// Package process runs the external commands the exporter depends on
// and looks up process metadata.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner runs a command to completion and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

var _ CommandRunner = RunCommand

// RunCommand runs the command and returns its stdout.
// The stderr is attached to the error when the command exits non-zero.
func RunCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s exited with %d: %w (%s)", name, exitErr.ExitCode(), err, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return out, nil
}
