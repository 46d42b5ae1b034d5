package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// CommandRunner runs host subprocesses. The image build goes through it.
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner with os/exec.
type ExecRunner struct{}

// RunCommand runs args[0] with the remaining args. A non-zero exit is
// reported through exitCode, not err.
func (ExecRunner) RunCommand(ctx context.Context, args []string) (string, string, int, error) {
	if len(args) == 0 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // argv is assembled internally

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("running %s: %w", args[0], err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// FileChecker reports whether host paths exist.
type FileChecker interface {
	Exists(path string) (bool, error)
}

// OSFiles implements FileChecker against the real filesystem.
type OSFiles struct{}

func (OSFiles) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}
