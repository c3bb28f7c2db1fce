package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// Launcher abstracts running one action's command as a child process,
// capturing its combined stdout/stderr while also teeing it live to tee
// (the action's logfile, stdout when verbose, or both via io.MultiWriter).
// Tests substitute a fake Launcher rather than exec'ing a real process.
type Launcher interface {
	Launch(ctx context.Context, workingDir, command string, args []string, tee io.Writer) (exitCode int, output string, err error)
}

// ExecLauncher runs command as a real child process via os/exec, the
// reference implementation a production run uses.
type ExecLauncher struct{}

// NewExecLauncher returns a Launcher backed by os/exec.
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{}
}

// Launch starts command with args in workingDir, waits for it to exit, and
// returns its exit code and captured combined output. err is non-nil only
// when the process could not be started or stopped at all (a LaunchError
// condition); a nonzero exit code is reported through exitCode, not err.
func (l *ExecLauncher) Launch(ctx context.Context, workingDir, command string, args []string, tee io.Writer) (int, string, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = workingDir

	var captured bytes.Buffer
	out := io.Writer(&captured)
	if tee != nil {
		out = io.MultiWriter(&captured, tee)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	if err == nil {
		return 0, captured.String(), nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), captured.String(), nil
	}
	return -1, captured.String(), fmt.Errorf("launching %s: %w", command, err)
}
