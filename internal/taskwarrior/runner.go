package taskwarrior

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/njoerd114/taskrelay/internal/side"
)

// Runner executes the task binary. Defining it as an interface allows mock
// injection in tests.
type Runner interface {
	// Run invokes task with args, feeding stdin when non-nil, and returns
	// standard output.
	Run(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error)
}

// baseArgs keep task non-interactive and its output machine readable.
var baseArgs = []string{
	"rc.confirmation=off",
	"rc.bulk=0",
	"rc.verbose=nothing",
	"rc.json.array=on",
	"rc.recurrence.confirmation=no",
	"rc.dependency.confirmation=no",
}

// ExecRunner runs the real task binary.
type ExecRunner struct {
	// Binary is the task executable, "task" when empty.
	Binary string
	// TaskRC overrides the TASKRC environment variable when set.
	TaskRC string
}

// Run implements [Runner].
func (r ExecRunner) Run(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	bin := r.Binary
	if bin == "" {
		bin = "task"
	}

	cmd := exec.CommandContext(ctx, bin, append(append([]string{}, baseArgs...), args...)...)
	if r.TaskRC != "" {
		cmd.Env = append(os.Environ(), "TASKRC="+r.TaskRC)
	}
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("running %s: %w: %w", bin, side.ErrConnection, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("running %s: %w", bin, ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return nil, fmt.Errorf("task %s: %w: %s", strings.Join(args, " "), err, msg)
	}
	return stdout.Bytes(), nil
}
