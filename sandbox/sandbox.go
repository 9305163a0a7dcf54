// Package sandbox defines the remote execution environment an agent run works
// in, and a local implementation that runs commands on this machine.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Provider.Connect for an unknown sandbox ID.
var ErrNotFound = errors.New("sandbox not found")

// Provider creates and reconnects to sandboxes.
type Provider interface {
	// Create provisions a new sandbox from template and returns its ID.
	Create(ctx context.Context, template string) (string, error)

	// Connect returns a handle to a previously created sandbox.
	Connect(ctx context.Context, id string) (Sandbox, error)
}

// Sandbox is a handle to one provisioned environment.
type Sandbox interface {
	ID() string

	// Host returns the public host name (with port) that reaches port inside
	// the sandbox.
	Host(port int) string

	// Run executes a non-interactive shell command. A non-zero exit status is
	// reported as a *CommandExitError.
	Run(ctx context.Context, command string, opts CommandOptions) (*CommandResult, error)

	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
}

// CommandOptions configures a single Run call.
type CommandOptions struct {
	// OnStdout and OnStderr receive output chunks as they are produced.
	OnStdout func(string)
	OnStderr func(string)

	// Timeout bounds the command. Zero means no timeout beyond ctx.
	Timeout time.Duration

	// Env adds environment variables for this command only.
	Env map[string]string
}

// CommandResult holds the outcome of a command that exited successfully.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Output returns combined stdout and stderr.
func (r CommandResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// CommandExitError reports a command that exited with a non-zero status or
// timed out. The captured streams are kept so callers can show them.
type CommandExitError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

func (e *CommandExitError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("command timed out: %s", e.Command)
	}
	return fmt.Sprintf("command exited with code %d: %s", e.ExitCode, e.Command)
}
