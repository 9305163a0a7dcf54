package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/martinemde/sandcastle/durable"
	"github.com/martinemde/sandcastle/sandbox"
	"github.com/martinemde/sandcastle/unifiedllm"
)

const (
	execToolName        = "exec"
	readFilesToolName   = "read_files"
	writeFilesToolName  = "write_files"
	startServerToolName = "start_server"
	checkStatusToolName = "check_status"
	finalizeToolName    = "finalize"
)

const finalizeAcknowledgement = "Task finalized."

// ToolEnv is what a tool executor works against for one call.
type ToolEnv struct {
	Executor *durable.Executor
	Sandbox  sandbox.Sandbox
	State    *RunState

	// Step names the journal step for this call's side effect.
	Step string

	Server         ServerConfig
	CommandTimeout time.Duration

	// OnOutput receives command output as it is produced. May be nil.
	OnOutput func(stream, chunk string)

	Logger *slog.Logger
}

// NewSandboxToolRegistry returns a registry holding the sandbox tools.
func NewSandboxToolRegistry() *ToolRegistry {
	r := NewToolRegistry()
	r.Register(execTool())
	r.Register(readFilesTool())
	r.Register(writeFilesTool())
	r.Register(startServerTool())
	r.Register(checkStatusTool())
	r.Register(finalizeTool())
	return r
}

func execTool() RegisteredTool {
	return RegisteredTool{
		Definition: toolDefinition(execToolName,
			"Run a non-interactive shell command in the sandbox and return its stdout. "+
				"Commands that exit non-zero report an error with stdout and stderr.",
			map[string]any{
				"command":    map[string]any{"type": "string", "minLength": 1, "description": "The shell command to run."},
				"timeout_ms": map[string]any{"type": "integer", "minimum": 1, "description": "Override the command timeout in milliseconds."},
			},
			"command",
		),
		Executor: executeExec,
	}
}

// commandOutcome is the journaled form of a command that ran to completion,
// whatever its exit status.
type commandOutcome struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

func executeExec(ctx context.Context, args map[string]any, env *ToolEnv) (string, error) {
	command, _ := GetStringArg(args, "command")
	timeout := env.CommandTimeout
	if ms, ok := GetIntArg(args, "timeout_ms"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	out, err := durable.Step(ctx, env.Executor, env.Step, func(ctx context.Context) (commandOutcome, error) {
		res, err := env.Sandbox.Run(ctx, command, sandbox.CommandOptions{
			Timeout:  timeout,
			OnStdout: env.streamTo("stdout"),
			OnStderr: env.streamTo("stderr"),
		})
		var exitErr *sandbox.CommandExitError
		if errors.As(err, &exitErr) {
			return commandOutcome{
				Stdout:   exitErr.Stdout,
				Stderr:   exitErr.Stderr,
				ExitCode: exitErr.ExitCode,
				TimedOut: exitErr.TimedOut,
			}, nil
		}
		if err != nil {
			return commandOutcome{}, err
		}
		return commandOutcome{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
	})
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 || out.TimedOut {
		return "", commandFailure(command, out)
	}
	return out.Stdout, nil
}

func commandFailure(command string, out commandOutcome) error {
	cause := &sandbox.CommandExitError{
		Command:  command,
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		TimedOut: out.TimedOut,
	}
	var b strings.Builder
	if out.Stdout != "" {
		b.WriteString("\nstdout:\n")
		b.WriteString(out.Stdout)
	}
	if out.Stderr != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(out.Stderr)
	}
	return fmt.Errorf("%w%s", cause, b.String())
}

func (env *ToolEnv) streamTo(stream string) func(string) {
	if env.OnOutput == nil {
		return nil
	}
	return func(chunk string) { env.OnOutput(stream, chunk) }
}

func readFilesTool() RegisteredTool {
	return RegisteredTool{
		Definition: toolDefinition(readFilesToolName,
			"Read the full content of one or more files in the sandbox.",
			map[string]any{
				"files": map[string]any{
					"type":        "array",
					"minItems":    1,
					"items":       map[string]any{"type": "string", "minLength": 1},
					"description": "Paths of the files to read.",
				},
			},
			"files",
		),
		Executor: executeReadFiles,
	}
}

type fileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func executeReadFiles(ctx context.Context, args map[string]any, env *ToolEnv) (string, error) {
	paths := stringItems(args["files"])
	contents, err := durable.Step(ctx, env.Executor, env.Step, func(ctx context.Context) ([]fileContent, error) {
		out := make([]fileContent, 0, len(paths))
		for _, p := range paths {
			content, err := env.Sandbox.ReadFile(ctx, p)
			if err != nil {
				return nil, err
			}
			out = append(out, fileContent{Path: p, Content: content})
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}
	return marshalResult(contents)
}

func writeFilesTool() RegisteredTool {
	return RegisteredTool{
		Definition: toolDefinition(writeFilesToolName,
			"Create or overwrite files in the sandbox. Returns every file written during this run.",
			map[string]any{
				"files": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"path":    map[string]any{"type": "string", "minLength": 1},
							"content": map[string]any{"type": "string"},
						},
						"required":             []string{"path", "content"},
						"additionalProperties": false,
					},
					"description": "Files to write, each with a path and its full content.",
				},
			},
			"files",
		),
		Executor: executeWriteFiles,
	}
}

func executeWriteFiles(ctx context.Context, args map[string]any, env *ToolEnv) (string, error) {
	items, _ := args["files"].([]any)
	files := make([]fileContent, 0, len(items))
	for _, item := range items {
		obj, _ := item.(map[string]any)
		path, _ := GetStringArg(obj, "path")
		content, _ := GetStringArg(obj, "content")
		files = append(files, fileContent{Path: path, Content: content})
	}

	err := durable.Do(ctx, env.Executor, env.Step, func(ctx context.Context) error {
		for _, f := range files {
			if err := env.Sandbox.WriteFile(ctx, f.Path, f.Content); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	written := make(map[string]string, len(files))
	for _, f := range files {
		written[f.Path] = f.Content
	}
	env.State.RecordFiles(written)
	return marshalResult(env.State.Files())
}

func startServerTool() RegisteredTool {
	return RegisteredTool{
		Definition: toolDefinition(startServerToolName,
			"Launch the dev server in the background, optionally installing dependencies first. "+
				"Output goes to the server log.",
			map[string]any{
				"install": map[string]any{"type": "boolean", "description": "Run the install command before starting."},
				"command": map[string]any{"type": "string", "minLength": 1, "description": "Start command. Defaults to the configured dev server command."},
			},
		),
		Executor: executeStartServer,
	}
}

func executeStartServer(ctx context.Context, args map[string]any, env *ToolEnv) (string, error) {
	install, _ := GetBoolArg(args, "install")
	command, ok := GetStringArg(args, "command")
	if !ok {
		command = env.Server.StartCommand
	}
	pid, err := durable.Step(ctx, env.Executor, env.Step, func(ctx context.Context) (int, error) {
		return startServer(ctx, env.Sandbox, env.Server, command, install)
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Server started (pid %d), logging to %s", pid, env.Server.LogPath), nil
}

func checkStatusTool() RegisteredTool {
	return RegisteredTool{
		Definition: toolDefinition(checkStatusToolName,
			"Request the dev server once and report the HTTP status code.",
			map[string]any{},
		),
		Executor: executeCheckStatus,
	}
}

func executeCheckStatus(ctx context.Context, _ map[string]any, env *ToolEnv) (string, error) {
	code, err := durable.Step(ctx, env.Executor, env.Step, func(ctx context.Context) (int, error) {
		return checkHTTPStatus(ctx, env.Sandbox, env.Server)
	})
	if err != nil {
		return "", err
	}
	if code == 0 {
		return "", fmt.Errorf("no response from dev server on port %d; check %s", env.Server.Port, env.Server.LogPath)
	}
	return fmt.Sprintf("HTTP %d", code), nil
}

func finalizeTool() RegisteredTool {
	return RegisteredTool{
		Definition: toolDefinition(finalizeToolName,
			"Finish the task. Call this once the work is complete, with a short summary of what was done.",
			map[string]any{
				"summary": map[string]any{"type": "string", "minLength": 1, "description": "What was accomplished."},
			},
			"summary",
		),
		Executor: executeFinalize,
	}
}

func executeFinalize(ctx context.Context, args map[string]any, env *ToolEnv) (string, error) {
	summary, _ := GetStringArg(args, "summary")
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", errors.New("summary must not be blank")
	}
	recorded, err := durable.Step(ctx, env.Executor, env.Step, func(context.Context) (string, error) {
		return summary, nil
	})
	if err != nil {
		return "", err
	}
	if env.State.OfferSummary(recorded, SummaryFromFinalize) {
		env.logger().Info("summary recorded", "source", SummaryFromFinalize)
	}
	env.State.SummaryAchieved = true
	return finalizeAcknowledgement, nil
}

func toolDefinition(name, description string, properties map[string]any, required ...string) unifiedllm.ToolDefinition {
	params := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return unifiedllm.ToolDefinition{Name: name, Description: description, Parameters: params}
}

func stringItems(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func marshalResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}

func (env *ToolEnv) logger() *slog.Logger {
	if env.Logger == nil {
		return slog.Default()
	}
	return env.Logger
}
