package agentloop

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/martinemde/sandcastle/unifiedllm"
)

// Dispatcher runs model tool calls against a ToolRegistry. Every call yields
// a tool result; failures come back as error text for the model.
type Dispatcher struct {
	Registry   *ToolRegistry
	CharLimits map[string]int
	LineLimits map[string]int
	Events     *EventEmitter
	Logger     *slog.Logger
}

// toolStepName is the journal step name for call index (1-based) of turn.
func toolStepName(turn, index int, tool string) string {
	return fmt.Sprintf("turn-%d/call-%d/%s", turn, index, tool)
}

// Dispatch handles one tool call:
// lookup -> validate -> execute (guarded) -> truncate -> emit -> return.
// env.Step must already name the call's journal step.
func (d *Dispatcher) Dispatch(ctx context.Context, call unifiedllm.ToolCallData, env *ToolEnv) unifiedllm.ToolResultData {
	runID := env.State.RunID
	logger := d.logger().With("run_id", runID, "tool", call.Name, "call_id", call.ID)
	d.Events.Emit(runID, EventToolCallStart, map[string]any{
		"tool_name": call.Name,
		"call_id":   call.ID,
		"step":      env.Step,
	})

	output, isError := d.execute(ctx, call, env)
	if isError {
		logger.Warn("tool call failed", "error", output)
	} else {
		env.State.RecordInvocation(call.Name)
		logger.Debug("tool call completed", "bytes", len(output))
	}

	d.Events.Emit(runID, EventToolCallEnd, map[string]any{
		"tool_name": call.Name,
		"call_id":   call.ID,
		"output":    output, // full, untruncated
		"is_error":  isError,
	})

	return unifiedllm.ToolResultData{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    TruncateToolOutput(output, call.Name, d.CharLimits, d.LineLimits),
		IsError:    isError,
	}
}

func (d *Dispatcher) execute(ctx context.Context, call unifiedllm.ToolCallData, env *ToolEnv) (string, bool) {
	registered := d.Registry.Get(call.Name)
	if registered == nil {
		return fmt.Sprintf("Unknown tool: %s", call.Name), true
	}

	args, err := ParseToolArguments(call.Arguments)
	if err != nil {
		return fmt.Sprintf("Invalid arguments for %s: %v", call.Name, err), true
	}
	if err := validateToolArguments(registered.Definition.Parameters, args); err != nil {
		return fmt.Sprintf("Invalid arguments for %s: %v", call.Name, err), true
	}

	output, err := runGuarded(ctx, registered.Executor, args, env)
	if err != nil {
		return "Error: " + err.Error(), true
	}
	return output, false
}

// runGuarded calls exec, turning a panic into an error.
func runGuarded(ctx context.Context, exec ToolExecutor, args map[string]any, env *ToolEnv) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			output, err = "", fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return exec(ctx, args, env)
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}
