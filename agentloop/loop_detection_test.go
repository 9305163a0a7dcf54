package agentloop

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/martinemde/sandcastle/unifiedllm"
)

func historyOf(calls ...string) []Turn {
	var history []Turn
	for i, c := range calls {
		resp := &unifiedllm.Response{Message: unifiedllm.Message{
			Role:    unifiedllm.RoleAssistant,
			Content: []unifiedllm.ContentPart{unifiedllm.ToolCallPart("id", c, json.RawMessage(`{"n":1}`))},
		}}
		history = append(history, NewAssistantTurn(resp))
		history = append(history, NewToolResultsTurn([]unifiedllm.ToolResultData{{ToolCallID: "id", Content: strings.Repeat("r", i)}}))
	}
	return history
}

func TestDetectLoop(t *testing.T) {
	tests := []struct {
		name   string
		calls  []string
		window int
		want   bool
	}{
		{"same call repeated", []string{"exec", "exec", "exec", "exec"}, 4, true},
		{"alternating pair", []string{"exec", "read_files", "exec", "read_files"}, 4, true},
		{"period three", []string{"a", "b", "c", "a", "b", "c"}, 6, true},
		{"varied", []string{"exec", "read_files", "write_files", "exec"}, 4, false},
		{"too short", []string{"exec", "exec"}, 4, false},
		{"window disabled", []string{"exec", "exec"}, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectLoop(historyOf(tt.calls...), tt.window); got != tt.want {
				t.Errorf("DetectLoop = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectLoopConsidersArguments(t *testing.T) {
	history := historyOf("exec", "exec", "exec")
	history[4].Assistant.ToolCalls[0].Arguments = json.RawMessage(`{"n":2}`)
	if DetectLoop(history, 3) {
		t.Error("calls with different arguments reported as a loop")
	}
}
