package agentloop

import (
	"encoding/json"
	"testing"

	"github.com/martinemde/sandcastle/unifiedllm"
)

func TestConvertHistoryToMessages(t *testing.T) {
	resp := &unifiedllm.Response{ID: "r1", Message: unifiedllm.Message{
		Role: unifiedllm.RoleAssistant,
		Content: []unifiedllm.ContentPart{
			unifiedllm.TextPart("Let me look."),
			unifiedllm.ToolCallPart("c1", "exec", json.RawMessage(`{"command":"ls"}`)),
		},
	}}
	history := []Turn{
		NewUserTurn("Build it"),
		NewAssistantTurn(resp),
		NewToolResultsTurn([]unifiedllm.ToolResultData{{ToolCallID: "c1", Name: "exec", Content: "a.txt"}}),
		NewSteeringTurn("Try something else"),
	}

	msgs := ConvertHistoryToMessages(history)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != unifiedllm.RoleUser || msgs[0].TextContent() != "Build it" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != unifiedllm.RoleAssistant || msgs[1].TextContent() != "Let me look." {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if calls := msgs[1].ToolCalls(); len(calls) != 1 || calls[0].Name != "exec" {
		t.Errorf("assistant tool calls = %+v", calls)
	}
	if msgs[2].Role != unifiedllm.RoleTool || msgs[2].ToolCallID != "c1" {
		t.Errorf("tool message = %+v", msgs[2])
	}
	if msgs[3].Role != unifiedllm.RoleUser || msgs[3].TextContent() != "Try something else" {
		t.Errorf("steering message = %+v", msgs[3])
	}
}

func TestToolRegistryKeepsRegistrationOrder(t *testing.T) {
	r := NewToolRegistry()
	r.Register(RegisteredTool{Definition: unifiedllm.ToolDefinition{Name: "b"}})
	r.Register(RegisteredTool{Definition: unifiedllm.ToolDefinition{Name: "a"}})
	r.Register(RegisteredTool{Definition: unifiedllm.ToolDefinition{Name: "b", Description: "replaced"}})

	names := r.Names()
	if len(names) != 2 || names[0] != "b" || names[1] != "a" {
		t.Fatalf("Names() = %v", names)
	}
	if r.Get("b").Definition.Description != "replaced" {
		t.Error("re-registering did not replace the tool")
	}
	if r.Count() != 2 || r.Get("missing") != nil {
		t.Error("unexpected registry contents")
	}
}
