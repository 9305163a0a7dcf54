package agentloop

import (
	"encoding/json"
	"strings"
	"testing"
)

func decodeArgs(t *testing.T, raw string) map[string]any {
	t.Helper()
	args, err := ParseToolArguments(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("ParseToolArguments(%s): %v", raw, err)
	}
	return args
}

func TestValidateSandboxToolArguments(t *testing.T) {
	registry := NewSandboxToolRegistry()
	tests := []struct {
		tool    string
		args    string
		wantErr string
	}{
		{"exec", `{"command":"ls -la"}`, ""},
		{"exec", `{"command":"ls","timeout_ms":5000}`, ""},
		{"exec", `{}`, `missing required argument "command"`},
		{"exec", `{"command":""}`, `argument "command" must be at least 1 characters`},
		{"exec", `{"command":42}`, `argument "command" must be a string`},
		{"exec", `{"command":"ls","timeout_ms":1.5}`, `argument "timeout_ms" must be an integer`},
		{"exec", `{"command":"ls","timeout_ms":0}`, `argument "timeout_ms" must be at least 1`},
		{"exec", `{"command":"ls","cwd":"/"}`, `unknown argument "cwd"`},
		{"read_files", `{"files":["a.txt","b.txt"]}`, ""},
		{"read_files", `{"files":[]}`, `argument "files" must have at least 1 items`},
		{"read_files", `{"files":["a.txt",3]}`, `argument "files[1]" must be a string`},
		{"write_files", `{"files":[{"path":"a.txt","content":""}]}`, ""},
		{"write_files", `{"files":[{"path":"a.txt"}]}`, `missing required argument "files[0].content"`},
		{"write_files", `{"files":[{"path":"a.txt","content":"x","mode":"0644"}]}`, `unknown argument "files[0].mode"`},
		{"write_files", `{"files":["a.txt"]}`, `argument "files[0]" must be an object`},
		{"start_server", `{}`, ""},
		{"start_server", `{"install":"yes"}`, `argument "install" must be a boolean`},
		{"check_status", `{}`, ""},
		{"finalize", `{"summary":"Done"}`, ""},
		{"finalize", `{}`, `missing required argument "summary"`},
	}
	for _, tt := range tests {
		t.Run(tt.tool+" "+tt.args, func(t *testing.T) {
			tool := registry.Get(tt.tool)
			if tool == nil {
				t.Fatalf("tool %q not registered", tt.tool)
			}
			err := validateToolArguments(tool.Definition.Parameters, decodeArgs(t, tt.args))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Fatalf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRejectsBadSchemas(t *testing.T) {
	schema := map[string]any{"required": "command"}
	err := validateToolArguments(schema, map[string]any{})
	if err == nil || !strings.Contains(err.Error(), `"required" must be an array`) {
		t.Fatalf("error = %v", err)
	}
}

func TestParseToolArguments(t *testing.T) {
	args, err := ParseToolArguments(nil)
	if err != nil || len(args) != 0 {
		t.Fatalf("empty arguments: %v, %v", args, err)
	}
	if _, err := ParseToolArguments(json.RawMessage(`["not","an","object"]`)); err == nil {
		t.Fatal("expected error for array arguments")
	}
	args, err = ParseToolArguments(json.RawMessage(`null`))
	if err != nil || args == nil {
		t.Fatalf("null arguments: %v, %v", args, err)
	}
}
