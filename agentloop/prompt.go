package agentloop

import (
	"fmt"
	"strings"
	"time"
)

// promptContext is what the system prompt needs to know about a run.
type promptContext struct {
	SandboxURL   string
	Server       ServerConfig
	Model        string
	Instructions string
	Now          time.Time
}

// buildSystemPrompt assembles the base prompt, the environment block, the
// tool list and any configured extra instructions.
func buildSystemPrompt(pc promptContext, registry *ToolRegistry) string {
	var sb strings.Builder

	sb.WriteString(sandboxBasePrompt)
	sb.WriteString("\n\n")

	sb.WriteString(buildEnvironmentContext(pc))
	sb.WriteString("\n\n")

	sb.WriteString("# Available Tools\n\n")
	for _, def := range registry.Definitions() {
		fmt.Fprintf(&sb, "## %s\n%s\n\n", def.Name, def.Description)
	}

	if pc.Instructions != "" {
		sb.WriteString("# Additional Instructions\n\n")
		sb.WriteString(pc.Instructions)
		sb.WriteString("\n\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}

func buildEnvironmentContext(pc promptContext) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	if pc.SandboxURL != "" {
		fmt.Fprintf(&sb, "Preview URL: %s\n", pc.SandboxURL)
	}
	fmt.Fprintf(&sb, "Dev server port: %d\n", pc.Server.Port)
	if pc.Server.StartCommand != "" {
		fmt.Fprintf(&sb, "Dev server command: %s\n", pc.Server.StartCommand)
	}
	if pc.Server.LogPath != "" {
		fmt.Fprintf(&sb, "Dev server log: %s\n", pc.Server.LogPath)
	}
	if !pc.Now.IsZero() {
		fmt.Fprintf(&sb, "Today's date: %s\n", pc.Now.Format("2006-01-02"))
	}
	if pc.Model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", pc.Model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

const sandboxBasePrompt = `You are an autonomous coding agent working inside an isolated sandbox that hosts a web application and its dev server. You complete the user's task by running commands, reading and writing files, and checking that the app still serves.

# Core Principles

- Read files before changing them. Understand the existing code first.
- Write complete file contents with write_files; partial edits are not supported.
- Keep changes focused on the task.
- Use non-interactive commands only. Never start a command that waits for input.
- Do not start long-running processes with exec; use start_server for the dev server.

# Tool Usage Guidelines

- Use exec for shell commands such as listing files, installing packages, or running tests.
- Use read_files to inspect one or more files.
- Use write_files to create or overwrite files.
- Use check_status after changes to confirm the dev server still answers.
- Use start_server if the dev server is down; set install when dependencies changed.

# Error Handling

- Tool failures come back as text starting with "Error:". Read the output, fix the cause, and try again.
- If the dev server does not answer, read its log before restarting it.

# Finishing

- When the task is complete, call finalize with a short summary of what you did.
- If you cannot call tools, end your final message with the summary wrapped in <task_summary></task_summary> tags.`
