// Package agentloop runs a durable, tool-calling agent against a sandbox.
//
// A Runner takes an Event carrying a free-text instruction and drives one
// run through a fixed sequence of phases:
//
//	PROVISIONING -> PROBING -> CONVERSING -> (TOOL_DISPATCH -> CONVERSING)* -> DONE
//
// Every externally visible action is a durable step recorded in a
// durable.Journal: sandbox creation, URL lookup, the dev server liveness
// check, each model turn and each tool call. Running the same Event (same
// RunID) again replays committed steps instead of repeating them, so an
// interrupted run resumes where it stopped.
//
// # Tools
//
// The model sees six tools: exec, read_files, write_files, start_server,
// check_status and finalize. Arguments are checked against each tool's JSON
// schema before the tool runs. Failures of any kind come back to the model as
// text ("Error: ...", "Invalid arguments for ...", "Unknown tool: ...") and
// never end the run.
//
// # Termination
//
// After each model turn the Runner checks its TerminationConditions (by
// default a turn ceiling of 10, a successful finalize call, or an obtained
// summary). A turn without tool calls also ends the run. The first summary
// obtained wins, whether it came from finalize or from a
// <task_summary>...</task_summary> block in the model's text.
//
// # Quick Start
//
//	runner, err := agentloop.NewRunner(agentloop.RunnerOptions{
//	    Model:     client, // *unifiedllm.Client
//	    Sandboxes: sandbox.NewLocalProvider(root, sandbox.WithTemplateDir(templates)),
//	    Journal:   journal,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := runner.Run(ctx, agentloop.Event{Instruction: "Add a login page"})
package agentloop
