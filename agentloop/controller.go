package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/sandcastle/durable"
	"github.com/martinemde/sandcastle/liveness"
	"github.com/martinemde/sandcastle/sandbox"
	"github.com/martinemde/sandcastle/unifiedllm"
)

// Phase is the controller state a run is in.
type Phase string

const (
	PhaseProvisioning Phase = "PROVISIONING"
	PhaseProbing      Phase = "PROBING"
	PhaseConversing   Phase = "CONVERSING"
	PhaseToolDispatch Phase = "TOOL_DISPATCH"
	PhaseDone         Phase = "DONE"
)

// Model is the language model backend. *unifiedllm.Client satisfies it.
type Model interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
}

// Event triggers a run. Reusing a RunID resumes that run from its journal.
type Event struct {
	RunID       string `json:"runId,omitempty"`
	Instruction string `json:"instruction"`
}

// Result is the return value of a finished run. Summary is nil when the
// model never produced one.
type Result struct {
	RunID      string            `json:"runId"`
	Title      string            `json:"title"`
	Files      map[string]string `json:"files"`
	Summary    *string           `json:"summary"`
	SandboxURL string            `json:"sandboxUrl"`
	Turns      int               `json:"turns"`
	StopReason StopReason        `json:"stopReason"`
}

// Config holds the settings of a Runner.
type Config struct {
	Model       string   `json:"model"`
	Provider    string   `json:"provider,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`

	MaxTurns  int    `json:"max_turns"`
	Template  string `json:"template"`
	URLScheme string `json:"url_scheme"`

	Server         ServerConfig     `json:"server"`
	Liveness       liveness.Options `json:"liveness"`
	CommandTimeout time.Duration    `json:"command_timeout"`

	// Instructions are appended to the system prompt.
	Instructions string `json:"instructions,omitempty"`

	ToolOutputLimits    map[string]int `json:"tool_output_limits,omitempty"`
	ToolLineLimits      map[string]int `json:"tool_line_limits,omitempty"`
	EnableLoopDetection bool           `json:"enable_loop_detection"`
	LoopDetectionWindow int            `json:"loop_detection_window"`
}

// DefaultConfig returns the default run configuration.
func DefaultConfig() Config {
	return Config{
		MaxTurns:  DefaultMaxTurns,
		URLScheme: "https",
		Server:    DefaultServerConfig(),
		Liveness: liveness.Options{
			MaxPolls:     liveness.DefaultMaxPolls,
			PollInterval: liveness.DefaultPollInterval,
		},
		CommandTimeout:      2 * time.Minute,
		EnableLoopDetection: true,
		LoopDetectionWindow: 6,
	}
}

// RunnerOptions wires a Runner to its collaborators.
type RunnerOptions struct {
	Model     Model
	Sandboxes sandbox.Provider
	Journal   durable.Journal

	// Config defaults to DefaultConfig().
	Config *Config
	// Tools defaults to NewSandboxToolRegistry().
	Tools *ToolRegistry
	// Termination defaults to DefaultTermination(Config.MaxTurns).
	Termination []TerminationCondition

	Events *EventEmitter
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Runner executes agent runs. It holds no per-run state and may serve
// concurrent Run calls.
type Runner struct {
	model       Model
	sandboxes   sandbox.Provider
	journal     durable.Journal
	config      Config
	tools       *ToolRegistry
	termination []TerminationCondition
	dispatcher  *Dispatcher
	events      *EventEmitter
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewRunner validates opts and returns a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Model == nil {
		return nil, errors.New("agentloop: model is required")
	}
	if opts.Sandboxes == nil {
		return nil, errors.New("agentloop: sandbox provider is required")
	}
	if opts.Journal == nil {
		return nil, errors.New("agentloop: journal is required")
	}

	cfg := DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	tools := opts.Tools
	if tools == nil {
		tools = NewSandboxToolRegistry()
	}
	termination := opts.Termination
	if len(termination) == 0 {
		termination = DefaultTermination(cfg.MaxTurns)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		model:       opts.Model,
		sandboxes:   opts.Sandboxes,
		journal:     opts.Journal,
		config:      cfg,
		tools:       tools,
		termination: termination,
		dispatcher: &Dispatcher{
			Registry:   tools,
			CharLimits: cfg.ToolOutputLimits,
			LineLimits: cfg.ToolLineLimits,
			Events:     opts.Events,
			Logger:     logger,
		},
		events: opts.Events,
		logger: logger,
		tracer: opts.Tracer,
	}, nil
}

// run carries the state of one Run call.
type run struct {
	*Runner
	ex      *durable.Executor
	state   *RunState
	sandbox sandbox.Sandbox
	history []Turn
	logger  *slog.Logger
}

// Run executes ev to completion and returns the composed result. Provisioning
// failures are returned as *ProvisioningError. Tool failures never end the
// run; they are reported to the model.
func (r *Runner) Run(ctx context.Context, ev Event) (*Result, error) {
	runID := ev.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := r.logger.With("run_id", runID)
	rn := &run{
		Runner: r,
		ex:     durable.NewExecutor(r.journal, runID, durable.WithLogger(logger), durable.WithTracer(r.tracer)),
		state:  NewRunState(runID),
		logger: logger,
	}

	r.events.Emit(runID, EventRunStart, map[string]any{"instruction": ev.Instruction})
	logger.Info("run started")

	result, err := rn.execute(ctx, ev.Instruction)
	if err != nil {
		r.events.Emit(runID, EventError, map[string]any{"error": err.Error()})
		logger.Error("run failed", "error", err)
		return nil, err
	}

	r.events.Emit(runID, EventRunEnd, map[string]any{
		"stop_reason": string(result.StopReason),
		"turns":       result.Turns,
		"summary":     result.Summary != nil,
	})
	logger.Info("run finished", "stop_reason", result.StopReason, "turns", result.Turns, "files", len(result.Files))
	return result, nil
}

func (rn *run) execute(ctx context.Context, instruction string) (*Result, error) {
	// A resumed run keeps the instruction it started with.
	instruction, err := durable.Step(ctx, rn.ex, "instruction", func(context.Context) (string, error) {
		return instruction, nil
	})
	if err != nil {
		return nil, fmt.Errorf("record instruction: %w", err)
	}

	rn.enter(PhaseProvisioning)
	if err := rn.provision(ctx); err != nil {
		return nil, err
	}

	rn.enter(PhaseProbing)
	probe, err := rn.probe(ctx)
	if err != nil {
		return nil, err
	}

	rn.history = append(rn.history, NewUserTurn(instruction+"\n\n"+probe.Message()))
	reason, err := rn.converse(ctx)
	if err != nil {
		return nil, err
	}

	rn.enter(PhaseDone)
	res := &Result{
		RunID:      rn.state.RunID,
		Title:      titleFromInstruction(instruction),
		Files:      rn.state.Files(),
		SandboxURL: rn.state.SandboxURL,
		Turns:      rn.state.Turns,
		StopReason: reason,
	}
	if summary, ok := rn.state.Summary(); ok {
		res.Summary = &summary
	}
	return res, nil
}

func (rn *run) provision(ctx context.Context) error {
	id, err := durable.Step(ctx, rn.ex, "create-sandbox", func(ctx context.Context) (string, error) {
		return rn.sandboxes.Create(ctx, rn.config.Template)
	})
	if err != nil {
		return &ProvisioningError{Step: "create-sandbox", Err: err}
	}
	rn.state.SandboxID = id

	sb, err := rn.sandboxes.Connect(ctx, id)
	if err != nil {
		return &ProvisioningError{Step: "connect-sandbox", Err: err}
	}
	rn.sandbox = sb

	url, err := durable.Step(ctx, rn.ex, "get-sandbox-url", func(context.Context) (string, error) {
		return rn.config.URLScheme + "://" + sb.Host(rn.config.Server.Port), nil
	})
	if err != nil {
		return &ProvisioningError{Step: "get-sandbox-url", Err: err}
	}
	rn.state.SandboxURL = url
	rn.logger.Info("sandbox ready", "sandbox_id", id, "url", url)
	return nil
}

func (rn *run) probe(ctx context.Context) (liveness.Result, error) {
	res, err := durable.Step(ctx, rn.ex, "probe-sandbox", func(ctx context.Context) (liveness.Result, error) {
		res := liveness.EnsureUp(ctx,
			serverProbe(rn.sandbox, rn.config.Server),
			serverBootstrap(rn.sandbox, rn.config.Server),
			rn.config.Liveness)
		if err := ctx.Err(); err != nil {
			// Do not commit an outcome caused by our own cancellation.
			return res, err
		}
		return res, nil
	})
	if err != nil {
		return liveness.Result{}, fmt.Errorf("probe sandbox: %w", err)
	}
	if res.Outcome == liveness.OutcomeError {
		rn.logger.Warn("dev server check failed", "error", res.Err)
		rn.events.Emit(rn.state.RunID, EventWarning, map[string]any{"message": res.Message()})
	} else {
		rn.logger.Info("dev server checked", "outcome", res.Outcome, "polls", res.Polls)
	}
	return res, nil
}

func (rn *run) converse(ctx context.Context) (StopReason, error) {
	for turn := 1; ; turn++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		rn.enter(PhaseConversing)
		resp, err := durable.Step(ctx, rn.ex, fmt.Sprintf("turn-%d/model", turn), func(ctx context.Context) (*unifiedllm.Response, error) {
			resp, err := rn.model.Complete(ctx, rn.request(turn))
			if err == nil && resp == nil {
				err = errors.New("model returned no response")
			}
			return resp, err
		})
		if err != nil {
			if unifiedllm.IsRetryable(err) {
				return "", fmt.Errorf("model turn %d: LLM error after retries: %w", turn, err)
			}
			return "", fmt.Errorf("model turn %d: %w", turn, err)
		}

		rn.state.Turns = turn
		calls := resp.ToolCalls()
		rn.history = append(rn.history, NewAssistantTurn(resp))
		rn.events.Emit(rn.state.RunID, EventModelTurn, map[string]any{
			"turn":       turn,
			"text":       resp.Text(),
			"tool_calls": len(calls),
		})

		_, hadSummary := rn.state.Summary()
		if len(calls) > 0 {
			rn.enter(PhaseToolDispatch)
			results := make([]unifiedllm.ToolResultData, 0, len(calls))
			for i, call := range calls {
				results = append(results, rn.dispatch(ctx, turn, i+1, call))
			}
			rn.history = append(rn.history, NewToolResultsTurn(results))
		}

		if summary, ok := ExtractSummary(resp.Text()); ok {
			if rn.state.OfferSummary(summary, SummaryFromText) {
				rn.logger.Info("summary recorded", "source", SummaryFromText)
			}
			rn.state.SummaryAchieved = true
		}
		if summary, ok := rn.state.Summary(); ok && !hadSummary {
			rn.events.Emit(rn.state.RunID, EventSummaryRecorded, map[string]any{
				"summary": summary,
				"source":  string(rn.state.SummarySource()),
			})
		}

		rn.detectLoop()

		reason, done := evaluateTermination(rn.termination, rn.state)
		if !done && turn >= rn.config.MaxTurns {
			// The ceiling holds even when custom conditions leave it out.
			reason, done = StopMaxTurns, true
		}
		if done {
			if reason == StopMaxTurns {
				rn.events.Emit(rn.state.RunID, EventTurnLimit, map[string]any{"total_turns": turn})
			}
			return reason, nil
		}
		if len(calls) == 0 {
			return StopNaturalCompletion, nil
		}
	}
}

func (rn *run) dispatch(ctx context.Context, turn, index int, call unifiedllm.ToolCallData) unifiedllm.ToolResultData {
	runID := rn.state.RunID
	env := &ToolEnv{
		Executor:       rn.ex,
		Sandbox:        rn.sandbox,
		State:          rn.state,
		Step:           toolStepName(turn, index, call.Name),
		Server:         rn.config.Server,
		CommandTimeout: rn.config.CommandTimeout,
		OnOutput: func(stream, chunk string) {
			rn.events.Emit(runID, EventToolCallOutput, map[string]any{
				"call_id": call.ID,
				"stream":  stream,
				"chunk":   chunk,
			})
		},
		Logger: rn.logger,
	}
	return rn.dispatcher.Dispatch(ctx, call, env)
}

func (rn *run) request(turn int) unifiedllm.Request {
	system := buildSystemPrompt(promptContext{
		SandboxURL:   rn.state.SandboxURL,
		Server:       rn.config.Server,
		Model:        rn.config.Model,
		Instructions: rn.config.Instructions,
		Now:          time.Now(),
	}, rn.tools)

	req := unifiedllm.Request{
		Model:       rn.config.Model,
		Provider:    rn.config.Provider,
		Messages:    append([]unifiedllm.Message{unifiedllm.SystemMessage(system)}, ConvertHistoryToMessages(rn.history)...),
		Tools:       rn.tools.Definitions(),
		ToolChoice:  &unifiedllm.ToolChoice{Mode: "auto"},
		Temperature: rn.config.Temperature,
		Metadata: map[string]string{
			"run_id": rn.state.RunID,
			"turn":   strconv.Itoa(turn),
		},
	}
	if rn.config.MaxTokens > 0 {
		maxTokens := rn.config.MaxTokens
		req.MaxTokens = &maxTokens
	}
	return req
}

func (rn *run) detectLoop() {
	if !rn.config.EnableLoopDetection || !DetectLoop(rn.history, rn.config.LoopDetectionWindow) {
		return
	}
	rn.history = append(rn.history, NewSteeringTurn(loopSteeringMessage))
	rn.logger.Warn("tool call loop detected", "window", rn.config.LoopDetectionWindow)
	rn.events.Emit(rn.state.RunID, EventLoopDetection, map[string]any{"message": loopSteeringMessage})
}

func (rn *run) enter(p Phase) {
	rn.logger.Debug("phase", "phase", p)
	rn.events.Emit(rn.state.RunID, EventPhase, map[string]any{"phase": string(p)})
}

const maxTitleLength = 60

// titleFromInstruction uses the first non-blank line of the instruction,
// shortened to maxTitleLength runes.
func titleFromInstruction(instruction string) string {
	for _, line := range strings.Split(instruction, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) <= maxTitleLength {
			return line
		}
		runes := []rune(line)
		return strings.TrimSpace(string(runes[:maxTitleLength-3])) + "..."
	}
	return "Untitled task"
}
