package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinemde/sandcastle/agentloop"
	"github.com/martinemde/sandcastle/config"
	"github.com/martinemde/sandcastle/durable"
	"github.com/martinemde/sandcastle/sandbox"
	"github.com/martinemde/sandcastle/unifiedllm"
)

var version = "dev"

// ModelFactory builds the language model backend for a run.
type ModelFactory func(cfg *config.Config, logger *slog.Logger) (agentloop.Model, error)

// DefaultModelFactory wraps a gollm adapter in a client with retries and
// request logging.
func DefaultModelFactory(cfg *config.Config, logger *slog.Logger) (agentloop.Model, error) {
	var opts []unifiedllm.GollmAdapterOption
	if cfg.Model.Name != "" {
		opts = append(opts, unifiedllm.WithModel(cfg.Model.Name))
	}
	if cfg.Model.APIKey != "" {
		opts = append(opts, unifiedllm.WithAPIKey(cfg.Model.APIKey))
	}
	if cfg.Model.MaxTokens > 0 {
		opts = append(opts, unifiedllm.WithMaxTokens(cfg.Model.MaxTokens))
	}
	if cfg.Model.Temperature != nil {
		opts = append(opts, unifiedllm.WithTemperature(*cfg.Model.Temperature))
	}
	adapter, err := unifiedllm.NewGollmAdapter(cfg.Model.Provider, opts...)
	if err != nil {
		return nil, err
	}

	policy := unifiedllm.DefaultRetryPolicy()
	policy.MaxRetries = cfg.Model.MaxRetries
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn("retrying model request", "attempt", attempt, "delay", delay, "err", err)
	}
	return unifiedllm.NewClient(
		unifiedllm.WithProvider(cfg.Model.Provider, adapter),
		unifiedllm.WithDefaultProvider(cfg.Model.Provider),
		unifiedllm.WithMiddleware(
			unifiedllm.RetryMiddleware(policy),
			unifiedllm.LoggingMiddleware(logger),
		),
	), nil
}

// App holds the injectable dependencies of the CLI.
type App struct {
	ModelFactory ModelFactory
	Stdout       io.Writer
	Stderr       io.Writer
}

type rootOptions struct {
	configPath string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &App{ModelFactory: DefaultModelFactory, Stdout: os.Stdout, Stderr: os.Stderr}
	if err := newRootCmd(app).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(app *App) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "sandcastle",
		Short:        "sandcastle - durable coding agent runs in a sandbox",
		SilenceUsage: true,
	}
	root.SetOut(app.Stdout)
	root.SetErr(app.Stderr)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")

	root.AddCommand(newRunCmd(app, opts), newStepsCmd(app, opts), newVersionCmd(app))
	return root
}

func newRunCmd(app *App, root *rootOptions) *cobra.Command {
	var message, runID string
	cmd := &cobra.Command{
		Use:   "run [instruction...]",
		Short: "Run an instruction, or resume a run with --run-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			instruction := message
			if instruction == "" {
				instruction = strings.Join(args, " ")
			}
			if strings.TrimSpace(instruction) == "" {
				return errors.New("an instruction is required (pass it as arguments or with --message)")
			}
			return app.run(cmd.Context(), root.configPath, agentloop.Event{RunID: runID, Instruction: instruction})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Instruction for the agent")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run ID to resume")
	return cmd
}

func newStepsCmd(app *App, root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "steps <run-id>",
		Short: "List the committed steps of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.steps(cmd.Context(), root.configPath, args[0])
		},
	}
}

func newVersionCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(app.Stdout, "sandcastle", version)
		},
	}
}

func (a *App) run(ctx context.Context, configPath string, ev agentloop.Event) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(a.Stderr, cfg.Log)
	if err != nil {
		return err
	}
	journal, closeJournal, err := openJournal(cfg.Journal)
	if err != nil {
		return err
	}
	defer closeJournal()

	factory := a.ModelFactory
	if factory == nil {
		factory = DefaultModelFactory
	}
	model, err := factory(cfg, logger)
	if err != nil {
		return fmt.Errorf("create model: %w", err)
	}

	sandboxOpts := []sandbox.LocalOption{sandbox.WithHostname(cfg.Sandbox.Hostname)}
	if cfg.Sandbox.TemplateDir != "" {
		sandboxOpts = append(sandboxOpts, sandbox.WithTemplateDir(cfg.Sandbox.TemplateDir))
	}

	events := agentloop.NewEventEmitter(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		logEvents(logger, events.Events())
	}()

	agentCfg := cfg.AgentOptions()
	runner, err := agentloop.NewRunner(agentloop.RunnerOptions{
		Model:     model,
		Sandboxes: sandbox.NewLocalProvider(cfg.Sandbox.Root, sandboxOpts...),
		Journal:   journal,
		Config:    &agentCfg,
		Events:    events,
		Logger:    logger,
	})
	if err != nil {
		events.Close()
		<-done
		return err
	}

	res, runErr := runner.Run(ctx, ev)
	events.Close()
	<-done
	if runErr != nil {
		return runErr
	}

	enc := json.NewEncoder(a.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func (a *App) steps(ctx context.Context, configPath, runID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	journal, closeJournal, err := openJournal(cfg.Journal)
	if err != nil {
		return err
	}
	defer closeJournal()

	records, err := journal.Records(ctx, runID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no steps recorded for run %q", runID)
	}
	tw := tabwriter.NewWriter(a.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tCOMMITTED\tBYTES")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", rec.Name, rec.CommittedAt.Format(time.RFC3339), len(rec.Output))
	}
	return tw.Flush()
}

func openJournal(cfg config.JournalConfig) (durable.Journal, func(), error) {
	if cfg.Driver == config.JournalMemory {
		return durable.NewMemoryJournal(), func() {}, nil
	}
	j, err := durable.OpenSQLiteJournal(cfg.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	return j, func() { _ = j.Close() }, nil
}

func logEvents(logger *slog.Logger, events <-chan agentloop.RunEvent) {
	for ev := range events {
		level := slog.LevelDebug
		switch ev.Kind {
		case agentloop.EventWarning, agentloop.EventLoopDetection:
			level = slog.LevelWarn
		case agentloop.EventError:
			level = slog.LevelError
		case agentloop.EventRunStart, agentloop.EventRunEnd, agentloop.EventPhase:
			level = slog.LevelInfo
		}
		attrs := []any{"run_id", ev.RunID}
		for k, v := range ev.Data {
			attrs = append(attrs, k, v)
		}
		logger.Log(context.Background(), level, string(ev.Kind), attrs...)
	}
}
