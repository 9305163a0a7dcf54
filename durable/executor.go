package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/martinemde/sandcastle/durable"

// Executor runs steps for a single run against a Journal.
type Executor struct {
	journal Journal
	runID   string
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger used for step diagnostics.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer sets the tracer used to create one span per step.
func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// NewExecutor binds a journal to one run.
func NewExecutor(journal Journal, runID string, opts ...ExecutorOption) *Executor {
	e := &Executor{
		journal: journal,
		runID:   runID,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunID returns the run this executor records steps for.
func (e *Executor) RunID() string { return e.runID }

// Journal returns the underlying journal.
func (e *Executor) Journal() Journal { return e.journal }

// Step runs fn as the named step. If the step was already committed for the
// executor's run, the committed output is decoded and returned and fn is not
// called. Errors from fn are returned unchanged and nothing is committed.
func Step[T any](ctx context.Context, ex *Executor, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if name == "" {
		return zero, ErrEmptyStepName
	}
	if ex.runID == "" {
		return zero, ErrEmptyRunID
	}

	ctx, span := ex.tracer.Start(ctx, "step "+name, trace.WithAttributes(
		attribute.String("run.id", ex.runID),
		attribute.String("step.name", name),
	))
	defer span.End()

	if out, ok, err := replay[T](ctx, ex, name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	} else if ok {
		span.SetAttributes(attribute.Bool("step.replayed", true))
		ex.logger.DebugContext(ctx, "step replayed", "run_id", ex.runID, "step", name)
		return out, nil
	}
	span.SetAttributes(attribute.Bool("step.replayed", false))

	start := ex.now()
	out, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ex.logger.DebugContext(ctx, "step failed", "run_id", ex.runID, "step", name, "err", err)
		return zero, err
	}

	data, err := json.Marshal(out)
	if err != nil {
		err = fmt.Errorf("encode output of step %q: %w", name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}

	rec := Record{RunID: ex.runID, Name: name, Output: data, CommittedAt: ex.now()}
	if err := ex.journal.Commit(ctx, rec); err != nil {
		if errors.Is(err, ErrStepCommitted) {
			// Another attempt won the commit; its outcome is the one that counts.
			if committed, ok, lerr := replay[T](ctx, ex, name); lerr == nil && ok {
				return committed, nil
			}
		}
		err = fmt.Errorf("commit step %q: %w", name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}

	ex.logger.DebugContext(ctx, "step committed",
		"run_id", ex.runID, "step", name, "duration", ex.now().Sub(start))
	return out, nil
}

// Do runs a step that has no output worth keeping.
func Do(ctx context.Context, ex *Executor, name string, fn func(ctx context.Context) error) error {
	_, err := Step(ctx, ex, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func replay[T any](ctx context.Context, ex *Executor, name string) (T, bool, error) {
	var out T
	rec, ok, err := ex.journal.Lookup(ctx, ex.runID, name)
	if err != nil {
		return out, false, fmt.Errorf("lookup step %q: %w", name, err)
	}
	if !ok {
		return out, false, nil
	}
	if err := json.Unmarshal(rec.Output, &out); err != nil {
		return out, false, fmt.Errorf("decode output of step %q: %w", name, err)
	}
	return out, true, nil
}
