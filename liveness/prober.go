// Package liveness checks whether a process inside a sandbox is serving and
// starts it when it is not.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome is the result class of EnsureUp.
type Outcome string

const (
	// OutcomeUp means the process was already serving; nothing was started.
	OutcomeUp Outcome = "up"
	// OutcomeStarted means the process was bootstrapped and then answered.
	OutcomeStarted Outcome = "started"
	// OutcomeTimeout means the process did not answer within MaxPolls polls.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeError means probing or bootstrapping failed.
	OutcomeError Outcome = "error"
)

const (
	DefaultMaxPolls     = 15
	DefaultPollInterval = 2 * time.Second
)

// ProbeFunc reports whether the target is serving.
type ProbeFunc func(ctx context.Context) (bool, error)

// BootstrapFunc installs and launches the target. It must not wait for the
// target to become ready.
type BootstrapFunc func(ctx context.Context) error

// Options bounds the poll phase.
type Options struct {
	MaxPolls     int
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxPolls <= 0 {
		o.MaxPolls = DefaultMaxPolls
	}
	if o.PollInterval < 0 {
		o.PollInterval = 0
	}
	return o
}

// Result is what EnsureUp observed.
type Result struct {
	Outcome Outcome `json:"outcome"`
	// Polls counts probe calls made after bootstrap.
	Polls int `json:"polls"`
	// Err describes the failure for OutcomeError. It is kept as text so the
	// result survives a round trip through a step journal.
	Err string `json:"error,omitempty"`
}

// Message renders the result as a sentence for the conversation.
func (r Result) Message() string {
	switch r.Outcome {
	case OutcomeUp:
		return "Dev server is already running."
	case OutcomeStarted:
		return fmt.Sprintf("Dev server started and is responding (after %d checks).", r.Polls)
	case OutcomeTimeout:
		return fmt.Sprintf("Dev server was started but did not respond after %d checks. Check the server log.", r.Polls)
	default:
		return "Dev server check failed: " + r.Err
	}
}

// EnsureUp probes once and returns OutcomeUp if the target already serves.
// Otherwise it bootstraps once and polls up to opts.MaxPolls times, waiting
// opts.PollInterval before each poll. It never panics and never returns an
// error: every failure, including a canceled context, becomes OutcomeError.
func EnsureUp(ctx context.Context, probe ProbeFunc, bootstrap BootstrapFunc, opts Options) (res Result) {
	opts = opts.withDefaults()

	defer func() {
		if r := recover(); r != nil {
			res = Result{Outcome: OutcomeError, Polls: res.Polls, Err: fmt.Sprintf("panic: %v", r)}
		}
	}()

	ok, err := probe(ctx)
	if err != nil {
		return errorResult(0, "initial probe", err)
	}
	if ok {
		return Result{Outcome: OutcomeUp}
	}

	if err := bootstrap(ctx); err != nil {
		return errorResult(0, "bootstrap", err)
	}

	for poll := 1; poll <= opts.MaxPolls; poll++ {
		if err := sleep(ctx, opts.PollInterval); err != nil {
			return errorResult(poll-1, "waiting for server", err)
		}

		ok, err := probe(ctx)
		if err != nil {
			return errorResult(poll, fmt.Sprintf("poll %d", poll), err)
		}
		if ok {
			return Result{Outcome: OutcomeStarted, Polls: poll}
		}
	}
	return Result{Outcome: OutcomeTimeout, Polls: opts.MaxPolls}
}

func errorResult(polls int, stage string, err error) Result {
	msg := err.Error()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		msg = "canceled: " + msg
	}
	return Result{Outcome: OutcomeError, Polls: polls, Err: stage + ": " + msg}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
