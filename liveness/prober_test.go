package liveness

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProbe answers from a list of results, repeating the last one.
type scriptedProbe struct {
	answers []bool
	calls   int
}

func (p *scriptedProbe) probe(context.Context) (bool, error) {
	i := p.calls
	p.calls++
	if i >= len(p.answers) {
		i = len(p.answers) - 1
	}
	return p.answers[i], nil
}

func fastOpts(maxPolls int) Options {
	return Options{MaxPolls: maxPolls, PollInterval: time.Millisecond}
}

func TestEnsureUpSkipsBootstrapWhenServing(t *testing.T) {
	p := &scriptedProbe{answers: []bool{true}}
	bootstraps := 0

	res := EnsureUp(context.Background(), p.probe, func(context.Context) error {
		bootstraps++
		return nil
	}, fastOpts(5))

	assert.Equal(t, OutcomeUp, res.Outcome)
	assert.Equal(t, 0, bootstraps)
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, 0, res.Polls)
}

func TestEnsureUpStartsAfterKFailedPolls(t *testing.T) {
	for _, k := range []int{0, 1, 3} {
		// Initial probe fails, then k failed polls, then success.
		answers := make([]bool, 0, k+2)
		answers = append(answers, false)
		for i := 0; i < k; i++ {
			answers = append(answers, false)
		}
		answers = append(answers, true)

		p := &scriptedProbe{answers: answers}
		bootstraps := 0
		res := EnsureUp(context.Background(), p.probe, func(context.Context) error {
			bootstraps++
			return nil
		}, fastOpts(k+2))

		require.Equal(t, OutcomeStarted, res.Outcome, "k=%d", k)
		assert.Equal(t, 1, bootstraps)
		assert.Equal(t, k+1, res.Polls)
		assert.Equal(t, k+2, p.calls, "initial probe plus k+1 polls")
	}
}

func TestEnsureUpTimesOutAfterMaxPolls(t *testing.T) {
	p := &scriptedProbe{answers: []bool{false}}

	var res Result
	require.NotPanics(t, func() {
		res = EnsureUp(context.Background(), p.probe, func(context.Context) error { return nil }, fastOpts(4))
	})

	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.Equal(t, 4, res.Polls)
	assert.Equal(t, 5, p.calls)
	assert.Contains(t, res.Message(), "4 checks")
}

func TestEnsureUpBootstrapError(t *testing.T) {
	p := &scriptedProbe{answers: []bool{false}}

	res := EnsureUp(context.Background(), p.probe, func(context.Context) error {
		return errors.New("npm install failed")
	}, fastOpts(3))

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, 1, p.calls)
	assert.Contains(t, res.Err, "bootstrap: npm install failed")
	assert.True(t, strings.HasPrefix(res.Message(), "Dev server check failed"))
}

func TestEnsureUpProbeErrors(t *testing.T) {
	calls := 0
	probe := func(context.Context) (bool, error) {
		calls++
		if calls == 1 {
			return false, nil
		}
		return false, errors.New("connection reset")
	}

	res := EnsureUp(context.Background(), probe, func(context.Context) error { return nil }, fastOpts(3))
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, 1, res.Polls)
	assert.Contains(t, res.Err, "poll 1: connection reset")

	res = EnsureUp(context.Background(), func(context.Context) (bool, error) {
		return false, errors.New("no route")
	}, func(context.Context) error {
		t.Fatal("bootstrap must not run after a failed initial probe")
		return nil
	}, fastOpts(3))
	assert.Equal(t, OutcomeError, res.Outcome)
}

func TestEnsureUpRecoversPanics(t *testing.T) {
	p := &scriptedProbe{answers: []bool{false}}

	var res Result
	require.NotPanics(t, func() {
		res = EnsureUp(context.Background(), p.probe, func(context.Context) error {
			panic("sandbox went away")
		}, fastOpts(3))
	})
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Err, "sandbox went away")
}

func TestEnsureUpHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedProbe{answers: []bool{false}}

	res := EnsureUp(ctx, p.probe, func(context.Context) error {
		cancel()
		return nil
	}, Options{MaxPolls: 100, PollInterval: time.Hour})

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Err, "canceled")
	assert.Equal(t, 1, p.calls)
}

func TestResultMessages(t *testing.T) {
	assert.Equal(t, "Dev server is already running.", Result{Outcome: OutcomeUp}.Message())
	assert.Contains(t, Result{Outcome: OutcomeStarted, Polls: 2}.Message(), "after 2 checks")
}
