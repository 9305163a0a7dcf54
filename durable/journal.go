package durable

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrStepCommitted is returned by Journal.Commit when the step already
	// has a committed record.
	ErrStepCommitted = errors.New("step already committed")

	// ErrEmptyStepName is returned when a step is run without a name.
	ErrEmptyStepName = errors.New("step name is empty")

	// ErrEmptyRunID is returned when an executor or record has no run ID.
	ErrEmptyRunID = errors.New("run id is empty")
)

// Record is the committed outcome of one step.
type Record struct {
	RunID       string          `json:"run_id"`
	Name        string          `json:"name"`
	Output      json.RawMessage `json:"output"`
	CommittedAt time.Time       `json:"committed_at"`
}

// Journal stores committed step records. Implementations must be safe for
// concurrent use by different runs.
type Journal interface {
	// Lookup returns the committed record for a step, if any.
	Lookup(ctx context.Context, runID, name string) (Record, bool, error)

	// Commit stores a record. It fails with ErrStepCommitted if a record
	// already exists for the same run and step name.
	Commit(ctx context.Context, rec Record) error

	// Records lists the committed records of a run in commit order.
	Records(ctx context.Context, runID string) ([]Record, error)
}

func validateRecord(rec Record) error {
	if rec.RunID == "" {
		return ErrEmptyRunID
	}
	if rec.Name == "" {
		return ErrEmptyStepName
	}
	return nil
}

func cloneRecord(rec Record) Record {
	out := rec
	if rec.Output != nil {
		out.Output = append(json.RawMessage(nil), rec.Output...)
	}
	return out
}
