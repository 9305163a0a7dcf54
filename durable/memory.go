package durable

import (
	"context"
	"fmt"
	"sync"
)

// MemoryJournal keeps step records in process memory.
type MemoryJournal struct {
	mu      sync.RWMutex
	records map[string]map[string]Record
	order   map[string][]string
}

var _ Journal = (*MemoryJournal)(nil)

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		records: map[string]map[string]Record{},
		order:   map[string][]string{},
	}
}

func (j *MemoryJournal) Lookup(_ context.Context, runID, name string) (Record, bool, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rec, ok := j.records[runID][name]
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (j *MemoryJournal) Commit(_ context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	steps, ok := j.records[rec.RunID]
	if !ok {
		steps = map[string]Record{}
		j.records[rec.RunID] = steps
	}
	if _, exists := steps[rec.Name]; exists {
		return fmt.Errorf("%w: run %q step %q", ErrStepCommitted, rec.RunID, rec.Name)
	}
	steps[rec.Name] = cloneRecord(rec)
	j.order[rec.RunID] = append(j.order[rec.RunID], rec.Name)
	return nil
}

func (j *MemoryJournal) Records(_ context.Context, runID string) ([]Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	names := j.order[runID]
	out := make([]Record, 0, len(names))
	for _, name := range names {
		out = append(out, cloneRecord(j.records[runID][name]))
	}
	return out, nil
}
