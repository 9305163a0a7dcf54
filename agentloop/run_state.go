package agentloop

import (
	"maps"
	"strings"
)

// SummarySource records where a run's summary came from.
type SummarySource string

const (
	SummaryFromFinalize SummarySource = "finalize"
	SummaryFromText     SummarySource = "text"
)

// RunState is the mutable context of one agent run. It is owned by a single
// Runner.Run call and handed by pointer to tool executors; it is not safe for
// concurrent use.
type RunState struct {
	RunID      string
	SandboxID  string
	SandboxURL string

	// UpdatedFiles maps a path to the content most recently written to it.
	UpdatedFiles map[string]string

	// SummaryAchieved is set once a summary was obtained, by the finalize
	// tool or from a summary marker in model text.
	SummaryAchieved bool

	// Turns counts completed model turns.
	Turns int

	summary       string
	hasSummary    bool
	summarySource SummarySource
	invoked       map[string]int
}

// NewRunState returns an empty state for runID.
func NewRunState(runID string) *RunState {
	return &RunState{
		RunID:        runID,
		UpdatedFiles: map[string]string{},
		invoked:      map[string]int{},
	}
}

// OfferSummary records summary unless one was already recorded. Blank
// summaries are ignored. It reports whether the summary was accepted.
func (s *RunState) OfferSummary(summary string, source SummarySource) bool {
	summary = strings.TrimSpace(summary)
	if summary == "" || s.hasSummary {
		return false
	}
	s.summary = summary
	s.hasSummary = true
	s.summarySource = source
	return true
}

// Summary returns the recorded summary, if any.
func (s *RunState) Summary() (string, bool) {
	return s.summary, s.hasSummary
}

// SummarySource reports where the recorded summary came from.
func (s *RunState) SummarySource() SummarySource {
	return s.summarySource
}

// RecordFiles merges files into UpdatedFiles; later writes win.
func (s *RunState) RecordFiles(files map[string]string) {
	maps.Copy(s.UpdatedFiles, files)
}

// Files returns a copy of UpdatedFiles.
func (s *RunState) Files() map[string]string {
	return maps.Clone(s.UpdatedFiles)
}

// RecordInvocation notes that a tool call completed without error.
func (s *RunState) RecordInvocation(tool string) {
	s.invoked[tool]++
}

// Invoked reports how many times tool completed without error.
func (s *RunState) Invoked(tool string) int {
	return s.invoked[tool]
}
