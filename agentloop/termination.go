package agentloop

// StopReason says why a run's conversation ended.
type StopReason string

const (
	StopMaxTurns          StopReason = "max_turns"
	StopToolInvoked       StopReason = "tool_invoked"
	StopSummaryAchieved   StopReason = "summary_achieved"
	StopNaturalCompletion StopReason = "natural_completion"
)

// TerminationCondition is checked after every model turn, once the turn's
// tool calls have been dispatched. A non-empty reason ends the run.
type TerminationCondition func(state *RunState) (StopReason, bool)

// DefaultMaxTurns is the turn ceiling used when none is configured.
const DefaultMaxTurns = 10

// MaxTurnsReached stops once n model turns have completed. A non-positive n
// means DefaultMaxTurns; there is no unlimited setting.
func MaxTurnsReached(n int) TerminationCondition {
	if n <= 0 {
		n = DefaultMaxTurns
	}
	return func(state *RunState) (StopReason, bool) {
		return StopMaxTurns, state.Turns >= n
	}
}

// ToolInvoked stops once the named tool has completed without error.
func ToolInvoked(name string) TerminationCondition {
	return func(state *RunState) (StopReason, bool) {
		return StopToolInvoked, state.Invoked(name) > 0
	}
}

// SummaryAchieved stops once the run has a summary.
func SummaryAchieved() TerminationCondition {
	return func(state *RunState) (StopReason, bool) {
		return StopSummaryAchieved, state.SummaryAchieved
	}
}

// DefaultTermination is the condition set used when none is configured.
func DefaultTermination(maxTurns int) []TerminationCondition {
	return []TerminationCondition{
		MaxTurnsReached(maxTurns),
		ToolInvoked(finalizeToolName),
		SummaryAchieved(),
	}
}

// evaluateTermination returns the reason of the first condition that holds.
func evaluateTermination(conds []TerminationCondition, state *RunState) (StopReason, bool) {
	for _, cond := range conds {
		if reason, ok := cond(state); ok {
			return reason, true
		}
	}
	return "", false
}

func (r StopReason) String() string {
	if r == "" {
		return "running"
	}
	return string(r)
}
