package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"slices"
)

const loopSteeringMessage = "The last tool calls repeat the same pattern without making progress. " +
	"Stop and reconsider: check the error output, try a different approach, or call finalize if the task is done."

// toolCallSignature is the tool name plus a short hash of its arguments.
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentToolSignatures returns up to count signatures of the most recent tool
// calls in history, oldest first.
func recentToolSignatures(history []Turn, count int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		turn := history[i]
		if turn.Kind != TurnAssistant || turn.Assistant == nil {
			continue
		}
		calls := turn.Assistant.ToolCalls
		for j := len(calls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, toolCallSignature(calls[j].Name, calls[j].Arguments))
		}
	}
	slices.Reverse(sigs)
	return sigs
}

// DetectLoop reports whether the last windowSize tool calls repeat a pattern
// of period 1, 2 or 3 at least twice.
func DetectLoop(history []Turn, windowSize int) bool {
	if windowSize <= 1 {
		return false
	}
	sigs := recentToolSignatures(history, windowSize)
	if len(sigs) < windowSize {
		return false
	}
	for period := 1; period <= 3 && 2*period <= windowSize; period++ {
		if windowSize%period == 0 && repeatsWithPeriod(sigs, period) {
			return true
		}
	}
	return false
}

func repeatsWithPeriod(sigs []string, period int) bool {
	for i := period; i < len(sigs); i++ {
		if sigs[i] != sigs[i-period] {
			return false
		}
	}
	return true
}
