package agentloop

import (
	"regexp"
	"strings"
)

var taskSummaryPattern = regexp.MustCompile(`(?is)<task_summary>(.*?)</task_summary>`)

// ExtractSummary returns the trimmed content of the first non-blank
// <task_summary>...</task_summary> block in text. Tags match case
// insensitively. No block, or only blank ones, reports false.
func ExtractSummary(text string) (string, bool) {
	for _, m := range taskSummaryPattern.FindAllStringSubmatch(text, -1) {
		if summary := strings.TrimSpace(m[1]); summary != "" {
			return summary, true
		}
	}
	return "", false
}
