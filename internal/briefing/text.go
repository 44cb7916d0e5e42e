package briefing

import "unicode"

// Limits for text passed to prompts and logs.
const (
	summaryLimit = 280
	replyPreview = 500
)

// truncate shortens s to at most limit runes, cutting at the last space
// when there is one, and marks the cut with "...".
func truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	cut := limit - 3
	for i := cut - 1; i > 0; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	return string(runes[:cut]) + "..."
}
