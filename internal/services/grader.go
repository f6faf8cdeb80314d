package services

import "strings"

// Grade compares a reply against the correct option label. Both sides
// are trimmed and upper-cased; no partial credit, no fuzzy matching.
// An empty or unparsable reply grades incorrect, never errors.
func Grade(replyText, correctLabel string) (isCorrect bool, score int) {
	reply := strings.ToUpper(strings.TrimSpace(replyText))
	correct := strings.ToUpper(strings.TrimSpace(correctLabel))

	if reply == "" || correct == "" {
		return false, 0
	}
	if reply == correct {
		return true, 1
	}
	return false, 0
}
