package dispatch

import (
	"strings"
	"time"
)

const (
	baseScore          = 50
	returningBonus     = 20
	recentBonus        = 15
	urgencyBonus       = 30
	questionBonus      = 10
	busyChannelBonus   = 5
	recentWindow       = 30 * time.Second
	busyChannelMinimum = 5
)

var urgencyKeywords = []string{"help", "urgent", "emergency", "problem", "error", "stuck"}

var questionWords = []string{"what", "how", "why", "when", "where", "who", "which",
	"can", "could", "would", "should", "is", "are", "do", "does"}

// Score computes the 0-100 heuristic priority of a message. It feeds logging
// and wait estimation only; queue placement uses the caller's tier.
func Score(message string, t Touch) int {
	score := baseScore
	if !t.IsNew {
		score += returningBonus
		if t.SincePrevious < recentWindow {
			score += recentBonus
		}
	}
	lower := strings.ToLower(message)
	for _, kw := range urgencyKeywords {
		if strings.Contains(lower, kw) {
			score += urgencyBonus
			break
		}
	}
	if isQuestion(lower) {
		score += questionBonus
	}
	if t.ChannelUsers > busyChannelMinimum {
		score += busyChannelBonus
	}
	return min(max(score, 0), 100)
}

func isQuestion(lower string) bool {
	if strings.Contains(lower, "?") {
		return true
	}
	first, _, _ := strings.Cut(strings.TrimSpace(lower), " ")
	for _, w := range questionWords {
		if first == w {
			return true
		}
	}
	return false
}
