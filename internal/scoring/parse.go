package scoring

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	MinDartScore = 0
	MaxDartScore = 60
)

var noDartPhrases = []string{"no dart", "no visible dart", "empty", "none"}

// dartLabel matches "Dart 1:" style prefixes so the ordinal is not read as a score.
var dartLabel = regexp.MustCompile(`(?i)\bdart\s*#?\s*\d+\s*:`)

type ParseResult struct {
	// Scores is nil when the text held nothing usable.
	Scores []int
	// Dropped lists digit runs outside [MinDartScore, MaxDartScore].
	Dropped []string
	NoDarts bool
}

func (r ParseResult) OK() bool { return len(r.Scores) > 0 }

// Parse reads per-dart scores from a model reply. An explicit "no darts"
// phrase wins over any digits and yields [0].
func Parse(text string) ParseResult {
	text = strings.TrimSpace(text)

	lower := strings.ToLower(text)
	for _, phrase := range noDartPhrases {
		if strings.Contains(lower, phrase) {
			return ParseResult{Scores: []int{0}, NoDarts: true}
		}
	}

	var result ParseResult
	for _, token := range digitRuns(dartLabel.ReplaceAllString(text, " ")) {
		value, err := strconv.Atoi(token)
		if err != nil || value < MinDartScore || value > MaxDartScore {
			result.Dropped = append(result.Dropped, token)
			continue
		}
		result.Scores = append(result.Scores, value)
	}
	return result
}

func ParseScores(text string) []int {
	return Parse(text).Scores
}

// FormatScores renders scores the way the model is asked to reply.
func FormatScores(scores []int) string {
	parts := make([]string, len(scores))
	for i, s := range scores {
		parts[i] = strconv.Itoa(s)
	}
	return strings.Join(parts, ", ")
}

func Total(scores []int) int {
	total := 0
	for _, s := range scores {
		total += s
	}
	return total
}

func digitRuns(s string) []string {
	var runs []string
	start := -1
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			runs = append(runs, s[start:i])
			start = -1
		}
	}
	if start >= 0 {
		runs = append(runs, s[start:])
	}
	return runs
}
