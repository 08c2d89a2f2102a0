package service

import (
	"math"
	"regexp"
	"strings"

	"github.com/ronvwieringen/AIbookReview/model"
)

// Phrases that commonly accompany unattributed borrowed material
var plagiarismPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)according to .{1,50} research`),
	regexp.MustCompile(`(?i)studies have shown`),
	regexp.MustCompile(`(?i)it has been established`),
	regexp.MustCompile(`(?i)research indicates`),
}

const (
	plagiarismClean  = "No significant plagiarism concerns detected. The work appears to be original."
	plagiarismMinor  = "Minor concerns detected. Consider reviewing citation practices and ensuring proper attribution."
	plagiarismSevere = "Potential plagiarism concerns detected. Recommend professional plagiarism check and review of sources."
)

// PlagiarismResult is the outcome of the local phrase heuristic
type PlagiarismResult struct {
	Score   float64 `json:"score"`
	Details string  `json:"details"`
	Matches int     `json:"matches"`
	Density float64 `json:"density"`
}

// CheckPlagiarism scores text by the density of suspicious phrases per
// thousand words. Higher scores are better; the score never drops below 50.
func CheckPlagiarism(text string) PlagiarismResult {
	matches := 0
	for _, re := range plagiarismPatterns {
		matches += len(re.FindAllStringIndex(text, -1))
	}

	words := len(strings.Fields(text))
	density := 0.0
	if words > 0 {
		density = float64(matches) / float64(words) * 1000
	}

	// thresholds apply to the unrounded score
	raw := math.Max(50, 95-density*10)

	details := plagiarismSevere
	switch {
	case raw > 90:
		details = plagiarismClean
	case raw > 70:
		details = plagiarismMinor
	}

	return PlagiarismResult{
		Score:   model.RoundScore(raw),
		Details: details,
		Matches: matches,
		Density: density,
	}
}
