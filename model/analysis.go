package model

import (
	"math"
	"strconv"
	"time"
)

// Dimension names stored with every result. Non-fiction scores are remapped
// onto the fiction slots before storage; the original names are kept in Dimensions.
const (
	DimLanguageStyle        = "language_style"
	DimSensoryImmersion     = "sensory_immersion"
	DimSceneConstruction    = "scene_construction"
	DimPlotStructure        = "plot_structure"
	DimCharacterDevelopment = "character_development"
	DimOriginality          = "originality"

	DimSubstantiation  = "substantiation"
	DimCompleteness    = "completeness"
	DimLanguageClarity = "language_clarity"
	DimStructure       = "structure"
	DimPracticalValue  = "practical_value"
)

// StageFailure kinds
const (
	FailureOracleUnavailable = "oracle_unavailable"
	FailureOracleError       = "oracle_error"
	FailureParseError        = "parse_error"
)

// DegradedStage records a stage that fell back to its default output
type DegradedStage struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AnalysisResult is one immutable review run. A manuscript accumulates
// results; the newest one is the current review.
type AnalysisResult struct {
	ID           int64 `json:"id"`
	ManuscriptID int64 `json:"manuscript_id"`

	ManuscriptType           string  `json:"manuscript_type"`
	ClassificationConfidence float64 `json:"classification_confidence"`

	OverallScore              float64            `json:"overall_score"`
	LanguageStyleScore        float64            `json:"language_style_score"`
	CharacterDevelopmentScore float64            `json:"character_development_score"`
	PlotStructureScore        float64            `json:"plot_structure_score"`
	OriginalityScore          float64            `json:"originality_score"`
	Dimensions                map[string]float64 `json:"dimensions"`

	DetailedFeedback  string  `json:"detailed_feedback"`
	PromotionalBlurb  string  `json:"promotional_blurb"`
	PlagiarismScore   float64 `json:"plagiarism_score"`
	PlagiarismDetails string  `json:"plagiarism_details"`

	Degraded       bool            `json:"degraded"`
	DegradedStages []DegradedStage `json:"degraded_stages,omitempty"`

	Provider           string `json:"provider"`
	ModelUsed          string `json:"model_used"`
	ProcessingTimeMs   int64  `json:"processing_time_ms"`
	WordCount          int    `json:"word_count"`
	CharacterCount     int    `json:"character_count"`
	ReadingTimeMinutes int    `json:"reading_time_minutes"`
	LengthCategory     string `json:"length_category"`

	CreatedAt time.Time `json:"created_at"`
}

// RoundScore rounds to one decimal place. Rounding works on the exact binary
// value with ties to even, so 0.15 (stored just below) becomes 0.1.
func RoundScore(v float64) float64 {
	r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 1, 64), 64)
	if err != nil {
		return v
	}
	return r
}

// ClampScore bounds a score to the 0-100 scale
func ClampScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

// ReadingTime returns minutes at 200 words per minute, rounded up
func ReadingTime(words int) int {
	if words <= 0 {
		return 0
	}
	return (words + 199) / 200
}

// LengthCategory buckets a manuscript by word count
func LengthCategory(words int) string {
	switch {
	case words < 1000:
		return "Short piece"
	case words < 7500:
		return "Short story"
	case words < 20000:
		return "Novelette"
	case words < 50000:
		return "Novella"
	case words < 120000:
		return "Novel"
	default:
		return "Epic novel"
	}
}
