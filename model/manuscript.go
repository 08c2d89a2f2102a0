package model

import (
	"strings"
	"time"
)

// Manuscript represents an uploaded manuscript and its review lifecycle
type Manuscript struct {
	ID               int64  `json:"id"`
	Filename         string `json:"filename"`
	OriginalFilename string `json:"original_filename"`
	FileSize         int64  `json:"file_size"`
	ContentType      string `json:"content_type,omitempty"`
	StorageKey       string `json:"-"`
	AuthorName       string `json:"author_name"`
	AuthorEmail      string `json:"author_email"`
	Title            string `json:"manuscript_title"`
	Language         string `json:"language"`

	DetectedAuthor           string  `json:"detected_author,omitempty"`
	DetectedPublisher        string  `json:"detected_publisher,omitempty"`
	DetectedISBN             string  `json:"detected_isbn,omitempty"`
	ManuscriptType           string  `json:"manuscript_type,omitempty"` // fiction, non_fiction, hybrid
	ClassificationConfidence float64 `json:"classification_confidence"`
	InitialAnalysisComplete  bool    `json:"initial_analysis_complete"`

	Status       string     `json:"status"` // pending, processing, completed, failed
	ClaimID      string     `json:"-"`      // set by BeginAnalysis for the run that holds processing
	ErrorMsg     string     `json:"error_msg,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	AnalysisDate *time.Time `json:"analysis_date,omitempty"`
}

// Manuscript status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Manuscript type constants
const (
	TypeFiction    = "fiction"
	TypeNonFiction = "non_fiction"
	TypeHybrid     = "hybrid"
)

// CanTransition reports whether a manuscript may move from one status to another.
// Nothing ever returns to pending; failed may be retried.
func CanTransition(from, to string) bool {
	switch to {
	case StatusProcessing:
		return from == StatusPending || from == StatusFailed
	case StatusCompleted:
		return from == StatusProcessing
	case StatusFailed:
		return from == StatusPending || from == StatusProcessing
	}
	return false
}

// Progress maps a status to the percentage shown to clients
func Progress(status string) int {
	switch status {
	case StatusProcessing:
		return 50
	case StatusCompleted:
		return 100
	default:
		return 0
	}
}

// ParseManuscriptType normalizes free-form oracle output to a known type.
// Unknown values yield "".
func ParseManuscriptType(s string) string {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.Trim(v, "[]'\".")
	v = strings.NewReplacer("-", "_", " ", "_").Replace(v)
	switch v {
	case TypeFiction:
		return TypeFiction
	case TypeNonFiction, "nonfiction":
		return TypeNonFiction
	case TypeHybrid:
		return TypeHybrid
	}
	return ""
}

// IsTerminal reports whether the status ends a run
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// IsValidStatus reports whether status is one of the four lifecycle states
func IsValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}
