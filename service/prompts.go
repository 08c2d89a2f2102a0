package service

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var promptTemplates = template.Must(template.ParseFS(promptFS, "prompts/*.tmpl"))

// Stage names, also used as template names and in degraded markers
const (
	StageMetadata       = "metadata"
	StageClassification = "classification"
	StageScoring        = "scoring"
	StageBlurb          = "blurb"
	StagePlagiarism     = "plagiarism"
)

// Excerpt limits per prompt, in characters
const (
	metadataExcerptChars = 5000
	classifyExcerptChars = 3000
	scoringExcerptChars  = 8000
	blurbExcerptChars    = 2000
)

// PromptData is the input to every stage template
type PromptData struct {
	Title      string
	Excerpt    string
	Limit      int
	Type       string
	Structured bool
}

// excerpt returns the first n characters of text without splitting a rune
func excerpt(text string, n int) string {
	count := 0
	for i := range text {
		if count == n {
			return text[:i]
		}
		count++
	}
	return text
}

func renderPrompt(name string, data PromptData) (string, error) {
	var buf bytes.Buffer
	if err := promptTemplates.ExecuteTemplate(&buf, name+".tmpl", data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", name, err)
	}
	return buf.String(), nil
}

// MetadataPrompt builds the stage 1 prompt
func MetadataPrompt(text, title string, structured bool) (string, error) {
	return renderPrompt("metadata", PromptData{
		Title:      title,
		Excerpt:    excerpt(text, metadataExcerptChars),
		Limit:      metadataExcerptChars,
		Structured: structured,
	})
}

// ClassifyPrompt builds the stage 2 prompt
func ClassifyPrompt(text, title string, structured bool) (string, error) {
	return renderPrompt("classify", PromptData{
		Title:      title,
		Excerpt:    excerpt(text, classifyExcerptChars),
		Limit:      classifyExcerptChars,
		Structured: structured,
	})
}

// ScoringPrompt builds the stage 3 prompt for the rubric matching manuscriptType
func ScoringPrompt(text, title, manuscriptType string, structured bool) (string, error) {
	name := "fiction"
	if !usesFictionRubric(manuscriptType) {
		name = "nonfiction"
	}
	return renderPrompt(name, PromptData{
		Title:      title,
		Excerpt:    excerpt(text, scoringExcerptChars),
		Limit:      scoringExcerptChars,
		Type:       manuscriptType,
		Structured: structured,
	})
}

// BlurbPrompt builds the stage 4 prompt
func BlurbPrompt(text, title, manuscriptType string, structured bool) (string, error) {
	return renderPrompt("blurb", PromptData{
		Title:      title,
		Excerpt:    excerpt(text, blurbExcerptChars),
		Limit:      blurbExcerptChars,
		Type:       manuscriptType,
		Structured: structured,
	})
}
