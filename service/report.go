package service

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"text/template"

	"github.com/ronvwieringen/AIbookReview/model"
)

const reportTemplate = `
MyReviewApp - AI Manuscript Analysis Report
==========================================

Manuscript: {{.M.Title}}
Author: {{.M.AuthorName}}
Analysis Date: {{analysisDate .M}}
Manuscript Type: {{or .M.ManuscriptType "Unclassified"}}

OVERALL SCORE: {{score .R.OverallScore}}/100

PROMOTIONAL BLURB:
{{.R.PromotionalBlurb}}

DETAILED ANALYSIS:
{{.R.DetailedFeedback}}

PLAGIARISM ANALYSIS:
Score: {{score .R.PlagiarismScore}}/100
{{or .R.PlagiarismDetails "No specific plagiarism concerns detected."}}

COMPONENT SCORES:
- Language & Style: {{score .R.LanguageStyleScore}}/100
- Character Development: {{score .R.CharacterDevelopmentScore}}/100
- Plot & Structure: {{score .R.PlotStructureScore}}/100
- Originality: {{score .R.OriginalityScore}}/100

---
Report generated by MyReviewApp AI Analysis Platform
This analysis is based on AI assessment and should be considered alongside human professional editing services.
`

var reportTmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"score":        formatScore,
	"analysisDate": formatAnalysisDate,
}).Parse(reportTemplate))

// formatScore prints whole numbers with one decimal ("70.0") and keeps
// other values as they are ("76.7").
func formatScore(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatAnalysisDate(m *model.Manuscript) string {
	if m.AnalysisDate == nil {
		return "N/A"
	}
	return m.AnalysisDate.Format("2006-01-02 15:04:05")
}

// RenderReport builds the plain-text review report for a completed manuscript
func RenderReport(m *model.Manuscript, r *model.AnalysisResult) (string, error) {
	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, struct {
		M *model.Manuscript
		R *model.AnalysisResult
	}{m, r}); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// ReportFilename is the download name of a manuscript's report
func ReportFilename(title string) string {
	return "MyReviewApp_Analysis_" + strings.ReplaceAll(title, " ", "_") + ".txt"
}
