package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ronvwieringen/AIbookReview/model"
	"github.com/ronvwieringen/AIbookReview/pkg/logger"
)

const maxBlurbWords = 25

const (
	fictionDefaultFeedback     = "Comprehensive analysis completed. The manuscript shows promise in several areas."
	nonFictionDefaultFeedback  = "Comprehensive analysis completed. The manuscript demonstrates solid research and presentation."
	fictionFallbackFeedback    = "Analysis completed with default scoring due to processing limitations. The manuscript shows standard fiction elements and structure."
	nonFictionFallbackFeedback = "Analysis completed with default scoring due to processing limitations. The manuscript demonstrates solid non-fiction structure and content organization."
	defaultReasoning           = "AI classification based on content analysis"
	fallbackReasoning          = "Default classification due to analysis error"
)

var (
	fictionDimensions = []string{
		model.DimLanguageStyle,
		model.DimSensoryImmersion,
		model.DimSceneConstruction,
		model.DimPlotStructure,
		model.DimCharacterDevelopment,
		model.DimOriginality,
	}
	nonFictionDimensions = []string{
		model.DimSubstantiation,
		model.DimCompleteness,
		model.DimLanguageClarity,
		model.DimStructure,
		model.DimOriginality,
		model.DimPracticalValue,
	}
)

// StageFailure explains why a stage produced its fallback output
type StageFailure struct {
	Stage string
	Kind  string
	Err   error
}

func (f *StageFailure) Error() string {
	return fmt.Sprintf("%s stage %s: %v", f.Stage, f.Kind, f.Err)
}

func (f *StageFailure) Unwrap() error { return f.Err }

// Record converts the failure to its stored form
func (f *StageFailure) Record() model.DegradedStage {
	return model.DegradedStage{Stage: f.Stage, Kind: f.Kind, Message: f.Err.Error()}
}

// StageResult carries a stage's value. Failure is set when Value is the
// stage fallback rather than oracle output.
type StageResult[T any] struct {
	Stage   string
	Value   T
	Model   string
	Failure *StageFailure
}

// Degraded reports whether the stage fell back to defaults
func (r StageResult[T]) Degraded() bool {
	return r.Failure != nil
}

// Metadata is the stage 1 output
type Metadata struct {
	Language   string  `json:"language"`
	Author     string  `json:"author"`
	Publisher  string  `json:"publisher"`
	ISBN       string  `json:"isbn"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// FallbackMetadata is used when stage 1 cannot produce an answer
func FallbackMetadata() Metadata {
	return Metadata{
		Language:   "en",
		Author:     "Unknown",
		Publisher:  "Unknown",
		ISBN:       "Unknown",
		Type:       model.TypeFiction,
		Confidence: 50,
	}
}

// Classification is the stage 2 output
type Classification struct {
	Type       string  `json:"classification"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Scores is the stage 3 output. The four slot fields hold the values stored
// for every manuscript type; Dimensions keeps the rubric's own names.
type Scores struct {
	Rubric               string
	Dimensions           map[string]float64
	LanguageStyle        float64
	CharacterDevelopment float64
	PlotStructure        float64
	Originality          float64
	Overall              float64
	Feedback             string
}

// Analyzer runs the oracle-backed review stages. Every stage method returns
// a value; failures are reported through StageResult.Failure.
type Analyzer struct {
	oracle     Oracle
	structured bool
}

func NewAnalyzer(oracle Oracle, structured bool) *Analyzer {
	return &Analyzer{oracle: oracle, structured: structured}
}

// Oracle returns the backing oracle
func (a *Analyzer) Oracle() Oracle {
	return a.oracle
}

func (a *Analyzer) complete(ctx context.Context, stage, prompt, schemaName string, schema map[string]any) (*Completion, *StageFailure) {
	if a.oracle == nil {
		return nil, &StageFailure{Stage: stage, Kind: model.FailureOracleUnavailable, Err: ErrOracleUnavailable}
	}
	req := &CompletionRequest{Stage: stage, Prompt: prompt}
	if a.structured {
		req.Schema = schema
		req.SchemaName = schemaName
	}
	c, err := a.oracle.Complete(ctx, req)
	if err != nil {
		kind := model.FailureOracleError
		if errors.Is(err, ErrOracleUnavailable) {
			kind = model.FailureOracleUnavailable
		}
		return nil, &StageFailure{Stage: stage, Kind: kind, Err: err}
	}
	return c, nil
}

// decode fills out from a completion. Structured output is tried first; when
// it is missing or invalid the KEY: value format is parsed by legacy, which
// only counts as success if the text mentions at least one of keys.
func (a *Analyzer) decode(ctx context.Context, stage, text, schemaName string, schema map[string]any, out any, keys []string, legacy func(string) error) error {
	if a.structured {
		err := decodeStructured(text, schemaName, schema, out)
		if err == nil {
			return nil
		}
		if !mentionsAnyField(text, keys) {
			return err
		}
		logger.Warn(ctx, "structured output rejected, parsing fields", "stage", stage, "error", err)
	}
	return legacy(text)
}

func mentionsAnyField(text string, keys []string) bool {
	for _, k := range keys {
		if fieldPattern(k).MatchString(text) {
			return true
		}
	}
	return false
}

// InitialAnalysis extracts bibliographic metadata from the opening of the text
func (a *Analyzer) InitialAnalysis(ctx context.Context, text, title string) StageResult[Metadata] {
	res := StageResult[Metadata]{Stage: StageMetadata}
	fail := func(f *StageFailure) StageResult[Metadata] {
		logger.Error(ctx, "initial metadata extraction failed", "error", f)
		res.Value = FallbackMetadata()
		res.Failure = f
		return res
	}

	prompt, err := MetadataPrompt(text, title, a.structured)
	if err != nil {
		return fail(&StageFailure{Stage: StageMetadata, Kind: model.FailureOracleError, Err: err})
	}
	c, f := a.complete(ctx, StageMetadata, prompt, "manuscript_metadata", MetadataSchema)
	if f != nil {
		return fail(f)
	}
	res.Model = c.Model

	var meta Metadata
	err = a.decode(ctx, StageMetadata, c.Text, "manuscript_metadata", MetadataSchema, &meta,
		[]string{"LANGUAGE", "AUTHOR", "PUBLISHER", "ISBN", "TYPE", "CONFIDENCE"},
		func(s string) error {
			confidence, err := extractScore(s, "CONFIDENCE", "70")
			if err != nil {
				return err
			}
			meta = Metadata{
				Language:   ExtractField(s, "LANGUAGE", "en"),
				Author:     ExtractField(s, "AUTHOR", "Unknown"),
				Publisher:  ExtractField(s, "PUBLISHER", "Unknown"),
				ISBN:       ExtractField(s, "ISBN", "Unknown"),
				Type:       ExtractField(s, "TYPE", model.TypeFiction),
				Confidence: confidence,
			}
			return nil
		})
	if err != nil {
		return fail(&StageFailure{Stage: StageMetadata, Kind: model.FailureParseError, Err: err})
	}

	meta.Language = NormalizeLanguage(orDefault(meta.Language, "en"))
	meta.Author = orDefault(meta.Author, "Unknown")
	meta.Publisher = orDefault(meta.Publisher, "Unknown")
	meta.ISBN = orDefault(meta.ISBN, "Unknown")
	// an unrecognized type is left empty so classification runs
	meta.Type = model.ParseManuscriptType(meta.Type)
	meta.Confidence = model.ClampScore(meta.Confidence)

	res.Value = meta
	return res
}

// Classify decides between fiction, non-fiction and hybrid
func (a *Analyzer) Classify(ctx context.Context, text, title string) StageResult[Classification] {
	res := StageResult[Classification]{Stage: StageClassification}
	fail := func(f *StageFailure) StageResult[Classification] {
		logger.Error(ctx, "classification failed", "error", f)
		res.Value = Classification{Type: model.TypeFiction, Confidence: 50, Reasoning: fallbackReasoning}
		res.Failure = f
		return res
	}

	prompt, err := ClassifyPrompt(text, title, a.structured)
	if err != nil {
		return fail(&StageFailure{Stage: StageClassification, Kind: model.FailureOracleError, Err: err})
	}
	c, f := a.complete(ctx, StageClassification, prompt, "manuscript_classification", ClassificationSchema)
	if f != nil {
		return fail(f)
	}
	res.Model = c.Model

	var cls Classification
	err = a.decode(ctx, StageClassification, c.Text, "manuscript_classification", ClassificationSchema, &cls,
		[]string{"CLASSIFICATION", "CONFIDENCE", "REASONING"},
		func(s string) error {
			confidence, err := extractScore(s, "CONFIDENCE", "75")
			if err != nil {
				return err
			}
			cls = Classification{
				Type:       ExtractField(s, "CLASSIFICATION", model.TypeFiction),
				Confidence: confidence,
				Reasoning:  ExtractField(s, "REASONING", defaultReasoning),
			}
			return nil
		})
	if err != nil {
		return fail(&StageFailure{Stage: StageClassification, Kind: model.FailureParseError, Err: err})
	}

	raw := cls.Type
	cls.Type = model.ParseManuscriptType(raw)
	if cls.Type == "" {
		return fail(&StageFailure{
			Stage: StageClassification,
			Kind:  model.FailureParseError,
			Err:   &FieldError{Field: "CLASSIFICATION", Value: raw, Err: strconv.ErrSyntax},
		})
	}
	cls.Confidence = model.ClampScore(cls.Confidence)
	cls.Reasoning = orDefault(cls.Reasoning, defaultReasoning)

	res.Value = cls
	return res
}

func usesFictionRubric(manuscriptType string) bool {
	return manuscriptType == model.TypeFiction || manuscriptType == model.TypeHybrid
}

// fallbackScores is the stage 3 output when scoring fails
func fallbackScores(manuscriptType string) Scores {
	dims := fictionDimensions
	rubric := model.TypeFiction
	feedback := fictionFallbackFeedback
	if !usesFictionRubric(manuscriptType) {
		dims = nonFictionDimensions
		rubric = model.TypeNonFiction
		feedback = nonFictionFallbackFeedback
	}
	scores := make(map[string]float64, len(dims))
	for _, d := range dims {
		scores[d] = 70
	}
	return Scores{
		Rubric:               rubric,
		Dimensions:           scores,
		LanguageStyle:        70,
		CharacterDevelopment: 70,
		PlotStructure:        70,
		Originality:          70,
		Overall:              70,
		Feedback:             feedback,
	}
}

// Score rates the manuscript on the six dimensions of the rubric for its type
func (a *Analyzer) Score(ctx context.Context, text, title, manuscriptType string) StageResult[Scores] {
	res := StageResult[Scores]{Stage: StageScoring}
	fail := func(f *StageFailure) StageResult[Scores] {
		logger.Error(ctx, "detailed scoring failed", "error", f, "manuscript_type", manuscriptType)
		res.Value = fallbackScores(manuscriptType)
		res.Failure = f
		return res
	}

	fiction := usesFictionRubric(manuscriptType)
	dims, schema, schemaName, defaultFeedback := fictionDimensions, FictionScoresSchema, "fiction_scores", fictionDefaultFeedback
	if !fiction {
		dims, schema, schemaName, defaultFeedback = nonFictionDimensions, NonFictionScoresSchema, "non_fiction_scores", nonFictionDefaultFeedback
	}

	prompt, err := ScoringPrompt(text, title, manuscriptType, a.structured)
	if err != nil {
		return fail(&StageFailure{Stage: StageScoring, Kind: model.FailureOracleError, Err: err})
	}
	c, f := a.complete(ctx, StageScoring, prompt, schemaName, schema)
	if f != nil {
		return fail(f)
	}
	res.Model = c.Model

	keys := make([]string, 0, len(dims)+1)
	for _, d := range dims {
		keys = append(keys, strings.ToUpper(d))
	}
	keys = append(keys, "DETAILED_FEEDBACK")

	var raw map[string]any
	values := make(map[string]float64, len(dims))
	feedback := ""
	err = a.decode(ctx, StageScoring, c.Text, schemaName, schema, &raw, keys,
		func(s string) error {
			raw = nil
			for _, d := range dims {
				v, err := extractScore(s, strings.ToUpper(d), "70")
				if err != nil {
					return err
				}
				values[d] = v
			}
			feedback = ExtractField(s, "DETAILED_FEEDBACK", defaultFeedback)
			return nil
		})
	if err != nil {
		return fail(&StageFailure{Stage: StageScoring, Kind: model.FailureParseError, Err: err})
	}
	if raw != nil {
		for _, d := range dims {
			v, ok := raw[d].(float64)
			if !ok {
				return fail(&StageFailure{Stage: StageScoring, Kind: model.FailureParseError, Err: fmt.Errorf("missing score %s", d)})
			}
			values[d] = v
		}
		feedback, _ = raw["detailed_feedback"].(string)
	}

	res.Value = buildScores(values, dims, fiction, orDefault(feedback, defaultFeedback))
	return res
}

func buildScores(values map[string]float64, dims []string, fiction bool, feedback string) Scores {
	total := 0.0
	for _, d := range dims {
		values[d] = model.ClampScore(values[d])
		total += values[d]
	}

	s := Scores{
		Dimensions:  values,
		Originality: values[model.DimOriginality],
		Overall:     model.RoundScore(total / float64(len(dims))),
		Feedback:    feedback,
	}
	if fiction {
		s.Rubric = model.TypeFiction
		s.LanguageStyle = values[model.DimLanguageStyle]
		s.CharacterDevelopment = values[model.DimCharacterDevelopment]
		s.PlotStructure = values[model.DimPlotStructure]
	} else {
		s.Rubric = model.TypeNonFiction
		s.LanguageStyle = values[model.DimLanguageClarity]
		s.CharacterDevelopment = values[model.DimPracticalValue]
		s.PlotStructure = values[model.DimStructure]
	}
	return s
}

// Blurb writes a promotional blurb of at most 25 words
func (a *Analyzer) Blurb(ctx context.Context, text, title, manuscriptType string) StageResult[string] {
	res := StageResult[string]{Stage: StageBlurb}
	fail := func(f *StageFailure) StageResult[string] {
		logger.Error(ctx, "blurb generation failed", "error", f)
		res.Value = fmt.Sprintf("An engaging %s work offering readers unique perspectives and compelling content.", manuscriptType)
		res.Failure = f
		return res
	}
	defaultBlurb := fmt.Sprintf("A compelling %s work that offers readers unique insights and engaging storytelling throughout.", manuscriptType)

	prompt, err := BlurbPrompt(text, title, manuscriptType, a.structured)
	if err != nil {
		return fail(&StageFailure{Stage: StageBlurb, Kind: model.FailureOracleError, Err: err})
	}
	c, f := a.complete(ctx, StageBlurb, prompt, "promotional_blurb", BlurbSchema)
	if f != nil {
		return fail(f)
	}
	res.Model = c.Model

	var out struct {
		Blurb string `json:"blurb"`
	}
	err = a.decode(ctx, StageBlurb, c.Text, "promotional_blurb", BlurbSchema, &out, []string{"BLURB"},
		func(s string) error {
			out.Blurb = ExtractField(s, "BLURB", defaultBlurb)
			return nil
		})
	if err != nil {
		return fail(&StageFailure{Stage: StageBlurb, Kind: model.FailureParseError, Err: err})
	}

	res.Value = TruncateWords(orDefault(out.Blurb, defaultBlurb), maxBlurbWords)
	return res
}

// TruncateWords keeps the first n whitespace-separated words of s
func TruncateWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ")
}

// TextStats are the word-based statistics stored with each review
type TextStats struct {
	Words              int
	Characters         int
	ReadingTimeMinutes int
	LengthCategory     string
}

// ComputeTextStats counts whitespace-separated words, as the plagiarism check does
func ComputeTextStats(text string) TextStats {
	words := len(strings.Fields(text))
	return TextStats{
		Words:              words,
		Characters:         utf8.RuneCountInString(text),
		ReadingTimeMinutes: model.ReadingTime(words),
		LengthCategory:     model.LengthCategory(words),
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return strings.TrimSpace(s)
}
