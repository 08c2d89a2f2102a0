package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ronvwieringen/AIbookReview/config"
	"github.com/ronvwieringen/AIbookReview/model"
	"github.com/ronvwieringen/AIbookReview/pkg/logger"
	"golang.org/x/sync/semaphore"
)

var (
	ErrFileMissing = errors.New("manuscript file not found")
	ErrEmptyText   = errors.New("no text could be extracted from manuscript")
)

const staleReason = "analysis interrupted"

// ReviewService runs the review pipeline for one manuscript at a time per
// call, with a global bound on concurrent runs.
type ReviewService struct {
	store      *Store
	files      FileStore
	analyzer   *Analyzer
	hub        *Hub
	sem        *semaphore.Weighted
	staleAfter time.Duration
	wg         sync.WaitGroup
}

func NewReviewService(store *Store, files FileStore, analyzer *Analyzer, hub *Hub, cfg config.AnalysisConfig) *ReviewService {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ReviewService{
		store:      store,
		files:      files,
		analyzer:   analyzer,
		hub:        hub,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		staleAfter: cfg.StaleAfter,
	}
}

// Begin claims a manuscript for analysis. Only one caller can hold the claim;
// the rest get ErrAlreadyProcessing or ErrAlreadyCompleted.
func (s *ReviewService) Begin(ctx context.Context, id int64) (*model.Manuscript, error) {
	m, err := s.store.BeginAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	logger.Info(logger.WithManuscript(ctx, id), "analysis started", "title", m.Title)
	s.hub.Publish(NewStatusEvent(id, model.StatusProcessing))
	return m, nil
}

// Analyze claims the manuscript and runs the full pipeline
func (s *ReviewService) Analyze(ctx context.Context, id int64) (*model.AnalysisResult, error) {
	m, err := s.Begin(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, m)
}

// Start claims the manuscript and runs the pipeline in the background. The
// run outlives ctx; Wait blocks until background runs finish.
func (s *ReviewService) Start(ctx context.Context, id int64) (*model.Manuscript, error) {
	m, err := s.Begin(ctx, id)
	if err != nil {
		return nil, err
	}

	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				logger.Error(runCtx, "analysis panicked", "manuscript_id", m.ID, "panic", p)
			}
		}()
		_, _ = s.Run(runCtx, m)
	}()
	return m, nil
}

// Wait blocks until background runs finish or ctx is done
func (s *ReviewService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the pipeline for a manuscript already claimed by Begin. Any
// error, or a panic, leaves the manuscript failed.
func (s *ReviewService) Run(ctx context.Context, m *model.Manuscript) (result *model.AnalysisResult, err error) {
	ctx = logger.WithManuscript(ctx, m.ID)
	defer func() {
		if p := recover(); p != nil {
			s.fail(ctx, m, fmt.Errorf("panic: %v", p))
			panic(p)
		}
		switch {
		case errors.Is(err, ErrClaimLost):
			logger.Warn(ctx, "analysis was reclaimed, result discarded", "error", err)
		case err != nil:
			s.fail(ctx, m, err)
		}
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for analysis slot: %w", err)
	}
	defer s.sem.Release(1)

	start := time.Now()
	text, err := s.loadText(ctx, m)
	if err != nil {
		return nil, err
	}

	var (
		failures []model.DegradedStage
		models   []string
	)
	note := func(modelName string, f *StageFailure) {
		if f != nil {
			failures = append(failures, f.Record())
		}
		if modelName != "" {
			models = append(models, modelName)
		}
	}

	if !m.InitialAnalysisComplete {
		meta := s.analyzer.InitialAnalysis(ctx, text, m.Title)
		note(meta.Model, meta.Failure)
		if err := s.store.SaveInitialMetadata(ctx, m.ID, meta.Value); err != nil {
			return nil, err
		}
		m.Language = meta.Value.Language
		m.DetectedAuthor = meta.Value.Author
		m.DetectedPublisher = meta.Value.Publisher
		m.DetectedISBN = meta.Value.ISBN
		m.ClassificationConfidence = meta.Value.Confidence
		if meta.Value.Type != "" {
			m.ManuscriptType = meta.Value.Type
		}
		m.InitialAnalysisComplete = true
	}

	if m.ManuscriptType == "" {
		cls := s.analyzer.Classify(ctx, text, m.Title)
		note(cls.Model, cls.Failure)
		if err := s.store.SetClassification(ctx, m.ID, cls.Value.Type, cls.Value.Confidence); err != nil {
			return nil, err
		}
		m.ManuscriptType = cls.Value.Type
		m.ClassificationConfidence = cls.Value.Confidence
	}

	scores := s.analyzer.Score(ctx, text, m.Title, m.ManuscriptType)
	note(scores.Model, scores.Failure)

	blurb := s.analyzer.Blurb(ctx, text, m.Title, m.ManuscriptType)
	note(blurb.Model, blurb.Failure)

	plagiarism := CheckPlagiarism(text)
	stats := ComputeTextStats(text)

	result = &model.AnalysisResult{
		ManuscriptID:              m.ID,
		ManuscriptType:            m.ManuscriptType,
		ClassificationConfidence:  m.ClassificationConfidence,
		OverallScore:              scores.Value.Overall,
		LanguageStyleScore:        scores.Value.LanguageStyle,
		CharacterDevelopmentScore: scores.Value.CharacterDevelopment,
		PlotStructureScore:        scores.Value.PlotStructure,
		OriginalityScore:          scores.Value.Originality,
		Dimensions:                scores.Value.Dimensions,
		DetailedFeedback:          scores.Value.Feedback,
		PromotionalBlurb:          blurb.Value,
		PlagiarismScore:           plagiarism.Score,
		PlagiarismDetails:         plagiarism.Details,
		Degraded:                  len(failures) > 0,
		DegradedStages:            failures,
		Provider:                  s.providerName(),
		ModelUsed:                 s.modelUsed(models),
		ProcessingTimeMs:          time.Since(start).Milliseconds(),
		WordCount:                 stats.Words,
		CharacterCount:            stats.Characters,
		ReadingTimeMinutes:        stats.ReadingTimeMinutes,
		LengthCategory:            stats.LengthCategory,
	}

	if err := s.store.CompleteAnalysis(ctx, m.ClaimID, result); err != nil {
		return nil, err
	}

	evt := NewStatusEvent(m.ID, model.StatusCompleted)
	evt.ResultID = result.ID
	s.hub.Publish(evt)

	logger.Info(ctx, "analysis completed",
		"manuscript_type", result.ManuscriptType,
		"overall_score", result.OverallScore,
		"degraded", result.Degraded,
		"processing_time_ms", result.ProcessingTimeMs,
	)

	if err := s.files.Delete(ctx, m.StorageKey); err != nil {
		logger.Warn(ctx, "failed to delete manuscript file", "key", m.StorageKey, "error", err)
	}
	return result, nil
}

func (s *ReviewService) loadText(ctx context.Context, m *model.Manuscript) (string, error) {
	rc, err := s.files.Open(ctx, m.StorageKey)
	if errors.Is(err, ErrFileNotFound) {
		return "", fmt.Errorf("%w: %s", ErrFileMissing, m.Filename)
	}
	if err != nil {
		return "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read manuscript file: %w", err)
	}
	text, err := ExtractText(m.Filename, data)
	if err != nil {
		return "", fmt.Errorf("extract text: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}
	return text, nil
}

// fail is best effort and runs even when ctx has been cancelled
func (s *ReviewService) fail(ctx context.Context, m *model.Manuscript, cause error) {
	logger.Error(ctx, "analysis failed", "error", cause)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.FailClaim(ctx, m.ID, m.ClaimID, cause.Error()); err != nil {
		if errors.Is(err, ErrClaimLost) {
			logger.Warn(ctx, "analysis was reclaimed before it failed")
			return
		}
		logger.Error(ctx, "failed to mark manuscript failed", "error", err)
		return
	}
	evt := NewStatusEvent(m.ID, model.StatusFailed)
	evt.Error = cause.Error()
	s.hub.Publish(evt)
}

func (s *ReviewService) providerName() string {
	if o := s.analyzer.Oracle(); o != nil {
		return o.Name()
	}
	return ""
}

func (s *ReviewService) modelUsed(stageModels []string) string {
	if len(stageModels) > 0 {
		return stageModels[0]
	}
	if o := s.analyzer.Oracle(); o != nil {
		return o.Model()
	}
	return ""
}

// ReclaimStale fails manuscripts that have been processing longer than
// olderThan, or the configured stale age when olderThan is zero.
func (s *ReviewService) ReclaimStale(ctx context.Context, olderThan time.Duration) ([]int64, error) {
	if olderThan <= 0 {
		olderThan = s.staleAfter
	}
	ids, err := s.store.FailStaleProcessing(ctx, time.Now().Add(-olderThan), staleReason)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		evt := NewStatusEvent(id, model.StatusFailed)
		evt.Error = staleReason
		s.hub.Publish(evt)
	}
	if len(ids) > 0 {
		logger.Warn(ctx, "reclaimed stale analyses", "count", len(ids), "older_than", olderThan.String())
	}
	return ids, nil
}
