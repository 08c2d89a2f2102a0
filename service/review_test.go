package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ronvwieringen/AIbookReview/config"
	"github.com/ronvwieringen/AIbookReview/model"
)

const (
	metadataAnswer = "LANGUAGE: English\nAUTHOR: Jane Roe\nPUBLISHER: Harbour Press\nISBN: Unknown\nTYPE: fiction\nCONFIDENCE: 88"
	blurbAnswer    = "BLURB: A quiet storm gathers over a harbour town."
	manuscriptBody = "The tide came in slowly. Mara watched the boats from the harbour wall and counted the gulls."
)

var fictionScoreAnswer = strings.Join([]string{
	"LANGUAGE_STYLE: 80",
	"SENSORY_IMMERSION: 70",
	"SCENE_CONSTRUCTION: 60",
	"PLOT_STRUCTURE: 90",
	"CHARACTER_DEVELOPMENT: 75",
	"ORIGINALITY: 85",
	"DETAILED_FEEDBACK: Strong voice, uneven middle act.",
}, "\n")

type reviewFixture struct {
	svc   *ReviewService
	store *Store
	files *LocalStore
	hub   *Hub
}

func newReviewFixture(t *testing.T, oracle Oracle) *reviewFixture {
	t.Helper()
	files, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}
	f := &reviewFixture{store: newTestStore(t), files: files, hub: NewHub()}
	f.svc = NewReviewService(f.store, f.files, NewAnalyzer(oracle, false), f.hub, config.AnalysisConfig{
		MaxConcurrent: 2,
		StaleAfter:    time.Hour,
	})
	return f
}

// upload stores body and registers a pending manuscript for it
func (f *reviewFixture) upload(t *testing.T, body string) *model.Manuscript {
	t.Helper()
	m := createTestManuscript(t, f.store)
	if err := f.files.Save(context.Background(), m.StorageKey, strings.NewReader(body), int64(len(body)), "text/plain"); err != nil {
		t.Fatalf("Failed to save file: %v", err)
	}
	return m
}

func TestReviewServiceAnalyze(t *testing.T) {
	oracle := &scriptedOracle{answers: []any{metadataAnswer, fictionScoreAnswer, blurbAnswer}}
	f := newReviewFixture(t, oracle)
	m := f.upload(t, manuscriptBody)

	events, unsubscribe := f.hub.Subscribe(m.ID)
	defer unsubscribe()

	res, err := f.svc.Analyze(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if res.ID == 0 {
		t.Error("Expected result ID to be set")
	}
	if res.ManuscriptType != model.TypeFiction || res.ClassificationConfidence != 88 {
		t.Errorf("Unexpected classification %s/%v", res.ManuscriptType, res.ClassificationConfidence)
	}
	if res.OverallScore != 76.7 {
		t.Errorf("Expected overall 76.7, got %v", res.OverallScore)
	}
	if res.PromotionalBlurb != "A quiet storm gathers over a harbour town." {
		t.Errorf("Unexpected blurb %q", res.PromotionalBlurb)
	}
	if res.Degraded || len(res.DegradedStages) != 0 {
		t.Errorf("Expected clean run, got %+v", res.DegradedStages)
	}
	if res.Provider != "scripted" || res.ModelUsed != "scripted-1" {
		t.Errorf("Unexpected provider/model %s/%s", res.Provider, res.ModelUsed)
	}
	if res.WordCount != len(strings.Fields(manuscriptBody)) || res.ReadingTimeMinutes != 1 {
		t.Errorf("Unexpected stats words=%d reading=%d", res.WordCount, res.ReadingTimeMinutes)
	}
	if res.PlagiarismScore < 50 || res.PlagiarismScore > 100 {
		t.Errorf("Plagiarism score out of range: %v", res.PlagiarismScore)
	}
	// classification is skipped when stage 1 recognized the type
	if oracle.calls != 3 {
		t.Errorf("Expected 3 oracle calls, got %d", oracle.calls)
	}

	got, err := f.store.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Failed to get manuscript: %v", err)
	}
	if got.Status != model.StatusCompleted || got.AnalysisDate == nil {
		t.Errorf("Expected completed with analysis date, got %s", got.Status)
	}
	if got.DetectedAuthor != "Jane Roe" || got.DetectedPublisher != "Harbour Press" || !got.InitialAnalysisComplete {
		t.Errorf("Metadata not stored: %+v", got)
	}

	exists, err := f.files.Exists(context.Background(), m.StorageKey)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if exists {
		t.Error("Expected manuscript file to be deleted after analysis")
	}

	var statuses []string
	for len(events) > 0 {
		statuses = append(statuses, (<-events).Status)
	}
	if strings.Join(statuses, ",") != "processing,completed" {
		t.Errorf("Unexpected events %v", statuses)
	}
}

func TestReviewServiceClassifiesUnknownType(t *testing.T) {
	oracle := &scriptedOracle{answers: []any{
		"TYPE: poetry",
		"CLASSIFICATION: non_fiction\nCONFIDENCE: 91",
		"SUBSTANTIATION: 60\nCOMPLETENESS: 70\nLANGUAGE_CLARITY: 80\nSTRUCTURE: 90\nORIGINALITY: 50\nPRACTICAL_VALUE: 100",
		blurbAnswer,
	}}
	f := newReviewFixture(t, oracle)
	m := f.upload(t, manuscriptBody)

	res, err := f.svc.Analyze(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.ManuscriptType != model.TypeNonFiction || res.ClassificationConfidence != 91 {
		t.Errorf("Unexpected classification %s/%v", res.ManuscriptType, res.ClassificationConfidence)
	}
	if res.OverallScore != 75 {
		t.Errorf("Expected overall 75, got %v", res.OverallScore)
	}
	if oracle.requests[2].SchemaName != "non_fiction_scores" {
		t.Errorf("Expected non-fiction scoring, got %q", oracle.requests[2].SchemaName)
	}
}

func TestReviewServiceDegradedStages(t *testing.T) {
	oracle := &scriptedOracle{answers: []any{
		metadataAnswer,
		&StatusError{Provider: "scripted", StatusCode: 400, Message: "bad request"},
		"no blurb here",
	}}
	f := newReviewFixture(t, oracle)
	m := f.upload(t, manuscriptBody)

	res, err := f.svc.Analyze(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !res.Degraded {
		t.Fatal("Expected degraded result")
	}
	if len(res.DegradedStages) != 1 || res.DegradedStages[0].Stage != StageScoring {
		t.Fatalf("Expected scoring to be degraded, got %+v", res.DegradedStages)
	}
	if res.DegradedStages[0].Kind != model.FailureOracleError {
		t.Errorf("Expected oracle error, got %s", res.DegradedStages[0].Kind)
	}
	if res.OverallScore != fallbackScores(model.TypeFiction).Overall {
		t.Errorf("Expected fallback overall, got %v", res.OverallScore)
	}

	stored, err := f.store.LatestResult(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Failed to load result: %v", err)
	}
	if !stored.Degraded || len(stored.DegradedStages) != 1 {
		t.Errorf("Degraded stages not persisted: %+v", stored.DegradedStages)
	}
}

func TestReviewServiceNoOracle(t *testing.T) {
	f := newReviewFixture(t, nil)
	m := f.upload(t, manuscriptBody)

	res, err := f.svc.Analyze(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	// metadata, scoring and blurb all fall back; the fallback type skips classification
	if len(res.DegradedStages) != 3 {
		t.Errorf("Expected 3 degraded stages, got %+v", res.DegradedStages)
	}
	if res.Provider != "" || res.ModelUsed != "" {
		t.Errorf("Expected no provider, got %s/%s", res.Provider, res.ModelUsed)
	}
}

func TestReviewServiceFailures(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		remove  bool
		wantErr error
	}{
		{"file missing", manuscriptBody, true, ErrFileMissing},
		{"empty text", "   \n\t ", false, ErrEmptyText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle := &scriptedOracle{}
			f := newReviewFixture(t, oracle)
			m := f.upload(t, tt.body)
			if tt.remove {
				if err := f.files.Delete(context.Background(), m.StorageKey); err != nil {
					t.Fatalf("Failed to delete file: %v", err)
				}
			}
			events, unsubscribe := f.hub.Subscribe(m.ID)
			defer unsubscribe()

			_, err := f.svc.Analyze(context.Background(), m.ID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}

			got, err := f.store.Get(context.Background(), m.ID)
			if err != nil {
				t.Fatalf("Failed to get manuscript: %v", err)
			}
			if got.Status != model.StatusFailed || got.ErrorMsg == "" {
				t.Errorf("Expected failed with message, got %s %q", got.Status, got.ErrorMsg)
			}
			if oracle.calls != 0 {
				t.Errorf("Expected no oracle calls, got %d", oracle.calls)
			}

			var last StatusEvent
			for len(events) > 0 {
				last = <-events
			}
			if last.Status != model.StatusFailed || last.Error == "" {
				t.Errorf("Expected failed event, got %+v", last)
			}
		})
	}
}

func TestReviewServiceAnalyzeUnknownID(t *testing.T) {
	f := newReviewFixture(t, &scriptedOracle{})
	m := f.upload(t, manuscriptBody)

	if _, err := f.svc.Analyze(context.Background(), m.ID+100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	got, err := f.store.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Failed to get manuscript: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Expected other manuscript untouched, got %s", got.Status)
	}
}

func TestReviewServiceRejectsDuplicateRuns(t *testing.T) {
	f := newReviewFixture(t, &scriptedOracle{answers: []any{metadataAnswer, fictionScoreAnswer, blurbAnswer}})
	m := f.upload(t, manuscriptBody)

	if _, err := f.svc.Begin(context.Background(), m.ID); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := f.svc.Analyze(context.Background(), m.ID); !errors.Is(err, ErrAlreadyProcessing) {
		t.Fatalf("Expected ErrAlreadyProcessing, got %v", err)
	}

	// the rejected call must not fail the run in progress
	got, _ := f.store.Get(context.Background(), m.ID)
	if got.Status != model.StatusProcessing {
		t.Fatalf("Expected processing, got %s", got.Status)
	}

	if _, err := f.svc.Run(context.Background(), got); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := f.svc.Analyze(context.Background(), m.ID); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("Expected ErrAlreadyCompleted, got %v", err)
	}

	results, err := f.store.ListResults(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Failed to list results: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Expected exactly one result, got %d", len(results))
	}
}

func TestReviewServiceConcurrentAnalyze(t *testing.T) {
	f := newReviewFixture(t, &scriptedOracle{answers: []any{metadataAnswer, fictionScoreAnswer, blurbAnswer}})
	m := f.upload(t, manuscriptBody)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, busy int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Analyze(context.Background(), m.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyProcessing), errors.Is(err, ErrAlreadyCompleted):
				busy++
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || busy != 3 {
		t.Errorf("Expected 1 run and 3 rejections, got %d and %d", ok, busy)
	}
}

func TestReviewServiceRetryKeepsInitialMetadata(t *testing.T) {
	oracle := &scriptedOracle{answers: []any{fictionScoreAnswer, blurbAnswer}}
	f := newReviewFixture(t, oracle)
	m := f.upload(t, manuscriptBody)

	ctx := context.Background()
	if err := f.store.SaveInitialMetadata(ctx, m.ID, Metadata{
		Language: "nl", Author: "Jan", Publisher: "Unknown", ISBN: "Unknown",
		Type: model.TypeFiction, Confidence: 80,
	}); err != nil {
		t.Fatalf("Failed to save metadata: %v", err)
	}
	if err := f.store.MarkFailed(ctx, m.ID, "earlier crash"); err != nil {
		t.Fatalf("Failed to mark failed: %v", err)
	}

	if _, err := f.svc.Analyze(ctx, m.ID); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if oracle.calls != 2 || oracle.requests[0].Stage != StageScoring {
		t.Errorf("Expected metadata stage to be skipped, got %d calls", oracle.calls)
	}

	got, _ := f.store.Get(ctx, m.ID)
	if got.Language != "nl" || got.DetectedAuthor != "Jan" {
		t.Errorf("Initial metadata was overwritten: %+v", got)
	}
	if got.ErrorMsg != "" {
		t.Errorf("Expected error message to be cleared, got %q", got.ErrorMsg)
	}
}

func TestReviewServiceStart(t *testing.T) {
	f := newReviewFixture(t, &scriptedOracle{answers: []any{metadataAnswer, fictionScoreAnswer, blurbAnswer}})
	m := f.upload(t, manuscriptBody)

	ctx, cancel := context.WithCancel(context.Background())
	started, err := f.svc.Start(ctx, m.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	// the background run must survive the caller's context
	cancel()
	if started.Status != model.StatusProcessing {
		t.Errorf("Expected processing, got %s", started.Status)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := f.svc.Wait(waitCtx); err != nil {
		t.Fatalf("Background run did not finish: %v", err)
	}

	got, _ := f.store.Get(context.Background(), m.ID)
	if got.Status != model.StatusCompleted {
		t.Errorf("Expected completed, got %s (%s)", got.Status, got.ErrorMsg)
	}
}

func TestReviewServiceReclaimStale(t *testing.T) {
	f := newReviewFixture(t, &scriptedOracle{})
	m := f.upload(t, manuscriptBody)
	if _, err := f.svc.Begin(context.Background(), m.ID); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	ids, err := f.svc.ReclaimStale(context.Background(), 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Fresh run should not be reclaimed, got %v", ids)
	}

	time.Sleep(5 * time.Millisecond)
	ids, err = f.svc.ReclaimStale(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != m.ID {
		t.Fatalf("Expected manuscript %d reclaimed, got %v", m.ID, ids)
	}

	got, _ := f.store.Get(context.Background(), m.ID)
	if got.Status != model.StatusFailed || got.ErrorMsg != staleReason {
		t.Errorf("Expected failed/%q, got %s/%q", staleReason, got.Status, got.ErrorMsg)
	}
}

func TestReviewServiceReclaimedRunCannotFinishNewerRun(t *testing.T) {
	oracle := &scriptedOracle{answers: []any{
		metadataAnswer, fictionScoreAnswer, blurbAnswer,
		fictionScoreAnswer, blurbAnswer,
	}}
	f := newReviewFixture(t, oracle)
	m := f.upload(t, manuscriptBody)
	ctx := context.Background()

	stale, err := f.svc.Begin(ctx, m.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if ids, err := f.svc.ReclaimStale(ctx, time.Millisecond); err != nil || len(ids) != 1 {
		t.Fatalf("Expected the run to be reclaimed, got %v %v", ids, err)
	}
	current, err := f.svc.Begin(ctx, m.ID)
	if err != nil {
		t.Fatalf("Retry after reclaim: %v", err)
	}

	if _, err := f.svc.Run(ctx, stale); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("Expected ErrClaimLost from the reclaimed run, got %v", err)
	}
	got, _ := f.store.Get(ctx, m.ID)
	if got.Status != model.StatusProcessing || got.ErrorMsg != "" {
		t.Fatalf("Reclaimed run touched the newer run: %s %q", got.Status, got.ErrorMsg)
	}

	// stage 1 already ran inside the reclaimed run
	current.InitialAnalysisComplete = got.InitialAnalysisComplete
	current.ManuscriptType = got.ManuscriptType
	res, err := f.svc.Run(ctx, current)
	if err != nil {
		t.Fatalf("Current run failed: %v", err)
	}
	results, _ := f.store.ListResults(ctx, m.ID)
	if len(results) != 1 || results[0].ID != res.ID {
		t.Errorf("Expected only the current run's result, got %d rows", len(results))
	}
}
