package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ronvwieringen/AIbookReview/config"
	"github.com/ronvwieringen/AIbookReview/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stageOracle answers each stage with a fixed legacy-format reply
type stageOracle struct{}

func (stageOracle) Name() string  { return "fake" }
func (stageOracle) Model() string { return "fake-1" }

func (stageOracle) Complete(_ context.Context, req *service.CompletionRequest) (*service.Completion, error) {
	answers := map[string]string{
		service.StageMetadata:       "LANGUAGE: English\nAUTHOR: Jane Roe\nPUBLISHER: Unknown\nISBN: Unknown\nTYPE: fiction\nCONFIDENCE: 90",
		service.StageClassification: "CLASSIFICATION: fiction\nCONFIDENCE: 90",
		service.StageScoring: "LANGUAGE_STYLE: 80\nSENSORY_IMMERSION: 70\nSCENE_CONSTRUCTION: 60\n" +
			"PLOT_STRUCTURE: 90\nCHARACTER_DEVELOPMENT: 75\nORIGINALITY: 85\nDETAILED_FEEDBACK: Strong voice.",
		service.StageBlurb: "BLURB: A quiet storm over a harbour town.",
	}
	return &service.Completion{Text: answers[req.Stage], Model: "fake-1"}, nil
}

type testEnv struct {
	cfg    *config.Config
	store  *service.Store
	files  *service.LocalStore
	hub    *service.Hub
	review *service.ReviewService
	h      *ManuscriptHandler
	router *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		Upload: config.UploadConfig{
			Dir:               filepath.Join(dir, "uploads"),
			MaxSizeMB:         1,
			AllowedExtensions: []string{"txt", "pdf", "docx", "doc"},
		},
		Analysis: config.AnalysisConfig{MaxConcurrent: 2, StaleAfter: time.Hour},
		Auth:     config.AuthConfig{JWTSecret: "test-secret", TokenExpireHours: 1},
	}

	store, err := service.OpenStore(context.Background(), filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	files, err := service.NewLocalStore(cfg.Upload.Dir)
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}

	env := &testEnv{cfg: cfg, store: store, files: files, hub: service.NewHub()}
	env.review = service.NewReviewService(store, files, service.NewAnalyzer(stageOracle{}, false), env.hub, cfg.Analysis)
	env.h = NewManuscriptHandler(store, files, env.review, cfg)
	env.h.now = func() time.Time { return time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC) }

	r := gin.New()
	r.POST("/manuscripts", env.h.Upload)
	r.GET("/manuscripts", env.h.List)
	r.POST("/manuscripts/:id/analyze", env.h.Analyze)
	r.GET("/manuscripts/:id", env.h.Get)
	r.GET("/manuscripts/:id/status", env.h.Status)
	r.GET("/manuscripts/:id/results", env.h.Results)
	r.GET("/manuscripts/:id/reviews", env.h.Reviews)
	r.GET("/manuscripts/:id/report", env.h.Report)
	env.router = r
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type uploadFields map[string]string

func defaultFields() uploadFields {
	return uploadFields{
		"author_name":      "Jane Roe",
		"author_email":     "jane@example.com",
		"manuscript_title": "My Novel",
	}
}

func newUploadRequest(t *testing.T, filename string, content []byte, fields uploadFields) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("Failed to write field: %v", err)
		}
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("manuscript", filename)
		if err != nil {
			t.Fatalf("Failed to create form file: %v", err)
		}
		fw.Write(content)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/manuscripts", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// upload posts a text manuscript and returns its id
func (e *testEnv) upload(t *testing.T, content string) int64 {
	t.Helper()
	w := e.do(newUploadRequest(t, "my novel.txt", []byte(content), defaultFields()))
	if w.Code != http.StatusCreated {
		t.Fatalf("Upload failed with %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, w, &resp)
	return resp.ID
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
}
