package handler

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ronvwieringen/AIbookReview/config"
	"github.com/ronvwieringen/AIbookReview/model"
	"github.com/ronvwieringen/AIbookReview/pkg/logger"
	"github.com/ronvwieringen/AIbookReview/service"
)

var extensionContentTypes = map[string]string{
	"txt":  "text/plain",
	"pdf":  "application/pdf",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"doc":  "application/msword",
}

type ManuscriptHandler struct {
	store  *service.Store
	files  service.FileStore
	review *service.ReviewService
	cfg    *config.Config
	now    func() time.Time
}

func NewManuscriptHandler(store *service.Store, files service.FileStore, review *service.ReviewService, cfg *config.Config) *ManuscriptHandler {
	return &ManuscriptHandler{
		store:  store,
		files:  files,
		review: review,
		cfg:    cfg,
		now:    time.Now,
	}
}

// UploadForm is the non-file part of an upload
type UploadForm struct {
	AuthorName  string `form:"author_name" binding:"required"`
	AuthorEmail string `form:"author_email" binding:"required,email"`
	Title       string `form:"manuscript_title" binding:"required"`
	Language    string `form:"language"`
}

// Upload stores a manuscript file and creates its pending record
func (h *ManuscriptHandler) Upload(c *gin.Context) {
	ctx := c.Request.Context()

	header, err := c.FormFile("manuscript")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file selected"})
		return
	}
	if header.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file selected"})
		return
	}
	if header.Size > h.cfg.Upload.MaxBytes() {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
		return
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
	if !h.cfg.IsAllowedExtension(ext) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "File type not supported. Allowed: " + strings.Join(h.cfg.Upload.AllowedExtensions, ", "),
		})
		return
	}

	var form UploadForm
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Please fill in all required fields"})
		return
	}
	form.AuthorName = strings.TrimSpace(form.AuthorName)
	form.AuthorEmail = strings.TrimSpace(form.AuthorEmail)
	form.Title = strings.TrimSpace(form.Title)
	if form.AuthorName == "" || form.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Please fill in all required fields"})
		return
	}

	contentType := extensionContentTypes[ext]
	if contentType == "" {
		contentType = header.Header.Get("Content-Type")
	}

	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file"})
		return
	}
	defer file.Close()

	filename, key := storedNames(header.Filename, ext, h.now())
	if err := h.files.Save(ctx, key, file, header.Size, contentType); err != nil {
		logger.Error(ctx, "failed to store upload", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store file"})
		return
	}

	m := &model.Manuscript{
		Filename:         filename,
		OriginalFilename: SecureFilename(header.Filename),
		FileSize:         header.Size,
		ContentType:      contentType,
		StorageKey:       key,
		AuthorName:       form.AuthorName,
		AuthorEmail:      form.AuthorEmail,
		Title:            form.Title,
		Language:         strings.TrimSpace(form.Language),
	}
	if err := h.store.Create(ctx, m); err != nil {
		logger.Error(ctx, "failed to create manuscript", "error", err)
		if delErr := h.files.Delete(ctx, key); delErr != nil {
			logger.Warn(ctx, "failed to remove orphaned upload", "key", key, "error", delErr)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save manuscript"})
		return
	}

	logger.Info(logger.WithManuscript(ctx, m.ID), "manuscript uploaded",
		"title", m.Title, "file_size", m.FileSize, "key", key)

	c.JSON(http.StatusCreated, gin.H{
		"id":          m.ID,
		"filename":    m.Filename,
		"file_size":   m.FileSize,
		"status":      m.Status,
		"analyze_url": "/api/manuscripts/" + strconv.FormatInt(m.ID, 10) + "/analyze",
	})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid manuscript id"})
		return 0, false
	}
	return id, true
}

// load fetches the manuscript named by :id, replying on failure
func (h *ManuscriptHandler) load(c *gin.Context) (*model.Manuscript, bool) {
	id, ok := parseID(c)
	if !ok {
		return nil, false
	}
	m, err := h.store.Get(c.Request.Context(), id)
	if errors.Is(err, service.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Manuscript not found"})
		return nil, false
	}
	if err != nil {
		logger.Error(c.Request.Context(), "failed to load manuscript", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load manuscript"})
		return nil, false
	}
	return m, true
}

func (h *ManuscriptHandler) async(c *gin.Context) bool {
	if v, ok := c.GetQuery("async"); ok {
		b, err := strconv.ParseBool(v)
		return err == nil && b
	}
	return h.cfg.Analysis.Async
}

// Analyze runs the review pipeline for a manuscript
func (h *ManuscriptHandler) Analyze(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if h.async(c) {
		if _, err := h.review.Start(c.Request.Context(), id); err != nil {
			h.analyzeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": model.StatusProcessing, "manuscript_id": id})
		return
	}

	// a disconnecting client must not cut the run short
	ctx := context.WithoutCancel(c.Request.Context())
	result, err := h.review.Analyze(ctx, id)
	if err != nil {
		h.analyzeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        model.StatusCompleted,
		"manuscript_id": id,
		"result":        result,
	})
}

func (h *ManuscriptHandler) analyzeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Manuscript not found"})
	case errors.Is(err, service.ErrAlreadyProcessing):
		c.JSON(http.StatusConflict, gin.H{"status": "already_processing"})
	case errors.Is(err, service.ErrAlreadyCompleted):
		c.JSON(http.StatusConflict, gin.H{"status": "already_completed"})
	case errors.Is(err, service.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"status": "error", "error": err.Error()})
	case errors.Is(err, service.ErrFileMissing):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "error", "error": "File not found"})
	case errors.Is(err, service.ErrEmptyText), errors.Is(err, service.ErrUnsupportedFormat):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "error", "error": "Could not extract text from file"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "Analysis failed"})
	}
}

// Get returns a manuscript with its latest result, if any
func (h *ManuscriptHandler) Get(c *gin.Context) {
	m, ok := h.load(c)
	if !ok {
		return
	}

	resp := gin.H{"manuscript": m, "result": nil}
	result, err := h.store.LatestResult(c.Request.Context(), m.ID)
	switch {
	case err == nil:
		resp["result"] = result
	case !errors.Is(err, service.ErrResultNotFound):
		logger.Error(c.Request.Context(), "failed to load result", "id", m.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load result"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Status reports the analysis status and progress percentage
func (h *ManuscriptHandler) Status(c *gin.Context) {
	m, ok := h.load(c)
	if !ok {
		return
	}
	resp := gin.H{
		"status":   m.Status,
		"progress": model.Progress(m.Status),
	}
	if m.ErrorMsg != "" {
		resp["error_msg"] = m.ErrorMsg
	}
	c.JSON(http.StatusOK, resp)
}

// completedResult loads the current result, replying 409 while the
// manuscript is not completed
func (h *ManuscriptHandler) completedResult(c *gin.Context) (*model.Manuscript, *model.AnalysisResult, bool) {
	m, ok := h.load(c)
	if !ok {
		return nil, nil, false
	}
	if m.Status != model.StatusCompleted {
		c.JSON(http.StatusConflict, gin.H{"error": "Analysis not yet completed", "status": m.Status})
		return nil, nil, false
	}
	result, err := h.store.LatestResult(c.Request.Context(), m.ID)
	if err != nil {
		logger.Error(c.Request.Context(), "failed to load result", "id", m.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load result"})
		return nil, nil, false
	}
	return m, result, true
}

// Results returns the latest result of a completed manuscript
func (h *ManuscriptHandler) Results(c *gin.Context) {
	m, result, ok := h.completedResult(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"manuscript": m, "result": result})
}

// Reviews returns every result recorded for a manuscript, oldest first
func (h *ManuscriptHandler) Reviews(c *gin.Context) {
	m, ok := h.load(c)
	if !ok {
		return
	}
	results, err := h.store.ListResults(c.Request.Context(), m.ID)
	if err != nil {
		logger.Error(c.Request.Context(), "failed to list results", "id", m.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load reviews"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manuscript_id": m.ID, "reviews": results, "count": len(results)})
}

// Report downloads the plain-text review report
func (h *ManuscriptHandler) Report(c *gin.Context) {
	m, result, ok := h.completedResult(c)
	if !ok {
		return
	}
	report, err := service.RenderReport(m, result)
	if err != nil {
		logger.Error(c.Request.Context(), "failed to render report", "id", m.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to render report"})
		return
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": service.ReportFilename(m.Title),
	}))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(report))
}

// ListQuery filters and pages List
type ListQuery struct {
	Status string `form:"status" binding:"omitempty,oneof=pending processing completed failed"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=200"`
	Offset int    `form:"offset" binding:"omitempty,min=0"`
}

// List returns manuscripts newest first
func (h *ManuscriptHandler) List(c *gin.Context) {
	var q ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	manuscripts, total, err := h.store.List(ctx, service.ListOptions{Status: q.Status, Limit: q.Limit, Offset: q.Offset})
	if err != nil {
		logger.Error(ctx, "failed to list manuscripts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list manuscripts"})
		return
	}
	counts, err := h.store.Count(ctx)
	if err != nil {
		logger.Error(ctx, "failed to count manuscripts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list manuscripts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"manuscripts": manuscripts,
		"total":       total,
		"counts":      counts,
	})
}
