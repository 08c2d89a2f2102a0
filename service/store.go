package service

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/ronvwieringen/AIbookReview/model"
	"github.com/ronvwieringen/AIbookReview/pkg/logger"
)

var (
	ErrNotFound          = errors.New("manuscript not found")
	ErrResultNotFound    = errors.New("analysis result not found")
	ErrAlreadyProcessing = errors.New("analysis already in progress")
	ErrAlreadyCompleted  = errors.New("analysis already completed")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrClaimLost means the run's claim on a processing manuscript was
	// reclaimed, possibly followed by a newer run.
	ErrClaimLost = fmt.Errorf("%w: analysis claim no longer held", ErrInvalidTransition)
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type migration struct {
	version string
	sql     string
}

// Store persists manuscripts and their analysis results in SQLite
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens (creating if needed) the database at path and applies
// pending migrations.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	// pragmas in the DSN apply to every pooled connection
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s := &Store{db: db, path: path}
	applied, err := s.Migrate(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if len(applied) > 0 {
		logger.Info(ctx, "database migrated", "path", path, "applied", applied)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	migrations := make([]migration, 0, len(names))
	for _, name := range names {
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		migrations = append(migrations, migration{version: strings.TrimSuffix(name, ".sql"), sql: string(data)})
	}
	return migrations, nil
}

// Migrate applies pending migrations in one transaction and returns the
// versions it applied.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	var applied []string
	for _, m := range migrations {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", m.version).Scan(&count); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return nil, fmt.Errorf("apply migration %s: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return nil, fmt.Errorf("record migration %s: %w", m.version, err)
		}
		applied = append(applied, m.version)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit migrations: %w", err)
	}
	return applied, nil
}

// AppliedMigrations lists recorded migration versions in order
func (s *Store) AppliedMigrations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

const manuscriptColumns = `id, filename, original_filename, file_size, content_type, storage_key,
	author_name, author_email, manuscript_title, language,
	detected_author, detected_publisher, detected_isbn, manuscript_type,
	classification_confidence, initial_analysis_complete,
	status, error_msg, created_at, updated_at, analysis_date`

type rowScanner interface{ Scan(dest ...any) error }

func scanManuscript(row rowScanner) (*model.Manuscript, error) {
	var (
		m                    model.Manuscript
		contentType          sql.NullString
		detectedAuthor       sql.NullString
		detectedPublisher    sql.NullString
		detectedISBN         sql.NullString
		manuscriptType       sql.NullString
		errorMsg             sql.NullString
		createdAt, updatedAt string
		analysisDate         sql.NullString
	)
	if err := row.Scan(
		&m.ID, &m.Filename, &m.OriginalFilename, &m.FileSize, &contentType, &m.StorageKey,
		&m.AuthorName, &m.AuthorEmail, &m.Title, &m.Language,
		&detectedAuthor, &detectedPublisher, &detectedISBN, &manuscriptType,
		&m.ClassificationConfidence, &m.InitialAnalysisComplete,
		&m.Status, &errorMsg, &createdAt, &updatedAt, &analysisDate,
	); err != nil {
		return nil, err
	}
	m.ContentType = contentType.String
	m.DetectedAuthor = detectedAuthor.String
	m.DetectedPublisher = detectedPublisher.String
	m.DetectedISBN = detectedISBN.String
	m.ManuscriptType = manuscriptType.String
	m.ErrorMsg = errorMsg.String
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	if analysisDate.Valid && analysisDate.String != "" {
		t := parseTime(analysisDate.String)
		m.AnalysisDate = &t
	}
	return &m, nil
}

// fixed-width so stored timestamps compare correctly as strings
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Create inserts a new pending manuscript and fills in its ID and timestamps
func (s *Store) Create(ctx context.Context, m *model.Manuscript) error {
	now := time.Now().UTC()
	if m.Language == "" {
		m.Language = "en"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO manuscripts (
			filename, original_filename, file_size, content_type, storage_key,
			author_name, author_email, manuscript_title, language,
			status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Filename, m.OriginalFilename, m.FileSize, nullString(m.ContentType), m.StorageKey,
		m.AuthorName, m.AuthorEmail, m.Title, m.Language,
		model.StatusPending, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert manuscript: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	m.ID = id
	m.Status = model.StatusPending
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (*model.Manuscript, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+manuscriptColumns+" FROM manuscripts WHERE id = ?", id)
	m, err := scanManuscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get manuscript %d: %w", id, err)
	}
	return m, nil
}

// ListOptions filters and pages List
type ListOptions struct {
	Status string
	Limit  int
	Offset int
}

// List returns manuscripts newest first along with the total matching count
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*model.Manuscript, int, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	where := ""
	var args []any
	if opts.Status != "" {
		where = " WHERE status = ?"
		args = append(args, opts.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM manuscripts"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count manuscripts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+manuscriptColumns+" FROM manuscripts"+where+" ORDER BY id DESC LIMIT ? OFFSET ?",
		append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list manuscripts: %w", err)
	}
	defer rows.Close()

	out := []*model.Manuscript{}
	for rows.Next() {
		m, err := scanManuscript(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan manuscript: %w", err)
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// Count returns the number of manuscripts per status
func (s *Store) Count(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(1) FROM manuscripts GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count manuscripts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// SaveInitialMetadata stores the stage 1 output. It is a no-op once the
// initial analysis has been recorded. An empty meta.Type leaves the stored
// type untouched.
func (s *Store) SaveInitialMetadata(ctx context.Context, id int64, meta Metadata) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE manuscripts SET
			language = ?, detected_author = ?, detected_publisher = ?, detected_isbn = ?,
			manuscript_type = COALESCE(NULLIF(?, ''), manuscript_type),
			classification_confidence = ?,
			initial_analysis_complete = 1, updated_at = ?
		WHERE id = ? AND initial_analysis_complete = 0`,
		meta.Language, meta.Author, meta.Publisher, meta.ISBN,
		meta.Type, meta.Confidence,
		formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("save initial metadata: %w", err)
	}
	return nil
}

// SetClassification stores the stage 2 output
func (s *Store) SetClassification(ctx context.Context, id int64, manuscriptType string, confidence float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE manuscripts SET manuscript_type = ?, classification_confidence = ?, updated_at = ? WHERE id = ?`,
		manuscriptType, confidence, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("save classification: %w", err)
	}
	return nil
}

// BeginAnalysis atomically moves a pending or failed manuscript to
// processing. Concurrent callers race on the UPDATE; exactly one wins and
// gets a fresh ClaimID that CompleteAnalysis and FailClaim must present.
func (s *Store) BeginAnalysis(ctx context.Context, id int64) (*model.Manuscript, error) {
	claim := uuid.NewString()
	res, err := s.db.ExecContext(ctx,
		`UPDATE manuscripts SET status = ?, claim_id = ?, error_msg = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		model.StatusProcessing, claim, formatTime(time.Now()), id,
		model.StatusPending, model.StatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("begin analysis: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("begin analysis: %w", err)
	}

	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		switch m.Status {
		case model.StatusProcessing:
			return nil, ErrAlreadyProcessing
		case model.StatusCompleted:
			return nil, ErrAlreadyCompleted
		default:
			return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, m.Status, model.StatusProcessing)
		}
	}
	m.ClaimID = claim
	return m, nil
}

// MarkFailed records a failed run. Completed manuscripts are left alone.
func (s *Store) MarkFailed(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE manuscripts SET status = ?, claim_id = NULL, error_msg = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		model.StatusFailed, reason, formatTime(time.Now()), id,
		model.StatusPending, model.StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n == 0 {
		m, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if m.Status != model.StatusFailed {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, m.Status, model.StatusFailed)
		}
	}
	return nil
}

// FailClaim fails a processing manuscript on behalf of the run holding
// claim. A run whose claim was reclaimed gets ErrClaimLost and changes nothing.
func (s *Store) FailClaim(ctx context.Context, id int64, claim, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE manuscripts SET status = ?, claim_id = NULL, error_msg = ?, updated_at = ?
		WHERE id = ? AND status = ? AND claim_id = ?`,
		model.StatusFailed, reason, formatTime(time.Now()), id, model.StatusProcessing, claim,
	)
	if err != nil {
		return fmt.Errorf("fail claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fail claim: %w", err)
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

const resultColumns = `id, manuscript_id, manuscript_type, classification_confidence,
	overall_score, language_style_score, character_development_score, plot_structure_score, originality_score,
	dimensions_json, detailed_feedback, promotional_blurb, plagiarism_score, plagiarism_details,
	degraded, degraded_stages_json, provider, model_used, processing_time_ms,
	word_count, character_count, reading_time_minutes, length_category, created_at`

func scanResult(row rowScanner) (*model.AnalysisResult, error) {
	var (
		r              model.AnalysisResult
		dimensions     string
		degradedStages sql.NullString
		provider       sql.NullString
		modelUsed      sql.NullString
		lengthCategory sql.NullString
		createdAt      string
	)
	if err := row.Scan(
		&r.ID, &r.ManuscriptID, &r.ManuscriptType, &r.ClassificationConfidence,
		&r.OverallScore, &r.LanguageStyleScore, &r.CharacterDevelopmentScore, &r.PlotStructureScore, &r.OriginalityScore,
		&dimensions, &r.DetailedFeedback, &r.PromotionalBlurb, &r.PlagiarismScore, &r.PlagiarismDetails,
		&r.Degraded, &degradedStages, &provider, &modelUsed, &r.ProcessingTimeMs,
		&r.WordCount, &r.CharacterCount, &r.ReadingTimeMinutes, &lengthCategory, &createdAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dimensions), &r.Dimensions); err != nil {
		return nil, fmt.Errorf("decode dimensions: %w", err)
	}
	if degradedStages.Valid && degradedStages.String != "" {
		if err := json.Unmarshal([]byte(degradedStages.String), &r.DegradedStages); err != nil {
			return nil, fmt.Errorf("decode degraded stages: %w", err)
		}
	}
	r.Provider = provider.String
	r.ModelUsed = modelUsed.String
	r.LengthCategory = lengthCategory.String
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

// CompleteAnalysis appends the result and flips the manuscript from
// processing to completed in one transaction. Only the run holding claim
// may complete; anyone else gets ErrClaimLost and no row is written.
func (s *Store) CompleteAnalysis(ctx context.Context, claim string, r *model.AnalysisResult) error {
	dimensions, err := json.Marshal(r.Dimensions)
	if err != nil {
		return fmt.Errorf("encode dimensions: %w", err)
	}
	var degradedStages sql.NullString
	if len(r.DegradedStages) > 0 {
		raw, err := json.Marshal(r.DegradedStages)
		if err != nil {
			return fmt.Errorf("encode degraded stages: %w", err)
		}
		degradedStages = sql.NullString{String: string(raw), Valid: true}
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE manuscripts SET status = ?, claim_id = NULL, analysis_date = ?, error_msg = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND claim_id = ?`,
		model.StatusCompleted, formatTime(now), formatTime(now), r.ManuscriptID, model.StatusProcessing, claim,
	)
	if err != nil {
		return fmt.Errorf("complete manuscript: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("complete manuscript: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: manuscript %d", ErrClaimLost, r.ManuscriptID)
	}

	ins, err := tx.ExecContext(ctx,
		`INSERT INTO analysis_results (
			manuscript_id, manuscript_type, classification_confidence,
			overall_score, language_style_score, character_development_score, plot_structure_score, originality_score,
			dimensions_json, detailed_feedback, promotional_blurb, plagiarism_score, plagiarism_details,
			degraded, degraded_stages_json, provider, model_used, processing_time_ms,
			word_count, character_count, reading_time_minutes, length_category, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ManuscriptID, r.ManuscriptType, r.ClassificationConfidence,
		r.OverallScore, r.LanguageStyleScore, r.CharacterDevelopmentScore, r.PlotStructureScore, r.OriginalityScore,
		string(dimensions), r.DetailedFeedback, r.PromotionalBlurb, r.PlagiarismScore, r.PlagiarismDetails,
		r.Degraded, degradedStages, nullString(r.Provider), nullString(r.ModelUsed), r.ProcessingTimeMs,
		r.WordCount, r.CharacterCount, r.ReadingTimeMinutes, nullString(r.LengthCategory), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert analysis result: %w", err)
	}
	id, err := ins.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit analysis result: %w", err)
	}
	r.ID = id
	r.CreatedAt = now
	return nil
}

// ListResults returns every result of a manuscript, oldest first
func (s *Store) ListResults(ctx context.Context, manuscriptID int64) ([]*model.AnalysisResult, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+resultColumns+" FROM analysis_results WHERE manuscript_id = ? ORDER BY id", manuscriptID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	out := []*model.AnalysisResult{}
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestResult returns the newest result of a manuscript
func (s *Store) LatestResult(ctx context.Context, manuscriptID int64) (*model.AnalysisResult, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+resultColumns+" FROM analysis_results WHERE manuscript_id = ? ORDER BY id DESC LIMIT 1", manuscriptID)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest result: %w", err)
	}
	return r, nil
}

// FailStaleProcessing marks manuscripts stuck in processing since before
// cutoff as failed and returns their IDs.
func (s *Store) FailStaleProcessing(ctx context.Context, cutoff time.Time, reason string) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM manuscripts WHERE status = ? AND updated_at < ?",
		model.StatusProcessing, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("find stale manuscripts: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := formatTime(time.Now())
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			"UPDATE manuscripts SET status = ?, claim_id = NULL, error_msg = ?, updated_at = ? WHERE id = ? AND status = ?",
			model.StatusFailed, reason, now, id, model.StatusProcessing); err != nil {
			return nil, fmt.Errorf("fail stale manuscript %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit stale sweep: %w", err)
	}
	return ids, nil
}
