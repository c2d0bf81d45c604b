package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"turndetect-automation/detector"
)

// Database is the SQLite job tracker used for local and single-host deployments
type Database struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewDatabase creates a new database connection
func NewDatabase(dbPath string, logger *logrus.Logger) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The queue loop, interceptor and report prefetch write concurrently.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &Database{
		db:     db,
		logger: logger,
	}

	if err := database.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	logger.Info("Database initialized successfully")
	return database, nil
}

// initTables creates all necessary tables
func (d *Database) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			telegram_id INTEGER,
			username TEXT,
			first_name TEXT,
			last_name TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS essay_uploads (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			file_path TEXT NOT NULL,
			file_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			submission_id TEXT,
			note TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS analytic_results (
			id TEXT PRIMARY KEY,
			status TEXT,
			is_processing INTEGER DEFAULT 0,
			overall_match_percentage REAL,
			ai_match_percentage REAL,
			word_count INTEGER,
			page_count INTEGER,
			hidden_text_instances_count INTEGER DEFAULT 0,
			confusable_count_total INTEGER DEFAULT 0,
			suspect_words_count INTEGER DEFAULT 0,
			similarity_report_url TEXT,
			ai_report_url TEXT,
			similarity_report_error TEXT,
			ai_report_error TEXT,
			authorship_flags_error TEXT,
			raw TEXT,
			fetch_attempts_count INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_essay_uploads_status ON essay_uploads(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_essay_uploads_submission_id ON essay_uploads(submission_id)`,
	}

	for _, query := range queries {
		if _, err := d.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %s, error: %w", query, err)
		}
	}

	d.logger.Info("Database tables initialized successfully")
	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

const jobColumns = `id, COALESCE(user_id, ''), file_path, file_name, status, COALESCE(submission_id, ''), COALESCE(note, ''), created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var job Job
	var status string
	if err := row.Scan(&job.ID, &job.UserID, &job.FilePath, &job.FileName, &status, &job.SubmissionID, &job.Note, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	return &job, nil
}

// EnqueueJob inserts a queued job, assigning an id when missing
func (d *Database) EnqueueJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Status = StatusQueued
	job.UpdatedAt = job.CreatedAt

	query := `INSERT INTO essay_uploads (id, user_id, file_path, file_name, status, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, query, job.ID, job.UserID, job.FilePath, job.FileName, job.Status, job.CreatedAt, job.UpdatedAt); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	d.logger.WithField("job_id", job.ID).Debug("Job enqueued")
	return nil
}

// UpsertOwner saves a user record
func (d *Database) UpsertOwner(ctx context.Context, owner *Owner) error {
	if owner.ID == "" {
		owner.ID = uuid.NewString()
	}
	query := `INSERT INTO users (id, telegram_id, username, first_name, last_name) VALUES (?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET telegram_id = excluded.telegram_id, username = excluded.username,
			  first_name = excluded.first_name, last_name = excluded.last_name`
	if _, err := d.db.ExecContext(ctx, query, owner.ID, owner.TelegramID, owner.Username, owner.FirstName, owner.LastName); err != nil {
		return fmt.Errorf("failed to save owner: %w", err)
	}
	return nil
}

// FetchNextQueuedJob returns the oldest queued job, or nil when the queue is empty
func (d *Database) FetchNextQueuedJob(ctx context.Context) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM essay_uploads WHERE status = ? ORDER BY created_at ASC LIMIT 1`

	job, err := scanJob(d.db.QueryRowContext(ctx, query, StatusQueued))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch next queued job: %w", err)
	}
	return job, nil
}

// UpdateJobStatus records a status transition; empty extras leave the columns untouched
func (d *Database) UpdateJobStatus(ctx context.Context, id string, status JobStatus, extra StatusExtra) error {
	query := `UPDATE essay_uploads SET status = ?, updated_at = ?,
			  submission_id = COALESCE(NULLIF(?, ''), submission_id),
			  note = COALESCE(NULLIF(?, ''), note)
			  WHERE id = ?`

	result, err := d.db.ExecContext(ctx, query, status, time.Now().UTC(), extra.SubmissionID, extra.Note, id)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to update job %s: %w", id, ErrJobNotFound)
	}

	d.logger.WithFields(logrus.Fields{
		"job_id": id,
		"status": status,
	}).Debug("Job status updated")
	return nil
}

// FetchJobWithOwner loads a job together with the user who enqueued it
func (d *Database) FetchJobWithOwner(ctx context.Context, id string) (*JobWithOwner, error) {
	query := `SELECT e.id, COALESCE(e.user_id, ''), e.file_path, e.file_name, e.status, COALESCE(e.submission_id, ''),
			  COALESCE(e.note, ''), e.created_at, e.updated_at,
			  u.id, COALESCE(u.telegram_id, 0), COALESCE(u.username, ''), COALESCE(u.first_name, ''), COALESCE(u.last_name, '')
			  FROM essay_uploads e LEFT JOIN users u ON u.id = e.user_id WHERE e.id = ?`

	var out JobWithOwner
	var status string
	var ownerID sql.NullString
	var owner Owner
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&out.Job.ID, &out.Job.UserID, &out.Job.FilePath, &out.Job.FileName, &status, &out.Job.SubmissionID,
		&out.Job.Note, &out.Job.CreatedAt, &out.Job.UpdatedAt,
		&ownerID, &owner.TelegramID, &owner.Username, &owner.FirstName, &owner.LastName,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to fetch job %s: %w", id, ErrJobNotFound)
		}
		return nil, fmt.Errorf("failed to fetch job with owner: %w", err)
	}
	out.Job.Status = JobStatus(status)
	if ownerID.Valid {
		owner.ID = ownerID.String
		out.Owner = &owner
	}
	return &out, nil
}

// HasJobCurrentlyProcessing reports whether any job is in flight
func (d *Database) HasJobCurrentlyProcessing(ctx context.Context) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM essay_uploads WHERE status IN (?, ?))`
	if err := d.db.QueryRowContext(ctx, query, StatusProcessing, StatusUploading).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check processing jobs: %w", err)
	}
	return exists, nil
}

// FetchInFlightJobs lists jobs left in processing or uploading
func (d *Database) FetchInFlightJobs(ctx context.Context) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM essay_uploads WHERE status IN (?, ?) ORDER BY created_at ASC`
	rows, err := d.db.QueryContext(ctx, query, StatusProcessing, StatusUploading)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch in-flight jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpsertStatusSnapshot stores the latest analytics for a submission
func (d *Database) UpsertStatusSnapshot(ctx context.Context, snap *detector.StatusSnapshot) error {
	if snap == nil || snap.ID == "" {
		return fmt.Errorf("status snapshot has no submission id")
	}

	query := `INSERT INTO analytic_results (id, status, is_processing, overall_match_percentage, ai_match_percentage,
			  word_count, page_count, hidden_text_instances_count, confusable_count_total, suspect_words_count,
			  similarity_report_url, ai_report_url, similarity_report_error, ai_report_error, authorship_flags_error,
			  raw, fetch_attempts_count, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  status = excluded.status,
			  is_processing = excluded.is_processing,
			  overall_match_percentage = COALESCE(excluded.overall_match_percentage, analytic_results.overall_match_percentage),
			  ai_match_percentage = COALESCE(excluded.ai_match_percentage, analytic_results.ai_match_percentage),
			  word_count = COALESCE(excluded.word_count, analytic_results.word_count),
			  page_count = COALESCE(excluded.page_count, analytic_results.page_count),
			  hidden_text_instances_count = excluded.hidden_text_instances_count,
			  confusable_count_total = excluded.confusable_count_total,
			  suspect_words_count = excluded.suspect_words_count,
			  similarity_report_url = COALESCE(NULLIF(analytic_results.similarity_report_url, ''), excluded.similarity_report_url),
			  ai_report_url = COALESCE(NULLIF(analytic_results.ai_report_url, ''), excluded.ai_report_url),
			  similarity_report_error = excluded.similarity_report_error,
			  ai_report_error = excluded.ai_report_error,
			  authorship_flags_error = excluded.authorship_flags_error,
			  raw = excluded.raw,
			  fetch_attempts_count = analytic_results.fetch_attempts_count + 1,
			  updated_at = excluded.updated_at`

	_, err := d.db.ExecContext(ctx, query,
		snap.ID, snap.Status, snap.IsProcessing, snap.OverallMatchPercentage, snap.AIMatchPercentage,
		snap.WordCount, snap.PageCount, snap.HiddenTextInstancesCount, snap.ConfusableCountTotal, snap.SuspectWordsCount,
		snap.SimilarityReportURL, snap.AIReportURL, snap.SimilarityReportError, snap.AIReportError, snap.AuthorshipFlagsError,
		string(snap.Raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert analytic results: %w", err)
	}

	d.logger.WithFields(logrus.Fields{
		"submission_id": snap.ID,
		"status":        snap.Status,
	}).Debug("Analytic results upserted")
	return nil
}

// UpdateReportURLs stores the public links of the reports kept in object storage
func (d *Database) UpdateReportURLs(ctx context.Context, submissionID string, urls ReportURLs) error {
	query := `INSERT INTO analytic_results (id, similarity_report_url, ai_report_url, updated_at) VALUES (?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  similarity_report_url = COALESCE(NULLIF(excluded.similarity_report_url, ''), analytic_results.similarity_report_url),
			  ai_report_url = COALESCE(NULLIF(excluded.ai_report_url, ''), analytic_results.ai_report_url),
			  updated_at = excluded.updated_at`
	if _, err := d.db.ExecContext(ctx, query, submissionID, urls.Similarity, urls.AI, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to update report urls: %w", err)
	}
	return nil
}

// CountByStatus returns the number of jobs per status
func (d *Database) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM essay_uploads GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[JobStatus(status)] = n
	}
	return counts, rows.Err()
}
