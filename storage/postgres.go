package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"turndetect-automation/detector"
)

// DBPool abstracts pgxpool.Pool so the tracker can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Postgres is the job tracker backed by the hosted (Supabase) schema.
// Tables are owned by the hosting project's migrations.
type Postgres struct {
	pool   DBPool
	logger *logrus.Logger
}

// ConnectPostgres opens a pool for dsn and verifies it.
func ConnectPostgres(ctx context.Context, dsn string, logger *logrus.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	pg, err := NewPostgres(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return pg, nil
}

// NewPostgres wraps an existing pool and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *logrus.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

const (
	pgJobColumns = `id::text, COALESCE(user_id::text, ''), file_path, file_name, status, COALESCE(submission_id, ''), COALESCE(note, ''), created_at, updated_at`

	sqlNextQueued = `SELECT ` + pgJobColumns + ` FROM essay_uploads WHERE status = $1 ORDER BY created_at ASC LIMIT 1`

	sqlUpdateStatus = `UPDATE essay_uploads SET status = $1, updated_at = $2,
		submission_id = COALESCE(NULLIF($3, ''), submission_id),
		note = COALESCE(NULLIF($4, ''), note)
		WHERE id = $5`

	sqlJobWithOwner = `SELECT e.id::text, COALESCE(e.user_id::text, ''), e.file_path, e.file_name, e.status,
		COALESCE(e.submission_id, ''), COALESCE(e.note, ''), e.created_at, e.updated_at,
		u.id::text, COALESCE(u.telegram_id, 0), COALESCE(u.username, ''), COALESCE(u.first_name, ''), COALESCE(u.last_name, '')
		FROM essay_uploads e LEFT JOIN users u ON u.id = e.user_id WHERE e.id = $1`

	sqlHasProcessing = `SELECT EXISTS(SELECT 1 FROM essay_uploads WHERE status IN ($1, $2))`

	sqlInFlight = `SELECT ` + pgJobColumns + ` FROM essay_uploads WHERE status IN ($1, $2) ORDER BY created_at ASC`

	sqlUpsertSnapshot = `INSERT INTO analytic_results (id, status, is_processing, overall_match_percentage, ai_match_percentage,
		word_count, page_count, hidden_text_instances_count, confusable_count_total, suspect_words_count,
		similarity_report_url, ai_report_url, similarity_report_error, ai_report_error, authorship_flags_error,
		raw, fetch_attempts_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1, $17)
		ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		is_processing = EXCLUDED.is_processing,
		overall_match_percentage = COALESCE(EXCLUDED.overall_match_percentage, analytic_results.overall_match_percentage),
		ai_match_percentage = COALESCE(EXCLUDED.ai_match_percentage, analytic_results.ai_match_percentage),
		word_count = COALESCE(EXCLUDED.word_count, analytic_results.word_count),
		page_count = COALESCE(EXCLUDED.page_count, analytic_results.page_count),
		hidden_text_instances_count = EXCLUDED.hidden_text_instances_count,
		confusable_count_total = EXCLUDED.confusable_count_total,
		suspect_words_count = EXCLUDED.suspect_words_count,
		similarity_report_url = COALESCE(NULLIF(analytic_results.similarity_report_url, ''), EXCLUDED.similarity_report_url),
		ai_report_url = COALESCE(NULLIF(analytic_results.ai_report_url, ''), EXCLUDED.ai_report_url),
		similarity_report_error = EXCLUDED.similarity_report_error,
		ai_report_error = EXCLUDED.ai_report_error,
		authorship_flags_error = EXCLUDED.authorship_flags_error,
		raw = EXCLUDED.raw,
		fetch_attempts_count = analytic_results.fetch_attempts_count + 1,
		updated_at = EXCLUDED.updated_at`

	sqlUpdateReports = `INSERT INTO analytic_results (id, similarity_report_url, ai_report_url, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		similarity_report_url = COALESCE(NULLIF(EXCLUDED.similarity_report_url, ''), analytic_results.similarity_report_url),
		ai_report_url = COALESCE(NULLIF(EXCLUDED.ai_report_url, ''), analytic_results.ai_report_url),
		updated_at = EXCLUDED.updated_at`

	sqlEnqueue = `INSERT INTO essay_uploads (id, user_id, file_path, file_name, status, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)`

	sqlUpsertOwner = `INSERT INTO users (id, telegram_id, username, first_name, last_name) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET telegram_id = EXCLUDED.telegram_id, username = EXCLUDED.username,
		first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name`

	sqlCountByStatus = `SELECT status, COUNT(*) FROM essay_uploads GROUP BY status`
)

func collectJobs(rows pgx.Rows) ([]Job, error) {
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

// FetchNextQueuedJob returns the oldest queued job, or nil when the queue is empty.
func (p *Postgres) FetchNextQueuedJob(ctx context.Context) (*Job, error) {
	job, err := scanJob(p.pool.QueryRow(ctx, sqlNextQueued, string(StatusQueued)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch next queued job: %w", err)
	}
	return job, nil
}

// UpdateJobStatus records a status transition.
func (p *Postgres) UpdateJobStatus(ctx context.Context, id string, status JobStatus, extra StatusExtra) error {
	tag, err := p.pool.Exec(ctx, sqlUpdateStatus, string(status), time.Now().UTC(), extra.SubmissionID, extra.Note, id)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to update job %s: %w", id, ErrJobNotFound)
	}
	p.logger.WithFields(logrus.Fields{"job_id": id, "status": status}).Debug("Job status updated")
	return nil
}

// FetchJobWithOwner loads a job together with the user who enqueued it.
func (p *Postgres) FetchJobWithOwner(ctx context.Context, id string) (*JobWithOwner, error) {
	var out JobWithOwner
	var status string
	var ownerID *string
	var owner Owner
	err := p.pool.QueryRow(ctx, sqlJobWithOwner, id).Scan(
		&out.Job.ID, &out.Job.UserID, &out.Job.FilePath, &out.Job.FileName, &status, &out.Job.SubmissionID,
		&out.Job.Note, &out.Job.CreatedAt, &out.Job.UpdatedAt,
		&ownerID, &owner.TelegramID, &owner.Username, &owner.FirstName, &owner.LastName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to fetch job %s: %w", id, ErrJobNotFound)
		}
		return nil, fmt.Errorf("failed to fetch job with owner: %w", err)
	}
	out.Job.Status = JobStatus(status)
	if ownerID != nil {
		owner.ID = *ownerID
		out.Owner = &owner
	}
	return &out, nil
}

// HasJobCurrentlyProcessing reports whether any job is in flight.
func (p *Postgres) HasJobCurrentlyProcessing(ctx context.Context) (bool, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx, sqlHasProcessing, string(StatusProcessing), string(StatusUploading)).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check processing jobs: %w", err)
	}
	return exists, nil
}

// FetchInFlightJobs lists jobs left in processing or uploading.
func (p *Postgres) FetchInFlightJobs(ctx context.Context) ([]Job, error) {
	rows, err := p.pool.Query(ctx, sqlInFlight, string(StatusProcessing), string(StatusUploading))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch in-flight jobs: %w", err)
	}
	return collectJobs(rows)
}

// UpsertStatusSnapshot stores the latest analytics for a submission.
func (p *Postgres) UpsertStatusSnapshot(ctx context.Context, snap *detector.StatusSnapshot) error {
	if snap == nil || snap.ID == "" {
		return fmt.Errorf("status snapshot has no submission id")
	}
	_, err := p.pool.Exec(ctx, sqlUpsertSnapshot,
		snap.ID, snap.Status, snap.IsProcessing, snap.OverallMatchPercentage, snap.AIMatchPercentage,
		snap.WordCount, snap.PageCount, snap.HiddenTextInstancesCount, snap.ConfusableCountTotal, snap.SuspectWordsCount,
		snap.SimilarityReportURL, snap.AIReportURL, snap.SimilarityReportError, snap.AIReportError, snap.AuthorshipFlagsError,
		string(snap.Raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert analytic results: %w", err)
	}
	return nil
}

// UpdateReportURLs stores the public links of the reports kept in object storage.
func (p *Postgres) UpdateReportURLs(ctx context.Context, submissionID string, urls ReportURLs) error {
	if _, err := p.pool.Exec(ctx, sqlUpdateReports, submissionID, urls.Similarity, urls.AI, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to update report urls: %w", err)
	}
	return nil
}

// EnqueueJob inserts a queued job, assigning an id when missing.
func (p *Postgres) EnqueueJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Status = StatusQueued
	job.UpdatedAt = job.CreatedAt
	if _, err := p.pool.Exec(ctx, sqlEnqueue, job.ID, job.UserID, job.FilePath, job.FileName, string(job.Status), job.CreatedAt, job.UpdatedAt); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// UpsertOwner saves a user record.
func (p *Postgres) UpsertOwner(ctx context.Context, owner *Owner) error {
	if owner.ID == "" {
		owner.ID = uuid.NewString()
	}
	if _, err := p.pool.Exec(ctx, sqlUpsertOwner, owner.ID, owner.TelegramID, owner.Username, owner.FirstName, owner.LastName); err != nil {
		return fmt.Errorf("failed to save owner: %w", err)
	}
	return nil
}

// CountByStatus returns the number of jobs per status.
func (p *Postgres) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := p.pool.Query(ctx, sqlCountByStatus)
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
