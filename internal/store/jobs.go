package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Upload job status values. Transitions are enforced in SQL: each
// mutation names the status it requires, so a stale writer cannot
// regress a terminal job.
const (
	JobPending    = "pending"
	JobUploading  = "uploading"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job is one queued upload: the file, its target metadata, and the
// transfer state. Mutated exclusively by the upload engine.
type Job struct {
	ID            string
	UserID        int64
	GrantID       int64
	FilePath      string
	FileName      string
	FileSize      int64
	Title         string
	Description   string
	Tags          []string
	CategoryID    string
	PrivacyStatus string
	PlaylistID    string
	ThumbnailPath string
	NotifyURL     string
	Status        string
	Progress      int
	VideoID       string
	ErrorMsg      string
	StartedAt     time.Time
	CompletedAt   time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// JobStore persists upload jobs.
type JobStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewJobStore creates a JobStore sharing the given database handle.
func NewJobStore(db *sql.DB, logger *slog.Logger) *JobStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &JobStore{db: db, logger: logger}
}

const jobCols = `id, user_id, grant_id, file_path, file_name, file_size, title, description,
	tags, category_id, privacy_status, playlist_id, thumbnail_path, notify_url,
	status, progress, video_id, error_msg, started_at, completed_at, created_at, updated_at`

// Create persists a new pending job.
func (s *JobStore) Create(ctx context.Context, j *Job) error {
	now := time.Now()
	j.Status = JobPending
	j.Progress = 0
	j.CreatedAt = now
	j.UpdatedAt = now

	tags, err := encodeTags(j.Tags)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO upload_jobs
			(id, user_id, grant_id, file_path, file_name, file_size, title, description,
			 tags, category_id, privacy_status, playlist_id, thumbnail_path, notify_url,
			 status, progress, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		j.ID, nullInt64(j.UserID), j.GrantID, j.FilePath, j.FileName, j.FileSize,
		j.Title, nullString(j.Description), tags, nullString(j.CategoryID), j.PrivacyStatus,
		nullString(j.PlaylistID), nullString(j.ThumbnailPath), nullString(j.NotifyURL),
		JobPending, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: creating job %s: %w", j.ID, err)
	}

	s.logger.Info("upload job created",
		slog.String("job_id", j.ID),
		slog.String("file", j.FileName),
		slog.Int64("size", j.FileSize),
	)

	return nil
}

// Get returns the job with the given id.
func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM upload_jobs WHERE id = ?`, id))
}

// List returns jobs newest-first, optionally filtered by status.
func (s *JobStore) List(ctx context.Context, status string, limit int) ([]*Job, error) {
	query := `SELECT ` + jobCols + ` FROM upload_jobs`
	args := []any{}

	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}

	query += ` ORDER BY created_at DESC`

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job

	for rows.Next() {
		j, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating job rows: %w", err)
	}

	return jobs, nil
}

// MarkUploading transitions pending -> uploading and records the start
// timestamp.
func (s *JobStore) MarkUploading(ctx context.Context, id string) error {
	now := time.Now().UnixNano()

	return s.transition(ctx, id, JobUploading,
		`UPDATE upload_jobs SET status = ?, started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		JobUploading, now, now, id, JobPending)
}

// MarkProcessing transitions uploading -> processing once the final
// byte range was acknowledged and a video id assigned.
func (s *JobStore) MarkProcessing(ctx context.Context, id, videoID string) error {
	now := time.Now().UnixNano()

	return s.transition(ctx, id, JobProcessing,
		`UPDATE upload_jobs SET status = ?, video_id = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		JobProcessing, videoID, now, id, JobUploading)
}

// MarkCompleted transitions processing -> completed. This is the only
// write that sets progress to 100.
func (s *JobStore) MarkCompleted(ctx context.Context, id string) error {
	now := time.Now().UnixNano()

	return s.transition(ctx, id, JobCompleted,
		`UPDATE upload_jobs SET status = ?, progress = 100, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		JobCompleted, now, now, id, JobProcessing)
}

// MarkFailed transitions any non-terminal status to failed with the
// given reason.
func (s *JobStore) MarkFailed(ctx context.Context, id, reason string) error {
	now := time.Now().UnixNano()

	result, err := s.db.ExecContext(ctx,
		`UPDATE upload_jobs SET status = ?, error_msg = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		JobFailed, reason, now, now, id, JobCompleted, JobFailed)
	if err != nil {
		return fmt.Errorf("store: failing job %s: %w", id, err)
	}

	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("store: failing job %s rows affected: %w", id, rowsErr)
	}

	if rows == 0 {
		return fmt.Errorf("store: failing job %s: job terminal or missing", id)
	}

	s.logger.Warn("upload job failed",
		slog.String("job_id", id),
		slog.String("reason", reason),
	)

	return nil
}

// UpdateProgress persists transfer progress. Monotonic by construction:
// the row keeps the maximum of the stored and offered values, so a
// concurrent status reader never observes progress moving backwards.
func (s *JobStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}

	if progress > 100 {
		progress = 100
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE upload_jobs
		 SET progress = CASE WHEN progress < ? THEN ? ELSE progress END, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		progress, progress, time.Now().UnixNano(), id, JobCompleted, JobFailed)
	if err != nil {
		return fmt.Errorf("store: updating job %s progress: %w", id, err)
	}

	return nil
}

// ResetStale returns uploading/processing jobs to pending. Called once
// at queue startup so jobs interrupted by a crash are re-driven.
func (s *JobStore) ResetStale(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE upload_jobs SET status = ?, updated_at = ?
		 WHERE status IN (?, ?)`,
		JobPending, time.Now().UnixNano(), JobUploading, JobProcessing)
	if err != nil {
		return 0, fmt.Errorf("store: resetting stale jobs: %w", err)
	}

	n, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return 0, fmt.Errorf("store: resetting stale jobs rows affected: %w", rowsErr)
	}

	if n > 0 {
		s.logger.Warn("reset stale upload jobs to pending", slog.Int64("count", n))
	}

	return n, nil
}

// transition runs a status-guarded UPDATE and fails when the guard
// matched no row.
func (s *JobStore) transition(ctx context.Context, id, to, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: job %s -> %s: %w", id, to, err)
	}

	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("store: job %s -> %s rows affected: %w", id, to, rowsErr)
	}

	if rows == 0 {
		return fmt.Errorf("store: job %s -> %s: invalid transition or missing job", id, to)
	}

	return nil
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j           Job
		userID      sql.NullInt64
		description sql.NullString
		tags        sql.NullString
		categoryID  sql.NullString
		playlistID  sql.NullString
		thumbnail   sql.NullString
		notifyURL   sql.NullString
		videoID     sql.NullString
		errorMsg    sql.NullString
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)

	err := row.Scan(
		&j.ID, &userID, &j.GrantID, &j.FilePath, &j.FileName, &j.FileSize, &j.Title, &description,
		&tags, &categoryID, &j.PrivacyStatus, &playlistID, &thumbnail, &notifyURL,
		&j.Status, &j.Progress, &videoID, &errorMsg, &startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: scanning job row: %w", err)
	}

	j.UserID = userID.Int64
	j.Description = description.String
	j.CategoryID = categoryID.String
	j.PlaylistID = playlistID.String
	j.ThumbnailPath = thumbnail.String
	j.NotifyURL = notifyURL.String
	j.VideoID = videoID.String
	j.ErrorMsg = errorMsg.String
	j.CreatedAt = time.Unix(0, createdAt)
	j.UpdatedAt = time.Unix(0, updatedAt)

	if startedAt.Valid {
		j.StartedAt = time.Unix(0, startedAt.Int64)
	}

	if completedAt.Valid {
		j.CompletedAt = time.Unix(0, completedAt.Int64)
	}

	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &j.Tags); err != nil {
			return nil, fmt.Errorf("store: decoding job %s tags: %w", j.ID, err)
		}
	}

	return &j, nil
}

func encodeTags(tags []string) (sql.NullString, error) {
	if len(tags) == 0 {
		return sql.NullString{}, nil
	}

	b, err := json.Marshal(tags)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("store: encoding tags: %w", err)
	}

	return sql.NullString{String: string(b), Valid: true}, nil
}
