package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tubeworks/tubeup/internal/config"
	"github.com/tubeworks/tubeup/internal/store"
	"github.com/tubeworks/tubeup/internal/token"
	"github.com/tubeworks/tubeup/internal/yt"
)

// ErrCanceled marks a job stopped at a chunk boundary by cancellation.
var ErrCanceled = errors.New("upload: canceled")

// Engine executes one upload job end to end: token freshness, session
// open, chunked transfer with inner retry and session recovery, the
// processing handoff, best-effort post steps, and terminal cleanup.
type Engine struct {
	jobs     *store.JobStore
	grants   *store.GrantStore
	tokens   *token.Manager
	client   *yt.Client
	notifier *Notifier
	cfg      config.UploadConfig
	logger   *slog.Logger

	// sleep is injected so retry tests run without wall-clock delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine wires an Engine.
func NewEngine(
	jobs *store.JobStore,
	grants *store.GrantStore,
	tokens *token.Manager,
	client *yt.Client,
	notifier *Notifier,
	cfg config.UploadConfig,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		jobs:     jobs,
		grants:   grants,
		tokens:   tokens,
		client:   client,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run drives the job to a terminal status. The whole job runs under the
// configured wall-clock ceiling; terminal bookkeeping uses a detached
// context so a canceled job still records its failure. The source file
// is removed once the job is terminal, success or not.
func (e *Engine) Run(ctx context.Context, job *store.Job) error {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.TimeoutDuration())
	defer cancel()

	if err := e.jobs.MarkUploading(runCtx, job.ID); err != nil {
		return err
	}

	video, err := e.runAttempts(runCtx, job)
	if err != nil {
		e.finishFailed(context.WithoutCancel(ctx), job, err)
		return err
	}

	bg := context.WithoutCancel(ctx)

	if err := e.jobs.MarkProcessing(bg, job.ID, video.ID); err != nil {
		e.finishFailed(bg, job, err)
		return err
	}

	job.VideoID = video.ID

	if err := e.confirmUpload(bg, job, video); err != nil {
		e.finishFailed(bg, job, err)
		return err
	}

	// Post steps are best effort: a broken thumbnail or playlist never
	// fails a video that is already on the platform.
	e.postSteps(bg, job)

	if err := e.jobs.MarkCompleted(bg, job.ID); err != nil {
		return err
	}

	job.Status = store.JobCompleted
	job.Progress = 100

	e.cleanup(job)
	e.notify(bg, job)

	e.logger.Info("upload completed",
		slog.String("job_id", job.ID),
		slog.String("video_id", video.ID),
		slog.String("file", job.FileName),
	)

	return nil
}

// runAttempts retries the whole transfer with the configured backoff
// schedule. Quota exhaustion, dead grants, and cancellation stop the
// job immediately; only transient classes reach the next attempt.
func (e *Engine) runAttempts(ctx context.Context, job *store.Job) (*yt.Video, error) {
	tries := e.cfg.Tries
	if tries < 1 {
		tries = 1
	}

	backoffs := e.cfg.BackoffDurations()

	var lastErr error

	for attempt := 0; attempt < tries; attempt++ {
		if attempt > 0 {
			d := time.Minute
			if len(backoffs) > 0 {
				idx := attempt - 1
				if idx >= len(backoffs) {
					idx = len(backoffs) - 1
				}

				d = backoffs[idx]
			}

			if err := e.sleep(ctx, d); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrCanceled, err)
			}
		}

		video, err := e.attempt(ctx, job)
		if err == nil {
			return video, nil
		}

		lastErr = err

		if !retryableAttempt(err) {
			return nil, err
		}

		e.logger.Warn("upload attempt failed",
			slog.String("job_id", job.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, lastErr
}

// retryableAttempt reports whether the failure class is worth another
// full attempt.
func retryableAttempt(err error) bool {
	switch {
	case errors.Is(err, ErrCanceled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrInvalidMetadata),
		errors.Is(err, ErrInvalidFile),
		errors.Is(err, yt.ErrQuotaExceeded),
		errors.Is(err, yt.ErrForbidden),
		errors.Is(err, yt.ErrUnauthorized),
		errors.Is(err, token.ErrGrantInactive),
		errors.Is(err, token.ErrCorruptToken),
		errors.Is(err, token.ErrRefreshFailed):
		return false
	default:
		return true
	}
}

// attempt performs one full transfer: fresh token, open session, send
// every chunk.
func (e *Engine) attempt(ctx context.Context, job *store.Job) (*yt.Video, error) {
	grant, err := e.grants.Get(ctx, job.GrantID)
	if err != nil {
		return nil, fmt.Errorf("upload: loading grant %d: %w", job.GrantID, err)
	}

	fresh, err := e.tokens.EnsureFresh(ctx, grant)
	if err != nil {
		return nil, err
	}

	secret, err := e.tokens.AccessSecret(fresh)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(job.FilePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}

	total := info.Size()
	res := videoResource(job, e.cfg)
	mimeType := MIMEForFile(job.FileName)

	session, err := e.client.StartResumableUpload(ctx, secret, res, total, mimeType)
	if err != nil {
		return nil, e.reportAuthFailure(ctx, fresh, err)
	}

	video, err := e.transfer(ctx, job, f, session, secret, res, total, mimeType)
	if err != nil {
		return nil, e.reportAuthFailure(ctx, fresh, err)
	}

	return video, nil
}

// reportAuthFailure quarantines the grant when the platform rejects its
// credentials mid-transfer, so later jobs surface the dead grant instead
// of repeating the call. Other failures pass through untouched.
func (e *Engine) reportAuthFailure(ctx context.Context, g *store.Grant, cause error) error {
	if !errors.Is(cause, yt.ErrUnauthorized) {
		return cause
	}

	if err := e.tokens.MarkFailed(context.WithoutCancel(ctx), g, "platform rejected credentials: "+cause.Error()); err != nil {
		e.logger.Error("quarantining grant failed",
			slog.Int64("grant_id", g.ID),
			slog.String("error", err.Error()),
		)
	}

	return cause
}

// confirmUpload verifies the platform accepted the created video before
// the job may complete. The final chunk response usually carries a
// conclusive upload status; when it does not, the video is fetched once.
func (e *Engine) confirmUpload(ctx context.Context, job *store.Job, video *yt.Video) error {
	status := video.Status.UploadStatus
	failure := video.Status.FailureReason

	if status == "" {
		grant, err := e.grants.Get(ctx, job.GrantID)
		if err != nil {
			return fmt.Errorf("upload: confirming video %s: %w", video.ID, err)
		}

		secret, err := e.tokens.AccessSecret(grant)
		if err != nil {
			return err
		}

		remote, err := e.client.VideoStatus(ctx, secret, video.ID)
		if err != nil {
			return e.reportAuthFailure(ctx, grant, fmt.Errorf("upload: confirming video %s: %w", video.ID, err))
		}

		status = remote.Status.UploadStatus
		failure = remote.Status.FailureReason
	}

	switch status {
	case "rejected", "failed", "deleted":
		msg := "upload: platform " + status + " video " + video.ID
		if failure != "" {
			msg += ": " + failure
		}

		return errors.New(msg)
	}

	return nil
}

// transfer sends the file chunk by chunk. Cancellation is honored at
// chunk boundaries only; a chunk in flight always runs to its own
// conclusion. An expired session is reopened and the transfer resumes
// from whatever the new session reports as committed.
func (e *Engine) transfer(
	ctx context.Context,
	job *store.Job,
	f *os.File,
	session, secret string,
	res *yt.VideoResource,
	total int64,
	mimeType string,
) (*yt.Video, error) {
	chunkSize := e.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = config.DefaultChunkSize
	}

	chunkTries := e.cfg.ChunkTries
	if chunkTries < 1 {
		chunkTries = 1
	}

	buf := make([]byte, chunkSize)

	var offset int64

sendLoop:
	for offset < total {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCanceled, err)
		}

		n, readErr := f.ReadAt(buf, offset)
		if readErr != nil && readErr != io.EOF {
			return nil, fmt.Errorf("upload: reading %s at offset %d: %w", job.FilePath, offset, readErr)
		}

		if n == 0 {
			return nil, fmt.Errorf("upload: %s truncated at offset %d of %d", job.FilePath, offset, total)
		}

		chunk := buf[:n]

		var lastErr error

		for try := 0; try < chunkTries; try++ {
			if try > 0 {
				if err := e.sleep(ctx, time.Duration(try)*2*time.Second); err != nil {
					return nil, fmt.Errorf("%w: %w", ErrCanceled, err)
				}
			}

			video, err := e.client.UploadChunk(ctx, session, chunk, offset, total)

			switch {
			case err == nil && video != nil:
				return video, nil

			case err == nil:
				offset += int64(n)
				e.recordProgress(ctx, job, offset, total)

				continue sendLoop

			case errors.Is(err, yt.ErrSessionExpired):
				e.logger.Warn("upload session expired, reopening",
					slog.String("job_id", job.ID),
					slog.Int64("offset", offset),
				)

				newSession, committed, done, reopenErr := e.reopenSession(ctx, secret, res, total, mimeType)
				if reopenErr != nil {
					return nil, reopenErr
				}

				if done != nil {
					return done, nil
				}

				session = newSession
				offset = committed

				continue sendLoop

			case errors.Is(err, yt.ErrThrottled), errors.Is(err, yt.ErrServerError):
				lastErr = err

			default:
				return nil, err
			}
		}

		return nil, fmt.Errorf("upload: chunk at offset %d failed after %d tries: %w",
			offset, chunkTries, lastErr)
	}

	// All bytes sent without a completion response: ask the session.
	committed, done, err := e.client.QueryUploadStatus(ctx, session, total)
	if err != nil {
		return nil, err
	}

	if done == nil {
		return nil, fmt.Errorf("upload: session committed %d of %d bytes but reported no video", committed, total)
	}

	return done, nil
}

// reopenSession opens a replacement session and asks it how many bytes
// it already holds.
func (e *Engine) reopenSession(
	ctx context.Context,
	secret string,
	res *yt.VideoResource,
	total int64,
	mimeType string,
) (session string, committed int64, done *yt.Video, err error) {
	session, err = e.client.StartResumableUpload(ctx, secret, res, total, mimeType)
	if err != nil {
		return "", 0, nil, err
	}

	committed, done, err = e.client.QueryUploadStatus(ctx, session, total)
	if err != nil {
		return "", 0, nil, err
	}

	return session, committed, done, nil
}

// recordProgress persists transfer progress, capped at 99. Only the
// completed transition writes 100.
func (e *Engine) recordProgress(ctx context.Context, job *store.Job, sent, total int64) {
	p := int(sent * 100 / total)
	if p > 99 {
		p = 99
	}

	if err := e.jobs.UpdateProgress(context.WithoutCancel(ctx), job.ID, p); err != nil {
		e.logger.Warn("recording progress failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	job.Progress = p
}

// postSteps runs the optional thumbnail and playlist operations.
func (e *Engine) postSteps(ctx context.Context, job *store.Job) {
	grant, err := e.grants.Get(ctx, job.GrantID)
	if err != nil {
		e.logger.Warn("post steps skipped, grant unavailable",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	secret, err := e.tokens.AccessSecret(grant)
	if err != nil {
		e.logger.Warn("post steps skipped, secret undecryptable", slog.String("job_id", job.ID))
		return
	}

	if job.ThumbnailPath != "" {
		e.setThumbnail(ctx, job, secret)
	}

	if job.PlaylistID != "" {
		if err := e.client.AddToPlaylist(ctx, secret, job.PlaylistID, job.VideoID); err != nil {
			e.logger.Warn("adding to playlist failed",
				slog.String("job_id", job.ID),
				slog.String("playlist_id", job.PlaylistID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Engine) setThumbnail(ctx context.Context, job *store.Job, secret string) {
	f, err := os.Open(job.ThumbnailPath)
	if err != nil {
		e.logger.Warn("opening thumbnail failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)

		return
	}
	defer f.Close()

	if err := e.client.SetThumbnail(ctx, secret, job.VideoID, f, thumbnailMIME(job.ThumbnailPath)); err != nil {
		e.logger.Warn("setting thumbnail failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

func thumbnailMIME(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".png") {
		return "image/png"
	}

	return "image/jpeg"
}

// finishFailed records the failure, cleans up, and notifies. The
// wall-clock ceiling and an operator cancel are distinct outcomes and
// record distinct reasons.
func (e *Engine) finishFailed(ctx context.Context, job *store.Job, cause error) {
	reason := cause.Error()

	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		reason = "job timeout exceeded"
	case errors.Is(cause, ErrCanceled):
		reason = "upload canceled"
	}

	if err := e.jobs.MarkFailed(ctx, job.ID, reason); err != nil {
		e.logger.Error("recording job failure",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	job.Status = store.JobFailed
	job.ErrorMsg = reason

	e.cleanup(job)
	e.notify(ctx, job)

	e.logger.Warn("upload failed",
		slog.String("job_id", job.ID),
		slog.String("file", job.FileName),
		slog.String("reason", reason),
	)
}

// cleanup removes the source file. Terminal jobs never keep their
// payload on disk regardless of outcome.
func (e *Engine) cleanup(job *store.Job) {
	if job.FilePath == "" {
		return
	}

	if err := os.Remove(job.FilePath); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("removing source file failed",
			slog.String("job_id", job.ID),
			slog.String("path", job.FilePath),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) notify(ctx context.Context, job *store.Job) {
	if e.notifier == nil || job.NotifyURL == "" {
		return
	}

	e.notifier.Notify(ctx, job)
}

// videoResource builds the platform metadata payload for a job,
// applying the configured defaults for unset fields.
func videoResource(job *store.Job, cfg config.UploadConfig) *yt.VideoResource {
	privacy := job.PrivacyStatus
	if privacy == "" {
		privacy = cfg.DefaultPrivacy
	}

	if privacy == "" {
		privacy = config.DefaultPrivacy
	}

	category := job.CategoryID
	if category == "" {
		category = cfg.DefaultCategoryID
	}

	return &yt.VideoResource{
		Snippet: yt.VideoSnippet{
			Title:       job.Title,
			Description: job.Description,
			Tags:        job.Tags,
			CategoryID:  category,
		},
		Status: yt.VideoAccess{
			PrivacyStatus:           privacy,
			SelfDeclaredMadeForKids: false,
		},
	}
}
