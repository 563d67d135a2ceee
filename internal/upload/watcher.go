package upload

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tubeworks/tubeup/internal/config"
	"github.com/tubeworks/tubeup/internal/store"
	"github.com/tubeworks/tubeup/internal/token"
)

// Watcher monitors a drop directory and enqueues an upload job for
// every video file that lands in it. Files are enqueued only once their
// size has stopped changing, so a copy in progress is never uploaded
// half-written.
type Watcher struct {
	queue  *Queue
	tokens *token.Manager
	cfg    config.UploadConfig
	logger *slog.Logger

	// settleInterval is how long a file's size must hold still before
	// it is considered fully written. Short in tests.
	settleInterval time.Duration
}

// NewWatcher creates a Watcher feeding the given queue. Jobs are bound
// to the most recently refreshed active grant at enqueue time.
func NewWatcher(queue *Queue, tokens *token.Manager, cfg config.UploadConfig, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		queue:          queue,
		tokens:         tokens,
		cfg:            cfg,
		logger:         logger,
		settleInterval: time.Second,
	}
}

// Run watches the configured drop directory until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	if w.cfg.WatchDir == "" {
		return errors.New("upload: no watch directory configured")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.cfg.WatchDir); err != nil {
		return err
	}

	w.logger.Info("watching drop directory", slog.String("dir", w.cfg.WatchDir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}

			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if !w.watchable(event.Name) {
				continue
			}

			go w.handleFile(ctx, event.Name)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}

			w.logger.Error("watcher error", slog.String("error", err.Error()))
		}
	}
}

// watchable filters events down to allowed video extensions, skipping
// dotfiles and partial-download suffixes.
func (w *Watcher) watchable(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".part") || strings.HasSuffix(base, ".tmp") {
		return false
	}

	return allowedExtension(strings.ToLower(filepath.Ext(path)), w.cfg.AllowedExtensions)
}

// handleFile waits for the file to settle, then enqueues a job with
// metadata derived from the file name.
func (w *Watcher) handleFile(ctx context.Context, path string) {
	if err := w.waitSettled(ctx, path); err != nil {
		w.logger.Warn("dropped file never settled",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	grant, err := w.tokens.GetActive(ctx, 0, "")
	if err != nil {
		w.logger.Error("no active grant for dropped file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	job := &store.Job{
		GrantID:       grant.ID,
		UserID:        grant.UserID,
		FilePath:      path,
		FileName:      filepath.Base(path),
		Title:         TitleFromFile(path),
		PrivacyStatus: w.cfg.DefaultPrivacy,
		CategoryID:    w.cfg.DefaultCategoryID,
	}

	if err := w.queue.Enqueue(ctx, job); err != nil {
		w.logger.Error("enqueuing dropped file failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	w.logger.Info("dropped file enqueued",
		slog.String("path", path),
		slog.String("job_id", job.ID),
	)
}

// waitSettled polls the file size until two consecutive reads agree.
func (w *Watcher) waitSettled(ctx context.Context, path string) error {
	var lastSize int64 = -1

	ticker := time.NewTicker(w.settleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				return err
			}

			if info.Size() > 0 && info.Size() == lastSize {
				return nil
			}

			lastSize = info.Size()
		}
	}
}

// TitleFromFile turns "my_great_video.mp4" into "my great video",
// clipped to the title ceiling.
func TitleFromFile(path string) string {
	base := filepath.Base(path)
	title := strings.TrimSuffix(base, filepath.Ext(base))
	title = strings.NewReplacer("_", " ", "-", " ").Replace(title)
	title = strings.Join(strings.Fields(title), " ")

	if len(title) > MaxTitleLen {
		title = title[:MaxTitleLen]
	}

	if title == "" {
		title = "Untitled upload"
	}

	return title
}
