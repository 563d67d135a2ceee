package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tubeworks/tubeup/internal/store"
	"github.com/tubeworks/tubeup/internal/token"
	"github.com/tubeworks/tubeup/internal/upload"
)

// Upload command flags.
var (
	flagTitle       string
	flagDescription string
	flagTags        []string
	flagCategory    string
	flagPrivacy     string
	flagPlaylist    string
	flagThumbnail   string
	flagNotifyURL   string
	flagChannel     string
)

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a video",
		Long: "Validates the file and metadata, enqueues an upload job, and drives " +
			"it to completion. The source file is removed once the job is terminal.",
		Args: cobra.ExactArgs(1),
		RunE: runUpload,
	}

	cmd.Flags().StringVar(&flagTitle, "title", "", "video title (defaults to the file name)")
	cmd.Flags().StringVar(&flagDescription, "description", "", "video description")
	cmd.Flags().StringSliceVar(&flagTags, "tags", nil, "comma-separated video tags")
	cmd.Flags().StringVar(&flagCategory, "category", "", "video category id")
	cmd.Flags().StringVar(&flagPrivacy, "privacy", "", "privacy status: private, unlisted, or public")
	cmd.Flags().StringVar(&flagPlaylist, "playlist", "", "playlist id to append the video to")
	cmd.Flags().StringVar(&flagThumbnail, "thumbnail", "", "thumbnail image path")
	cmd.Flags().StringVar(&flagNotifyURL, "notify", "", "webhook URL for the terminal status")
	cmd.Flags().StringVar(&flagChannel, "channel", "", "channel id to upload to (defaults to the most recent grant)")

	return cmd
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	grant, err := a.tokens.GetActive(ctx, 0, flagChannel)
	if errors.Is(err, token.ErrNotFound) {
		return errors.New("no active grant: run 'tubeup login' first")
	}

	if err != nil {
		return err
	}

	job := &store.Job{
		GrantID:       grant.ID,
		UserID:        grant.UserID,
		FilePath:      args[0],
		Title:         flagTitle,
		Description:   flagDescription,
		Tags:          flagTags,
		CategoryID:    flagCategory,
		PrivacyStatus: flagPrivacy,
		PlaylistID:    flagPlaylist,
		ThumbnailPath: flagThumbnail,
		NotifyURL:     flagNotifyURL,
	}

	if job.Title == "" {
		job.Title = upload.TitleFromFile(args[0])
	}

	if err := a.queue.Enqueue(ctx, job); err != nil {
		return err
	}

	statusf("Job %s queued: %s (%s) -> channel %q\n",
		job.ID, job.FileName, formatSize(job.FileSize), grant.ChannelTitle)

	// Single-shot mode: run the job inline and report the outcome.
	stored, err := a.jobs.Get(ctx, job.ID)
	if err != nil {
		return err
	}

	done := make(chan struct{})

	go func() {
		defer close(done)
		reportProgress(ctx, a, job.ID)
	}()

	if runErr := a.engine.Run(ctx, stored); runErr != nil {
		a.logger.Debug("upload finished with error", "job_id", job.ID, "error", runErr.Error())
	}

	<-done

	final, err := a.jobs.Get(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return err
	}

	if final.Status != store.JobCompleted {
		return fmt.Errorf("upload failed: %s", final.ErrorMsg)
	}

	statusf("Done. Video id: %s\n", final.VideoID)
	fmt.Println(final.VideoID)

	return nil
}

// reportProgress prints transfer progress until the job is terminal.
func reportProgress(ctx context.Context, a *app, jobID string) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	last := -1

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := a.jobs.Get(ctx, jobID)
			if err != nil {
				return
			}

			if job.Terminal() {
				return
			}

			if job.Progress != last {
				statusf("  %d%%\n", job.Progress)
				last = job.Progress
			}
		}
	}
}
