package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tubeworks/tubeup/internal/upload"
)

// refreshSweepInterval is how often the watch daemon runs the proactive
// refresh pass and the retention sweep.
const refreshSweepInterval = time.Hour

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a drop directory and upload everything that lands in it",
		Long: "Runs as a daemon: re-drives interrupted jobs, uploads every video " +
			"file dropped into the watch directory, refreshes expiring grants, and " +
			"sweeps grants past retention. Stops on SIGINT or SIGTERM.",
		RunE: runWatch,
	}

	cmd.Flags().String("dir", "", "drop directory (overrides the config file)")

	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if dir, flagErr := cmd.Flags().GetString("dir"); flagErr == nil && dir != "" {
		a.cfg.Upload.WatchDir = dir
	}

	if a.cfg.Upload.WatchDir == "" {
		return errors.New("no watch directory: set upload.watch_dir or pass --dir")
	}

	if err := a.queue.Start(ctx); err != nil {
		return err
	}

	watcher := upload.NewWatcher(a.queue, a.tokens, a.cfg.Upload, a.logger)

	go a.maintenanceLoop(ctx)

	statusf("Watching %s. Press Ctrl-C to stop.\n", a.cfg.Upload.WatchDir)

	err = watcher.Run(ctx)

	// Let in-flight jobs record their cancellation before exiting.
	a.queue.Wait()

	if errors.Is(err, context.Canceled) {
		statusf("Stopped.\n")
		return nil
	}

	return err
}

// maintenanceLoop periodically refreshes expiring grants and sweeps
// grants past retention while the daemon runs.
func (a *app) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(refreshSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshed, failed := a.tokens.RefreshExpiring(ctx, 24*time.Hour)
			if refreshed > 0 || failed > 0 {
				a.logger.Info("proactive refresh pass",
					"refreshed", refreshed,
					"failed", failed,
				)
			}

			if _, err := a.tokens.SweepExpired(ctx); err != nil {
				a.logger.Error("retention sweep failed", "error", err.Error())
			}
		}
	}
}
