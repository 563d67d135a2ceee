package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List upload jobs",
		RunE:  runJobs,
	}

	cmd.Flags().String("status", "", "filter by status: pending, uploading, processing, completed, failed")
	cmd.Flags().Int("limit", 20, "maximum number of jobs to show")

	return cmd
}

// jobOutput is the JSON schema for `jobs --json` and `status --json`.
type jobOutput struct {
	ID        string    `json:"id"`
	FileName  string    `json:"file_name"`
	FileSize  int64     `json:"file_size"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	VideoID   string    `json:"video_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func runJobs(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	status, err := cmd.Flags().GetString("status")
	if err != nil {
		return err
	}

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.jobs.List(ctx, status, limit)
	if err != nil {
		return err
	}

	if flagJSON {
		out := make([]jobOutput, len(jobs))
		for i, j := range jobs {
			out[i] = jobOutput{
				ID:        j.ID,
				FileName:  j.FileName,
				FileSize:  j.FileSize,
				Title:     j.Title,
				Status:    j.Status,
				Progress:  j.Progress,
				VideoID:   j.VideoID,
				Error:     j.ErrorMsg,
				CreatedAt: j.CreatedAt,
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	if len(jobs) == 0 {
		statusf("No upload jobs.\n")
		return nil
	}

	rows := make([][]string, len(jobs))
	for i, j := range jobs {
		rows[i] = []string{
			j.ID,
			j.FileName,
			formatSize(j.FileSize),
			j.Status,
			strconv.Itoa(j.Progress) + "%",
			formatTime(j.CreatedAt),
		}
	}

	printTable(os.Stdout, []string{"ID", "FILE", "SIZE", "STATUS", "PROGRESS", "CREATED"}, rows)

	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one upload job",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.jobs.Get(ctx, args[0])
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(jobOutput{
			ID:        job.ID,
			FileName:  job.FileName,
			FileSize:  job.FileSize,
			Title:     job.Title,
			Status:    job.Status,
			Progress:  job.Progress,
			VideoID:   job.VideoID,
			Error:     job.ErrorMsg,
			CreatedAt: job.CreatedAt,
		})
	}

	fmt.Printf("Job:      %s\n", job.ID)
	fmt.Printf("File:     %s (%s)\n", job.FileName, formatSize(job.FileSize))
	fmt.Printf("Title:    %s\n", job.Title)
	fmt.Printf("Status:   %s (%d%%)\n", job.Status, job.Progress)

	if job.VideoID != "" {
		fmt.Printf("Video:    %s\n", job.VideoID)
	}

	if job.ErrorMsg != "" {
		fmt.Printf("Error:    %s\n", job.ErrorMsg)
	}

	fmt.Printf("Created:  %s\n", formatTime(job.CreatedAt))

	if !job.CompletedAt.IsZero() {
		fmt.Printf("Finished: %s\n", formatTime(job.CompletedAt))
	}

	return nil
}
