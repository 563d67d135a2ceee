package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newGrantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grants",
		Short: "List authorized channels",
		RunE:  runGrants,
	}
}

// grantOutput is the JSON schema for `grants --json`.
type grantOutput struct {
	ID           int64     `json:"id"`
	ChannelID    string    `json:"channel_id"`
	ChannelTitle string    `json:"channel_title"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshCount int       `json:"refresh_count"`
	Active       bool      `json:"active"`
	Error        string    `json:"error,omitempty"`
}

func runGrants(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	grants, err := a.grants.ListActive(ctx, 0)
	if err != nil {
		return err
	}

	if flagJSON {
		out := make([]grantOutput, len(grants))
		for i, g := range grants {
			out[i] = grantOutput{
				ID:           g.ID,
				ChannelID:    g.ChannelID,
				ChannelTitle: g.ChannelTitle,
				ExpiresAt:    g.ExpiresAt,
				RefreshCount: g.RefreshCount,
				Active:       g.Active,
				Error:        g.ErrorMsg,
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	if len(grants) == 0 {
		statusf("No active grants. Run 'tubeup login' to authorize a channel.\n")
		return nil
	}

	rows := make([][]string, len(grants))
	for i, g := range grants {
		rows[i] = []string{
			strconv.FormatInt(g.ID, 10),
			g.ChannelTitle,
			g.ChannelID,
			formatTime(g.ExpiresAt),
			strconv.Itoa(g.RefreshCount),
		}
	}

	printTable(os.Stdout, []string{"ID", "CHANNEL", "CHANNEL ID", "EXPIRES", "REFRESHES"}, rows)

	return nil
}

func newRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <grant-id>",
		Short: "Revoke a channel authorization",
		Long: "Revokes the grant's credentials at the platform (best effort) and " +
			"deactivates it locally. The local record is kept until the retention " +
			"sweep removes it.",
		Args: cobra.ExactArgs(1),
		RunE: runRevoke,
	}
}

func runRevoke(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid grant id %q", args[0])
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	grant, err := a.grants.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := a.tokens.Revoke(ctx, grant); err != nil {
		return err
	}

	statusf("Grant %d (%s) revoked.\n", grant.ID, grant.ChannelTitle)

	return nil
}

func newRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Proactively refresh grants expiring soon",
		RunE:  runRefresh,
	}

	cmd.Flags().Duration("within", 24*time.Hour, "refresh grants expiring within this window")

	return cmd
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	within, err := cmd.Flags().GetDuration("within")
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	refreshed, failed := a.tokens.RefreshExpiring(ctx, within)

	statusf("Refreshed %d grant(s), %d failed.\n", refreshed, failed)

	if failed > 0 {
		return fmt.Errorf("%d grant(s) failed to refresh and were quarantined", failed)
	}

	return nil
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete long-inactive and errored grants",
		RunE:  runSweep,
	}
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.tokens.SweepExpired(ctx)
	if err != nil {
		return err
	}

	statusf("Removed %d grant(s) past the %d-day retention window.\n", n, a.cfg.Store.RetentionDays)

	return nil
}
