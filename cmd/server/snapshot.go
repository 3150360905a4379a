package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"portfolio-session-server/internal/config"
	"portfolio-session-server/internal/store"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "List the sessions in the configured snapshot repository",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		repo, err := openRepository(cfg)
		if err != nil {
			return fmt.Errorf("open snapshot repository: %w", err)
		}
		defer repo.Close()

		snap, err := repo.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		return printSnapshot(cmd.OutOrStdout(), snap)
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}

func printSnapshot(out io.Writer, snap store.Snapshot) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tIDENTIFIER\tSTATE\tLAST ACTIVITY\tREAUTH")
	for _, rec := range snap.Sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n",
			rec.ID, maskIdentifier(rec.Identifier), rec.State,
			rec.LastActivityAt.UTC().Format(time.RFC3339), rec.ReauthRequired)
	}
	if snap.SavedAt > 0 {
		fmt.Fprintf(tw, "\nsaved %s\n", time.UnixMilli(snap.SavedAt).UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

// maskIdentifier keeps the last three characters of a phone number.
func maskIdentifier(id string) string {
	r := []rune(id)
	if len(r) <= 3 {
		return "***"
	}
	return "***" + string(r[len(r)-3:])
}
