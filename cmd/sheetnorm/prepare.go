package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sheetnorm/internal/snapshot"
)

func prepareCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prepare <package-dir>",
		Short: "Build (or reuse) the snapshot of a config package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.store(cmd.Context(), nil)
			if err != nil {
				return fail(err)
			}
			snap, err := store.Prepare(cmd.Context(), args[0])
			if err != nil {
				return fail(err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				snapshot.Metadata
				Reused bool   `json:"reused"`
				Dir    string `json:"dir"`
			}{snap.Metadata, snap.Reused, snap.Dir})
		},
	}
}

func snapshotsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Inspect and prune prepared snapshots",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List prepared snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.store(cmd.Context(), nil)
			if err != nil {
				return fail(err)
			}
			mds, err := store.List()
			if err != nil {
				return fail(err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(mds)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPACKAGE\tVERSION\tFILES\tPREPARED")
			for _, md := range mds {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", md.ID, md.Package, md.Version, md.FileCount, md.PreparedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print metadata as JSON")

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Remove snapshots not used recently and not leased by a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.store(cmd.Context(), nil)
			if err != nil {
				return fail(err)
			}
			removed, err := store.Prune(cmd.Context(), olderThan)
			if err != nil {
				return fail(err)
			}
			for _, id := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "removed %d snapshot(s)\n", len(removed))
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of a pruned snapshot")

	cmd.AddCommand(list, prune)
	return cmd
}
