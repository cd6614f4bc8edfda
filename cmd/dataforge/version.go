package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/inference"
	"github.com/mmrzaf/dataforge/internal/timeutil"
	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Inspect and prune data source versions",
	}

	var format string

	listCmd := &cobra.Command{
		Use:   "list <source-id>",
		Short: "List versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				list, err := rt.manager.ListVersions(ctx, args[0])
				if err != nil {
					return err
				}
				if format == "json" {
					return printJSON(list)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tID\tRECORDS\tCREATED\tEXECUTION")
				for _, v := range list {
					fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", v.Version, v.ID, v.RecordCount, v.CreatedAt.Local().Format("2006-01-02 15:04:05"), shortID(v.ExecutionID))
				}
				w.Flush()
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&format, "format", "table", "Output format (table|json)")

	showCmd := &cobra.Command{
		Use:   "show <version-id>",
		Short: "Show version metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				v, err := rt.manager.GetVersion(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	}

	var (
		offset int
		limit  int
	)
	recordsCmd := &cobra.Command{
		Use:   "records <version-id>",
		Short: "Print the records of a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				recs, err := rt.manager.ReadRecords(ctx, args[0], offset, limit)
				if err != nil {
					return err
				}
				if format == "json" {
					return printJSON(recs)
				}
				printRecords(inference.InferColumns(recordColumns(recs), recs), recs)
				return nil
			})
		},
	}
	recordsCmd.Flags().IntVar(&offset, "offset", 0, "Records to skip")
	recordsCmd.Flags().IntVar(&limit, "limit", 50, "Maximum records (0 for all)")
	recordsCmd.Flags().StringVar(&format, "format", "table", "Output format (table|json)")

	deleteCmd := &cobra.Command{
		Use:   "delete <version-id>",
		Short: "Delete one version and its records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.manager.DeleteVersion(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Version %s deleted\n", args[0])
				return nil
			})
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats <source-id>",
		Short: "Summarize the versions of a data source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				st, err := rt.manager.GetStats(ctx, args[0])
				if err != nil {
					return err
				}
				if format == "json" {
					return printJSON(st)
				}
				fmt.Printf("Versions: %d (oldest %d, latest %d)\n", st.TotalVersions, st.OldestVersion, st.LatestVersion)
				fmt.Printf("Records:  %d\n", st.TotalRecords)
				if st.LastImportAt != nil {
					fmt.Printf("Last import: %s\n", st.LastImportAt.Local().Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	statsCmd.Flags().StringVar(&format, "format", "table", "Output format (table|json)")

	var keep int
	cleanupCmd := &cobra.Command{
		Use:   "cleanup <source-id>",
		Short: "Keep only the newest versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				report, err := rt.manager.Cleanup(ctx, args[0], keep)
				printCleanup(report)
				return err
			})
		},
	}
	cleanupCmd.Flags().IntVar(&keep, "keep", 5, "Number of versions to keep")

	var asOf string
	applyCmd := &cobra.Command{
		Use:   "apply-policy <source-id>",
		Short: "Apply the data source's retention policy now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				src, err := rt.sources.Get(args[0])
				if err != nil {
					return err
				}
				if src.Retention == nil {
					fmt.Println("No retention policy; all versions kept")
					return nil
				}
				now := time.Time{}
				if asOf != "" {
					if now, err = timeutil.ParseRelativeTime(asOf, time.Now()); err != nil {
						return fmt.Errorf("--as-of: %w", err)
					}
				}
				report, err := rt.manager.ApplyPolicy(ctx, src.ID, src.Retention, now)
				printCleanup(report)
				return err
			})
		},
	}
	applyCmd.Flags().StringVar(&asOf, "as-of", "", "Evaluate keep-days as of this time (RFC3339, date or offset like -7d)")

	cmd.AddCommand(listCmd, showCmd, recordsCmd, deleteCmd, statsCmd, cleanupCmd, applyCmd)
	return cmd
}

func printCleanup(report *domain.CleanupReport) {
	if report == nil {
		return
	}
	if len(report.Deleted) == 0 && len(report.Failures) == 0 {
		fmt.Println("Nothing to delete")
		return
	}
	if len(report.Deleted) > 0 {
		fmt.Printf("Deleted versions %v\n", report.Deleted)
	}
	for _, f := range report.Failures {
		fmt.Printf("Failed to delete version %d: %s\n", f.Version, f.Error)
	}
}

// recordColumns lists keys by first appearance, sorted within each record.
func recordColumns(recs []domain.Record) []string {
	seen := map[string]bool{}
	var cols []string
	for _, rec := range recs {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			if !seen[k] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			seen[k] = true
			cols = append(cols, k)
		}
	}
	return cols
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
