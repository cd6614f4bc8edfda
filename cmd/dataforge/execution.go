package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func executionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execution",
		Short: "Inspect run history",
	}

	var (
		source string
		limit  int
		format string
	)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				list, err := rt.ingest.ListExecutions(ctx, source, limit)
				if err != nil {
					return err
				}
				if format == "json" {
					return printJSON(list)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSOURCE\tTYPE\tSTATUS\tRECORDS\tVERSION\tSTARTED\tERROR")
				for _, e := range list {
					ver := "-"
					if e.Version != nil {
						ver = fmt.Sprint(*e.Version)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
						shortID(e.ID), e.DataSourceID, e.SourceType, e.Status, e.RecordsProcessed, ver,
						e.StartedAt.Local().Format("2006-01-02 15:04"), e.ErrorCode)
				}
				w.Flush()
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&source, "source", "", "Filter by data source id")
	listCmd.Flags().IntVar(&limit, "limit", 20, "Limit results")
	listCmd.Flags().StringVar(&format, "format", "table", "Output format (table|json)")

	showCmd := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				e, err := rt.ingest.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(e)
			})
		},
	}

	cmd.AddCommand(listCmd, showCmd)
	return cmd
}
