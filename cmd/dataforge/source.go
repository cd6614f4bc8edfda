package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/mmrzaf/dataforge/internal/app"
	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/redact"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func loadSource(rt *runtime, ref string) (*domain.DataSourceConfig, error) {
	if strings.Contains(ref, "/") || strings.HasSuffix(ref, ".yaml") || strings.HasSuffix(ref, ".yml") || strings.HasSuffix(ref, ".json") {
		return rt.sources.GetByPath(ref)
	}
	return rt.sources.Get(ref)
}

// withRuntime opens the runtime for the duration of fn.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	return fn(ctx, rt)
}

func sourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage and run data sources",
	}

	var format string

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List data sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				list, loadErr := rt.sources.List()
				if format == "json" {
					if err := printJSON(redact.Configs(list)); err != nil {
						return err
					}
					return loadErr
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tTYPE\tRETENTION\tVERSIONS")
				for _, s := range list {
					retention := "keep-all"
					if s.Retention != nil {
						retention = fmt.Sprintf("%s:%d", s.Retention.Strategy, s.Retention.Value)
					}
					count := 0
					if st, err := rt.manager.GetStats(ctx, s.ID); err == nil {
						count = st.TotalVersions
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", s.ID, s.Name, s.Type, retention, count)
				}
				w.Flush()
				if loadErr != nil {
					fmt.Fprintf(os.Stderr, "skipped invalid files: %v\n", loadErr)
				}
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&format, "format", "table", "Output format (table|json)")

	showCmd := &cobra.Command{
		Use:   "show <id|path>",
		Short: "Show data source details with credentials masked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				src, err := loadSource(rt, args[0])
				if err != nil {
					return err
				}
				caps, err := rt.ingest.Capabilities(src)
				if err != nil {
					return err
				}
				data, _ := yaml.Marshal(redact.Config(src))
				fmt.Println(string(data))
				fmt.Printf("capabilities: list_tables=%t schema=%t preview=%t\n", caps.ListTables, caps.Schema, caps.Preview)
				return nil
			})
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate <id|path>",
		Short: "Validate a data source config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				src, err := loadSource(rt, args[0])
				if err != nil {
					return err
				}
				vr, err := rt.ingest.ValidateDataSource(src)
				if err != nil {
					return err
				}
				for _, w := range vr.Warnings {
					fmt.Printf("warning: %s\n", w)
				}
				if !vr.Valid {
					for _, e := range vr.Errors {
						fmt.Printf("%s\t%s\t%s\n", e.Code, e.Field, e.Message)
					}
					return fmt.Errorf("data source %q is invalid", src.ID)
				}
				fmt.Printf("Data source '%s' is valid\n", src.Name)
				return nil
			})
		},
	}

	testCmd := &cobra.Command{
		Use:   "test <id|path>",
		Short: "Test connectivity of a data source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				src, err := loadSource(rt, args[0])
				if err != nil {
					return err
				}
				res, err := rt.ingest.TestDataSource(ctx, src)
				if err != nil {
					return err
				}
				if format == "json" {
					return printJSON(res)
				}
				if !res.Success {
					return fmt.Errorf("connection failed after %dms: %s", res.LatencyMS, res.Message)
				}
				fmt.Printf("OK (%dms) %s\n", res.LatencyMS, res.Version)
				return nil
			})
		},
	}
	testCmd.Flags().StringVar(&format, "format", "table", "Output format (table|json)")

	tablesCmd := &cobra.Command{
		Use:   "tables <id|path>",
		Short: "List tables, sheets or datasets of a data source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				src, err := loadSource(rt, args[0])
				if err != nil {
					return err
				}
				tables, err := rt.ingest.ListTables(ctx, src)
				if err != nil {
					return err
				}
				if format == "json" {
					return printJSON(tables)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SCHEMA\tNAME\tKIND\tROWS")
				for _, t := range tables {
					rows := "-"
					if t.RowCount != nil {
						rows = fmt.Sprint(*t.RowCount)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Schema, t.Name, t.Kind, rows)
				}
				w.Flush()
				return nil
			})
		},
	}
	tablesCmd.Flags().StringVar(&format, "format", "table", "Output format (table|json)")

	schemaCmd := &cobra.Command{
		Use:   "schema <id|path> <table>",
		Short: "Show the columns of a table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				src, err := loadSource(rt, args[0])
				if err != nil {
					return err
				}
				info, err := rt.ingest.TableSchema(ctx, src, args[1])
				if err != nil {
					return err
				}
				if format == "json" {
					return printJSON(info)
				}
				printColumns(info.Columns)
				return nil
			})
		},
	}
	schemaCmd.Flags().StringVar(&format, "format", "table", "Output format (table|json)")

	var (
		previewLimit int
		previewTable string
	)
	previewCmd := &cobra.Command{
		Use:   "preview <id|path>",
		Short: "Show the first records of a data source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				src, err := loadSource(rt, args[0])
				if err != nil {
					return err
				}
				pv, err := rt.ingest.Preview(ctx, src, domain.PreviewRequest{Limit: previewLimit, TableName: previewTable})
				if err != nil {
					return err
				}
				if format == "json" {
					return printJSON(pv)
				}
				printRecords(pv.Columns, pv.Records)
				return nil
			})
		},
	}
	previewCmd.Flags().IntVar(&previewLimit, "limit", 10, "Number of records")
	previewCmd.Flags().StringVar(&previewTable, "table", "", "Table or sheet to preview")
	previewCmd.Flags().StringVar(&format, "format", "table", "Output format (table|json)")

	cmd.AddCommand(listCmd, showCmd, validateCmd, testCmd, tablesCmd, schemaCmd, previewCmd, runCmd())
	return cmd
}

func runCmd() *cobra.Command {
	var (
		testFirst bool
		dryRun    bool
		database  string
		progress  bool
		format    string
	)

	cmd := &cobra.Command{
		Use:   "run <id|path>",
		Short: "Ingest a data source into a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				stored, err := loadSource(rt, args[0])
				if err != nil {
					return err
				}
				src := app.ResolveDataSource(stored, app.Overrides{Database: database, BatchSize: batchSize})

				opts := app.IngestOptions{TestConnection: testFirst, DryRun: dryRun}
				if progress {
					opts.OnProgress = func(p domain.ProgressInfo) {
						fmt.Fprintf(os.Stderr, "\r%-10s %5.1f%% %d records", p.Step, p.Percent, p.RecordsProcessed)
					}
				}
				res, err := rt.ingest.Ingest(ctx, src, opts)
				if progress {
					fmt.Fprintln(os.Stderr)
				}
				if err != nil {
					return err
				}
				if format == "json" {
					if err := printJSON(res); err != nil {
						return err
					}
				} else {
					printIngest(res)
				}
				if !res.Result.Success {
					return fmt.Errorf("run %s failed", res.ExecutionID)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&testFirst, "test-connection", false, "Test connectivity before running")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Extract without creating a version")
	cmd.Flags().StringVar(&database, "database", "", "Override the database of a postgres or mysql source")
	cmd.Flags().BoolVar(&progress, "progress", false, "Print progress to stderr")
	cmd.Flags().StringVar(&format, "format", "table", "Output format (table|json)")
	return cmd
}

func printIngest(res *app.IngestResult) {
	r := res.Result
	if !r.Success {
		fmt.Printf("Run %s failed: %s %s\n", res.ExecutionID, r.Error.Code, r.Error.Message)
		if r.Error.Details != "" {
			fmt.Println(r.Error.Details)
		}
		return
	}
	fmt.Printf("Run %s completed: %d records, %d bytes, %.2fs\n", res.ExecutionID, r.RecordsProcessed, r.BytesProcessed, r.Duration.Seconds())
	if res.Version != nil {
		fmt.Printf("Version %d created (%s)\n", res.Version.Version, res.Version.ID)
	}
	if res.Cleanup != nil && len(res.Cleanup.Deleted) > 0 {
		fmt.Printf("Retention removed versions %v\n", res.Cleanup.Deleted)
	}
	if res.Cleanup != nil {
		for _, f := range res.Cleanup.Failures {
			fmt.Printf("Retention could not remove version %d: %s\n", f.Version, f.Error)
		}
	}
}

func printColumns(cols []domain.ColumnInfo) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tNATIVE\tNULLABLE\tPK")
	for _, c := range cols {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n", c.Name, c.Type, c.NativeType, c.Nullable, c.PrimaryKey)
	}
	w.Flush()
}

func printRecords(cols []domain.ColumnInfo, recs []domain.Record) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	fmt.Fprintln(w, strings.ToUpper(strings.Join(names, "\t")))
	for _, rec := range recs {
		vals := make([]string, len(names))
		for i, n := range names {
			if v, ok := rec[n]; ok && v != nil {
				vals[i] = fmt.Sprint(v)
			}
		}
		fmt.Fprintln(w, strings.Join(vals, "\t"))
	}
	w.Flush()
}
