package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"vidpress/internal/dedup"
	"vidpress/internal/objectstore"
	"vidpress/internal/services"
)

func newDedupCommand(ctx *commandContext) *cobra.Command {
	dedupCmd := &cobra.Command{
		Use:   "dedup",
		Short: "Inspect and maintain the dedup registry",
	}

	dedupCmd.AddCommand(newDedupLookupCommand(ctx))
	dedupCmd.AddCommand(newDedupStatsCommand(ctx))
	dedupCmd.AddCommand(newDedupMergeCommand(ctx))
	dedupCmd.AddCommand(newDedupUnusedCommand(ctx))
	dedupCmd.AddCommand(newDedupDeleteCommand(ctx))
	dedupCmd.AddCommand(newDedupPruneCommand(ctx))

	return dedupCmd
}

func newDedupLookupCommand(ctx *commandContext) *cobra.Command {
	var file string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "lookup [HASH]",
		Short: "Show the registry record for a digest or file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			var hash string
			switch {
			case len(args) == 1 && file != "":
				return errors.New("pass either HASH or --file, not both")
			case len(args) == 1:
				hash = args[0]
			case file != "":
				hash, err = dedup.HashFile(cmd.Context(), file, cfg.Dedup.Algorithm)
				if err != nil {
					return fmt.Errorf("hash %s: %w", file, err)
				}
			default:
				return errors.New("a HASH argument or --file is required")
			}
			return ctx.withRegistry(cmd, func(reg *dedup.Registry) error {
				rec, err := reg.Get(cmd.Context(), hash)
				if err != nil {
					if errors.Is(err, services.ErrNotFound) {
						return fmt.Errorf("no registry record for %s", dedup.NormalizeHash(hash))
					}
					return err
				}
				return emit(cmd, asJSON, rec, func() error {
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "Hash:          %s\n", rec.Hash)
					fmt.Fprintf(out, "Locator:       %s\n", rec.Locator)
					fmt.Fprintf(out, "URL:           %s\n", rec.URL)
					fmt.Fprintf(out, "Size:          %s\n", formatBytes(rec.ByteSize))
					fmt.Fprintf(out, "Compressed:    %s\n", yesNo(rec.Compressed))
					if rec.Compressed {
						fmt.Fprintf(out, "Saved:         %s (%s)\n", formatBytes(rec.Savings()), formatRatio(rec.CompressionRatio))
					}
					fmt.Fprintf(out, "Access count:  %d\n", rec.AccessCount)
					fmt.Fprintf(out, "Created:       %s\n", rec.CreatedAt.Local().Format(time.RFC3339))
					fmt.Fprintf(out, "Last accessed: %s\n", rec.LastAccessedAt.Local().Format(time.RFC3339))
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Hash this file and look up the digest")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON output")
	return cmd
}

func newDedupStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize registry size and compression savings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRegistry(cmd, func(reg *dedup.Registry) error {
				stats, err := reg.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd, asJSON, stats, func() error {
					rows := [][]string{
						{"Total files", strconv.Itoa(stats.TotalFiles)},
						{"Total size", formatBytes(stats.TotalSize)},
						{"Compressed files", strconv.Itoa(stats.CompressedFiles)},
						{"Compression savings", formatBytes(stats.TotalCompressionSavings)},
						{"Average ratio", formatRatio(stats.AverageCompressionRatio)},
						{"Average file size", formatBytes(int64(stats.AverageFileSize))},
					}
					fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Metric", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
					return nil
				})
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON output")
	return cmd
}

func newDedupMergeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "merge",
		Short: "Collapse duplicate records that share a digest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRegistry(cmd, func(reg *dedup.Registry) error {
				removed, err := reg.MergeDuplicates(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Merged duplicates: removed %d record(s)\n", removed)
				return nil
			})
		},
	}
}

type unusedFlags struct {
	maxAgeDays int
	limit      int
}

func (f *unusedFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.maxAgeDays, "max-age-days", 0, "Only include records idle for this many days (default dedup.unused_max_age_days)")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "Maximum records to return (default dedup.unused_limit)")
}

func (f *unusedFlags) find(cmd *cobra.Command, ctx *commandContext, reg *dedup.Registry) ([]dedup.Record, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	maxAge := cfg.UnusedMaxAge()
	if f.maxAgeDays > 0 {
		maxAge = time.Duration(f.maxAgeDays) * 24 * time.Hour
	}
	limit := cfg.Dedup.UnusedLimit
	if f.limit > 0 {
		limit = f.limit
	}
	return reg.FindUnused(cmd.Context(), maxAge, limit)
}

func newDedupUnusedCommand(ctx *commandContext) *cobra.Command {
	var flags unusedFlags
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "unused",
		Short: "List records accessed only once and idle past the cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRegistry(cmd, func(reg *dedup.Registry) error {
				records, err := flags.find(cmd, ctx, reg)
				if err != nil {
					return err
				}
				return emit(cmd, asJSON, records, func() error {
					out := cmd.OutOrStdout()
					if len(records) == 0 {
						fmt.Fprintln(out, "No unused records")
						return nil
					}
					fmt.Fprintln(out, renderRecordTable(records))
					return nil
				})
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON output")
	return cmd
}

func newDedupDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete HASH",
		Short: "Remove the registry records for a digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRegistry(cmd, func(reg *dedup.Registry) error {
				removed, err := reg.Delete(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d record(s) for %s\n", removed, dedup.NormalizeHash(args[0]))
				return nil
			})
		},
	}
}

func newDedupPruneCommand(ctx *commandContext) *cobra.Command {
	var flags unusedFlags
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete unused records and their stored artifacts",
		Long: "Prune removes records returned by `vidpress dedup unused`. An artifact is deleted from the\n" +
			"object store only when no surviving record still points at it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := objectstore.NewFS(cfg.Storage.ObjectDir, cfg.Storage.PublicBaseURL)
			if err != nil {
				return err
			}
			return ctx.withRegistry(cmd, func(reg *dedup.Registry) error {
				candidates, err := flags.find(cmd, ctx, reg)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(candidates) == 0 {
					fmt.Fprintln(out, "Nothing to prune")
					return nil
				}
				if dryRun {
					fmt.Fprintln(out, renderRecordTable(candidates))
					fmt.Fprintf(out, "Would prune %d record(s)\n", len(candidates))
					return nil
				}
				all, err := reg.Records(cmd.Context())
				if err != nil {
					return err
				}
				refs := make(map[string]int, len(all))
				for _, rec := range all {
					refs[rec.Locator]++
				}

				pruned, objects := 0, 0
				var errs []error
				for _, rec := range candidates {
					removed, err := reg.Delete(cmd.Context(), rec.Hash)
					if err != nil {
						errs = append(errs, err)
						continue
					}
					pruned += removed
					refs[rec.Locator] -= removed
					if refs[rec.Locator] > 0 {
						continue
					}
					if err := store.Remove(cmd.Context(), objectstore.Locator(rec.Locator)); err != nil {
						errs = append(errs, fmt.Errorf("remove %s: %w", rec.Locator, err))
						continue
					}
					objects++
				}
				fmt.Fprintf(out, "Pruned %d record(s) and %d artifact(s)\n", pruned, objects)
				return errors.Join(errs...)
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List what would be pruned without deleting")
	return cmd
}

func renderRecordTable(records []dedup.Record) string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			shortHash(rec.Hash),
			rec.Locator,
			formatBytes(rec.ByteSize),
			strconv.FormatInt(rec.AccessCount, 10),
			rec.LastAccessedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return renderTable(
		[]string{"Hash", "Locator", "Size", "Hits", "Last Access"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}
