package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"vidpress/internal/daemon"
	"vidpress/internal/daemonrun"
	"vidpress/internal/scheduler"
	"vidpress/internal/transcode"
)

type compressOptions struct {
	priority  string
	owner     string
	maxWidth  int
	maxHeight int
	quality   float64
	preset    string
	json      bool
}

type compressReport struct {
	Jobs  []compressEntry `json:"jobs"`
	Stats scheduler.Stats `json:"stats"`
}

type compressEntry struct {
	Source string                 `json:"source"`
	Error  string                 `json:"error,omitempty"`
	Job    *scheduler.JobSnapshot `json:"job,omitempty"`
}

func newCompressCommand(ctx *commandContext) *cobra.Command {
	var opts compressOptions

	cmd := &cobra.Command{
		Use:   "compress FILE...",
		Short: "Compress video files and publish them to the object store",
		Long: "Compress runs the scheduler in-process, submits each file, and waits for every job to finish.\n" +
			"Files whose content is already in the dedup registry are answered from the registry without re-encoding.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			priority, err := scheduler.ParsePriority(opts.priority)
			if err != nil {
				return err
			}
			logger, err := ctx.newLogger()
			if err != nil {
				return err
			}

			runCtx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rt, err := daemonrun.Build(runCtx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.Scheduler.Start(runCtx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}

			constraints := transcode.Constraints{
				MaxWidth:  opts.maxWidth,
				MaxHeight: opts.maxHeight,
				Preset:    opts.preset,
			}
			if cmd.Flags().Changed("quality") {
				constraints = constraints.WithQuality(opts.quality)
			}
			entries := submitFiles(runCtx, rt.Scheduler, args, opts.owner, priority, constraints)
			failed := waitEntries(runCtx, rt.Scheduler, entries)

			report := compressReport{Jobs: entries, Stats: rt.Scheduler.Stats()}
			if err := emit(cmd, opts.json, report, func() error {
				fmt.Fprintln(cmd.OutOrStdout(), renderCompressTable(entries))
				return nil
			}); err != nil {
				return err
			}
			if runCtx.Err() != nil {
				return runCtx.Err()
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d file(s) failed", failed, len(entries))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.priority, "priority", "p", scheduler.PriorityNormal.String(), "Job priority (high, normal, low)")
	cmd.Flags().StringVar(&opts.owner, "owner", "cli", "Owner id recorded with each job")
	cmd.Flags().IntVar(&opts.maxWidth, "max-width", 0, "Maximum output width (default from config)")
	cmd.Flags().IntVar(&opts.maxHeight, "max-height", 0, "Maximum output height (default from config)")
	cmd.Flags().Float64Var(&opts.quality, "quality", 0, "Target quality between 0 and 1 (default from config)")
	cmd.Flags().StringVar(&opts.preset, "preset", "", "Encoder preset (fast, standard, high)")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Emit JSON output")
	return cmd
}

func submitFiles(ctx context.Context, sched *scheduler.Scheduler, paths []string, owner string, priority scheduler.Priority, constraints transcode.Constraints) []compressEntry {
	entries := make([]compressEntry, 0, len(paths))
	for _, path := range paths {
		entry := compressEntry{Source: path}
		abs, err := filepath.Abs(path)
		if err != nil {
			entry.Error = err.Error()
			entries = append(entries, entry)
			continue
		}
		entry.Source = abs
		mimeType, _ := daemon.MimeType(abs)
		sub, err := sched.Submit(ctx, scheduler.SubmitRequest{
			InputPath:   abs,
			OwnerID:     owner,
			DisplayName: daemon.DisplayName(abs),
			MimeType:    mimeType,
			Constraints: constraints,
			Priority:    priority,
		})
		if err != nil {
			entry.Error = err.Error()
			entries = append(entries, entry)
			continue
		}
		entry.Job = &scheduler.JobSnapshot{ID: sub.JobID}
		entries = append(entries, entry)
	}
	return entries
}

// waitEntries blocks until every submitted job is terminal and returns the
// number of entries that did not complete.
func waitEntries(ctx context.Context, sched *scheduler.Scheduler, entries []compressEntry) int {
	failed := 0
	for i := range entries {
		entry := &entries[i]
		if entry.Job == nil {
			failed++
			continue
		}
		snap, err := sched.Wait(ctx, entry.Job.ID)
		if err != nil {
			entry.Error = err.Error()
			failed++
			continue
		}
		entry.Job = &snap
		if snap.Status != scheduler.StatusCompleted {
			entry.Error = snap.Error
			failed++
		}
	}
	return failed
}

func renderCompressTable(entries []compressEntry) string {
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		name := filepath.Base(entry.Source)
		if entry.Job == nil || entry.Job.Status != scheduler.StatusCompleted || entry.Job.Result == nil {
			status := "rejected"
			if entry.Job != nil && entry.Job.Status != "" {
				status = string(entry.Job.Status)
			}
			rows = append(rows, []string{name, status, "-", "-", "-", entry.Error})
			continue
		}
		res := entry.Job.Result
		note := res.Reason
		switch {
		case res.Deduplicated:
			note = "duplicate; served from registry"
		case !res.Compressed:
			note = "copied: " + res.Reason
		}
		rows = append(rows, []string{
			name,
			string(entry.Job.Status),
			formatBytes(res.OriginalSize),
			formatBytes(res.CompressedSize),
			formatRatio(res.CompressionRatio),
			note,
		})
	}
	return renderTable(
		[]string{"File", "Status", "Original", "Output", "Saved", "Note"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	)
}
