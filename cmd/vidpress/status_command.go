package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"vidpress/internal/config"
	"vidpress/internal/dedup"
	"vidpress/internal/preflight"
	"vidpress/internal/staging"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon state, preflight checks, and registry totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			lines := renderSectionHeader("Daemon", colorize)
			lines = append(lines, renderDaemonState(cfg, colorize))
			lines = append(lines, renderStatusLine("Inbox", statusInfo, inboxLabel(cfg), colorize))
			lines = append(lines, renderStagingUsage(cfg, colorize))
			lines = append(lines, "")

			lines = append(lines, renderSectionHeader("Preflight", colorize)...)
			for _, result := range preflight.RunAll(cmd.Context(), cfg) {
				lines = append(lines, renderCheck(result, colorize))
			}
			lines = append(lines, "")

			lines = append(lines, renderSectionHeader("Registry", colorize)...)
			if err := ctx.withRegistry(cmd, func(reg *dedup.Registry) error {
				stats, err := reg.Stats(cmd.Context())
				if err != nil {
					return err
				}
				lines = append(lines,
					renderStatusLine("Backend", statusInfo, cfg.Dedup.Backend, colorize),
					renderStatusLine("Records", statusInfo, strconv.Itoa(stats.TotalFiles), colorize),
					renderStatusLine("Stored", statusInfo, formatBytes(stats.TotalSize), colorize),
					renderStatusLine("Savings", statusInfo, formatBytes(stats.TotalCompressionSavings), colorize),
				)
				return nil
			}); err != nil {
				lines = append(lines, renderStatusLine("Registry", statusError, err.Error(), colorize))
			}

			fmt.Fprintln(out, strings.Join(lines, "\n"))
			return nil
		},
	}
}

// renderDaemonState probes the daemon lock without holding it.
func renderDaemonState(cfg *config.Config, colorize bool) string {
	lock := flock.New(cfg.LockPath())
	acquired, err := lock.TryLock()
	if err != nil {
		return renderStatusLine("State", statusWarn, fmt.Sprintf("lock check failed: %v", err), colorize)
	}
	if acquired {
		_ = lock.Unlock()
		return renderStatusLine("State", statusInfo, "not running", colorize)
	}
	message := "running"
	if pid := readPID(filepath.Join(cfg.Paths.LogDir, "vidpress.pid")); pid > 0 {
		message = fmt.Sprintf("running (pid %d)", pid)
	}
	return renderStatusLine("State", statusOK, message, colorize)
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

func renderStagingUsage(cfg *config.Config, colorize bool) string {
	usage, err := staging.Summarize(cfg.Paths.StagingDir)
	if err != nil {
		return renderStatusLine("Staging", statusWarn, err.Error(), colorize)
	}
	if usage.Dirs == 0 {
		return renderStatusLine("Staging", statusInfo, "empty", colorize)
	}
	message := fmt.Sprintf("%d workdir(s), %s, oldest %s", usage.Dirs, formatBytes(usage.Bytes), usage.Oldest.Local().Format("2006-01-02 15:04"))
	kind := statusInfo
	if time.Since(usage.Oldest) > cfg.Retention() {
		kind = statusWarn
		message += " (stale; swept on next serve)"
	}
	return renderStatusLine("Staging", kind, message, colorize)
}

func inboxLabel(cfg *config.Config) string {
	if strings.TrimSpace(cfg.Paths.InboxDir) == "" {
		return "disabled"
	}
	return cfg.Paths.InboxDir
}
