package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"vidpress/internal/config"
	"vidpress/internal/daemonrun"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var inbox string
	var development bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the vidpress daemon in the foreground",
		Long: "Serve runs preflight checks, takes the daemon lock, and processes jobs until interrupted.\n" +
			"When an inbox directory is configured, stable video files dropped into it are submitted automatically.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if trimmed := strings.TrimSpace(inbox); trimmed != "" {
				expanded, err := config.ExpandPath(trimmed)
				if err != nil {
					return fmt.Errorf("resolve inbox path: %w", err)
				}
				cfg.Paths.InboxDir = expanded
				if err := cfg.EnsureDirectories(); err != nil {
					return err
				}
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    ctx.logLevel(),
				Development: development,
			})
		},
	}

	cmd.Flags().StringVar(&inbox, "inbox", "", "Watch this directory for new videos (overrides paths.inbox_dir)")
	cmd.Flags().BoolVar(&development, "development", false, "Include source locations in log output")
	return cmd
}
