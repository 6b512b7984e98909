package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"vidpress/internal/dedup"
)

type hashEntry struct {
	Path      string `json:"path"`
	Algorithm string `json:"algorithm"`
	Hash      string `json:"hash"`
}

func newHashCommand(ctx *commandContext) *cobra.Command {
	var algorithm string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "hash FILE...",
		Short: "Print the content digest used as the dedup key",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			algo := strings.ToLower(strings.TrimSpace(algorithm))
			if algo == "" {
				algo = cfg.Dedup.Algorithm
			}
			entries := make([]hashEntry, 0, len(args))
			for _, path := range args {
				digest, err := dedup.HashFile(cmd.Context(), path, algo)
				if err != nil {
					return fmt.Errorf("hash %s: %w", path, err)
				}
				entries = append(entries, hashEntry{Path: path, Algorithm: algo, Hash: digest})
			}
			return emit(cmd, asJSON, entries, func() error {
				out := cmd.OutOrStdout()
				for _, entry := range entries {
					fmt.Fprintf(out, "%s  %s\n", entry.Hash, entry.Path)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", "", "Digest algorithm (sha256, blake2b); defaults to dedup.algorithm")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON output")
	return cmd
}
