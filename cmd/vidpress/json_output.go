package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// emit writes v as JSON when asJSON is set, otherwise calls render.
func emit(cmd *cobra.Command, asJSON bool, v any, render func() error) error {
	if asJSON {
		return writeJSON(cmd, v)
	}
	return render()
}
