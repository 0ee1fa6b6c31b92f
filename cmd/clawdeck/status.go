package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pkt.systems/clawdeck/core"
	"pkt.systems/clawdeck/internal/format"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Refresh once and print the gateway summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			return runStatus(cmd.Context(), store, cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full state as JSON")
	return cmd
}

// runStatus prints the state after one refresh. The summary is printed even
// when the refresh fails; the refresh error is returned afterwards.
func runStatus(ctx context.Context, store *core.Store, out io.Writer, asJSON bool) error {
	refreshErr := store.Refresh(ctx)
	state := store.State()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(state); err != nil {
			return err
		}
		return refreshErr
	}
	if err := writeLines(out, format.NewPlainRenderer().FormatState(state)); err != nil {
		return err
	}
	return refreshErr
}

func writeLines(out io.Writer, lines []string) error {
	for _, line := range lines {
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}
