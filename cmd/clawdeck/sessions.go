package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/clawdeck/core"
	"pkt.systems/clawdeck/internal/format"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Read and write gateway session transcripts",
	}
	cmd.AddCommand(newSessionsHistoryCmd(opts))
	cmd.AddCommand(newSessionsSendCmd(opts))
	return cmd
}

func newSessionsHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <session-key>",
		Short: "Print the transcript of a session",
		Args:  cobra.ExactArgs(1),
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
			return runHistory(cmd.Context(), store, cmd.OutOrStdout(), args[0], limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of messages (default dashboard.history_limit)")
	return cmd
}

func runHistory(ctx context.Context, store *core.Store, out io.Writer, key string, limit int) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("session key is required")
	}
	messages := store.FetchSessionHistory(ctx, key, limit)
	return writeLines(out, format.NewPlainRenderer().FormatHistory(messages))
}

func newSessionsSendCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <session-key> <message>...",
		Short: "Send a message into a session",
		Args:  cobra.MinimumNArgs(2),
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
			return runSend(cmd.Context(), store, cmd.OutOrStdout(), args[0], strings.Join(args[1:], " "))
		},
	}
}

func runSend(ctx context.Context, store *core.Store, out io.Writer, key, message string) error {
	if strings.TrimSpace(message) == "" {
		return errors.New("message is required")
	}
	if !store.SendSessionMessage(ctx, key, message) {
		return fmt.Errorf("send to %s failed", key)
	}
	_, err := fmt.Fprintf(out, "sent to %s\n", key)
	return err
}
