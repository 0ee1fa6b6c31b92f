package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/clawdeck/core"
	"pkt.systems/pslog"
)

func newConnectCmd(opts *rootOptions) *cobra.Command {
	var endpoint string
	var token string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Save the gateway endpoint and token, then probe the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if strings.TrimSpace(endpoint) == "" {
				endpoint = cfg.Gateway.Endpoint
			}
			if strings.TrimSpace(token) == "" {
				token = os.Getenv(tokenEnv)
			}
			logger := pslog.Ctx(cmd.Context())
			creds, err := fileCredentials(cfg, logger)
			if err != nil {
				return err
			}
			store, err := newStore(cfg, creds, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			return runConnect(cmd.Context(), store, cmd.OutOrStdout(), endpoint, token)
		},
	}
	cmd.Flags().StringVar(&endpoint, "url", "", "gateway endpoint (ws, wss, http or https)")
	cmd.Flags().StringVar(&token, "token", "", "gateway token (default $"+tokenEnv+")")
	return cmd
}

func runConnect(ctx context.Context, store *core.Store, out io.Writer, endpoint, token string) error {
	if strings.TrimSpace(endpoint) == "" {
		return errors.New("gateway endpoint is required (--url or gateway.endpoint)")
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("gateway token is required (--token or $%s)", tokenEnv)
	}
	if err := store.SetConfig(ctx, endpoint, token); err != nil {
		return err
	}
	state := store.State()
	if !store.TestConnection(ctx) {
		state = store.State()
		_, _ = fmt.Fprintf(out, "saved %s, but the gateway did not answer: %s\n", state.Endpoint, state.Error)
		return fmt.Errorf("gateway probe failed: %s", state.Error)
	}
	_, err := fmt.Fprintf(out, "connected to %s\n", state.Endpoint)
	return err
}

func newDisconnectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Forget the saved gateway endpoint and token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger := pslog.Ctx(cmd.Context())
			creds, err := fileCredentials(cfg, logger)
			if err != nil {
				return err
			}
			store, err := newStore(cfg, creds, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			if _, err := store.LoadSavedConfig(cmd.Context()); err != nil {
				logger.Warn("saved connection unreadable, clearing anyway", "err", err)
			}
			store.ClearConfig(cmd.Context())
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "disconnected")
			return err
		},
	}
}

func newRestartCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Ask the gateway to restart",
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
			return runRestart(cmd.Context(), store, cmd.OutOrStdout())
		},
	}
}

func runRestart(ctx context.Context, store *core.Store, out io.Writer) error {
	if !store.RestartGateway(ctx) {
		return fmt.Errorf("gateway restart failed: %s", store.State().Error)
	}
	_, err := fmt.Fprintf(out, "restart requested for %s\n", store.State().Endpoint)
	return err
}
