package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"pkt.systems/clawdeck/httpapi"
	"pkt.systems/clawdeck/internal/gatewaymock"
	"pkt.systems/pslog"
)

const defaultMockAddr = "127.0.0.1:18789"

func newGatewayMockCmd() *cobra.Command {
	var addr string
	var token string
	var connectAuthOnly bool
	cmd := &cobra.Command{
		Use:   "gateway-mock",
		Short: "Run an in-process gateway with seeded sessions and cron jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context()).With("component", "gateway-mock")
			if strings.TrimSpace(token) == "" {
				token = os.Getenv(tokenEnv)
			}
			if strings.TrimSpace(token) == "" {
				token = "mock-token"
				logger.Warn("gateway mock using default token", "token_env", tokenEnv)
			}
			mock := gatewaymock.New(gatewaymock.Options{
				Token:           token,
				Logger:          logger,
				ConnectAuthOnly: connectAuthOnly,
			})
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Info("gateway mock starting", "addr", addr)
			return httpapi.ListenAndServe(ctx, addr, mock)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultMockAddr, "listen address")
	cmd.Flags().StringVar(&token, "token", "", "accepted token (default $"+tokenEnv+" or mock-token)")
	cmd.Flags().BoolVar(&connectAuthOnly, "connect-auth-only", false, "check the token only in the connect frame")
	return cmd
}
