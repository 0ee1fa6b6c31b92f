package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/clawdeck"
	"pkt.systems/clawdeck/httpapi"
	"pkt.systems/pslog"
)

const serveHubHistory = 256

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard daemon and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			creds, err := fileCredentials(cfg, logger)
			if err != nil {
				return err
			}

			serverCfg := clawdeck.ServerConfig{
				Store:   cfg.StoreConfig(),
				Gateway: gatewayConfig(cfg),
				HTTP: httpapi.Config{
					Addr:       cfg.HTTP.Addr,
					BasePath:   cfg.HTTP.BasePath,
					HubHistory: serveHubHistory,
				},
				AutoRefresh: cfg.AutoRefresh(),
			}
			server, err := clawdeck.New(serverCfg, clawdeck.ServerDeps{
				Credentials: creds,
				Logger:      logger,
			}, clawdeck.WithHTTP())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override http.addr")
	return cmd
}
