package main

import (
	"context"
	"errors"
	"os"
	"strings"

	"pkt.systems/clawdeck/core"
	"pkt.systems/clawdeck/internal/appconfig"
	"pkt.systems/clawdeck/internal/credstore"
	"pkt.systems/clawdeck/internal/gatewayws"
	"pkt.systems/clawdeck/internal/version"
	"pkt.systems/pslog"
)

// tokenEnv supplies a gateway token without saving it.
const tokenEnv = "CLAWDECK_GATEWAY_TOKEN"

var errNotConnected = errors.New("no saved gateway connection: run clawdeck connect, or set gateway.endpoint and " + tokenEnv)

func loadConfig(opts *rootOptions) (appconfig.Config, error) {
	return appconfig.Load(opts.configPath)
}

func gatewayConfig(cfg appconfig.Config) gatewayws.Config {
	return gatewayws.Config{
		CallTimeout:      cfg.CallTimeout(),
		HandshakeTimeout: cfg.HandshakeTimeout(),
		ClientID:         cfg.Gateway.ClientID,
		ClientVersion:    version.Current(),
	}
}

func fileCredentials(cfg appconfig.Config, logger pslog.Logger) (*credstore.File, error) {
	return credstore.NewFile(cfg.Credentials.StorePath, cfg.Credentials.KeyStorePath, logger)
}

func newStore(cfg appconfig.Config, creds core.CredentialStore, logger pslog.Logger) (*core.Store, error) {
	return core.NewStore(cfg.StoreConfig(), core.StoreDeps{
		Transport:   gatewayws.New(gatewayConfig(cfg), logger),
		Credentials: creds,
		Logger:      logger,
	})
}

// openStore returns a store connected with the saved pair, falling back to
// the configured endpoint plus the token from the environment.
func openStore(ctx context.Context, cfg appconfig.Config) (*core.Store, error) {
	logger := pslog.Ctx(ctx)
	creds, err := fileCredentials(cfg, logger)
	if err != nil {
		return nil, err
	}
	store, err := newStore(cfg, creds, logger)
	if err != nil {
		return nil, err
	}
	loaded, err := store.LoadSavedConfig(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}
	if loaded {
		return store, nil
	}
	store.Close()

	endpoint := strings.TrimSpace(cfg.Gateway.Endpoint)
	token := strings.TrimSpace(os.Getenv(tokenEnv))
	if endpoint == "" || token == "" {
		return nil, errNotConnected
	}
	ephemeral, err := newStore(cfg, credstore.NewMemory(), logger)
	if err != nil {
		return nil, err
	}
	if err := ephemeral.SetConfig(ctx, endpoint, token); err != nil {
		ephemeral.Close()
		return nil, err
	}
	logger.Debug("using configured endpoint with environment token")
	return ephemeral, nil
}
