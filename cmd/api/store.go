package main

import (
	"context"
	"fmt"

	"github.com/capitalize-ai/task-relay/internal/config"
	natsclient "github.com/capitalize-ai/task-relay/internal/nats"
	"github.com/capitalize-ai/task-relay/internal/store"
	"github.com/capitalize-ai/task-relay/internal/store/memory"
	"github.com/capitalize-ai/task-relay/internal/store/postgres"
	"github.com/capitalize-ai/task-relay/pkg/logger"
)

// openStore builds the configured conversation store and returns its closer.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreNATS:
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		st, err := natsclient.NewStore(ctx, client)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return st, client.Close, nil

	case config.StorePostgres:
		st, err := postgres.Connect(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil

	case config.StoreMemory:
		return memory.New(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
