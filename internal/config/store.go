package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/MrWong99/sentinel/pkg/memory"
	"github.com/MrWong99/sentinel/pkg/memory/memstore"
	"github.com/MrWong99/sentinel/pkg/memory/postgres"
	"github.com/MrWong99/sentinel/pkg/memory/sqlite"
	"github.com/MrWong99/sentinel/pkg/provider/embeddings"
)

// OpenStore opens the session store selected by cfg. emb may be nil. The
// returned close function releases the store's resources and is never nil.
func OpenStore(ctx context.Context, cfg StoreConfig, emb embeddings.Provider) (memory.SessionStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case StoreMemory:
		slog.Info("session store opened", "backend", StoreMemory)
		return memstore.New(), noop, nil

	case StoreSQLite, "":
		home, _ := os.UserHomeDir()
		path := ExpandHome(cfg.SQLitePath, home)
		var opts []sqlite.Option
		if emb != nil {
			opts = append(opts, sqlite.WithEmbeddings(emb))
		}
		s, err := sqlite.Open(path, opts...)
		if err != nil {
			return nil, noop, fmt.Errorf("config: open store: %w", err)
		}
		slog.Info("session store opened", "backend", StoreSQLite, "path", s.Path())
		return s, s.Close, nil

	case StorePostgres:
		var opts []postgres.Option
		if emb != nil {
			opts = append(opts, postgres.WithEmbeddings(emb))
		}
		s, err := postgres.NewStore(ctx, cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, noop, fmt.Errorf("config: open store: %w", err)
		}
		slog.Info("session store opened", "backend", StorePostgres)
		return s, func() error { s.Close(); return nil }, nil
	}
	return nil, noop, fmt.Errorf("config: unknown store backend %q", cfg.Backend)
}
