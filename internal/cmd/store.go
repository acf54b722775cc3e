package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/namelens/headroom/internal/config"
	"github.com/namelens/headroom/internal/core/store"
	"github.com/namelens/headroom/internal/observability"
)

// openStore opens and migrates the event journal. A nil cfg loads the
// current configuration. The caller closes the store.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	if cfg == nil {
		var err error
		if cfg, err = loadConfig(); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	db, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open event journal: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate event journal: %w", err)
	}

	if logger := observability.CLILogger; logger != nil {
		target := cfg.Store.Path
		if target == "" {
			target = "remote"
		}
		logger.Debug("Event journal open",
			zap.String("driver", db.Driver()),
			zap.String("target", target))
	}
	return db, nil
}

// withJournal runs fn against the journal and closes it afterwards.
func withJournal(ctx context.Context, cfg *config.Config, fn func(*store.Store) error) error {
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close() // nolint:errcheck // best-effort cleanup
	return fn(db)
}
