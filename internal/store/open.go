package store

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"

	"naira-ramp/internal/clock"
)

// Options selects and configures a backend.
type Options struct {
	Driver      string
	SQLitePath  string
	DatabaseURL string
	Schema      string
}

// Open connects the configured backend and applies migrations.
func Open(ctx context.Context, opts Options, migrations fs.FS, clk clock.Clock, logger *slog.Logger) (Store, error) {
	var (
		st  Store
		err error
	)
	switch opts.Driver {
	case "memory":
		st = NewMemory(clk)
	case "postgres":
		st, err = NewPostgres(ctx, opts.DatabaseURL, opts.Schema, clk, logger)
	case "sqlite", "":
		st, err = NewSQLite(ctx, opts.SQLitePath, clk, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx, migrations); err != nil {
		st.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("store ready", "driver", opts.Driver)
	return st, nil
}
