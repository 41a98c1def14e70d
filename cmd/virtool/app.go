package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"virtool/internal/blob"
	"virtool/internal/config"
	"virtool/internal/core"
	"virtool/pkg/domain"
)

// app holds what every subcommand opens.
type app struct {
	settings config.Settings
	logger   *slog.Logger
	store    domain.PersistentStore
	blobs    blob.Store
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l})), nil
}

// openApp prepares the data directory and opens the document and blob
// stores. A relative sqlite path is resolved against data_path.
func openApp(ctx context.Context, settings config.Settings, stderr io.Writer) (*app, error) {
	logger, err := newLogger(stderr, settings.LogLevel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(settings.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data path: %w", err)
	}
	storage := settings.Storage
	if storage.SQLitePath != "" && !filepath.IsAbs(storage.SQLitePath) {
		storage.SQLitePath = filepath.Join(settings.DataPath, storage.SQLitePath)
	}
	store, err := core.OpenPersistentStore(storage, core.NewDefaultRulesEngine())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", storage.Driver, err)
	}
	blobs, err := blob.Open(ctx, settings.Blob, settings.PathsFor().Files())
	if err != nil {
		closeStore(store)
		return nil, fmt.Errorf("open %s blob store: %w", settings.Blob.Driver, err)
	}
	logger.Debug("stores opened", "storage", storage.Driver, "blob", settings.Blob.Driver)
	return &app{settings: settings, logger: logger, store: store, blobs: blobs}, nil
}

func (a *app) Close() error {
	return closeStore(a.store)
}

func closeStore(store domain.PersistentStore) error {
	if c, ok := store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// errCheckFailed is returned by the check command when the report needs
// operator attention.
var errCheckFailed = errors.New("consistency check failed")
