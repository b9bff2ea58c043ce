package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kalambet/docchat/internal/chat"
	"github.com/kalambet/docchat/internal/config"
	"github.com/kalambet/docchat/internal/documents"
	"github.com/kalambet/docchat/internal/gateway"
	"github.com/kalambet/docchat/internal/storage"
)

// app is the wired client: configuration, local store, backend gateway and
// the two state models.
type app struct {
	cfg      config.Config
	store    *storage.Store
	gw       *gateway.Client
	docs     *documents.Selection
	chat     *chat.Model
	uploader *documents.Uploader
	closeFn  func() error
}

func (a *app) Close() error {
	if a.closeFn == nil {
		return nil
	}
	return a.closeFn()
}

// openApp is a variable so tests can wire an in-memory app.
var openApp = func() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	setupLogging(cfg.Log.Level)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	a, err := newApp(cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	a.closeFn = store.Close
	return a, nil
}

func newApp(cfg config.Config, store *storage.Store) (*app, error) {
	timeout, err := cfg.BackendTimeout()
	if err != nil {
		return nil, err
	}
	gw := gateway.NewClient(cfg.Backend.BaseURL,
		gateway.WithTopK(cfg.Chat.TopK),
		gateway.WithTimeout(timeout),
	)
	docs := documents.Load(store)
	return &app{
		cfg:      cfg,
		store:    store,
		gw:       gw,
		docs:     docs,
		chat:     chat.Load(store, gw, docs),
		uploader: documents.NewUploader(gw, docs),
	}, nil
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}
