package main

import (
	"context"
	"fmt"

	"github.com/ronvwieringen/AIbookReview/config"
	"github.com/ronvwieringen/AIbookReview/pkg/logger"
	"github.com/ronvwieringen/AIbookReview/service"
)

// app holds the services shared by the server and the CLI commands
type app struct {
	cfg    *config.Config
	store  *service.Store
	files  service.FileStore
	oracle service.Oracle
	hub    *service.Hub
	review *service.ReviewService
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := service.OpenStore(ctx, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	files, err := service.NewFileStore(ctx, cfg.Storage, cfg.Upload.Dir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init file storage: %w", err)
	}

	oracle, err := service.NewOracle(ctx, cfg.Oracle)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init oracle: %w", err)
	}
	if cfg.Oracle.APIKey == "" {
		logger.Warn(ctx, "no oracle API key configured, reviews will use fallback values", "provider", cfg.Oracle.Provider)
	}

	hub := service.NewHub()
	analyzer := service.NewAnalyzer(oracle, cfg.Oracle.Structured())

	return &app{
		cfg:    cfg,
		store:  store,
		files:  files,
		oracle: oracle,
		hub:    hub,
		review: service.NewReviewService(store, files, analyzer, hub, cfg.Analysis),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
