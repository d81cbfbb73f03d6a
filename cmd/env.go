package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/shelfwise/flyer-pipeline/internal/fetcher"
	"github.com/shelfwise/flyer-pipeline/internal/pipeline"
	"github.com/shelfwise/flyer-pipeline/internal/resilience"
	"github.com/shelfwise/flyer-pipeline/internal/store"
	"github.com/shelfwise/flyer-pipeline/pkg/anthropic"
	"github.com/shelfwise/flyer-pipeline/pkg/vision"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "flyers.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initVision() vision.Client {
	return vision.NewHTTPClient(vision.Config{
		BaseURL:      cfg.Vision.BaseURL,
		AuthURL:      cfg.Vision.AuthURL,
		ClientID:     cfg.Vision.ClientID,
		ClientSecret: cfg.Vision.ClientSecret,
		Model:        cfg.Vision.Model,
		Retry:        resilience.Policy{MaxAttempts: cfg.Vision.MaxRetries},
	})
}

func initResolver() *fetcher.Resolver {
	return fetcher.NewResolver(fetcher.HTTPOptions{}, fetcher.FTPOptions{
		Timeout:  time.Duration(cfg.Ingest.TimeoutSecs) * time.Second,
		User:     cfg.Ingest.FTPUser,
		Password: cfg.Ingest.FTPPassword,
	})
}

func initExtractor(st store.Store) *pipeline.Extractor {
	images := pipeline.NewLocalImageStore(cfg.Images.Dir, cfg.Images.BaseURL)
	return pipeline.NewExtractor(st, initVision(), initResolver(), images, pipeline.ExtractorConfig{
		InterCallDelay:   cfg.Pipeline.InterCallDelay(),
		QualityThreshold: cfg.Pipeline.QualityScoreThreshold,
		DirectGeneration: cfg.Pipeline.DirectGeneration,
		DetectionTimeout: cfg.Pipeline.DetectionTimeout(),
	})
}

func initMatcher(st store.Store) *pipeline.Matcher {
	return pipeline.NewMatcher(st, anthropic.NewClient(cfg.Anthropic.Key), pipeline.MatcherConfig{
		Model:                cfg.Anthropic.Model,
		MaxTokens:            cfg.Anthropic.MaxTokens,
		MaxCandidates:        cfg.Matching.MaxCandidates,
		AutoApproveThreshold: cfg.Matching.AutoApproveThreshold,
	})
}
