package main

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/celebrum-patterns/internal/cache"
	"github.com/irfndi/celebrum-patterns/internal/config"
	"github.com/irfndi/celebrum-patterns/internal/database"
	"github.com/irfndi/celebrum-patterns/internal/logging"
	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/services"
	"github.com/irfndi/celebrum-patterns/internal/telemetry"
)

type analyzer interface {
	AnalyzeSubject(ctx context.Context, subjectID string, from, to time.Time) (*models.ComprehensiveResult, error)
	CompareSubjects(ctx context.Context, subjectIDs []string, from, to time.Time, analysisType string) (*models.ComparisonResult, error)
	ParallelLimit() int
}

type rangeSource interface {
	GetEventRange(ctx context.Context, subjectID string) (*database.EventRange, error)
}

type cacheAdmin interface {
	Clear(ctx context.Context) (int, error)
	InvalidateSubject(ctx context.Context, subjectID string) (int, error)
	GetCachedSubjects(ctx context.Context) ([]string, error)
}

// app holds the wired dependencies of one command invocation. ranges and cache are nil
// when unavailable.
type app struct {
	logger   *logging.StandardLogger
	analyzer analyzer
	ranges   rangeSource
	cache    cacheAdmin
	closers  []func()
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	var logger *logging.StandardLogger
	if cfg.Telemetry.LogsEnabled {
		logger = logging.NewStandardOTLPLogger(logging.OTLPConfig{
			Enabled:        true,
			Endpoint:       cfg.Telemetry.OTLPEndpoint,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Environment:    cfg.Environment,
			LogLevel:       cfg.LogLevel,
		})
	} else {
		logger = logging.NewStandardLogger(cfg.LogLevel, cfg.Environment)
	}
	a := &app{logger: logger}
	a.closers = append(a.closers, logger.Shutdown)

	provider, err := telemetry.InitTelemetryWithProvider(ctx, &telemetry.TelemetryConfig{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Environment,
		LogLevel:       cfg.LogLevel,
	}, logger.Logger())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Telemetry shutdown failed")
		}
	})

	db, err := database.NewPostgresConnection(ctx, cfg.Database)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	repo, err := database.NewEventRepository(database.NewTracedPool(db.Pool), cfg.Database.EventsTable, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.ranges = repo

	var resultCache services.ResultCache
	if cfg.Cache.Enabled {
		redisClient, err := database.NewRedisConnection(ctx, cfg.Redis)
		if err != nil {
			logger.WithComponent("analysis_cache").Warn("Continuing without analysis cache", "error", err)
		} else {
			analysisCache := cache.NewRedisAnalysisCache(redisClient.Client, cfg.Cache.GetTTL(), cfg.Cache.KeyPrefix, logger)
			resultCache = analysisCache
			a.cache = analysisCache
			a.closers = append(a.closers, func() {
				analysisCache.LogStats()
				redisClient.Close()
			})
		}
	}

	service := services.NewAnalysisService(cfg.Analysis, repo, resultCache, logging.NewLogrusLogger(cfg.LogLevel, cfg.Environment))
	a.closers = append(a.closers, service.Shutdown)
	a.analyzer = service
	return a, nil
}
