package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/irfndi/celebrum-patterns/internal/database"
	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/telemetry"
)

// SubjectAnalyzer runs a full analysis of one stored subject.
type SubjectAnalyzer interface {
	AnalyzeSubject(ctx context.Context, subjectID string, from, to time.Time) (*models.ComprehensiveResult, error)
}

// SubjectRangeSource reports the stored event range of a subject.
type SubjectRangeSource interface {
	GetEventRange(ctx context.Context, subjectID string) (*database.EventRange, error)
}

// WarmResult is the outcome of warming one subject.
type WarmResult struct {
	SubjectID string    `json:"subject_id"`
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// CacheWarmingService precomputes analyses so later requests for the same subject
// and range are served from the result cache.
type CacheWarmingService struct {
	analyzer    SubjectAnalyzer
	ranges      SubjectRangeSource
	concurrency int
	logger      *slog.Logger
}

// NewCacheWarmingService creates a new cache warming service.
//
// Parameters:
//
//	analyzer: Service whose AnalyzeSubject populates the cache.
//	ranges: Source of each subject's stored event range.
//	concurrency: Subjects analyzed at once; values below 1 mean 1.
//	logger: Logger, telemetry.Logger() when nil.
//
// Returns:
//
//	*CacheWarmingService: Initialized service.
func NewCacheWarmingService(analyzer SubjectAnalyzer, ranges SubjectRangeSource, concurrency int, logger *slog.Logger) *CacheWarmingService {
	if logger == nil {
		logger = telemetry.Logger()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &CacheWarmingService{
		analyzer:    analyzer,
		ranges:      ranges,
		concurrency: concurrency,
		logger:      logger,
	}
}

// WarmCache analyzes the most recent lookbackDays of each subject's history.
// A subject that fails is reported in its WarmResult and does not stop the others.
//
// Parameters:
//
//	ctx: Context; cancellation aborts the remaining subjects.
//	subjectIDs: Subjects to warm.
//	lookbackDays: Days before the last stored event to analyze; 0 means the whole history.
//
// Returns:
//
//	[]WarmResult: One entry per subject, in input order.
//	error: Error if the dependencies are missing or ctx was canceled.
func (c *CacheWarmingService) WarmCache(ctx context.Context, subjectIDs []string, lookbackDays int) ([]WarmResult, error) {
	if c.analyzer == nil || c.ranges == nil {
		return nil, fmt.Errorf("cache warming needs an analyzer and an event range source")
	}
	c.logger.Info("Starting cache warming", "subjects", len(subjectIDs), "lookback_days", lookbackDays)
	start := time.Now()

	results := make([]WarmResult, len(subjectIDs))
	var mu sync.Mutex
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, subjectID := range subjectIDs {
		g.Go(func() error {
			results[i] = c.warmSubject(gctx, subjectID, lookbackDays)
			if results[i].Error != "" {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return results, err
	}

	c.logger.Info("Cache warming completed",
		"duration_ms", time.Since(start).Milliseconds(),
		"warmed", len(subjectIDs)-failed,
		"failed", failed,
	)
	return results, nil
}

func (c *CacheWarmingService) warmSubject(ctx context.Context, subjectID string, lookbackDays int) WarmResult {
	result := WarmResult{SubjectID: subjectID}

	r, err := c.ranges.GetEventRange(ctx, subjectID)
	if err != nil {
		result.Error = err.Error()
		c.logger.Warn("Failed to read event range", "subject", subjectID, "error", err)
		return result
	}
	from := r.First.Truncate(24 * time.Hour)
	if lookbackDays > 0 {
		if recent := r.Last.AddDate(0, 0, -lookbackDays).Truncate(24 * time.Hour); recent.After(from) {
			from = recent
		}
	}
	result.From, result.To = from, r.Last

	analysis, err := c.analyzer.AnalyzeSubject(ctx, subjectID, from, r.Last)
	if err != nil {
		result.Error = err.Error()
		c.logger.Warn("Failed to warm subject", "subject", subjectID, "error", err)
		return result
	}
	result.RunID = analysis.RunID
	return result
}
