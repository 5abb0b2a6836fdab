package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-patterns/internal/config"
	"github.com/irfndi/celebrum-patterns/internal/cycles"
	"github.com/irfndi/celebrum-patterns/internal/mathutil"
	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/patterns"
	"github.com/irfndi/celebrum-patterns/internal/regime"
	"github.com/irfndi/celebrum-patterns/internal/series"
	"github.com/irfndi/celebrum-patterns/internal/telemetry"
	"github.com/irfndi/celebrum-patterns/internal/utils"
)

// Error kinds reported in DetectorStatus.
const (
	ErrorKindInsufficientData   = "insufficient_data"
	ErrorKindValidation         = "validation"
	ErrorKindSingularCovariance = "singular_covariance"
	ErrorKindTimeout            = "timeout"
	ErrorKindCanceled           = "canceled"
	ErrorKindInternal           = "internal"
)

// EventSource supplies the raw events of a subject.
type EventSource interface {
	LoadEvents(ctx context.Context, subjectID string, from, to time.Time) ([]models.RawEvent, error)
}

// ResultCache stores comprehensive results. GetAnalysis returns nil, nil on a miss.
type ResultCache interface {
	GetAnalysis(ctx context.Context, key string) (*models.ComprehensiveResult, error)
	SetAnalysis(ctx context.Context, key string, result *models.ComprehensiveResult) error
}

// AnalysisService runs the cycle, regime and pattern detectors on a subject and merges
// their results.
type AnalysisService struct {
	config   config.AnalysisConfig
	source   EventSource
	cache    ResultCache
	timeouts *TimeoutManager
	budget   *WorkerBudget
	breaker  *CircuitBreaker
	retry    RetryPolicy
	logger   *logrus.Logger

	cycles   *cycles.Detector
	regime   *regime.Detector
	patterns *patterns.Matcher
}

// NewAnalysisService creates an analysis service. source and cache may be nil when only
// Analyze and Compare are used.
func NewAnalysisService(cfg config.AnalysisConfig, source EventSource, cache ResultCache, logger *logrus.Logger) *AnalysisService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AnalysisService{
		config:   cfg,
		source:   source,
		cache:    cache,
		timeouts: NewTimeoutManager(TimeoutConfigFrom(cfg.Orchestrator), logger),
		budget:   NewWorkerBudget(DefaultWorkerBudgetConfig(), logger),
		breaker:  NewCircuitBreaker("analysis_cache", CircuitBreakerConfigFrom(cfg.Orchestrator), logger),
		retry:    DefaultLoadRetryPolicy(cfg.Orchestrator.LoadRetries),
		logger:   logger,
		cycles:   cycles.NewDetector(cfg.Cycles.ToDetectorConfig()),
		regime:   regime.NewDetector(cfg.Regime.ToDetectorConfig()),
		patterns: patterns.NewMatcher(cfg.Patterns.ToDetectorConfig()),
	}
}

// ParallelLimit returns how many subjects a comparison analyzes at once.
func (s *AnalysisService) ParallelLimit() int {
	return s.budget.Resolve(s.config.Orchestrator.MaxParallel)
}

// Shutdown cancels any detector run still in flight.
func (s *AnalysisService) Shutdown() {
	s.timeouts.Shutdown()
}

type detectorRun struct {
	status models.DetectorStatus
	err    error
}

// Analyze runs the three detectors on es in parallel, each under its own timeout. A
// failing detector is reported in Detectors; only when all three fail is an
// AggregateAnalysisError returned.
func (s *AnalysisService) Analyze(ctx context.Context, es *models.EventSeries) (*models.ComprehensiveResult, error) {
	if es == nil {
		return nil, utils.NewValidationError("series is required")
	}

	result := &models.ComprehensiveResult{
		RunID:       uuid.New().String(),
		SubjectID:   es.SubjectID,
		From:        es.Start(),
		To:          es.End(),
		KeyInsights: []models.KeyInsight{},
	}
	logger := s.logger.WithFields(logrus.Fields{
		"run_id":  result.RunID,
		"subject": es.SubjectID,
		"points":  es.Len(),
	})
	logger.Info("Starting comprehensive analysis")

	regimeInput := es
	if w := s.config.Series.FeatureWindow; w >= 2 {
		if withFeatures, err := series.WithRollingFeatures(es, w); err == nil {
			regimeInput = withFeatures
		}
	}

	runs := make([]detectorRun, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		result.Cycles, runs[0] = runDetector(ctx, s, result.RunID, models.DetectorCycles, es,
			s.cycles.Detect,
			func(r *models.CycleResult) bool { return r.Degenerate || len(r.Cycles) == 0 })
	}()
	go func() {
		defer wg.Done()
		result.Regime, runs[1] = runDetector(ctx, s, result.RunID, models.DetectorRegime, regimeInput,
			s.regime.Detect,
			func(r *models.RegimeResult) bool { return r.LowConfidence })
	}()
	go func() {
		defer wg.Done()
		result.Patterns, runs[2] = runDetector(ctx, s, result.RunID, models.DetectorPatterns, es,
			s.patterns.Match,
			func(r *models.DTWResult) bool { return len(r.Matches) == 0 || r.Prediction30d.Confidence < 0.5 })
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("analysis of %s canceled: %w", es.SubjectID, err)
	}

	failures := make(map[string]error)
	for _, run := range runs {
		result.Detectors = append(result.Detectors, run.status)
		if run.err != nil {
			failures[run.status.Detector] = run.err
		}
	}
	if len(failures) == len(runs) {
		logger.WithField("errors", len(failures)).Warn("All detectors failed")
		return nil, &utils.AggregateAnalysisError{SubjectID: es.SubjectID, Errors: failures}
	}

	result.Partial = len(failures) > 0
	result.KeyInsights = generateInsights(result)
	result.OverallConfidence = overallConfidence(result)
	result.GeneratedAt = time.Now().UTC()

	logger.WithFields(logrus.Fields{
		"partial":            result.Partial,
		"insights":           len(result.KeyInsights),
		"overall_confidence": result.OverallConfidence.String(),
	}).Info("Comprehensive analysis completed")
	return result, nil
}

// runDetector executes one detector under its timeout and span. A result arriving
// after the timeout is discarded.
func runDetector[T any](ctx context.Context, s *AnalysisService, runID, detector string, es *models.EventSeries,
	detect func(context.Context, *models.EventSeries) (T, error), lowConfidence func(T) bool) (T, detectorRun) {
	start := time.Now()
	spanCtx, span := telemetry.StartDetectorSpan(ctx, es.SubjectID, detector, es.Len())

	out, err := ExecuteWithTimeout(spanCtx, s.timeouts, detector, runID+":"+detector,
		func(ctx context.Context) (T, error) {
			return detect(ctx, es)
		})
	low := err != nil || lowConfidence(out)
	telemetry.EndDetectorSpan(span, err, low)

	status := models.DetectorStatus{
		Detector:      detector,
		Succeeded:     err == nil,
		LowConfidence: low,
		DurationMs:    time.Since(start).Milliseconds(),
	}
	fields := logrus.Fields{
		"run_id":      runID,
		"subject":     es.SubjectID,
		"detector":    detector,
		"duration_ms": status.DurationMs,
	}
	if err != nil {
		status.Error = err.Error()
		status.ErrorKind = classifyError(err)
		status.RequiredLength = utils.RequiredLength(err)
		s.logger.WithFields(fields).WithError(err).WithField("error_kind", status.ErrorKind).Warn("Detector failed")
		var zero T
		return zero, detectorRun{status: status, err: err}
	}
	s.logger.WithFields(fields).WithField("low_confidence", low).Debug("Detector completed")
	return out, detectorRun{status: status}
}

func classifyError(err error) string {
	var insufficient *utils.InsufficientDataError
	var validation *utils.ValidationError
	var singular *utils.SingularCovarianceError
	switch {
	case errors.As(err, &insufficient):
		return ErrorKindInsufficientData
	case errors.As(err, &validation):
		return ErrorKindValidation
	case errors.As(err, &singular):
		return ErrorKindSingularCovariance
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return ErrorKindCanceled
	default:
		return ErrorKindInternal
	}
}

// overallConfidence averages the confidence each successful detector reports about its
// headline finding.
func overallConfidence(r *models.ComprehensiveResult) decimal.Decimal {
	var scores []float64
	if r.Cycles != nil {
		if c := r.Cycles.Dominant(); c != nil {
			scores = append(scores, c.Confidence)
		} else {
			scores = append(scores, 0)
		}
	}
	if r.Regime != nil {
		score := r.Regime.State.Confidence
		if r.Regime.LowConfidence {
			score *= 0.5
		}
		scores = append(scores, score)
	}
	if r.Patterns != nil {
		scores = append(scores, r.Patterns.Prediction30d.Confidence)
	}
	if len(scores) == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(mathutil.Clamp(mathutil.Mean(scores), 0, 1)).Round(4)
}

// AnalysisCacheKey identifies a comprehensive result by subject, date range and
// parameter fingerprint.
func AnalysisCacheKey(subjectID string, from, to time.Time, paramHash string) string {
	return fmt.Sprintf("%s:%s:%s:%s", subjectID, from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"), paramHash)
}

// AnalyzeSubject loads the events of subjectID in [from, to], prepares the series and
// analyzes it, serving from the result cache when possible.
func (s *AnalysisService) AnalyzeSubject(ctx context.Context, subjectID string, from, to time.Time) (*models.ComprehensiveResult, error) {
	if err := validateRange(subjectID, from, to); err != nil {
		return nil, err
	}
	key := AnalysisCacheKey(subjectID, from, to, s.config.Hash())
	logger := s.logger.WithFields(logrus.Fields{"subject": subjectID, "cache_key": key})

	if s.cache != nil {
		cached, err := ExecuteWithBreaker(ctx, s.breaker, func(ctx context.Context) (*models.ComprehensiveResult, error) {
			return ExecuteWithTimeout(ctx, s.timeouts, OperationCache, "get:"+key+":"+uuid.NewString(),
				func(ctx context.Context) (*models.ComprehensiveResult, error) {
					return s.cache.GetAnalysis(ctx, key)
				})
		})
		if errors.Is(err, ErrCircuitOpen) {
			logger.Debug("Result cache circuit open, skipping lookup")
		} else if err != nil {
			logger.WithError(err).Warn("Failed to read cached analysis")
		} else if cached != nil {
			logger.Debug("Serving cached analysis")
			return cached, nil
		}
	}

	es, err := s.loadSeries(ctx, subjectID, from, to)
	if err != nil {
		return nil, err
	}
	result, err := s.Analyze(ctx, es)
	if err != nil {
		return nil, err
	}
	result.From = from
	result.To = to

	if s.cache != nil {
		_, err := ExecuteWithBreaker(ctx, s.breaker, func(ctx context.Context) (struct{}, error) {
			return ExecuteWithTimeout(ctx, s.timeouts, OperationCache, "set:"+key+":"+uuid.NewString(),
				func(ctx context.Context) (struct{}, error) {
					return struct{}{}, s.cache.SetAnalysis(ctx, key, result)
				})
		})
		if err != nil && !errors.Is(err, ErrCircuitOpen) {
			logger.WithError(err).Warn("Failed to cache analysis")
		}
	}
	return result, nil
}

func validateRange(subjectID string, from, to time.Time) error {
	if subjectID == "" {
		return utils.NewValidationError("subject id is required")
	}
	if !to.After(from) {
		return utils.NewValidationErrorf("invalid date range: %s is not after %s",
			to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	return nil
}

// loadSeries fetches and prepares the series of one subject.
func (s *AnalysisService) loadSeries(ctx context.Context, subjectID string, from, to time.Time) (*models.EventSeries, error) {
	if s.source == nil {
		return nil, errors.New("no event source configured")
	}
	opts, err := s.config.Series.ToOptions(subjectID)
	if err != nil {
		return nil, utils.NewValidationError(err.Error())
	}

	events, err := ExecuteWithRetry(ctx, s.retry, "load_events", s.logger, func(ctx context.Context) ([]models.RawEvent, error) {
		return ExecuteWithTimeout(ctx, s.timeouts, OperationLoadEvents, "load:"+subjectID+":"+uuid.NewString(),
			func(ctx context.Context) ([]models.RawEvent, error) {
				return s.source.LoadEvents(ctx, subjectID, from, to)
			})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load events for %s: %w", subjectID, err)
	}

	es, err := series.Prepare(events, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare series for %s: %w", subjectID, err)
	}
	s.logger.WithFields(logrus.Fields{
		"subject": subjectID,
		"events":  len(events),
		"points":  es.Len(),
	}).Debug("Prepared series")
	return es, nil
}
