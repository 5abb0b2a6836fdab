package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/irfndi/celebrum-patterns/internal/cycles"
	"github.com/irfndi/celebrum-patterns/internal/mathutil"
	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/series"
	"github.com/irfndi/celebrum-patterns/internal/telemetry"
	"github.com/irfndi/celebrum-patterns/internal/utils"
)

// SharedPeriodTolerance is the relative difference under which two subjects' periods
// count as the same cycle.
const SharedPeriodTolerance = 0.10

// Compare analyzes every subject with the detector selected by analysisType and relates
// each pair over their common dates. A subject whose detector fails is reported in its
// summary and left out of the pairs that need it.
func (s *AnalysisService) Compare(ctx context.Context, subjects []*models.EventSeries, analysisType string) (*models.ComparisonResult, error) {
	if len(subjects) == 0 {
		return nil, utils.NewValidationError("at least one subject is required for comparison")
	}
	if maxSubjects := s.config.Orchestrator.MaxCompareSubjects; len(subjects) > maxSubjects {
		return nil, &utils.TooManySubjectsError{Max: maxSubjects, Actual: len(subjects)}
	}
	if analysisType != models.CompareCycles && analysisType != models.CompareRegimes {
		return nil, utils.NewValidationErrorf("unknown comparison type %q, expected %q or %q",
			analysisType, models.CompareCycles, models.CompareRegimes)
	}
	ids := make([]string, len(subjects))
	for i, es := range subjects {
		if es == nil {
			return nil, utils.NewValidationErrorf("subject %d has no series", i)
		}
		ids[i] = es.SubjectID
	}

	result := &models.ComparisonResult{
		RunID:        uuid.New().String(),
		AnalysisType: analysisType,
		Subjects:     ids,
		PerSubject:   make([]models.SubjectSummary, len(subjects)),
		Pairs:        []models.PairwiseComparison{},
	}
	ctx, span := telemetry.StartComparisonSpan(ctx, analysisType, ids)
	defer span.End()

	limit := s.ParallelLimit()
	logger := s.logger.WithFields(logrus.Fields{
		"run_id":   result.RunID,
		"type":     analysisType,
		"subjects": len(subjects),
		"parallel": limit,
	})
	logger.Info("Starting comparison")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, es := range subjects {
		g.Go(func() error {
			summary := models.SubjectSummary{SubjectID: es.SubjectID}
			runID := fmt.Sprintf("%s:%d", result.RunID, i)
			var run detectorRun
			switch analysisType {
			case models.CompareCycles:
				summary.Cycles, run = runDetector(gctx, s, runID, models.DetectorCycles, es,
					s.cycles.Detect, func(r *models.CycleResult) bool { return len(r.Cycles) == 0 })
			case models.CompareRegimes:
				summary.Regime, run = runDetector(gctx, s, runID, models.DetectorRegime, s.regimeInput(es),
					s.regime.Detect, func(r *models.RegimeResult) bool { return r.LowConfidence })
			}
			err := run.err
			if err != nil {
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					return err
				}
				summary.Error = err.Error()
			}
			result.PerSubject[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("comparison canceled: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("comparison canceled: %w", err)
	}

	for i := 0; i < len(subjects); i++ {
		for j := i + 1; j < len(subjects); j++ {
			result.Pairs = append(result.Pairs, comparePair(subjects[i], subjects[j],
				result.PerSubject[i], result.PerSubject[j], analysisType))
		}
	}
	result.Summary = summarizeComparison(result)
	result.GeneratedAt = time.Now().UTC()

	logger.WithField("pairs", len(result.Pairs)).Info("Comparison completed")
	return result, nil
}

// regimeInput adds the rolling features when configured and the series is long enough.
func (s *AnalysisService) regimeInput(es *models.EventSeries) *models.EventSeries {
	if w := s.config.Series.FeatureWindow; w >= 2 {
		if withFeatures, err := series.WithRollingFeatures(es, w); err == nil {
			return withFeatures
		}
	}
	return es
}

// CompareSubjects loads each subject's events in [from, to] and compares them.
func (s *AnalysisService) CompareSubjects(ctx context.Context, subjectIDs []string, from, to time.Time, analysisType string) (*models.ComparisonResult, error) {
	if len(subjectIDs) == 0 {
		return nil, utils.NewValidationError("at least one subject is required for comparison")
	}
	if maxSubjects := s.config.Orchestrator.MaxCompareSubjects; len(subjectIDs) > maxSubjects {
		return nil, &utils.TooManySubjectsError{Max: maxSubjects, Actual: len(subjectIDs)}
	}
	for _, id := range subjectIDs {
		if err := validateRange(id, from, to); err != nil {
			return nil, err
		}
	}

	loaded := make([]*models.EventSeries, len(subjectIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.ParallelLimit())
	for i, id := range subjectIDs {
		g.Go(func() error {
			es, err := s.loadSeries(gctx, id, from, to)
			if err != nil {
				return err
			}
			loaded[i] = es
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s.Compare(ctx, loaded, analysisType)
}

func comparePair(a, b *models.EventSeries, sa, sb models.SubjectSummary, analysisType string) models.PairwiseComparison {
	idxA, idxB := series.AlignDates(a, b)
	pair := models.PairwiseComparison{
		SubjectA:    a.SubjectID,
		SubjectB:    b.SubjectID,
		AlignedDays: len(idxA),
	}

	switch analysisType {
	case models.CompareCycles:
		if sa.Cycles == nil || sb.Cycles == nil {
			pair.Interpretation = "Not comparable: cycle detection failed for at least one subject"
			return pair
		}
		if sa.Cycles.Decomposition != nil && sb.Cycles.Decomposition != nil && len(idxA) >= 3 {
			x := pick(sa.Cycles.Decomposition.Seasonal, idxA)
			y := pick(sb.Cycles.Decomposition.Seasonal, idxB)
			if mathutil.StdDev(x) > 0 && mathutil.StdDev(y) > 0 {
				corr := mathutil.Correlation(x, y)
				pair.CycleCorrelation = &corr
			}
		}
		pair.SharedCycles = sharedCycles(sa.Cycles.Cycles, sb.Cycles.Cycles)
		pair.Interpretation = interpretCycles(pair)

	case models.CompareRegimes:
		if sa.Regime == nil || sb.Regime == nil {
			pair.Interpretation = "Not comparable: regime detection failed for at least one subject"
			return pair
		}
		if len(idxA) == 0 {
			pair.Interpretation = "Not comparable: the subjects share no dates"
			return pair
		}
		labelsA := sa.Regime.LabelsByDay()
		labelsB := sb.Regime.LabelsByDay()
		same, inter, union := 0, 0, 0
		for k := range idxA {
			day := a.Dates[idxA[k]].Unix()
			la, lb := labelsA[day], labelsB[day]
			if la == lb {
				same++
			}
			highA := la == models.RegimeHighActivity
			highB := lb == models.RegimeHighActivity
			if highA && highB {
				inter++
			}
			if highA || highB {
				union++
			}
		}
		co := float64(same) / float64(len(idxA))
		pair.RegimeCoOccurrence = &co
		if union > 0 {
			overlap := float64(inter) / float64(union)
			pair.HighActivityOverlap = &overlap
		}
		pair.Interpretation = interpretRegimes(pair)
	}
	return pair
}

func pick(values []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for k, i := range idx {
		out[k] = values[i]
	}
	return out
}

// sharedCycles pairs each cycle of a with the closest cycle of b within tolerance.
func sharedCycles(a, b []models.CycleDescriptor) []models.SharedCycle {
	var shared []models.SharedCycle
	for _, ca := range a {
		best := -1
		bestDiff := math.Inf(1)
		for j, cb := range b {
			diff := math.Abs(ca.PeriodDays-cb.PeriodDays) / math.Max(ca.PeriodDays, cb.PeriodDays)
			if diff <= SharedPeriodTolerance && diff < bestDiff {
				best, bestDiff = j, diff
			}
		}
		if best < 0 {
			continue
		}
		shared = append(shared, models.SharedCycle{
			PeriodA:  ca.PeriodDays,
			PeriodB:  b[best].PeriodDays,
			Category: cycles.Categorize((ca.PeriodDays + b[best].PeriodDays) / 2),
		})
	}
	return shared
}

func interpretCycles(p models.PairwiseComparison) string {
	var parts []string
	if p.CycleCorrelation != nil {
		c := *p.CycleCorrelation
		switch {
		case c >= 0.7:
			parts = append(parts, fmt.Sprintf("seasonal activity is strongly synchronized (r=%.2f)", c))
		case c >= 0.3:
			parts = append(parts, fmt.Sprintf("seasonal activity is moderately synchronized (r=%.2f)", c))
		case c > -0.3:
			parts = append(parts, fmt.Sprintf("seasonal activity is largely independent (r=%.2f)", c))
		default:
			parts = append(parts, fmt.Sprintf("seasonal activity is counter-cyclical (r=%.2f)", c))
		}
	}
	if len(p.SharedCycles) > 0 {
		names := make([]string, 0, len(p.SharedCycles))
		for _, sc := range p.SharedCycles {
			names = append(names, fmt.Sprintf("%s (%.1f/%.1f days)", displayCategory(sc.Category), sc.PeriodA, sc.PeriodB))
		}
		parts = append(parts, "shared cycles: "+strings.Join(names, ", "))
	} else {
		parts = append(parts, "no shared cycles")
	}
	msg := strings.Join(parts, "; ")
	return strings.ToUpper(msg[:1]) + msg[1:]
}

func interpretRegimes(p models.PairwiseComparison) string {
	co := *p.RegimeCoOccurrence
	var msg string
	switch {
	case co >= 0.7:
		msg = fmt.Sprintf("Regimes move together: same regime on %.0f%% of %d shared days", co*100, p.AlignedDays)
	case co >= 0.4:
		msg = fmt.Sprintf("Regimes partly coincide: same regime on %.0f%% of %d shared days", co*100, p.AlignedDays)
	default:
		msg = fmt.Sprintf("Regimes diverge: same regime on only %.0f%% of %d shared days", co*100, p.AlignedDays)
	}
	if p.HighActivityOverlap != nil {
		msg += fmt.Sprintf("; high-activity periods overlap %.0f%%", *p.HighActivityOverlap*100)
	}
	return msg
}

// summarizeComparison describes the comparison as a whole.
func summarizeComparison(r *models.ComparisonResult) string {
	failed := 0
	for _, s := range r.PerSubject {
		if s.Error != "" {
			failed++
		}
	}
	head := fmt.Sprintf("Compared %d subjects on %s", len(r.Subjects), r.AnalysisType)
	if failed > 0 {
		head += fmt.Sprintf(" (%d failed)", failed)
	}
	if len(r.Pairs) == 0 {
		return head + "."
	}

	switch r.AnalysisType {
	case models.CompareCycles:
		var corrs []float64
		categories := map[models.CycleCategory]int{}
		for _, p := range r.Pairs {
			if p.CycleCorrelation != nil {
				corrs = append(corrs, *p.CycleCorrelation)
			}
			seen := map[models.CycleCategory]bool{}
			for _, sc := range p.SharedCycles {
				if !seen[sc.Category] {
					categories[sc.Category]++
					seen[sc.Category] = true
				}
			}
		}
		if len(corrs) > 0 {
			head += fmt.Sprintf(": mean seasonal correlation %.2f", mathutil.Mean(corrs))
		}
		if top, count := mostCommon(categories); count > 0 {
			head += fmt.Sprintf("; %s cycles shared in %d of %d pairs", displayCategory(top), count, len(r.Pairs))
		}
	case models.CompareRegimes:
		var cos []float64
		for _, p := range r.Pairs {
			if p.RegimeCoOccurrence != nil {
				cos = append(cos, *p.RegimeCoOccurrence)
			}
		}
		if len(cos) > 0 {
			head += fmt.Sprintf(": mean regime co-occurrence %.0f%%", mathutil.Mean(cos)*100)
		}
	}
	return head + "."
}

func mostCommon(counts map[models.CycleCategory]int) (models.CycleCategory, int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	var top models.CycleCategory
	best := 0
	for _, k := range keys {
		if c := counts[models.CycleCategory(k)]; c > best {
			top, best = models.CycleCategory(k), c
		}
	}
	return top, best
}
