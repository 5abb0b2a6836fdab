package services

import (
	"fmt"
	"math"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/irfndi/celebrum-patterns/internal/mathutil"
	"github.com/irfndi/celebrum-patterns/internal/models"
)

// Insight types.
const (
	InsightDominantCycle      = "dominant_cycle"
	InsightCurrentRegime      = "current_regime"
	InsightRegimeCycleAligned = "regime_cycle_alignment"
	InsightRegimeCycleDiverge = "regime_cycle_divergence"
	InsightPatternOutlook     = "pattern_outlook"
	InsightCyclePatternAgree  = "cycle_pattern_agreement"
	InsightCyclePatternClash  = "cycle_pattern_disagreement"
	InsightRegimePersistence  = "regime_persistence"
	InsightLowConfidence      = "low_confidence"
)

// title upper-cases the first letter of each word. A Caser holds state, so one is made
// per call.
func title(s string) string {
	return cases.Title(language.English).String(s)
}

// displayCategory renders a cycle category for messages, e.g. "Monthly".
func displayCategory(c models.CycleCategory) string {
	return title(string(c))
}

// generateInsights applies the cross-detector rules to a merged result. Rules whose
// inputs are missing are skipped.
func generateInsights(r *models.ComprehensiveResult) []models.KeyInsight {
	insights := []models.KeyInsight{}
	cycle := r.Cycles.Dominant()
	current := r.Regime.Current()

	if cycle != nil {
		insights = append(insights, models.KeyInsight{
			Type: InsightDominantCycle,
			Message: fmt.Sprintf("%s cycle of %.1f days explains %.0f%% of the variance; next peak in about %.0f days",
				displayCategory(cycle.Category), cycle.PeriodDays, cycle.Strength*100, cycle.DaysToNextPeak),
			Confidence: cycle.Confidence,
			Sources:    []string{models.DetectorCycles},
		})
	}

	if current != nil {
		insights = append(insights, models.KeyInsight{
			Type: InsightCurrentRegime,
			Message: fmt.Sprintf("Currently in the %s regime (%s volatility), expected to last about %.0f more days",
				current.Label, current.VolatilityLevel, r.Regime.State.ExpectedDurationDays),
			Confidence: r.Regime.State.Confidence,
			Sources:    []string{models.DetectorRegime},
		})
	}

	if cycle != nil && current != nil {
		if insight, ok := regimeCycleAlignment(cycle, current, r.Regime.State); ok {
			insights = append(insights, insight)
		}
		insights = append(insights, regimePersistence(cycle, r.Regime.State))
	}

	if best := r.Patterns.BestMatch(); best != nil {
		p := r.Patterns.Prediction30d
		insights = append(insights, models.KeyInsight{
			Type: InsightPatternOutlook,
			Message: fmt.Sprintf("%d similar historical windows (best similarity %.2f) point to %s over the next %d days",
				len(r.Patterns.Matches), best.Similarity, describeChange(p.PointEstimate), p.HorizonDays),
			Confidence: p.Confidence,
			Sources:    []string{models.DetectorPatterns},
		})

		if insight, ok := cyclePatternAgreement(r.Cycles, r.Patterns); ok {
			insights = append(insights, insight)
		}
	}

	for _, status := range r.Detectors {
		if !status.LowConfidence {
			continue
		}
		message := fmt.Sprintf("%s result is low confidence", title(status.Detector))
		if !status.Succeeded {
			message = fmt.Sprintf("%s detector failed: %s", title(status.Detector), status.Error)
		}
		insights = append(insights, models.KeyInsight{
			Type:       InsightLowConfidence,
			Message:    message,
			Confidence: 1,
			Sources:    []string{status.Detector},
		})
	}
	return insights
}

// regimeCycleAlignment compares the regime label with where the dominant cycle sits.
// CurrentPhase is 0 at a peak, so phases within a quarter cycle of 0 count as near
// the peak. Moderate regimes produce no insight.
func regimeCycleAlignment(cycle *models.CycleDescriptor, current *models.RegimeDescriptor, state models.RegimeState) (models.KeyInsight, bool) {
	nearPeak := cycle.CurrentPhase < 0.25 || cycle.CurrentPhase > 0.75
	var aligned bool
	switch current.Label {
	case models.RegimeHighActivity:
		aligned = nearPeak
	case models.RegimeLowActivity:
		aligned = !nearPeak
	default:
		return models.KeyInsight{}, false
	}

	position := "trough"
	if nearPeak {
		position = "peak"
	}
	insight := models.KeyInsight{
		Confidence: math.Min(cycle.Confidence, state.Confidence),
		Sources:    []string{models.DetectorCycles, models.DetectorRegime},
	}
	if aligned {
		insight.Type = InsightRegimeCycleAligned
		insight.Message = fmt.Sprintf("The %s regime coincides with the %s of the %.1f-day cycle",
			current.Label, position, cycle.PeriodDays)
	} else {
		insight.Type = InsightRegimeCycleDiverge
		insight.Message = fmt.Sprintf("The %s regime runs against the %s of the %.1f-day cycle; activity is departing from its usual rhythm",
			current.Label, position, cycle.PeriodDays)
	}
	return insight, true
}

// regimePersistence compares how long the regime is expected to last with half the
// dominant period.
func regimePersistence(cycle *models.CycleDescriptor, state models.RegimeState) models.KeyInsight {
	half := cycle.PeriodDays / 2
	message := fmt.Sprintf("Regime expected to persist about %.0f days, longer than half the %.1f-day cycle; cycle turns are unlikely to shift it",
		state.ExpectedDurationDays, cycle.PeriodDays)
	if state.ExpectedDurationDays <= half {
		message = fmt.Sprintf("Regime expected to persist about %.0f days, within half the %.1f-day cycle; it is likely to turn with the cycle",
			state.ExpectedDurationDays, cycle.PeriodDays)
	}
	return models.KeyInsight{
		Type:       InsightRegimePersistence,
		Message:    message,
		Confidence: math.Min(cycle.Confidence, state.Confidence),
		Sources:    []string{models.DetectorCycles, models.DetectorRegime},
	}
}

// cyclePatternAgreement checks whether the cycle forecast and the pattern prediction
// move the level in the same direction over the short horizon.
func cyclePatternAgreement(c *models.CycleResult, p *models.DTWResult) (models.KeyInsight, bool) {
	if c == nil || len(c.Forecast) == 0 || p.Prediction30d.Contributing == 0 {
		return models.KeyInsight{}, false
	}
	h := min(len(c.Forecast), p.Prediction30d.HorizonDays)
	values := make([]float64, h)
	for i := 0; i < h; i++ {
		values[i] = c.Forecast[i].Value
	}
	cycleChange := mathutil.Mean(values) - p.Prediction30d.QueryMean
	patternChange := p.Prediction30d.PointEstimate

	cycleConfidence := 0.0
	if dominant := c.Dominant(); dominant != nil {
		cycleConfidence = dominant.Confidence
	}
	insight := models.KeyInsight{
		Confidence: mathutil.Mean([]float64{cycleConfidence, p.Prediction30d.Confidence}),
		Sources:    []string{models.DetectorCycles, models.DetectorPatterns},
	}
	if sign(cycleChange) == sign(patternChange) {
		insight.Type = InsightCyclePatternAgree
		insight.Message = fmt.Sprintf("Cycle forecast and historical patterns agree on %s", describeChange(patternChange))
	} else {
		insight.Type = InsightCyclePatternClash
		insight.Message = fmt.Sprintf("Cycle forecast suggests %s while historical patterns suggest %s",
			describeChange(cycleChange), describeChange(patternChange))
	}
	return insight, true
}

func describeChange(delta float64) string {
	switch sign(delta) {
	case 1:
		return fmt.Sprintf("an increase of %.2f", delta)
	case -1:
		return fmt.Sprintf("a decrease of %.2f", -delta)
	default:
		return "no change"
	}
}

func sign(v float64) int {
	switch {
	case v > 1e-9:
		return 1
	case v < -1e-9:
		return -1
	default:
		return 0
	}
}
