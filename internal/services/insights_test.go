package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-patterns/internal/models"
)

func insightFixture() *models.ComprehensiveResult {
	forecast := make([]models.CycleForecastPoint, 30)
	for i := range forecast {
		forecast[i].Value = 24
	}
	return &models.ComprehensiveResult{
		Cycles: &models.CycleResult{
			Cycles: []models.CycleDescriptor{{
				PeriodDays:     28,
				Strength:       0.62,
				Confidence:     0.8,
				Category:       models.CycleMonthly,
				CurrentPhase:   0.1,
				DaysToNextPeak: 25.2,
			}},
			Forecast: forecast,
		},
		Regime: &models.RegimeResult{
			States: []models.RegimeDescriptor{
				{ID: 0, Label: models.RegimeLowActivity, VolatilityLevel: "low"},
				{ID: 1, Label: models.RegimeHighActivity, VolatilityLevel: "high"},
			},
			State: models.RegimeState{CurrentRegimeID: 1, Label: models.RegimeHighActivity, Confidence: 0.9, ExpectedDurationDays: 20},
		},
		Patterns: &models.DTWResult{
			Matches: []models.PatternMatch{{Similarity: 0.85}, {Similarity: 0.7}},
			Prediction30d: models.Prediction{
				HorizonDays:    30,
				QueryMean:      20,
				PointEstimate:  2,
				PredictedLevel: 22,
				Confidence:     0.6,
				Contributing:   2,
			},
		},
		Detectors: []models.DetectorStatus{
			{Detector: models.DetectorCycles, Succeeded: true},
			{Detector: models.DetectorRegime, Succeeded: true},
			{Detector: models.DetectorPatterns, Succeeded: true},
		},
	}
}

func insightTypes(insights []models.KeyInsight) []string {
	types := make([]string, len(insights))
	for i, insight := range insights {
		types[i] = insight.Type
	}
	return types
}

func TestGenerateInsights_AllDetectors(t *testing.T) {
	insights := generateInsights(insightFixture())

	assert.Equal(t, []string{
		InsightDominantCycle,
		InsightCurrentRegime,
		InsightRegimeCycleAligned,
		InsightRegimePersistence,
		InsightPatternOutlook,
		InsightCyclePatternAgree,
	}, insightTypes(insights))

	assert.Equal(t, "Monthly cycle of 28.0 days explains 62% of the variance; next peak in about 25 days", insights[0].Message)
	assert.Equal(t, 0.8, insights[0].Confidence)
	assert.Equal(t, []string{models.DetectorCycles}, insights[0].Sources)

	assert.Contains(t, insights[1].Message, "High Activity regime (high volatility)")
	assert.Contains(t, insights[2].Message, "peak of the 28.0-day cycle")
	assert.Equal(t, 0.8, insights[2].Confidence)
	assert.Contains(t, insights[3].Message, "longer than half")
	assert.Contains(t, insights[4].Message, "2 similar historical windows")
	assert.Contains(t, insights[4].Message, "an increase of 2.00")
	assert.InDelta(t, 0.7, insights[5].Confidence, 1e-9)

	for _, insight := range insights {
		assert.GreaterOrEqual(t, insight.Confidence, 0.0)
		assert.LessOrEqual(t, insight.Confidence, 1.0)
		assert.NotEmpty(t, insight.Sources)
	}
}

func TestGenerateInsights_Divergence(t *testing.T) {
	r := insightFixture()
	r.Cycles.Cycles[0].CurrentPhase = 0.5
	r.Regime.State.ExpectedDurationDays = 5
	r.Patterns.Prediction30d.PointEstimate = -3
	r.Patterns.Prediction30d.PredictedLevel = 17

	insights := generateInsights(r)
	types := insightTypes(insights)
	assert.Contains(t, types, InsightRegimeCycleDiverge)
	assert.Contains(t, types, InsightCyclePatternClash)
	assert.NotContains(t, types, InsightRegimeCycleAligned)

	for _, insight := range insights {
		switch insight.Type {
		case InsightRegimeCycleDiverge:
			assert.Contains(t, insight.Message, "trough")
		case InsightRegimePersistence:
			assert.Contains(t, insight.Message, "likely to turn with the cycle")
		case InsightCyclePatternClash:
			assert.Equal(t, "Cycle forecast suggests an increase of 4.00 while historical patterns suggest a decrease of 3.00", insight.Message)
		}
	}
}

func TestGenerateInsights_ClampedPredictionKeepsQueryBaseline(t *testing.T) {
	r := insightFixture()
	for i := range r.Cycles.Forecast {
		r.Cycles.Forecast[i].Value = 4
	}
	// a count series clamps the predicted level at zero
	r.Patterns.Prediction30d.QueryMean = 2
	r.Patterns.Prediction30d.PointEstimate = -5
	r.Patterns.Prediction30d.PredictedLevel = 0

	insights := generateInsights(r)
	types := insightTypes(insights)
	assert.Contains(t, types, InsightCyclePatternClash)
	assert.NotContains(t, types, InsightCyclePatternAgree)
	for _, insight := range insights {
		if insight.Type == InsightCyclePatternClash {
			assert.Equal(t, "Cycle forecast suggests an increase of 2.00 while historical patterns suggest a decrease of 5.00", insight.Message)
		}
	}
}

func TestGenerateInsights_ModerateRegimeHasNoAlignment(t *testing.T) {
	r := insightFixture()
	r.Regime.States[1].Label = models.RegimeModerate
	r.Regime.State.Label = models.RegimeModerate

	types := insightTypes(generateInsights(r))
	assert.NotContains(t, types, InsightRegimeCycleAligned)
	assert.NotContains(t, types, InsightRegimeCycleDiverge)
	assert.Contains(t, types, InsightRegimePersistence)
}

func TestGenerateInsights_LowConfidenceAndFailures(t *testing.T) {
	r := insightFixture()
	r.Patterns = nil
	r.Regime.LowConfidence = true
	r.Detectors[1].LowConfidence = true
	r.Detectors[2] = models.DetectorStatus{
		Detector:      models.DetectorPatterns,
		Error:         "insufficient data for patterns: need at least 60 points, got 45",
		ErrorKind:     ErrorKindInsufficientData,
		LowConfidence: true,
	}

	insights := generateInsights(r)
	types := insightTypes(insights)
	assert.NotContains(t, types, InsightPatternOutlook)
	assert.NotContains(t, types, InsightCyclePatternAgree)

	require.GreaterOrEqual(t, len(insights), 2)
	warnings := insights[len(insights)-2:]
	assert.Equal(t, InsightLowConfidence, warnings[0].Type)
	assert.Equal(t, "Regime result is low confidence", warnings[0].Message)
	assert.Equal(t, "Patterns detector failed: insufficient data for patterns: need at least 60 points, got 45", warnings[1].Message)
	assert.Equal(t, 1.0, warnings[1].Confidence)
}

func TestGenerateInsights_Empty(t *testing.T) {
	insights := generateInsights(&models.ComprehensiveResult{})
	assert.NotNil(t, insights)
	assert.Empty(t, insights)
}

func TestDescribeChange(t *testing.T) {
	assert.Equal(t, "an increase of 1.50", describeChange(1.5))
	assert.Equal(t, "a decrease of 0.25", describeChange(-0.25))
	assert.Equal(t, "no change", describeChange(1e-12))
}
