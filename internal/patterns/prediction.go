package patterns

import (
	"math"

	"github.com/irfndi/celebrum-patterns/internal/mathutil"
	"github.com/irfndi/celebrum-patterns/internal/models"
)

// singleOutcomeCap bounds the confidence of a prediction resting on fewer than two
// outcomes.
const singleOutcomeCap = 0.5

// predict aggregates the outcomes of matches into a similarity-weighted estimate of the
// change in mean activity over horizonDays.
func predict(matches []models.PatternMatch, horizonDays int, queryMean, scale float64, nonNegative bool,
	pick func(models.PatternMatch) *float64) models.Prediction {
	p := models.Prediction{
		HorizonDays:    horizonDays,
		QueryMean:      queryMean,
		PredictedLevel: queryMean,
		Lower:          queryMean,
		Upper:          queryMean,
	}

	var outcomes, weights []float64
	for _, m := range matches {
		if v := pick(m); v != nil {
			outcomes = append(outcomes, *v)
			weights = append(weights, m.Similarity)
		}
	}
	p.Contributing = len(outcomes)
	if len(outcomes) == 0 {
		return p
	}

	mean, std := mathutil.WeightedMeanStd(outcomes, weights)
	p.PointEstimate = mean
	p.PredictedLevel = queryMean + mean
	p.Lower = p.PredictedLevel - 1.96*std
	p.Upper = p.PredictedLevel + 1.96*std

	dispersion := 1.0
	switch {
	case scale > 0:
		dispersion = 1 / (1 + std*std/(scale*scale))
	case std > 0:
		dispersion = 0
	}
	p.Confidence = mathutil.Clamp(mathutil.Mean(weights)*dispersion, 0, 1)
	if len(outcomes) < 2 {
		p.Confidence = math.Min(p.Confidence, singleOutcomeCap)
	}

	if nonNegative {
		p.PredictedLevel = math.Max(0, p.PredictedLevel)
		p.Lower = math.Max(0, p.Lower)
		p.Upper = math.Max(0, p.Upper)
	}
	return p
}
