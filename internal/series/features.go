package series

import (
	"math"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"

	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/utils"
)

// MovingAverage returns a trailing simple moving average aligned with values. Points
// before the first full window use the expanding mean of what is available.
func MovingAverage(values []float64, period int) []float64 {
	n := len(values)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	if period <= 1 {
		copy(out, values)
		return out
	}
	if period > n {
		period = n
	}

	sma := trend.NewSmaWithPeriod[float64](period)
	result := helper.ChanToSlice(sma.Compute(helper.SliceToChan(values)))
	offset := n - len(result)

	var running float64
	for i := 0; i < n; i++ {
		if i >= offset && i-offset < len(result) {
			out[i] = result[i-offset]
			continue
		}
		running += values[i]
		out[i] = running / float64(i+1)
	}
	return out
}

// WithRollingFeatures returns a copy of s whose feature rows are
// [value, rolling mean, rolling std] over the given window.
func WithRollingFeatures(s *models.EventSeries, window int) (*models.EventSeries, error) {
	if window < 2 {
		return nil, utils.NewValidationErrorf("feature window must be at least 2, got %d", window)
	}
	if s.Len() < window {
		return nil, utils.NewInsufficientDataError("features", window, s.Len())
	}

	squares := make([]float64, s.Len())
	for i, v := range s.Values {
		squares[i] = v * v
	}
	mean := MovingAverage(s.Values, window)
	meanSq := MovingAverage(squares, window)

	out := Slice(s, 0, s.Len())
	out.Features = make([][]float64, s.Len())
	for i, v := range s.Values {
		variance := meanSq[i] - mean[i]*mean[i]
		if variance < 0 {
			variance = 0
		}
		out.Features[i] = []float64{v, mean[i], math.Sqrt(variance)}
	}
	return out, nil
}
