package cycles

import (
	"math"
	"time"

	"github.com/irfndi/celebrum-patterns/internal/mathutil"
	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/series"
)

// finish fills the decomposition, residual variance and optional forecast from the
// retained components.
func (d *Detector) finish(s *models.EventSeries, result *models.CycleResult, comps []component, alpha, beta float64, detrended []float64) {
	n := s.Len()
	seasonal := make([]float64, n)
	for _, c := range comps {
		for i := range seasonal {
			seasonal[i] += c.at(float64(i))
		}
	}

	residual := make([]float64, n)
	for i := range residual {
		residual[i] = detrended[i] - seasonal[i]
	}
	result.ResidualVariance = mathutil.PopVariance(residual)
	result.Decomposition = decompose(s.Values, seasonal, comps, alpha, beta)

	if !d.config.IncludeForecast || d.config.ForecastHorizon == 0 {
		return
	}
	result.Forecast = forecast(s, comps, alpha, beta, math.Sqrt(result.ResidualVariance), d.config.ForecastHorizon)
}

// decompose uses a moving average over the longest retained period as the trend, or
// the linear fit when nothing periodic was kept.
func decompose(values, seasonal []float64, comps []component, alpha, beta float64) *models.Decomposition {
	n := len(values)
	var trend []float64
	longest := 0.0
	for _, c := range comps {
		longest = math.Max(longest, c.period())
	}
	if longest >= 2 {
		trend = series.MovingAverage(values, int(math.Round(longest)))
	} else {
		trend = make([]float64, n)
		for i := range trend {
			trend[i] = alpha + beta*float64(i)
		}
	}

	residual := make([]float64, n)
	for i := range residual {
		residual[i] = values[i] - trend[i] - seasonal[i]
	}
	return &models.Decomposition{
		Trend:    trend,
		Seasonal: append([]float64(nil), seasonal...),
		Residual: residual,
	}
}

// forecast projects the linear trend plus the strength-weighted sinusoids horizon
// points past the end of s with a 95% band from the residual spread.
func forecast(s *models.EventSeries, comps []component, alpha, beta, sigma float64, horizon int) []models.CycleForecastPoint {
	n := s.Len()
	step := s.Granularity
	if step <= 0 {
		step = series.DefaultGranularity
	}
	last := s.End()
	band := 1.96 * sigma

	points := make([]models.CycleForecastPoint, 0, horizon)
	for k := 1; k <= horizon; k++ {
		t := float64(n - 1 + k)
		value := alpha + beta*t
		for _, c := range comps {
			value += c.strength * c.at(t)
		}
		p := models.CycleForecastPoint{
			Date:  last.Add(time.Duration(k) * step),
			Value: value,
			Lower: value - band,
			Upper: value + band,
		}
		if s.Kind == models.SeriesKindCount {
			p.Value = math.Max(0, p.Value)
			p.Lower = math.Max(0, p.Lower)
			p.Upper = math.Max(0, p.Upper)
		}
		points = append(points, p)
	}
	return points
}
