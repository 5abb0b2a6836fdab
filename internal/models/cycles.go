package models

import "time"

// CycleCategory buckets a detected period into a named calendar scale.
type CycleCategory string

const (
	CycleWeekly    CycleCategory = "weekly"
	CycleMonthly   CycleCategory = "monthly"
	CycleQuarterly CycleCategory = "quarterly"
	CycleAnnual    CycleCategory = "annual"
	CycleElection  CycleCategory = "election"
	CycleOther     CycleCategory = "other"
)

// CycleDescriptor describes one recurring period found in a series.
type CycleDescriptor struct {
	PeriodDays     float64       `json:"period_days"`
	Frequency      float64       `json:"frequency"`  // cycles per day
	Strength       float64       `json:"strength"`   // 0-1, share of variance explained
	Confidence     float64       `json:"confidence"` // 0-1
	Category       CycleCategory `json:"category"`
	Amplitude      float64       `json:"amplitude"`
	Phase          float64       `json:"phase"`         // radians; the component is Amplitude*cos(2*pi*f*t - Phase)
	CurrentPhase   float64       `json:"current_phase"` // 0-1 position in the cycle at the last point, 0 = peak
	DaysToNextPeak float64       `json:"days_to_next_peak"`
	HarmonicOf     float64       `json:"harmonic_of,omitempty"` // fundamental period when flagged as a harmonic
}

// CycleForecastPoint is one forecasted value with its interval.
type CycleForecastPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
	Lower float64   `json:"lower"`
	Upper float64   `json:"upper"`
}

// Decomposition splits the series into trend, seasonal and residual parts.
type Decomposition struct {
	Trend    []float64 `json:"trend"`
	Seasonal []float64 `json:"seasonal"`
	Residual []float64 `json:"residual"`
}

// CycleResult is the output of the Fourier cycle detector.
type CycleResult struct {
	Cycles           []CycleDescriptor    `json:"cycles"`
	Harmonics        []CycleDescriptor    `json:"harmonics,omitempty"`
	Degenerate       bool                 `json:"degenerate"`
	Forecast         []CycleForecastPoint `json:"forecast,omitempty"`
	Decomposition    *Decomposition       `json:"decomposition,omitempty"`
	ResidualVariance float64              `json:"residual_variance"`
	SeriesLength     int                  `json:"series_length"`
}

// Dominant returns the strongest cycle, or nil when none was retained.
func (r *CycleResult) Dominant() *CycleDescriptor {
	if r == nil || len(r.Cycles) == 0 {
		return nil
	}
	return &r.Cycles[0]
}
