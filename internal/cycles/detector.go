// Package cycles finds dominant periodicities in an event series with a windowed,
// zero-padded FFT and reconstructs them into a short-horizon forecast.
package cycles

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/irfndi/celebrum-patterns/internal/mathutil"
	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/utils"
)

// MinSeriesLength is the absolute floor below which no spectrum is computed.
const MinSeriesLength = 14

// Config holds the cycle detector parameters.
type Config struct {
	MinStrength       float64 `json:"min_strength"`
	MinConfidence     float64 `json:"min_confidence"`
	IncludeForecast   bool    `json:"include_forecast"`
	ForecastHorizon   int     `json:"forecast_horizon"`
	MaxPeriodDays     float64 `json:"max_period_days"` // 0 = half the series
	HarmonicTolerance float64 `json:"harmonic_tolerance"`
	PaddingFactor     int     `json:"padding_factor"`
	MaxCycles         int     `json:"max_cycles"`
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		MinStrength:       0.05,
		MinConfidence:     0.6,
		IncludeForecast:   true,
		ForecastHorizon:   30,
		HarmonicTolerance: 0.05,
		PaddingFactor:     8,
		MaxCycles:         8,
	}
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if c.MinStrength < 0 || c.MinStrength > 1 {
		return utils.NewValidationErrorf("min_strength must be within [0, 1], got %g", c.MinStrength)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return utils.NewValidationErrorf("min_confidence must be within [0, 1], got %g", c.MinConfidence)
	}
	if c.ForecastHorizon < 0 {
		return utils.NewValidationErrorf("forecast_horizon must not be negative, got %d", c.ForecastHorizon)
	}
	if c.MaxPeriodDays < 0 {
		return utils.NewValidationErrorf("max_period_days must not be negative, got %g", c.MaxPeriodDays)
	}
	if c.HarmonicTolerance < 0 || c.HarmonicTolerance >= 0.5 {
		return utils.NewValidationErrorf("harmonic_tolerance must be within [0, 0.5), got %g", c.HarmonicTolerance)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PaddingFactor < 1 {
		c.PaddingFactor = def.PaddingFactor
	}
	if c.MaxCycles < 1 {
		c.MaxCycles = def.MaxCycles
	}
	if c.IncludeForecast && c.ForecastHorizon == 0 {
		c.ForecastHorizon = def.ForecastHorizon
	}
	return c
}

// Detector is the Fourier cycle detector. It holds no mutable state and is safe for
// concurrent use.
type Detector struct {
	config Config
}

// NewDetector creates a detector with the given configuration.
func NewDetector(cfg Config) *Detector {
	return &Detector{config: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config {
	return d.config
}

// MinLength returns the shortest series the detector accepts for the given
// granularity in days.
func (d *Detector) MinLength(granularityDays float64) int {
	minLen := MinSeriesLength
	if d.config.MaxPeriodDays > 0 && granularityDays > 0 {
		need := int(math.Ceil(2 * d.config.MaxPeriodDays / granularityDays))
		minLen = max(minLen, need)
	}
	return minLen
}

// Detect runs spectral analysis on s.
func (d *Detector) Detect(ctx context.Context, s *models.EventSeries) (*models.CycleResult, error) {
	if err := d.config.Validate(); err != nil {
		return nil, err
	}
	n := s.Len()
	gDays := s.GranularityDays()
	if minLen := d.MinLength(gDays); n < minLen {
		return nil, utils.NewInsufficientDataError(models.DetectorCycles, minLen, n)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	maxPeriod := float64(n) / 2
	if d.config.MaxPeriodDays > 0 {
		maxPeriod = math.Min(maxPeriod, d.config.MaxPeriodDays/gDays)
	}

	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	alpha, beta := stat.LinearRegression(xs, s.Values, nil, false)
	detrended := make([]float64, n)
	for i, v := range s.Values {
		detrended[i] = v - (alpha + beta*xs[i])
	}

	result := &models.CycleResult{SeriesLength: n}
	totalVar := mathutil.PopVariance(detrended)
	level := mathutil.Mean(s.Values)
	if totalVar <= 1e-10*(1+level*level) {
		result.Degenerate = true
		result.Cycles = []models.CycleDescriptor{}
		d.finish(s, result, nil, alpha, beta, detrended)
		return result, nil
	}

	spec := computeSpectrum(detrended, d.config.PaddingFactor, maxPeriod)
	comps, err := d.extract(ctx, spec, detrended, totalVar)
	if err != nil {
		return nil, err
	}

	fundamentals, harmonics := mergeHarmonics(comps, d.config.HarmonicTolerance)
	scoreConfidence(fundamentals, spec.noiseFloor)
	scoreConfidence(harmonics, spec.noiseFloor)
	fundamentals = filterConfidence(fundamentals, d.config.MinConfidence)
	harmonics = filterConfidence(harmonics, d.config.MinConfidence)
	if len(fundamentals) > d.config.MaxCycles {
		fundamentals = fundamentals[:d.config.MaxCycles]
	}

	result.Cycles = make([]models.CycleDescriptor, 0, len(fundamentals))
	for _, c := range fundamentals {
		result.Cycles = append(result.Cycles, c.descriptor(n, gDays))
	}
	for _, c := range harmonics {
		result.Harmonics = append(result.Harmonics, c.descriptor(n, gDays))
	}

	kept := append(append([]component(nil), fundamentals...), harmonics...)
	d.finish(s, result, kept, alpha, beta, detrended)
	return result, nil
}

// extract walks spectral peaks by descending power, fitting each against the running
// residual so leakage of already explained components is not counted twice.
func (d *Detector) extract(ctx context.Context, spec *spectrum, detrended []float64, totalVar float64) ([]component, error) {
	residual := append([]float64(nil), detrended...)
	limit := d.config.MaxCycles * 4
	var comps []component
	for _, pk := range spec.peaks {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("cycle extraction canceled: %w", err)
		}
		if len(comps) >= limit {
			break
		}
		c, ok := fitComponent(residual, pk.freq)
		if !ok {
			continue
		}
		c.strength = mathutil.Clamp(c.variance()/totalVar, 0, 1)
		c.power = pk.power
		if c.strength < d.config.MinStrength {
			continue
		}
		for i := range residual {
			residual[i] -= c.at(float64(i))
		}
		comps = append(comps, c)
	}
	sort.SliceStable(comps, func(i, j int) bool {
		if comps[i].strength != comps[j].strength {
			return comps[i].strength > comps[j].strength
		}
		return comps[i].period() < comps[j].period()
	})
	return comps, nil
}

// mergeHarmonics keeps the strongest of near-duplicate periods and flags integer
// fractions of a stronger fundamental as harmonics. comps must be sorted by strength.
func mergeHarmonics(comps []component, tol float64) (fundamentals, harmonics []component) {
	for _, c := range comps {
		isFundamental := true
		for _, f := range fundamentals {
			h := math.Round(f.period() / c.period())
			if h < 1 {
				continue
			}
			target := f.period() / h
			if math.Abs(c.period()-target) > tol*target {
				continue
			}
			isFundamental = false
			if h >= 2 {
				c.harmonicOf = f.period()
				harmonics = append(harmonics, c)
			}
			break
		}
		if isFundamental {
			fundamentals = append(fundamentals, c)
		}
	}
	return fundamentals, harmonics
}

// scoreConfidence combines power rank, leakage against the noise floor and strength.
func scoreConfidence(comps []component, noiseFloor float64) {
	for i := range comps {
		rank := 1 / (1 + 0.25*float64(i))
		leakage := 1.0
		if noiseFloor > 0 {
			ratio := comps[i].power / noiseFloor
			if ratio <= 1 {
				leakage = 0
			} else {
				leakage = 1 - 1/math.Sqrt(ratio)
			}
		}
		strength := math.Min(1, 4*comps[i].strength)
		comps[i].confidence = mathutil.Clamp((rank+leakage+strength)/3, 0, 1)
	}
}

func filterConfidence(comps []component, minConfidence float64) []component {
	out := comps[:0:0]
	for _, c := range comps {
		if c.confidence >= minConfidence {
			out = append(out, c)
		}
	}
	return out
}

// Categorize buckets a period in days into its calendar category.
func Categorize(periodDays float64) models.CycleCategory {
	switch {
	case periodDays >= 5 && periodDays <= 9:
		return models.CycleWeekly
	case periodDays >= 18 && periodDays <= 35:
		return models.CycleMonthly
	case periodDays >= 55 && periodDays <= 100:
		return models.CycleQuarterly
	case periodDays >= 240 && periodDays <= 290:
		return models.CycleAnnual
	case periodDays >= 700:
		return models.CycleElection
	default:
		return models.CycleOther
	}
}
