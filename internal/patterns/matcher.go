// Package patterns finds historical windows that resemble the most recent one under
// banded dynamic time warping and turns what followed them into a forecast.
package patterns

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/irfndi/celebrum-patterns/internal/mathutil"
	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/utils"
)

// Outcome horizons in days.
const (
	ShortHorizonDays = 30
	LongHorizonDays  = 90
)

// Window size bounds.
const (
	MinWindowSize = 7
	MaxWindowSize = 90
)

// Config holds the pattern matcher parameters.
type Config struct {
	WindowSize          int     `json:"window_size"`
	TopK                int     `json:"top_k"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	BandRatio           float64 `json:"band_ratio"`
	Stride              int     `json:"stride"`
	MinGap              int     `json:"min_gap"` // 0 = WindowSize/2
	Normalize           bool    `json:"normalize"`
}

// DefaultConfig returns the default matcher configuration.
func DefaultConfig() Config {
	return Config{
		WindowSize:          30,
		TopK:                5,
		SimilarityThreshold: 0.6,
		BandRatio:           0.1,
		Stride:              1,
		Normalize:           true,
	}
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if c.WindowSize < MinWindowSize || c.WindowSize > MaxWindowSize {
		return utils.NewValidationErrorf("window_size must be between %d and %d, got %d", MinWindowSize, MaxWindowSize, c.WindowSize)
	}
	if c.TopK < 1 {
		return utils.NewValidationErrorf("top_k must be positive, got %d", c.TopK)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return utils.NewValidationErrorf("similarity_threshold must be within [0, 1], got %g", c.SimilarityThreshold)
	}
	if c.BandRatio < 0 || c.BandRatio > 1 {
		return utils.NewValidationErrorf("band_ratio must be within [0, 1], got %g", c.BandRatio)
	}
	if c.Stride < 1 {
		return utils.NewValidationErrorf("stride must be positive, got %d", c.Stride)
	}
	if c.MinGap < 0 {
		return utils.NewValidationErrorf("min_gap must not be negative, got %d", c.MinGap)
	}
	return nil
}

func (c Config) minGap() int {
	if c.MinGap > 0 {
		return c.MinGap
	}
	return max(1, c.WindowSize/2)
}

// Matcher is the DTW pattern matcher. It holds no mutable state and is safe for
// concurrent use.
type Matcher struct {
	config Config
}

// NewMatcher creates a matcher with the given configuration.
func NewMatcher(cfg Config) *Matcher {
	return &Matcher{config: cfg}
}

// Config returns the matcher configuration.
func (m *Matcher) Config() Config {
	return m.config
}

// MinLength returns the shortest series the matcher accepts.
func (m *Matcher) MinLength() int {
	return 2 * m.config.WindowSize
}

type candidate struct {
	start      int
	distance   float64
	similarity float64
}

// Match compares the trailing window of s against every earlier window.
func (m *Matcher) Match(ctx context.Context, s *models.EventSeries) (*models.DTWResult, error) {
	if err := m.config.Validate(); err != nil {
		return nil, err
	}
	w := m.config.WindowSize
	n := s.Len()
	if n < m.MinLength() {
		return nil, utils.NewInsufficientDataError(models.DetectorPatterns, m.MinLength(), n)
	}

	queryStart := n - w
	query := m.prepare(s.Values[queryStart:])
	band := Band(w, m.config.BandRatio)
	upper, lower := envelope(query, band)
	limit := math.Inf(1)
	if m.config.SimilarityThreshold > 0 {
		limit = float64(w) * (1/m.config.SimilarityThreshold - 1) * (1 + 1e-9)
	}

	result := &models.DTWResult{
		QueryStart: s.Dates[queryStart],
		QueryEnd:   s.Dates[n-1],
		WindowSize: w,
		Matches:    []models.PatternMatch{},
	}

	var found []candidate
	for start := 0; start+w <= queryStart; start += m.config.Stride {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pattern scan canceled at candidate %d: %w", start, err)
		}
		result.CandidatesScanned++
		window := m.prepare(s.Values[start : start+w])
		if lbKeogh(window, upper, lower, limit) > limit {
			result.CandidatesPruned++
			continue
		}
		d := dtw(window, query, band, limit)
		if math.IsInf(d, 1) {
			result.CandidatesPruned++
			continue
		}
		sim := similarity(d, w)
		if sim < m.config.SimilarityThreshold {
			continue
		}
		found = append(found, candidate{start: start, distance: d, similarity: sim})
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].similarity != found[j].similarity {
			return found[i].similarity > found[j].similarity
		}
		return found[i].start < found[j].start
	})
	selected := suppressOverlaps(found, m.config.minGap(), m.config.TopK)

	shortPts := s.DaysToPoints(ShortHorizonDays)
	longPts := s.DaysToPoints(LongHorizonDays)
	for _, c := range selected {
		result.Matches = append(result.Matches, models.PatternMatch{
			ReferenceDate: s.Dates[c.start],
			WindowEnd:     s.Dates[c.start+w-1],
			Similarity:    c.similarity,
			Distance:      c.distance,
			Outcome30d:    outcome(s.Values, c.start, w, shortPts),
			Outcome90d:    outcome(s.Values, c.start, w, longPts),
		})
	}

	queryMean := mathutil.Mean(s.Values[queryStart:])
	scale := mathutil.StdDev(s.Values)
	nonNegative := s.Kind == models.SeriesKindCount
	result.Prediction30d = predict(result.Matches, ShortHorizonDays, queryMean, scale, nonNegative,
		func(pm models.PatternMatch) *float64 { return pm.Outcome30d })
	result.Prediction90d = predict(result.Matches, LongHorizonDays, queryMean, scale, nonNegative,
		func(pm models.PatternMatch) *float64 { return pm.Outcome90d })
	return result, nil
}

func (m *Matcher) prepare(window []float64) []float64 {
	if m.config.Normalize {
		return mathutil.ZNormalize(window)
	}
	return append([]float64(nil), window...)
}

// similarity maps a DTW distance onto (0, 1]; a zero distance is exactly 1.
func similarity(distance float64, w int) float64 {
	return 1 / (1 + distance/float64(w))
}

// suppressOverlaps greedily keeps candidates at least minGap points apart from every
// already kept one, in ranked order.
func suppressOverlaps(ranked []candidate, minGap, topK int) []candidate {
	var kept []candidate
	for _, c := range ranked {
		if len(kept) == topK {
			break
		}
		separated := true
		for _, k := range kept {
			if abs(c.start-k.start) < minGap {
				separated = false
				break
			}
		}
		if separated {
			kept = append(kept, c)
		}
	}
	return kept
}

// outcome is the mean of the h points after the window minus the window mean, or nil
// when the series stops short.
func outcome(values []float64, start, w, h int) *float64 {
	end := start + w
	if end+h > len(values) {
		return nil
	}
	v := mathutil.Mean(values[end:end+h]) - mathutil.Mean(values[start:end])
	return &v
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
