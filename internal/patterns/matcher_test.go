package patterns

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/series"
	"github.com/irfndi/celebrum-patterns/internal/utils"
)

var start = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func repeating(n int) *models.EventSeries {
	base := []float64{1, 4, 2, 8, 5, 7, 3, 6, 9, 0}
	values := make([]float64, n)
	for i := range values {
		values[i] = base[i%len(base)]
	}
	return series.FromValues("s", start, values)
}

func randomWalk(n int, seed int64) *models.EventSeries {
	rng := rand.New(rand.NewSource(seed))
	values := make([]float64, n)
	level := 50.0
	for i := range values {
		level += rng.NormFloat64()
		values[i] = level
	}
	return series.FromValues("s", start, values)
}

func windowConfig(w int) Config {
	cfg := DefaultConfig()
	cfg.WindowSize = w
	return cfg
}

func TestMatch_IdenticalWindowsScoreExactlyOne(t *testing.T) {
	result, err := NewMatcher(windowConfig(20)).Match(context.Background(), repeating(100))
	require.NoError(t, err)

	require.Len(t, result.Matches, 5)
	best := result.BestMatch()
	assert.Equal(t, 1.0, best.Similarity)
	assert.Equal(t, 0.0, best.Distance)
	assert.True(t, best.ReferenceDate.Equal(start), "ties resolve to the earliest window")
	for i, m := range result.Matches {
		assert.True(t, m.ReferenceDate.Equal(start.AddDate(0, 0, 10*i)))
		assert.True(t, m.WindowEnd.Equal(m.ReferenceDate.AddDate(0, 0, 19)))
	}

	assert.Equal(t, 5, result.Prediction30d.Contributing)
	assert.InDelta(t, 0.0, result.Prediction30d.PointEstimate, 1e-12)
	assert.InDelta(t, 1.0, result.Prediction30d.Confidence, 1e-12)
	assert.InDelta(t, 4.5, result.Prediction30d.PredictedLevel, 1e-12)

	// nothing in a 100 day series has 90 days of history after a match
	for _, m := range result.Matches {
		assert.Nil(t, m.Outcome90d)
		require.NotNil(t, m.Outcome30d)
	}
	assert.Equal(t, 0, result.Prediction90d.Contributing)
	assert.Zero(t, result.Prediction90d.Confidence)
}

func TestMatch_Idempotent(t *testing.T) {
	s := randomWalk(150, 3)
	matcher := NewMatcher(DefaultConfig())

	first, err := matcher.Match(context.Background(), s)
	require.NoError(t, err)
	second, err := matcher.Match(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMatch_FindsRecurringMonthlyShape(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	values := make([]float64, 150)
	for i := range values {
		v := 20 + 10*math.Sin(2*math.Pi*float64(i)/28) + rng.NormFloat64()
		values[i] = math.Max(0, math.Round(v))
	}
	s := series.FromValues("s", start, values)
	s.Kind = models.SeriesKindCount

	result, err := NewMatcher(DefaultConfig()).Match(context.Background(), s)
	require.NoError(t, err)
	best := result.BestMatch()
	require.NotNil(t, best)
	assert.GreaterOrEqual(t, best.Similarity, 0.7)
	for i := 1; i < len(result.Matches); i++ {
		assert.GreaterOrEqual(t, result.Matches[i-1].Similarity, result.Matches[i].Similarity)
	}
	assert.Equal(t, 150-60+1, result.CandidatesScanned)
}

func TestMatch_PruningDoesNotChangeResults(t *testing.T) {
	s := randomWalk(120, 8)
	cfg := windowConfig(20)
	cfg.TopK = 1000
	cfg.MinGap = 1
	cfg.SimilarityThreshold = 0.7

	result, err := NewMatcher(cfg).Match(context.Background(), s)
	require.NoError(t, err)

	query := normalized(s.Values[100:])
	band := Band(20, cfg.BandRatio)
	expected := map[time.Time]float64{}
	for c := 0; c+20 <= 100; c++ {
		d := Distance(normalized(s.Values[c:c+20]), query, band)
		if similarity(d, 20) >= cfg.SimilarityThreshold {
			expected[s.Dates[c]] = d
		}
	}

	require.Len(t, result.Matches, len(expected))
	for _, m := range result.Matches {
		d, ok := expected[m.ReferenceDate]
		require.True(t, ok)
		assert.InDelta(t, d, m.Distance, 1e-9)
	}
	assert.Equal(t, 81, result.CandidatesScanned)
}

func TestMatch_InsufficientData(t *testing.T) {
	_, err := NewMatcher(DefaultConfig()).Match(context.Background(), randomWalk(59, 1))
	var insufficient *utils.InsufficientDataError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 60, insufficient.Required)
	assert.Equal(t, 59, insufficient.Actual)
	assert.Equal(t, models.DetectorPatterns, insufficient.Detector)
}

func TestMatch_WindowValidation(t *testing.T) {
	for _, w := range []int{6, 91} {
		_, err := NewMatcher(windowConfig(w)).Match(context.Background(), randomWalk(300, 1))
		var validation *utils.ValidationError
		assert.True(t, errors.As(err, &validation), "window %d", w)
	}
}

func TestMatch_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMatcher(DefaultConfig()).Match(ctx, randomWalk(100, 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDistance(t *testing.T) {
	a := []float64{0, 0, 1}
	b := []float64{0, 1, 1}
	assert.Equal(t, 0.0, Distance(a, a, 1))
	assert.Equal(t, 0.0, Distance(a, b, 1), "a one step warp aligns the shift")
	assert.Equal(t, 1.0, Distance(a, b, 0), "a zero band is the L1 distance")
	assert.True(t, math.IsInf(Distance(a, []float64{1}, 1), 1))
	assert.Equal(t, 3, Band(30, 0.1))
	assert.Equal(t, 1, Band(7, 0.05))
}

func TestLBKeoghLowerBoundsDTW(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for trial := 0; trial < 50; trial++ {
		q := make([]float64, 25)
		c := make([]float64, 25)
		for i := range q {
			q[i] = rng.NormFloat64()
			c[i] = rng.NormFloat64()
		}
		upper, lower := envelope(q, 3)
		assert.LessOrEqual(t, lbKeogh(c, upper, lower, math.Inf(1)), Distance(c, q, 3)+1e-12)
	}
}

func TestSuppressOverlaps(t *testing.T) {
	ranked := []candidate{{start: 10}, {start: 12}, {start: 30}, {start: 11}, {start: 50}}
	kept := suppressOverlaps(ranked, 5, 2)
	require.Len(t, kept, 2)
	assert.Equal(t, 10, kept[0].start)
	assert.Equal(t, 30, kept[1].start)
}

func TestPredict(t *testing.T) {
	pick := func(pm models.PatternMatch) *float64 { return pm.Outcome30d }
	v := func(x float64) *float64 { return &x }

	single := predict([]models.PatternMatch{{Similarity: 0.9, Outcome30d: v(2)}}, 30, 10, 5, false, pick)
	assert.Equal(t, 1, single.Contributing)
	assert.Equal(t, 0.5, single.Confidence)
	assert.InDelta(t, 12.0, single.PredictedLevel, 1e-12)

	pair := predict([]models.PatternMatch{
		{Similarity: 0.8, Outcome30d: v(1)},
		{Similarity: 0.8, Outcome30d: v(3)},
		{Similarity: 0.9},
	}, 30, 10, 2, false, pick)
	assert.Equal(t, 2, pair.Contributing)
	assert.InDelta(t, 2.0, pair.PointEstimate, 1e-12)
	// weighted std 1, scale 2: 0.8 * 1/(1 + 1/4)
	assert.InDelta(t, 0.64, pair.Confidence, 1e-12)
	assert.InDelta(t, 12-1.96, pair.Lower, 1e-12)
	assert.InDelta(t, 12+1.96, pair.Upper, 1e-12)

	clamped := predict([]models.PatternMatch{
		{Similarity: 0.9, Outcome30d: v(-20)},
		{Similarity: 0.9, Outcome30d: v(-20)},
	}, 30, 5, 3, true, pick)
	assert.Equal(t, 0.0, clamped.PredictedLevel)
	assert.Equal(t, 0.0, clamped.Lower)
	assert.Equal(t, 5.0, clamped.QueryMean)
	assert.Equal(t, -20.0, clamped.PointEstimate)

	none := predict(nil, 90, 4, 1, false, pick)
	assert.Zero(t, none.Confidence)
	assert.Equal(t, 4.0, none.PredictedLevel)
}

func normalized(values []float64) []float64 {
	return NewMatcher(DefaultConfig()).prepare(values)
}
