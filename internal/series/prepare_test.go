package series

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/utils"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func event(dayOffset int, hour int, amount string) models.RawEvent {
	return models.RawEvent{
		SubjectID: "subject-1",
		Timestamp: day0.AddDate(0, 0, dayOffset).Add(time.Duration(hour) * time.Hour),
		Amount:    decimal.RequireFromString(amount),
	}
}

func TestPrepare_CountSeriesFillsGapsWithZero(t *testing.T) {
	events := []models.RawEvent{
		event(0, 9, "100"),
		event(0, 15, "50"),
		event(3, 10, "20"),
		event(1, 8, "10"),
	}

	s, err := Prepare(events, Options{SubjectID: "subject-1"})
	require.NoError(t, err)

	assert.Equal(t, models.SeriesKindCount, s.Kind)
	assert.Equal(t, []float64{2, 1, 0, 1}, s.Values)
	require.Len(t, s.Dates, 4)
	assert.True(t, s.Dates[0].Equal(day0))
	assert.True(t, s.Dates[3].Equal(day0.AddDate(0, 0, 3)))
	for i := 1; i < len(s.Dates); i++ {
		assert.True(t, s.Dates[i].After(s.Dates[i-1]), "dates must be strictly increasing")
	}
}

func TestPrepare_ContinuousAggregations(t *testing.T) {
	events := []models.RawEvent{
		event(0, 9, "100.10"),
		event(0, 15, "50.20"),
		event(2, 10, "20"),
	}

	tests := []struct {
		name     string
		agg      Aggregation
		fill     FillStrategy
		expected []float64
	}{
		{name: "sum with linear fill", agg: AggregateSum, expected: []float64{150.3, 85.15, 20}},
		{name: "mean with linear fill", agg: AggregateMean, expected: []float64{75.15, 47.575, 20}},
		{name: "last with forward fill", agg: AggregateLast, fill: FillForward, expected: []float64{50.2, 50.2, 20}},
		{name: "sum with zero fill", agg: AggregateSum, fill: FillZero, expected: []float64{150.3, 0, 20}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, err := Prepare(events, Options{Aggregation: tc.agg, Fill: tc.fill})
			require.NoError(t, err)
			assert.Equal(t, models.SeriesKindContinuous, s.Kind)
			assert.InDeltaSlice(t, tc.expected, s.Values, 1e-9)
		})
	}
}

func TestPrepare_InsufficientData(t *testing.T) {
	_, err := Prepare(nil, Options{MinLength: 14})
	var insufficient *utils.InsufficientDataError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 0, insufficient.Actual)

	_, err = Prepare([]models.RawEvent{event(0, 1, "1"), event(4, 1, "1")}, Options{MinLength: 14})
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 14, insufficient.Required)
	assert.Equal(t, 5, insufficient.Actual)
}

func TestPrepare_UnknownAggregation(t *testing.T) {
	_, err := Prepare([]models.RawEvent{event(0, 1, "1")}, Options{Aggregation: "median"})
	var validation *utils.ValidationError
	assert.True(t, errors.As(err, &validation))
}

func TestFillGaps(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		name     string
		in       []float64
		strategy FillStrategy
		expected []float64
	}{
		{"zero", []float64{nan, 1, nan, 3}, FillZero, []float64{0, 1, 0, 3}},
		{"linear interior", []float64{1, nan, nan, 4}, FillLinear, []float64{1, 2, 3, 4}},
		{"linear edges", []float64{nan, 2, nan, 4, nan}, FillLinear, []float64{2, 2, 3, 4, 4}},
		{"forward", []float64{nan, 2, nan, nan, 5}, FillForward, []float64{2, 2, 2, 2, 5}},
		{"all missing", []float64{nan, nan}, FillLinear, []float64{0, 0}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			values := append([]float64(nil), tc.in...)
			FillGaps(values, tc.strategy)
			assert.InDeltaSlice(t, tc.expected, values, 1e-12)
		})
	}
}

func TestFromValues(t *testing.T) {
	s := FromValues("s", day0.Add(5*time.Hour), []float64{1, math.NaN(), 3})
	assert.Equal(t, []float64{1, 2, 3}, s.Values)
	assert.True(t, s.Start().Equal(day0))
	assert.True(t, s.End().Equal(day0.AddDate(0, 0, 2)))
	assert.Equal(t, 1.0, s.GranularityDays())
}

func TestSliceTailAndAlign(t *testing.T) {
	a := FromValues("a", day0, []float64{0, 1, 2, 3, 4, 5})
	b := FromValues("b", day0.AddDate(0, 0, 3), []float64{10, 11, 12, 13})

	tail := Tail(a, 2)
	assert.Equal(t, []float64{4, 5}, tail.Values)
	tail.Values[0] = 99
	assert.Equal(t, 4.0, a.Values[4], "slices must not share backing arrays")

	idxA, idxB := AlignDates(a, b)
	assert.Equal(t, []int{3, 4, 5}, idxA)
	assert.Equal(t, []int{0, 1, 2}, idxB)
}

func TestMovingAverage(t *testing.T) {
	out := MovingAverage([]float64{1, 2, 3, 4, 5}, 3)
	assert.InDeltaSlice(t, []float64{1, 1.5, 2, 3, 4}, out, 1e-12)

	assert.Equal(t, []float64{1, 2}, MovingAverage([]float64{1, 2}, 1))
	assert.Empty(t, MovingAverage(nil, 3))
}

func TestWithRollingFeatures(t *testing.T) {
	s := FromValues("s", day0, []float64{2, 2, 2, 4, 4, 4})
	withFeatures, err := WithRollingFeatures(s, 3)
	require.NoError(t, err)
	require.Len(t, withFeatures.Features, 6)
	assert.Nil(t, s.Features, "input series must not be mutated")

	row := withFeatures.Features[2]
	assert.InDelta(t, 2.0, row[0], 1e-12)
	assert.InDelta(t, 2.0, row[1], 1e-12)
	assert.InDelta(t, 0.0, row[2], 1e-9)
	assert.Greater(t, withFeatures.Features[3][2], 0.0)
	assert.Len(t, withFeatures.Observations(), 6)

	_, err = WithRollingFeatures(s, 1)
	assert.Error(t, err)
	_, err = WithRollingFeatures(s, 10)
	assert.True(t, utils.IsClientCorrectable(err))
}
