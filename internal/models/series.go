package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SeriesKind distinguishes event-count series from continuous measurements.
type SeriesKind string

const (
	SeriesKindCount      SeriesKind = "count"
	SeriesKindContinuous SeriesKind = "continuous"
)

// RawEvent is a single timestamped event as supplied by the input provider.
type RawEvent struct {
	SubjectID string          `json:"subject_id"`
	Timestamp time.Time       `json:"timestamp"`
	Amount    decimal.Decimal `json:"amount"`
}

// EventSeries is a gap-free, uniformly spaced series for one subject.
// Dates are strictly increasing and one Granularity apart.
type EventSeries struct {
	SubjectID   string        `json:"subject_id"`
	Kind        SeriesKind    `json:"kind"`
	Granularity time.Duration `json:"granularity"`
	Dates       []time.Time   `json:"dates"`
	Values      []float64     `json:"values"`
	// Features holds optional aligned feature rows; column 0 is the activity value.
	Features [][]float64 `json:"features,omitempty"`
}

// Len returns the number of points in the series.
func (s *EventSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Values)
}

// Start returns the first date, or the zero time for an empty series.
func (s *EventSeries) Start() time.Time {
	if s.Len() == 0 {
		return time.Time{}
	}
	return s.Dates[0]
}

// End returns the last date, or the zero time for an empty series.
func (s *EventSeries) End() time.Time {
	if s.Len() == 0 {
		return time.Time{}
	}
	return s.Dates[len(s.Dates)-1]
}

// GranularityDays returns the bucket width in days (1 for daily series).
func (s *EventSeries) GranularityDays() float64 {
	if s == nil || s.Granularity <= 0 {
		return 1
	}
	return s.Granularity.Hours() / 24
}

// DaysToPoints converts a horizon in days into a number of series points (at least 1).
func (s *EventSeries) DaysToPoints(days int) int {
	points := int(float64(days)/s.GranularityDays() + 0.5)
	if points < 1 {
		return 1
	}
	return points
}

// Observations returns the rows a multivariate detector should consume: the feature
// rows when present, otherwise the values as one-dimensional rows.
func (s *EventSeries) Observations() [][]float64 {
	if len(s.Features) == len(s.Values) && len(s.Features) > 0 {
		return s.Features
	}
	rows := make([][]float64, len(s.Values))
	for i, v := range s.Values {
		rows[i] = []float64{v}
	}
	return rows
}
