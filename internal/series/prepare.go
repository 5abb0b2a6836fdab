// Package series turns raw timestamped events into the uniform, gap-filled series the
// detectors consume.
package series

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/utils"
)

// DefaultGranularity is one day.
const DefaultGranularity = 24 * time.Hour

// Aggregation selects how events falling into one bucket are combined.
type Aggregation string

const (
	AggregateCount Aggregation = "count"
	AggregateSum   Aggregation = "sum"
	AggregateMean  Aggregation = "mean"
	AggregateLast  Aggregation = "last"
)

// FillStrategy selects how missing buckets are populated.
type FillStrategy string

const (
	FillZero    FillStrategy = "zero"
	FillLinear  FillStrategy = "linear"
	FillForward FillStrategy = "forward"
)

// Options controls Prepare.
type Options struct {
	SubjectID   string
	Granularity time.Duration
	Aggregation Aggregation
	// Fill defaults to FillZero for count series and FillLinear otherwise.
	Fill      FillStrategy
	MinLength int
}

func (o Options) withDefaults() Options {
	if o.Granularity <= 0 {
		o.Granularity = DefaultGranularity
	}
	if o.Aggregation == "" {
		o.Aggregation = AggregateCount
	}
	if o.Fill == "" {
		if o.Aggregation == AggregateCount {
			o.Fill = FillZero
		} else {
			o.Fill = FillLinear
		}
	}
	return o
}

type bucket struct {
	count int
	sum   decimal.Decimal
	last  decimal.Decimal
}

// Prepare builds a gap-filled series spanning [min(ts), max(ts)] from raw events.
func Prepare(events []models.RawEvent, opts Options) (*models.EventSeries, error) {
	opts = opts.withDefaults()
	switch opts.Aggregation {
	case AggregateCount, AggregateSum, AggregateMean, AggregateLast:
	default:
		return nil, utils.NewValidationErrorf("unknown aggregation %q", opts.Aggregation)
	}
	if len(events) == 0 {
		return nil, utils.NewInsufficientDataError("series", max(opts.MinLength, 1), 0)
	}

	sorted := make([]models.RawEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	buckets := make(map[int64]*bucket)
	first := sorted[0].Timestamp.UTC().Truncate(opts.Granularity)
	last := sorted[len(sorted)-1].Timestamp.UTC().Truncate(opts.Granularity)
	for _, ev := range sorted {
		key := ev.Timestamp.UTC().Truncate(opts.Granularity).Unix()
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.count++
		b.sum = b.sum.Add(ev.Amount)
		b.last = ev.Amount
	}

	n := int(last.Sub(first)/opts.Granularity) + 1
	dates := make([]time.Time, n)
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		day := first.Add(time.Duration(i) * opts.Granularity)
		dates[i] = day
		b, ok := buckets[day.Unix()]
		if !ok {
			values[i] = math.NaN()
			continue
		}
		values[i] = aggregate(b, opts.Aggregation)
	}
	FillGaps(values, opts.Fill)

	if n < opts.MinLength {
		return nil, utils.NewInsufficientDataError("series", opts.MinLength, n)
	}

	kind := models.SeriesKindContinuous
	if opts.Aggregation == AggregateCount {
		kind = models.SeriesKindCount
	}
	return &models.EventSeries{
		SubjectID:   opts.SubjectID,
		Kind:        kind,
		Granularity: opts.Granularity,
		Dates:       dates,
		Values:      values,
	}, nil
}

func aggregate(b *bucket, agg Aggregation) float64 {
	switch agg {
	case AggregateSum:
		return b.sum.InexactFloat64()
	case AggregateMean:
		return b.sum.Div(decimal.NewFromInt(int64(b.count))).InexactFloat64()
	case AggregateLast:
		return b.last.InexactFloat64()
	default:
		return float64(b.count)
	}
}

// FillGaps replaces NaN entries in place according to strategy. Leading and trailing
// gaps take the nearest observed value for the linear and forward strategies; a slice
// with no observed value becomes all zeros.
func FillGaps(values []float64, strategy FillStrategy) {
	firstValid := -1
	for i, v := range values {
		if !math.IsNaN(v) {
			firstValid = i
			break
		}
	}
	if firstValid < 0 || strategy == FillZero {
		for i, v := range values {
			if math.IsNaN(v) {
				values[i] = 0
			}
		}
		return
	}

	for i := 0; i < firstValid; i++ {
		values[i] = values[firstValid]
	}

	prev := firstValid
	for i := firstValid + 1; i < len(values); i++ {
		if !math.IsNaN(values[i]) {
			if strategy == FillLinear && i-prev > 1 {
				step := (values[i] - values[prev]) / float64(i-prev)
				for j := prev + 1; j < i; j++ {
					values[j] = values[prev] + step*float64(j-prev)
				}
			}
			prev = i
			continue
		}
		if strategy == FillForward {
			values[i] = values[prev]
		}
	}
	// trailing gap after the last observation
	for i := prev + 1; i < len(values); i++ {
		values[i] = values[prev]
	}
}

// FromValues builds a continuous daily series from a plain slice starting at start.
// NaN entries are linearly interpolated.
func FromValues(subjectID string, start time.Time, values []float64) *models.EventSeries {
	return FromValuesWithGranularity(subjectID, start, DefaultGranularity, values)
}

// FromValuesWithGranularity is FromValues with an explicit bucket width.
func FromValuesWithGranularity(subjectID string, start time.Time, granularity time.Duration, values []float64) *models.EventSeries {
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	start = start.UTC().Truncate(granularity)
	vals := make([]float64, len(values))
	copy(vals, values)
	FillGaps(vals, FillLinear)

	dates := make([]time.Time, len(vals))
	for i := range vals {
		dates[i] = start.Add(time.Duration(i) * granularity)
	}
	return &models.EventSeries{
		SubjectID:   subjectID,
		Kind:        models.SeriesKindContinuous,
		Granularity: granularity,
		Dates:       dates,
		Values:      vals,
	}
}

// Slice returns the sub-series [i, j) sharing no backing arrays with s.
func Slice(s *models.EventSeries, i, j int) *models.EventSeries {
	i = max(i, 0)
	j = min(j, s.Len())
	if j < i {
		j = i
	}
	out := &models.EventSeries{
		SubjectID:   s.SubjectID,
		Kind:        s.Kind,
		Granularity: s.Granularity,
		Dates:       append([]time.Time(nil), s.Dates[i:j]...),
		Values:      append([]float64(nil), s.Values[i:j]...),
	}
	if len(s.Features) == s.Len() && s.Len() > 0 {
		out.Features = make([][]float64, 0, j-i)
		for _, row := range s.Features[i:j] {
			out.Features = append(out.Features, append([]float64(nil), row...))
		}
	}
	return out
}

// Tail returns the last n points of s.
func Tail(s *models.EventSeries, n int) *models.EventSeries {
	return Slice(s, s.Len()-n, s.Len())
}

// AlignDates returns index pairs of the dates present in both series.
func AlignDates(a, b *models.EventSeries) (idxA, idxB []int) {
	i, j := 0, 0
	for i < a.Len() && j < b.Len() {
		switch {
		case a.Dates[i].Equal(b.Dates[j]):
			idxA = append(idxA, i)
			idxB = append(idxB, j)
			i++
			j++
		case a.Dates[i].Before(b.Dates[j]):
			i++
		default:
			j++
		}
	}
	return idxA, idxB
}
