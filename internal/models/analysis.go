package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Detector names used in statuses, spans and log fields.
const (
	DetectorCycles   = "cycles"
	DetectorRegime   = "regime"
	DetectorPatterns = "patterns"
)

// DetectorStatus reports how one detector fared inside a comprehensive analysis.
type DetectorStatus struct {
	Detector       string `json:"detector"`
	Succeeded      bool   `json:"succeeded"`
	Error          string `json:"error,omitempty"`
	ErrorKind      string `json:"error_kind,omitempty"` // insufficient_data, singular_covariance, timeout, canceled, internal
	RequiredLength int    `json:"required_length,omitempty"`
	LowConfidence  bool   `json:"low_confidence"`
	DurationMs     int64  `json:"duration_ms"`
}

// KeyInsight is one rule-derived observation across detector results.
type KeyInsight struct {
	Type       string   `json:"type"`
	Message    string   `json:"message"`
	Confidence float64  `json:"confidence"` // 0-1
	Sources    []string `json:"sources"`
}

// ComprehensiveResult merges the three detectors for one subject and date range.
type ComprehensiveResult struct {
	RunID             string           `json:"run_id"`
	SubjectID         string           `json:"subject_id"`
	From              time.Time        `json:"from"`
	To                time.Time        `json:"to"`
	Cycles            *CycleResult     `json:"cycles,omitempty"`
	Regime            *RegimeResult    `json:"regime,omitempty"`
	Patterns          *DTWResult       `json:"patterns,omitempty"`
	Detectors         []DetectorStatus `json:"detectors"`
	KeyInsights       []KeyInsight     `json:"key_insights"`
	OverallConfidence decimal.Decimal  `json:"overall_confidence"`
	Partial           bool             `json:"partial"`
	GeneratedAt       time.Time        `json:"generated_at"`
}

// Status returns the status entry for a detector, or nil.
func (r *ComprehensiveResult) Status(detector string) *DetectorStatus {
	for i := range r.Detectors {
		if r.Detectors[i].Detector == detector {
			return &r.Detectors[i]
		}
	}
	return nil
}

// Comparison types supported by Compare.
const (
	CompareCycles  = "cycles"
	CompareRegimes = "regimes"
)

// SubjectSummary is the per-subject part of a comparison.
type SubjectSummary struct {
	SubjectID string        `json:"subject_id"`
	Cycles    *CycleResult  `json:"cycles,omitempty"`
	Regime    *RegimeResult `json:"regime,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// SharedCycle pairs two subjects' periods that agree within tolerance.
type SharedCycle struct {
	PeriodA  float64       `json:"period_a"`
	PeriodB  float64       `json:"period_b"`
	Category CycleCategory `json:"category"`
}

// PairwiseComparison relates two subjects over their aligned dates.
type PairwiseComparison struct {
	SubjectA            string        `json:"subject_a"`
	SubjectB            string        `json:"subject_b"`
	AlignedDays         int           `json:"aligned_days"`
	CycleCorrelation    *float64      `json:"cycle_correlation,omitempty"`
	SharedCycles        []SharedCycle `json:"shared_cycles,omitempty"`
	RegimeCoOccurrence  *float64      `json:"regime_co_occurrence,omitempty"`
	HighActivityOverlap *float64      `json:"high_activity_overlap,omitempty"`
	Interpretation      string        `json:"interpretation"`
}

// ComparisonResult is the output of a multi-subject comparison.
type ComparisonResult struct {
	RunID        string               `json:"run_id"`
	AnalysisType string               `json:"analysis_type"`
	Subjects     []string             `json:"subjects"`
	PerSubject   []SubjectSummary     `json:"per_subject"`
	Pairs        []PairwiseComparison `json:"pairs"`
	Summary      string               `json:"summary"`
	GeneratedAt  time.Time            `json:"generated_at"`
}
