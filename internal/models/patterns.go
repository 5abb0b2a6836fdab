package models

import "time"

// PatternMatch is one historical window similar to the current one.
type PatternMatch struct {
	ReferenceDate time.Time `json:"reference_date"` // first day of the matched window
	WindowEnd     time.Time `json:"window_end"`
	Similarity    float64   `json:"similarity"` // 0-1
	Distance      float64   `json:"distance"`
	Outcome30d    *float64  `json:"outcome_30d"`
	Outcome90d    *float64  `json:"outcome_90d"`
}

// Prediction aggregates match outcomes into a similarity-weighted estimate.
type Prediction struct {
	HorizonDays    int     `json:"horizon_days"`
	QueryMean      float64 `json:"query_mean"`      // mean activity of the query window
	PointEstimate  float64 `json:"point_estimate"`  // expected change in mean activity
	PredictedLevel float64 `json:"predicted_level"` // query mean + point estimate
	Lower          float64 `json:"lower"`
	Upper          float64 `json:"upper"`
	Confidence     float64 `json:"confidence"` // 0-1
	Contributing   int     `json:"contributing"`
}

// DTWResult is the output of the pattern matcher.
type DTWResult struct {
	QueryStart        time.Time      `json:"query_start"`
	QueryEnd          time.Time      `json:"query_end"`
	WindowSize        int            `json:"window_size"`
	Matches           []PatternMatch `json:"matches"`
	Prediction30d     Prediction     `json:"prediction_30d"`
	Prediction90d     Prediction     `json:"prediction_90d"`
	CandidatesScanned int            `json:"candidates_scanned"`
	CandidatesPruned  int            `json:"candidates_pruned"`
}

// BestMatch returns the most similar match, or nil.
func (r *DTWResult) BestMatch() *PatternMatch {
	if r == nil || len(r.Matches) == 0 {
		return nil
	}
	return &r.Matches[0]
}
