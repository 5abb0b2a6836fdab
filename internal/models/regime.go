package models

import "time"

// Regime labels assigned by canonical state rank.
const (
	RegimeHighActivity = "High Activity"
	RegimeModerate     = "Moderate"
	RegimeLowActivity  = "Low Activity"
)

// RegimeDescriptor summarizes one canonical hidden state.
type RegimeDescriptor struct {
	ID                  int       `json:"id"`
	Label               string    `json:"label"`
	MeanFeatureVector   []float64 `json:"mean_feature_vector"`
	Volatility          float64   `json:"volatility"`
	VolatilityLevel     string    `json:"volatility_level"`     // low, normal, high
	StationaryFrequency float64   `json:"stationary_frequency"` // 0-1, share of decoded days
	SampleSize          int       `json:"sample_size"`
}

// RegimeState is a point-in-time reading from a fitted model.
type RegimeState struct {
	CurrentRegimeID      int     `json:"current_regime_id"`
	Label                string  `json:"label"`
	Confidence           float64 `json:"confidence"`
	ExpectedDurationDays float64 `json:"expected_duration_days"`
}

// RegimeDecoding is the most likely state path for a series under a fitted model.
type RegimeDecoding struct {
	Path       []int       `json:"path"`
	Dates      []time.Time `json:"dates"`
	Posteriors [][]float64 `json:"-"`
	State      RegimeState `json:"state"`
}

// RegimeResult is the output of the regime detector.
type RegimeResult struct {
	States          []RegimeDescriptor `json:"states"`
	Transition      [][]float64        `json:"transition_matrix"`
	State           RegimeState        `json:"state"`
	Path            []int              `json:"path"`
	Dates           []time.Time        `json:"dates"`
	RequestedStates int                `json:"requested_states"`
	FallbackUsed    bool               `json:"fallback_used"`
	Converged       bool               `json:"converged"`
	Iterations      int                `json:"iterations"`
	LogLikelihood   float64            `json:"log_likelihood"`
	LowConfidence   bool               `json:"low_confidence"`
	Warnings        []string           `json:"warnings,omitempty"`
}

// Current returns the descriptor of the current regime.
func (r *RegimeResult) Current() *RegimeDescriptor {
	if r == nil {
		return nil
	}
	for i := range r.States {
		if r.States[i].ID == r.State.CurrentRegimeID {
			return &r.States[i]
		}
	}
	return nil
}

// HighestState returns the ID of the highest-activity state.
func (r *RegimeResult) HighestState() int {
	return len(r.States) - 1
}

// LabelsByDay maps each decoded date (Unix seconds) to its regime label.
func (r *RegimeResult) LabelsByDay() map[int64]string {
	out := make(map[int64]string, len(r.Dates))
	for i, d := range r.Dates {
		out[d.Unix()] = r.States[r.Path[i]].Label
	}
	return out
}
