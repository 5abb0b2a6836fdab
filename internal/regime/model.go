package regime

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/irfndi/celebrum-patterns/internal/mathutil"
	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/utils"
)

// Volatility level names.
const (
	VolatilityLow    = "low"
	VolatilityNormal = "normal"
	VolatilityHigh   = "high"
)

// Model is a fitted Gaussian HMM in canonical state order. It is immutable after
// construction and safe for concurrent decoding.
type Model struct {
	Initial          []float64
	Transition       [][]float64
	Means            [][]float64
	Covariances      []*mat.SymDense
	Labels           []string
	VolatilityLevels []string
	Converged        bool
	Iterations       int
	LogLikelihood    float64
	LowConfidence    bool
	// LastDelta is the final per-observation log-likelihood improvement.
	LastDelta float64

	dists []*distmv.Normal
}

// NumStates returns the number of hidden states.
func (m *Model) NumStates() int { return len(m.Initial) }

// Dim returns the observation dimension.
func (m *Model) Dim() int {
	if len(m.Means) == 0 {
		return 0
	}
	return len(m.Means[0])
}

// Volatility returns the standard deviation of the activity dimension in state s.
func (m *Model) Volatility(s int) float64 {
	return math.Sqrt(m.Covariances[s].At(0, 0))
}

func (m *Model) params() *params {
	return &params{initial: m.Initial, transition: m.Transition, means: m.Means, covs: m.Covariances}
}

// Canonicalize returns a copy of m with states ordered by ascending mean activity,
// breaking ties on volatility and then on the original index, together with the
// permutation perm where new state i was old state perm[i].
func Canonicalize(m *Model) (*Model, []int) {
	k := m.NumStates()
	perm := make([]int, k)
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool {
		ia, ib := perm[a], perm[b]
		if m.Means[ia][0] != m.Means[ib][0] {
			return m.Means[ia][0] < m.Means[ib][0]
		}
		if va, vb := m.Volatility(ia), m.Volatility(ib); va != vb {
			return va < vb
		}
		return ia < ib
	})

	out := *m
	out.Initial = make([]float64, k)
	out.Transition = make([][]float64, k)
	out.Means = make([][]float64, k)
	out.Covariances = make([]*mat.SymDense, k)
	out.Labels = nil
	out.VolatilityLevels = nil
	out.dists = nil
	for i, old := range perm {
		out.Initial[i] = m.Initial[old]
		out.Means[i] = append([]float64(nil), m.Means[old]...)
		out.Covariances[i] = mat.NewSymDense(m.Dim(), nil)
		out.Covariances[i].CopySym(m.Covariances[old])
		out.Transition[i] = make([]float64, k)
		for j, oldJ := range perm {
			out.Transition[i][j] = m.Transition[old][oldJ]
		}
	}
	if len(m.Labels) == k {
		out.Labels = make([]string, k)
		for i, old := range perm {
			out.Labels[i] = m.Labels[old]
		}
	}
	if len(m.VolatilityLevels) == k {
		out.VolatilityLevels = make([]string, k)
		for i, old := range perm {
			out.VolatilityLevels[i] = m.VolatilityLevels[old]
		}
	}
	return &out, perm
}

// PermutePath maps a path decoded under the original state order into canonical order.
func PermutePath(path []int, perm []int) []int {
	inverse := make([]int, len(perm))
	for newIdx, old := range perm {
		inverse[old] = newIdx
	}
	out := make([]int, len(path))
	for t, s := range path {
		out[t] = inverse[s]
	}
	return out
}

// assignLabels labels states by their canonical rank: the top state is high activity,
// state 0 low activity and any state between them moderate. Volatility levels come
// from the spread of state volatilities. The model must already be canonical.
func (m *Model) assignLabels() {
	k := m.NumStates()
	m.Labels = make([]string, k)
	vols := make([]float64, k)
	for s := 0; s < k; s++ {
		switch {
		case s == k-1:
			m.Labels[s] = models.RegimeHighActivity
		case s == 0:
			m.Labels[s] = models.RegimeLowActivity
		default:
			m.Labels[s] = models.RegimeModerate
		}
		vols[s] = m.Volatility(s)
	}

	lo := mathutil.Quantile(vols, 1.0/3)
	hi := mathutil.Quantile(vols, 2.0/3)
	m.VolatilityLevels = make([]string, k)
	for s, v := range vols {
		switch {
		case hi-lo <= 1e-12*math.Max(1, hi):
			m.VolatilityLevels[s] = VolatilityNormal
		case v <= lo:
			m.VolatilityLevels[s] = VolatilityLow
		case v >= hi:
			m.VolatilityLevels[s] = VolatilityHigh
		default:
			m.VolatilityLevels[s] = VolatilityNormal
		}
	}
}

func (m *Model) prepare(maxCondition float64) error {
	dists, err := emissionDists(m.params(), maxCondition)
	if err != nil {
		return err
	}
	m.dists = dists
	return nil
}

// Decode returns the Viterbi path, smoothed posteriors and current state of s under m.
func (m *Model) Decode(ctx context.Context, s *models.EventSeries) (*models.RegimeDecoding, error) {
	if m.dists == nil {
		return nil, fmt.Errorf("regime model is not fitted")
	}
	obs := s.Observations()
	if len(obs) == 0 {
		return nil, utils.NewInsufficientDataError(models.DetectorRegime, 1, 0)
	}
	if len(obs[0]) != m.Dim() {
		return nil, utils.NewValidationErrorf("observation dimension %d does not match model dimension %d", len(obs[0]), m.Dim())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.decode(obs, s), nil
}

func (m *Model) decode(obs [][]float64, s *models.EventSeries) *models.RegimeDecoding {
	logB := logEmissions(obs, m.dists)
	post := forwardBackward(logB, m.params())
	path := viterbi(logB, m.params())
	return &models.RegimeDecoding{
		Path:       path,
		Dates:      append(s.Dates[:0:0], s.Dates...),
		Posteriors: post.gamma,
		State:      m.stateAt(path, post.gamma, s),
	}
}

func (m *Model) stateAt(path []int, gamma [][]float64, s *models.EventSeries) models.RegimeState {
	last := len(path) - 1
	current := path[last]
	gDays := s.GranularityDays()
	horizon := float64(len(path)) * gDays

	duration := horizon
	if stay := m.Transition[current][current]; stay < 1 {
		duration = math.Min(horizon, gDays/(1-stay))
	}
	state := models.RegimeState{
		CurrentRegimeID:      current,
		Confidence:           mathutil.Clamp(gamma[last][current], 0, 1),
		ExpectedDurationDays: duration,
	}
	if len(m.Labels) > current {
		state.Label = m.Labels[current]
	}
	return state
}
