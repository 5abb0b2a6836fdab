// Package regime fits a Gaussian hidden Markov model to an event series and labels
// its hidden states as activity regimes.
package regime

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/utils"
)

// MinObservationsPerState is the per-state data requirement.
const MinObservationsPerState = 10

// Config holds the regime detector parameters.
type Config struct {
	NStates       int     `json:"n_states"`
	MaxIterations int     `json:"max_iterations"`
	Tolerance     float64 `json:"tolerance"`
	RidgeFactor   float64 `json:"ridge_factor"`
	MaxCondition  float64 `json:"max_condition"`
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		NStates:       4,
		MaxIterations: 100,
		Tolerance:     1e-4,
		RidgeFactor:   1e-4,
		MaxCondition:  1e12,
	}
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if c.NStates < 2 || c.NStates > 6 {
		return utils.NewValidationErrorf("n_states must be between 2 and 6, got %d", c.NStates)
	}
	if c.MaxIterations < 1 {
		return utils.NewValidationErrorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.Tolerance <= 0 {
		return utils.NewValidationErrorf("tolerance must be positive, got %g", c.Tolerance)
	}
	if c.RidgeFactor < 0 {
		return utils.NewValidationErrorf("ridge_factor must not be negative, got %g", c.RidgeFactor)
	}
	if c.MaxCondition <= 1 {
		return utils.NewValidationErrorf("max_condition must exceed 1, got %g", c.MaxCondition)
	}
	return nil
}

// Detector fits regime models. It holds no mutable state and is safe for concurrent use.
type Detector struct {
	config Config
	fit    func(ctx context.Context, obs [][]float64, k int) (*Model, error)
}

// NewDetector creates a detector with the given configuration.
func NewDetector(cfg Config) *Detector {
	d := &Detector{config: cfg}
	d.fit = d.baumWelch
	return d
}

// Config returns the detector configuration.
func (d *Detector) Config() Config {
	return d.config
}

// MinLength returns the shortest series the detector accepts.
func (d *Detector) MinLength() int {
	return MinObservationsPerState * d.config.NStates
}

// Detect fits a model to s and decodes s under it.
func (d *Detector) Detect(ctx context.Context, s *models.EventSeries) (*models.RegimeResult, error) {
	_, result, err := d.Fit(ctx, s)
	return result, err
}

// Fit is Detect that also returns the fitted model for later decoding.
func (d *Detector) Fit(ctx context.Context, s *models.EventSeries) (*Model, *models.RegimeResult, error) {
	if err := d.config.Validate(); err != nil {
		return nil, nil, err
	}
	if n := s.Len(); n < d.MinLength() {
		return nil, nil, utils.NewInsufficientDataError(models.DetectorRegime, d.MinLength(), n)
	}
	obs := s.Observations()

	k := d.config.NStates
	var warnings []string
	model, err := d.fit(ctx, obs, k)
	var singular *utils.SingularCovarianceError
	fallback := false
	if errors.As(err, &singular) && k-1 >= 2 {
		warnings = append(warnings, fmt.Sprintf("fell back to %d states: %v", k-1, err))
		fallback = true
		model, err = d.fit(ctx, obs, k-1)
	}
	if err != nil {
		return nil, nil, err
	}

	model, _ = Canonicalize(model)
	model.assignLabels()
	if err := model.prepare(d.config.MaxCondition); err != nil {
		return nil, nil, err
	}

	if !model.Converged {
		warn := &utils.ConvergenceWarning{Iterations: model.Iterations, Delta: model.LastDelta, Tolerance: d.config.Tolerance}
		warnings = append(warnings, warn.Error())
	}

	decoding := model.decode(obs, s)
	return model, buildResult(model, decoding, d.config.NStates, fallback, warnings), nil
}

// baumWelch runs EM from the deterministic quantile initialization. Convergence is
// judged on the per-observation log-likelihood so the tolerance is independent of
// series length.
func (d *Detector) baumWelch(ctx context.Context, obs [][]float64, k int) (*Model, error) {
	n := float64(len(obs))
	ridge := ridgeFor(obs, d.config.RidgeFactor)
	p := initialParams(obs, k, ridge)

	var (
		post      *posterior
		prev      float64
		delta     = math.Inf(1)
		converged bool
		iter      int
	)
	for iter = 1; ; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("regime fit canceled at iteration %d: %w", iter, err)
		}
		dists, err := emissionDists(p, d.config.MaxCondition)
		if err != nil {
			return nil, err
		}
		post = forwardBackward(logEmissions(obs, dists), p)
		avg := post.logLikelihood / n
		if iter > 1 {
			delta = math.Abs(avg - prev)
			if delta < d.config.Tolerance {
				converged = true
				break
			}
		}
		prev = avg
		if iter >= d.config.MaxIterations {
			break
		}
		if p, err = mStep(obs, post, ridge); err != nil {
			return nil, err
		}
	}

	return &Model{
		Initial:       p.initial,
		Transition:    p.transition,
		Means:         p.means,
		Covariances:   p.covs,
		Converged:     converged,
		Iterations:    iter,
		LogLikelihood: post.logLikelihood,
		LowConfidence: !converged,
		LastDelta:     delta,
	}, nil
}

func buildResult(m *Model, dec *models.RegimeDecoding, requested int, fallback bool, warnings []string) *models.RegimeResult {
	k := m.NumStates()
	counts := make([]int, k)
	for _, s := range dec.Path {
		counts[s]++
	}

	states := make([]models.RegimeDescriptor, k)
	for s := 0; s < k; s++ {
		states[s] = models.RegimeDescriptor{
			ID:                  s,
			Label:               m.Labels[s],
			MeanFeatureVector:   append([]float64(nil), m.Means[s]...),
			Volatility:          m.Volatility(s),
			VolatilityLevel:     m.VolatilityLevels[s],
			StationaryFrequency: float64(counts[s]) / float64(len(dec.Path)),
			SampleSize:          counts[s],
		}
	}
	transition := make([][]float64, k)
	for i := range transition {
		transition[i] = append([]float64(nil), m.Transition[i]...)
	}

	return &models.RegimeResult{
		States:          states,
		Transition:      transition,
		State:           dec.State,
		Path:            dec.Path,
		Dates:           dec.Dates,
		RequestedStates: requested,
		FallbackUsed:    fallback,
		Converged:       m.Converged,
		Iterations:      m.Iterations,
		LogLikelihood:   m.LogLikelihood,
		LowConfidence:   m.LowConfidence,
		Warnings:        warnings,
	}
}
