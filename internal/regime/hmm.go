package regime

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/irfndi/celebrum-patterns/internal/mathutil"
	"github.com/irfndi/celebrum-patterns/internal/utils"
)

const (
	probabilityFloor = 1e-10
	minRidge         = 1e-8
	minSupport       = 1e-10
)

// params is one set of Gaussian HMM parameters.
type params struct {
	initial    []float64
	transition [][]float64
	means      [][]float64
	covs       []*mat.SymDense
}

func (p *params) states() int { return len(p.initial) }

// ridgeFor scales the diagonal regularizer to each dimension's overall variance.
func ridgeFor(obs [][]float64, factor float64) []float64 {
	dim := len(obs[0])
	ridge := make([]float64, dim)
	col := make([]float64, len(obs))
	for d := 0; d < dim; d++ {
		for t, row := range obs {
			col[t] = row[d]
		}
		ridge[d] = math.Max(factor*mathutil.PopVariance(col), minRidge)
	}
	return ridge
}

// initialParams seeds the model deterministically: observations are ordered by
// activity and split into k equal quantile groups.
func initialParams(obs [][]float64, k int, ridge []float64) *params {
	n := len(obs)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return obs[order[a]][0] < obs[order[b]][0]
	})

	p := &params{
		initial:    make([]float64, k),
		transition: make([][]float64, k),
		means:      make([][]float64, k),
		covs:       make([]*mat.SymDense, k),
	}
	offDiagonal := 0.1 / float64(k-1)
	for s := 0; s < k; s++ {
		p.initial[s] = 1 / float64(k)
		p.transition[s] = make([]float64, k)
		for j := range p.transition[s] {
			p.transition[s][j] = offDiagonal
		}
		p.transition[s][s] = 0.9

		lo, hi := s*n/k, (s+1)*n/k
		weights := make([]float64, n)
		for _, idx := range order[lo:hi] {
			weights[idx] = 1
		}
		p.means[s], p.covs[s] = weightedMoments(obs, weights, float64(hi-lo), ridge)
	}
	return p
}

// weightedMoments returns the weighted mean and ridge-regularized covariance.
func weightedMoments(obs [][]float64, weights []float64, total float64, ridge []float64) ([]float64, *mat.SymDense) {
	dim := len(obs[0])
	mean := make([]float64, dim)
	for t, row := range obs {
		if weights[t] == 0 {
			continue
		}
		for d, v := range row {
			mean[d] += weights[t] * v
		}
	}
	for d := range mean {
		mean[d] /= total
	}

	cov := mat.NewSymDense(dim, nil)
	for t, row := range obs {
		w := weights[t]
		if w == 0 {
			continue
		}
		for i := 0; i < dim; i++ {
			di := row[i] - mean[i]
			for j := i; j < dim; j++ {
				cov.SetSym(i, j, cov.At(i, j)+w*di*(row[j]-mean[j]))
			}
		}
	}
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			v := cov.At(i, j) / total
			if i == j {
				v += ridge[i]
			}
			cov.SetSym(i, j, v)
		}
	}
	return mean, cov
}

// emissionDists validates each state's covariance and builds its Gaussian.
func emissionDists(p *params, maxCondition float64) ([]*distmv.Normal, error) {
	k := p.states()
	dists := make([]*distmv.Normal, k)
	for s := 0; s < k; s++ {
		var chol mat.Cholesky
		if ok := chol.Factorize(p.covs[s]); !ok {
			return nil, &utils.SingularCovarianceError{States: k, State: s, Reason: "covariance is not positive definite"}
		}
		if cond := chol.Cond(); cond > maxCondition || math.IsNaN(cond) {
			return nil, &utils.SingularCovarianceError{States: k, State: s,
				Reason: fmt.Sprintf("condition number %.3g exceeds %.3g", cond, maxCondition)}
		}
		dist, ok := distmv.NewNormal(p.means[s], p.covs[s], nil)
		if !ok {
			return nil, &utils.SingularCovarianceError{States: k, State: s, Reason: "gaussian construction failed"}
		}
		dists[s] = dist
	}
	return dists, nil
}

func logEmissions(obs [][]float64, dists []*distmv.Normal) [][]float64 {
	logB := make([][]float64, len(obs))
	for t, row := range obs {
		logB[t] = make([]float64, len(dists))
		for s, dist := range dists {
			logB[t][s] = dist.LogProb(row)
		}
	}
	return logB
}

// posterior holds the smoothed state probabilities of one forward-backward pass.
type posterior struct {
	gamma         [][]float64
	xiSum         [][]float64
	logLikelihood float64
}

// forwardBackward runs the scaled forward-backward recursion. Emissions are shifted
// by their per-step maximum before exponentiation, and the shift is added back into
// the log-likelihood.
func forwardBackward(logB [][]float64, p *params) *posterior {
	n, k := len(logB), p.states()
	b := make([][]float64, n)
	alpha := make([][]float64, n)
	scale := make([]float64, n)
	var ll float64

	for t := 0; t < n; t++ {
		shift := math.Inf(-1)
		for _, v := range logB[t] {
			shift = math.Max(shift, v)
		}
		b[t] = make([]float64, k)
		for s := range b[t] {
			b[t][s] = math.Exp(logB[t][s] - shift)
		}

		alpha[t] = make([]float64, k)
		var sum float64
		for j := 0; j < k; j++ {
			var pred float64
			if t == 0 {
				pred = p.initial[j]
			} else {
				for i := 0; i < k; i++ {
					pred += alpha[t-1][i] * p.transition[i][j]
				}
			}
			alpha[t][j] = pred * b[t][j]
			sum += alpha[t][j]
		}
		if sum <= 0 {
			sum = math.SmallestNonzeroFloat64
		}
		for j := range alpha[t] {
			alpha[t][j] /= sum
		}
		scale[t] = sum
		ll += math.Log(sum) + shift
	}

	beta := make([][]float64, n)
	beta[n-1] = make([]float64, k)
	for s := range beta[n-1] {
		beta[n-1][s] = 1
	}
	xiSum := make([][]float64, k)
	for i := range xiSum {
		xiSum[i] = make([]float64, k)
	}
	for t := n - 2; t >= 0; t-- {
		beta[t] = make([]float64, k)
		for i := 0; i < k; i++ {
			var acc float64
			for j := 0; j < k; j++ {
				term := p.transition[i][j] * b[t+1][j] * beta[t+1][j] / scale[t+1]
				acc += term
				xiSum[i][j] += alpha[t][i] * term
			}
			beta[t][i] = acc
		}
	}

	gamma := make([][]float64, n)
	for t := 0; t < n; t++ {
		gamma[t] = make([]float64, k)
		var sum float64
		for s := 0; s < k; s++ {
			gamma[t][s] = alpha[t][s] * beta[t][s]
			sum += gamma[t][s]
		}
		if sum > 0 {
			for s := range gamma[t] {
				gamma[t][s] /= sum
			}
		}
	}
	return &posterior{gamma: gamma, xiSum: xiSum, logLikelihood: ll}
}

// mStep re-estimates the parameters from the posterior.
func mStep(obs [][]float64, post *posterior, ridge []float64) (*params, error) {
	n, k := len(obs), len(post.xiSum)
	p := &params{
		initial:    normalizeFloor(append([]float64(nil), post.gamma[0]...)),
		transition: make([][]float64, k),
		means:      make([][]float64, k),
		covs:       make([]*mat.SymDense, k),
	}

	weights := make([]float64, n)
	for s := 0; s < k; s++ {
		var support float64
		for t := 0; t < n; t++ {
			weights[t] = post.gamma[t][s]
			support += weights[t]
		}
		if support < minSupport {
			return nil, &utils.SingularCovarianceError{States: k, State: s, Reason: "state lost all support"}
		}
		p.means[s], p.covs[s] = weightedMoments(obs, weights, support, ridge)
		p.transition[s] = normalizeFloor(append([]float64(nil), post.xiSum[s]...))
	}
	return p, nil
}

// normalizeFloor keeps every probability strictly positive and the row stochastic.
func normalizeFloor(row []float64) []float64 {
	var sum float64
	for _, v := range row {
		sum += v
	}
	if sum <= 0 {
		for i := range row {
			row[i] = 1 / float64(len(row))
		}
		return row
	}
	var total float64
	for i, v := range row {
		row[i] = math.Max(v/sum, probabilityFloor)
		total += row[i]
	}
	for i := range row {
		row[i] /= total
	}
	return row
}

// viterbi returns the most likely state path in log space. Ties resolve to the lower
// state index.
func viterbi(logB [][]float64, p *params) []int {
	n, k := len(logB), p.states()
	logA := make([][]float64, k)
	for i := range logA {
		logA[i] = make([]float64, k)
		for j := range logA[i] {
			logA[i][j] = math.Log(p.transition[i][j])
		}
	}

	delta := make([]float64, k)
	for s := 0; s < k; s++ {
		delta[s] = math.Log(p.initial[s]) + logB[0][s]
	}
	back := make([][]int, n)
	next := make([]float64, k)
	for t := 1; t < n; t++ {
		back[t] = make([]int, k)
		for j := 0; j < k; j++ {
			best, arg := math.Inf(-1), 0
			for i := 0; i < k; i++ {
				if v := delta[i] + logA[i][j]; v > best {
					best, arg = v, i
				}
			}
			next[j] = best + logB[t][j]
			back[t][j] = arg
		}
		delta, next = next, delta
	}

	path := make([]int, n)
	best := math.Inf(-1)
	for s := 0; s < k; s++ {
		if delta[s] > best {
			best, path[n-1] = delta[s], s
		}
	}
	for t := n - 1; t > 0; t-- {
		path[t-1] = back[t][path[t]]
	}
	return path
}
