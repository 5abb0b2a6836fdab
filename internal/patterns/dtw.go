package patterns

import "math"

// Band returns the Sakoe-Chiba half-width for a window of w points.
func Band(w int, ratio float64) int {
	return max(1, int(math.Round(ratio*float64(w))))
}

// Distance returns the banded DTW distance between two equal-length sequences using
// absolute-difference cost.
func Distance(a, b []float64, band int) float64 {
	return dtw(a, b, band, math.Inf(1))
}

// dtw computes banded DTW and abandons with +Inf as soon as every cell of a row
// exceeds limit, since costs only accumulate.
func dtw(a, b []float64, band int, limit float64) float64 {
	n := len(a)
	if n == 0 || len(b) != n {
		return math.Inf(1)
	}
	inf := math.Inf(1)
	prev := make([]float64, n)
	curr := make([]float64, n)
	for j := range prev {
		prev[j] = inf
	}

	for i := 0; i < n; i++ {
		lo, hi := max(0, i-band), min(n-1, i+band)
		for j := range curr {
			curr[j] = inf
		}
		rowMin := inf
		for j := lo; j <= hi; j++ {
			cost := math.Abs(a[i] - b[j])
			var best float64
			switch {
			case i == 0 && j == 0:
				best = 0
			case i == 0:
				best = curr[j-1]
			case j == 0:
				best = prev[j]
			default:
				best = math.Min(prev[j-1], math.Min(prev[j], curr[j-1]))
			}
			curr[j] = cost + best
			rowMin = math.Min(rowMin, curr[j])
		}
		if rowMin > limit {
			return inf
		}
		prev, curr = curr, prev
	}
	return prev[n-1]
}

// envelope returns the running max and min of q over the band, the upper and lower
// bounds of LB_Keogh.
func envelope(q []float64, band int) (upper, lower []float64) {
	n := len(q)
	upper = make([]float64, n)
	lower = make([]float64, n)
	for i := range q {
		lo, hi := max(0, i-band), min(n-1, i+band)
		u, l := q[lo], q[lo]
		for _, v := range q[lo+1 : hi+1] {
			u = math.Max(u, v)
			l = math.Min(l, v)
		}
		upper[i], lower[i] = u, l
	}
	return upper, lower
}

// lbKeogh lower-bounds the banded DTW distance between c and the query whose
// envelope is given. Every point of c is matched at least once to a query point inside
// its band, so its distance to the envelope can only under-count.
func lbKeogh(c, upper, lower []float64, limit float64) float64 {
	var sum float64
	for i, v := range c {
		switch {
		case v > upper[i]:
			sum += v - upper[i]
		case v < lower[i]:
			sum += lower[i] - v
		}
		if sum > limit {
			return sum
		}
	}
	return sum
}
