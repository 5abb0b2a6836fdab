package cycles

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"

	"github.com/irfndi/celebrum-patterns/internal/mathutil"
	"github.com/irfndi/celebrum-patterns/internal/models"
)

type peak struct {
	freq  float64 // cycles per sample, refined
	power float64
}

type spectrum struct {
	peaks      []peak
	noiseFloor float64
}

// computeSpectrum applies a Hann window, zero-pads to padding*n and returns the local
// maxima with periods in [2, maxPeriod] samples ordered by descending power.
func computeSpectrum(detrended []float64, padding int, maxPeriod float64) *spectrum {
	n := len(detrended)
	m := n * padding
	buf := make([]float64, m)
	for i, v := range detrended {
		w := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		buf[i] = v * w
	}

	coeffs := fourier.NewFFT(m).Coefficients(nil, buf)
	power := make([]float64, len(coeffs))
	for j, c := range coeffs {
		power[j] = real(c)*real(c) + imag(c)*imag(c)
	}

	lo := max(1, int(math.Ceil(float64(m)/maxPeriod)))
	hi := m / 2
	spec := &spectrum{}
	if lo > hi {
		return spec
	}
	spec.noiseFloor = mathutil.Median(power[lo : hi+1])

	for j := max(lo, 1); j <= hi && j+1 < len(power); j++ {
		if power[j] <= 0 || power[j] <= power[j-1] || power[j] < power[j+1] {
			continue
		}
		offset := interpolate(power[j-1], power[j], power[j+1])
		spec.peaks = append(spec.peaks, peak{
			freq:  (float64(j) + offset) / float64(m),
			power: power[j],
		})
	}
	sort.SliceStable(spec.peaks, func(a, b int) bool {
		return spec.peaks[a].power > spec.peaks[b].power
	})
	return spec
}

// interpolate fits a parabola through the log power of three neighbouring bins and
// returns the vertex offset from the centre bin, within [-0.5, 0.5].
func interpolate(left, centre, right float64) float64 {
	const tiny = 1e-300
	l, c, r := math.Log(left+tiny), math.Log(centre+tiny), math.Log(right+tiny)
	denom := l - 2*c + r
	if denom == 0 || math.IsNaN(denom) {
		return 0
	}
	return mathutil.Clamp(0.5*(l-r)/denom, -0.5, 0.5)
}

type component struct {
	freq       float64 // cycles per sample
	a, b       float64 // cosine and sine coefficients
	fitVar     float64
	strength   float64
	power      float64
	confidence float64
	harmonicOf float64 // samples
}

func (c component) period() float64 { return 1 / c.freq }

func (c component) variance() float64 { return c.fitVar }

func (c component) at(t float64) float64 {
	w := 2 * math.Pi * c.freq * t
	return c.a*math.Cos(w) + c.b*math.Sin(w)
}

// fitComponent least-squares fits a cos/sin pair at freq to residual.
func fitComponent(residual []float64, freq float64) (component, bool) {
	n := len(residual)
	if freq <= 0 || n < 3 {
		return component{}, false
	}
	design := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		w := 2 * math.Pi * freq * float64(i)
		design.Set(i, 0, math.Cos(w))
		design.Set(i, 1, math.Sin(w))
	}
	var coef mat.VecDense
	if err := coef.SolveVec(design, mat.NewVecDense(n, append([]float64(nil), residual...))); err != nil {
		return component{}, false
	}
	c := component{freq: freq, a: coef.AtVec(0), b: coef.AtVec(1)}
	if math.IsNaN(c.a) || math.IsNaN(c.b) {
		return component{}, false
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := c.at(float64(i))
		sum += v * v
	}
	c.fitVar = sum / float64(n)
	return c, true
}

func (c component) descriptor(n int, granularityDays float64) models.CycleDescriptor {
	periodDays := c.period() * granularityDays
	phase := math.Atan2(c.b, c.a)

	theta := math.Mod(2*math.Pi*c.freq*float64(n-1)-phase, 2*math.Pi)
	if theta < 0 {
		theta += 2 * math.Pi
	}
	current := theta / (2 * math.Pi)
	toPeak := 0.0
	if current > 0 {
		toPeak = (1 - current) * periodDays
	}

	d := models.CycleDescriptor{
		PeriodDays:     periodDays,
		Frequency:      c.freq / granularityDays,
		Strength:       c.strength,
		Confidence:     c.confidence,
		Category:       Categorize(periodDays),
		Amplitude:      math.Hypot(c.a, c.b),
		Phase:          phase,
		CurrentPhase:   current,
		DaysToNextPeak: toPeak,
	}
	if c.harmonicOf > 0 {
		d.HarmonicOf = c.harmonicOf * granularityDays
	}
	return d
}
