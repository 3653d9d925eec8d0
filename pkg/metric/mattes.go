// Package metric implements the Mattes mutual-information similarity
// estimator between a fixed and a moving volume under a candidate transform.
//
// The estimator draws a deterministic-seeded sparse sample of fixed-volume
// voxel positions once, then on every evaluation maps each sample through
// the transform, interpolates the moving intensity there, and accumulates a
// joint intensity histogram smoothed with a cubic B-spline Parzen window on
// the moving axis so the objective stays differentiable. It returns the
// negative mutual information (the optimizer minimizes) together with its
// analytic gradient with respect to the transform parameters, obtained by
// chaining the Parzen window derivative, the moving image's physical
// intensity gradient and the transform's parameter Jacobian.
//
// Per-sample accumulation carries no cross-sample dependency, so it runs on
// partitioned worker goroutines with per-worker local histograms merged by a
// single reduction.
package metric

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"

	"voxelreg/internal/models"
	"voxelreg/pkg/transform"
	"voxelreg/pkg/volume"
)

// parzenPadding keeps the cubic Parzen window's four-bin support inside the
// histogram for any in-range intensity.
const parzenPadding = 2

// DifferentiableTransform is the capability set the metric requires: point
// evaluation, parameters, and the chained parameter-gradient accumulation
// that pkg/transform's rigid and B-spline variants provide.
type DifferentiableTransform interface {
	transform.Transform
	AccumulateParameterGradient(p models.Point3, g models.Vector3, scale float64, grad []float64)
}

// DegenerateOverlapError reports that too few metric samples mapped into the
// moving volume's domain for the mutual information estimate to mean
// anything.
type DegenerateOverlapError struct {
	Valid, Total int
	MinFraction  float64
}

func (e *DegenerateOverlapError) Error() string {
	return fmt.Sprintf("degenerate overlap: only %d of %d metric samples map into the moving volume (minimum fraction %.2f)",
		e.Valid, e.Total, e.MinFraction)
}

// Options configures the estimator. Zero values select the defaults.
type Options struct {
	// Bins is the histogram resolution per intensity axis. Default 50.
	Bins int

	// SampleCount is the number of fixed-volume sample points drawn.
	// Default: 20% of the fixed voxel count, at least 2000, at most the
	// voxel count.
	SampleCount int

	// Seed makes the sparse sample deterministic; the same seed always
	// yields the same sample positions, keeping the objective smooth across
	// optimizer iterations. Default 1.
	Seed int64

	// Workers bounds the parallel accumulation goroutines. Default
	// runtime.NumCPU().
	Workers int

	// MinValidFraction is the smallest fraction of samples that must land
	// inside the moving volume before the estimate degenerates. Default 0.1.
	MinValidFraction float64
}

func (o Options) withDefaults(fixedVoxels int) Options {
	if o.Bins <= 0 {
		o.Bins = 50
	}
	if o.SampleCount <= 0 {
		o.SampleCount = fixedVoxels / 5
		if o.SampleCount < 2000 {
			o.SampleCount = 2000
		}
	}
	if o.SampleCount > fixedVoxels {
		o.SampleCount = fixedVoxels
	}
	if o.Seed == 0 {
		o.Seed = 1
	}
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.MinValidFraction <= 0 {
		o.MinValidFraction = 0.1
	}
	return o
}

// MattesMI estimates negative mutual information between a fixed and a
// moving volume. The sample positions, fixed intensities and fixed bin
// indices are drawn once at construction; Evaluate is then called repeatedly
// by the optimizer with changing transform parameters.
type MattesMI struct {
	fixed  *volume.Volume
	moving *volume.Volume
	opts   Options

	points    []models.Point3
	fixedBins []int

	movingMin  float64
	movingBinW float64
}

// sampleEval caches the per-sample quantities the gradient pass reuses.
type sampleEval struct {
	valid    bool
	fixedBin int
	parzen   float64 // continuous moving-bin coordinate
	point    models.Point3
	gradient models.Vector3
}

// New builds an estimator over the given volume pair. The fixed volume
// defines the sampling domain; both volumes are read-only afterwards.
func New(fixed, moving *volume.Volume, opts Options) (*MattesMI, error) {
	opts = opts.withDefaults(len(fixed.Data))
	if opts.Bins < 2*parzenPadding+2 {
		return nil, fmt.Errorf("histogram needs at least %d bins, got %d", 2*parzenPadding+2, opts.Bins)
	}

	m := &MattesMI{fixed: fixed, moving: moving, opts: opts}

	fMin, fMax := fixed.MinMax()
	mMin, mMax := moving.MinMax()
	if fMax <= fMin || mMax <= mMin {
		return nil, fmt.Errorf("constant-intensity volume has no mutual information")
	}
	fixedBinW := (fMax - fMin) / float64(opts.Bins)
	m.movingMin = mMin
	m.movingBinW = (mMax - mMin) / float64(opts.Bins-2*parzenPadding)

	// Deterministic sparse sample of fixed voxel positions.
	rng := rand.New(rand.NewSource(opts.Seed))
	m.points = make([]models.Point3, opts.SampleCount)
	m.fixedBins = make([]int, opts.SampleCount)
	for s := 0; s < opts.SampleCount; s++ {
		i := rng.Intn(fixed.Nx)
		j := rng.Intn(fixed.Ny)
		k := rng.Intn(fixed.Nz)
		m.points[s] = fixed.IndexToPhysical(float64(i), float64(j), float64(k))
		bin := int((fixed.At(i, j, k) - fMin) / fixedBinW)
		if bin > opts.Bins-1 {
			bin = opts.Bins - 1
		}
		m.fixedBins[s] = bin
	}
	return m, nil
}

// SampleCount returns the number of sample positions drawn.
func (m *MattesMI) SampleCount() int { return len(m.points) }

// parzenCoord maps a moving intensity onto the continuous histogram-bin
// coordinate, clamped so the four-bin window stays inside the histogram.
func (m *MattesMI) parzenCoord(v float64) float64 {
	u := (v-m.movingMin)/m.movingBinW + parzenPadding
	lo := float64(parzenPadding)
	hi := float64(m.opts.Bins - 1 - parzenPadding)
	if u < lo {
		u = lo
	}
	if u > hi {
		u = hi
	}
	return u
}

// cubicWindow evaluates the cubic B-spline Parzen kernel at x.
func cubicWindow(x float64) float64 {
	x = math.Abs(x)
	switch {
	case x >= 2:
		return 0
	case x >= 1:
		d := 2 - x
		return d * d * d / 6
	default:
		return (4 - 6*x*x + 3*x*x*x) / 6
	}
}

// cubicWindowDeriv evaluates the kernel derivative at x.
func cubicWindowDeriv(x float64) float64 {
	ax := math.Abs(x)
	var d float64
	switch {
	case ax >= 2:
		return 0
	case ax >= 1:
		e := 2 - ax
		d = -e * e / 2
	default:
		d = (9*ax*ax - 12*ax) / 6
	}
	if x < 0 {
		return -d
	}
	return d
}

// Evaluate computes the negative mutual information of the volume pair under
// t and its gradient with respect to t's parameters. Samples mapping outside
// the moving volume are excluded from both the histogram and the gradient;
// when fewer than MinValidFraction of them remain, a
// *DegenerateOverlapError is returned.
func (m *MattesMI) Evaluate(t DifferentiableTransform) (float64, []float64, error) {
	bins := m.opts.Bins
	nSamples := len(m.points)
	workers := m.opts.Workers
	if workers > nSamples {
		workers = 1
	}

	evals := make([]sampleEval, nSamples)
	joints := make([][]float64, workers)

	// Pass 1: map samples, interpolate the moving intensity and gradient,
	// accumulate per-worker joint histograms.
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			local := make([]float64, bins*bins)
			joints[w] = local
			for s := w; s < nSamples; s += workers {
				q := t.Apply(m.points[s])
				v, ok := m.moving.Interpolate(q)
				if !ok {
					continue
				}
				g, ok := m.moving.GradientAt(q)
				if !ok {
					continue
				}
				u := m.parzenCoord(v)
				base := int(u) - 1
				fb := m.fixedBins[s]
				for o := 0; o < 4; o++ {
					local[fb*bins+base+o] += cubicWindow(u - float64(base+o))
				}
				evals[s] = sampleEval{
					valid:    true,
					fixedBin: fb,
					parzen:   u,
					point:    m.points[s],
					gradient: g,
				}
			}
		}(w)
	}
	wg.Wait()

	joint := joints[0]
	for w := 1; w < workers; w++ {
		for i, v := range joints[w] {
			joint[i] += v
		}
	}

	valid := 0
	for s := range evals {
		if evals[s].valid {
			valid++
		}
	}
	if float64(valid) < m.opts.MinValidFraction*float64(nSamples) {
		return 0, nil, &DegenerateOverlapError{Valid: valid, Total: nSamples, MinFraction: m.opts.MinValidFraction}
	}

	// Normalize to a joint PDF, compute marginals and the MI value.
	norm := 1 / float64(valid)
	pMoving := make([]float64, bins)
	pFixed := make([]float64, bins)
	for f := 0; f < bins; f++ {
		for mb := 0; mb < bins; mb++ {
			p := joint[f*bins+mb] * norm
			joint[f*bins+mb] = p
			pFixed[f] += p
			pMoving[mb] += p
		}
	}
	mi := 0.0
	for f := 0; f < bins; f++ {
		if pFixed[f] <= 0 {
			continue
		}
		for mb := 0; mb < bins; mb++ {
			p := joint[f*bins+mb]
			if p <= 0 || pMoving[mb] <= 0 {
				continue
			}
			mi += p * math.Log(p/(pFixed[f]*pMoving[mb]))
		}
	}

	// logRatio[f*bins+m] = log(P(f,m)/pM(m)), the weight each PDF
	// perturbation carries in dMI (the fixed marginal does not depend on
	// the parameters).
	logRatio := make([]float64, bins*bins)
	for f := 0; f < bins; f++ {
		for mb := 0; mb < bins; mb++ {
			p := joint[f*bins+mb]
			if p > 0 && pMoving[mb] > 0 {
				logRatio[f*bins+mb] = math.Log(p / pMoving[mb])
			}
		}
	}

	// Pass 2: chain rule. d(-MI)/dθ = -Σ_s Σ_o W'(u-o)/binW · logRatio ·
	// ∇M(q)ᵀ ∂q/∂θ / N.
	nParams := t.ParameterCount()
	grads := make([][]float64, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			local := make([]float64, nParams)
			grads[w] = local
			for s := w; s < nSamples; s += workers {
				ev := &evals[s]
				if !ev.valid {
					continue
				}
				base := int(ev.parzen) - 1
				scale := 0.0
				for o := 0; o < 4; o++ {
					dw := cubicWindowDeriv(ev.parzen - float64(base+o))
					scale += dw * logRatio[ev.fixedBin*bins+base+o]
				}
				scale *= -norm / m.movingBinW
				if scale == 0 {
					continue
				}
				t.AccumulateParameterGradient(ev.point, ev.gradient, scale, local)
			}
		}(w)
	}
	wg.Wait()

	grad := grads[0]
	for w := 1; w < workers; w++ {
		for i, v := range grads[w] {
			grad[i] += v
		}
	}

	return -mi, grad, nil
}
