// Package registration drives the multi-resolution registration runs: it
// walks the pyramid schedule level by level, binding the optimizer to the
// mutual-information metric on each level's smoothed and downsampled volume
// pair, and carries converged parameters forward as the seed for the next
// level. The rigid orchestrator provides initial alignment; the deformable
// orchestrator estimates a B-spline free-form deformation and validates it
// with a Jacobian-determinant folding check.
package registration

import (
	"errors"
	"fmt"
	"math"

	"voxelreg/pkg/config"
	"voxelreg/pkg/metric"
	"voxelreg/pkg/optimizer"
	"voxelreg/pkg/pyramid"
	"voxelreg/pkg/transform"
	"voxelreg/pkg/volume"
)

// GeometryMismatchError reports input volumes a registration run cannot
// operate on.
type GeometryMismatchError struct {
	Detail string
}

func (e *GeometryMismatchError) Error() string {
	return "incompatible input volumes: " + e.Detail
}

// Error wraps a failure at a specific pyramid level. Partial holds the
// transform of the last fully committed level (nil when no level committed),
// kept retrievable for diagnostics.
type Error struct {
	Level   int
	Stage   string
	Partial transform.Transform
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("registration failed at level %d during %s: %v", e.Level, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// LevelReport records the outcome of one pyramid level.
type LevelReport struct {
	Level       int
	Shrink      int
	Sigma       float64
	Mesh        int
	Value       float64
	Iterations  int
	Evaluations int
	Reason      optimizer.StopReason
}

// Result reports a completed registration run.
type Result struct {
	// Transform holds the final converged transform.
	Transform transform.Transform

	// Levels reports per-level optimizer outcomes, coarse to fine.
	Levels []LevelReport

	// Warnings lists recoverable conditions (optimizer stalls, local
	// folding) surfaced for the caller's judgment.
	Warnings []string

	// JacobianMin/JacobianMax bound the deformation's local volume-change
	// field. Zero values for the rigid path.
	JacobianMin, JacobianMax float64

	// FoldingDetected is set when JacobianMin is non-positive: the
	// deformation folds space locally. A warning, not a failure.
	FoldingDetected bool
}

// checkInputs validates the volume pair before any optimization starts.
// Metric sampling and gradient stencils need at least two voxels per axis in
// each volume.
func checkInputs(fixed, moving *volume.Volume) error {
	for _, v := range []struct {
		name string
		vol  *volume.Volume
	}{{"fixed", fixed}, {"moving", moving}} {
		if v.vol == nil {
			return &GeometryMismatchError{Detail: v.name + " volume is nil"}
		}
		if v.vol.Nx < 2 || v.vol.Ny < 2 || v.vol.Nz < 2 {
			return &GeometryMismatchError{Detail: fmt.Sprintf("%s volume grid %dx%dx%d is not a usable 3D grid",
				v.name, v.vol.Nx, v.vol.Ny, v.vol.Nz)}
		}
	}
	return nil
}

// samplesPerParameter floors the metric sample count relative to the
// transform's parameter count. On coarse pyramid levels the configured sample
// fraction of a shrunken volume can leave fewer samples than free-form
// deformation parameters, and a lattice fitted to such a sample moves the
// unsampled space arbitrarily.
const samplesPerParameter = 10

// metricOptions derives per-level metric options from the configuration.
// The metric itself caps the count at the level's voxel count.
func metricOptions(cfg *config.Config, levelVoxels, nParams int) metric.Options {
	count := int(cfg.Metric.SampleFraction * float64(levelVoxels))
	if floor := samplesPerParameter * nParams; count < floor {
		count = floor
	}
	return metric.Options{
		Bins:        cfg.Metric.Bins,
		SampleCount: count,
		Seed:        cfg.Metric.Seed,
		Workers:     cfg.Metric.Workers,
	}
}

// maxTrialStep caps a single line-search trial displacement at a quarter of
// the fixed volume's smallest physical extent, so one badly scaled
// quasi-Newton step cannot map the metric samples out of the overlap region.
func maxTrialStep(fixed *volume.Volume) float64 {
	lo, hi := fixed.PhysicalBounds()
	ext := math.Min(hi.X-lo.X, math.Min(hi.Y-lo.Y, hi.Z-lo.Z))
	return ext / 4
}

// runLevel binds the optimizer to the metric for one pyramid level and
// returns the optimizer result. t's parameters are the seed and are left at
// the converged values on success.
func runLevel(t metric.DifferentiableTransform, fLevel, mLevel *volume.Volume,
	cfg *config.Config, opts optimizer.Options) (*optimizer.Result, error) {

	mi, err := metric.New(fLevel, mLevel, metricOptions(cfg, len(fLevel.Data), t.ParameterCount()))
	if err != nil {
		return nil, fmt.Errorf("building metric: %w", err)
	}

	// A trial transform that maps the samples out of the moving volume is an
	// inadmissible step, not a failure: the line search backtracks from it.
	objective := func(x []float64) (float64, []float64, error) {
		if err := t.SetParameters(x); err != nil {
			return 0, nil, err
		}
		f, g, err := mi.Evaluate(t)
		var degenerate *metric.DegenerateOverlapError
		if errors.As(err, &degenerate) {
			return 0, nil, fmt.Errorf("%w: %w", optimizer.ErrInfeasible, err)
		}
		return f, g, err
	}

	opts.GradientTolerance = cfg.Optimizer.GradientTolerance
	opts.MaxIterations = cfg.Optimizer.MaxIterations
	opts.MaxEvaluations = cfg.Optimizer.MaxEvaluations
	opts.History = cfg.Optimizer.History

	res, err := optimizer.Minimize(objective, t.Parameters(), opts)
	if err != nil {
		return nil, err
	}
	if err := t.SetParameters(res.X); err != nil {
		return nil, err
	}
	return res, nil
}

// handleStall converts an optimizer stall into the orchestrator's policy:
// the best-so-far parameters are kept and the stall becomes a warning. Only
// a first-level stall before any iteration completed is fatal, since then no
// usable seed exists at all. A stall after committed iterations is the
// normal endpoint of optimizing a stochastically sampled metric.
func handleStall(res *optimizer.Result, level int, result *Result, partial transform.Transform) error {
	if !res.Stalled() {
		return nil
	}
	stall := &optimizer.StallError{Iterations: res.Iterations, Evaluations: res.Evaluations}
	if level == 0 && res.Iterations == 0 {
		return &Error{Level: level, Stage: "optimize", Partial: partial, Err: stall}
	}
	result.Warnings = append(result.Warnings,
		fmt.Sprintf("level %d: %v; keeping best parameters found", level, stall))
	return nil
}

// Rigid estimates a 6-parameter rigid transform aligning moving onto fixed
// across a multi-resolution pyramid. On failure the returned error is a
// *Error carrying the level index and, where one exists, the last committed
// transform.
func Rigid(fixed, moving *volume.Volume, cfg *config.Config) (*Result, error) {
	if err := checkInputs(fixed, moving); err != nil {
		return nil, err
	}
	schedule, err := pyramid.NewSchedule(cfg.Rigid.Levels, 0)
	if err != nil {
		return nil, err
	}

	// The rotation center derives from the full-resolution fixed volume and
	// stays constant across levels.
	t := transform.NewRigid(fixed.Center())

	scales := []float64{
		cfg.Rigid.RotationScale, cfg.Rigid.RotationScale, cfg.Rigid.RotationScale,
		cfg.Rigid.TranslationScale, cfg.Rigid.TranslationScale, cfg.Rigid.TranslationScale,
	}

	result := &Result{Transform: t}
	var lastGood transform.Transform

	for l, level := range schedule {
		if cfg.Output.Verbose {
			fmt.Printf("Rigid level %d/%d: shrink %d, sigma %.1f\n", l+1, len(schedule), level.Shrink, level.Sigma)
		}
		fLevel := pyramid.DeriveLevel(fixed, level)
		mLevel := pyramid.DeriveLevel(moving, level)

		res, err := runLevel(t, fLevel, mLevel, cfg, optimizer.Options{Scales: scales, MaxStep: maxTrialStep(fixed)})
		if err != nil {
			return nil, &Error{Level: l, Stage: "optimize", Partial: lastGood, Err: err}
		}
		if err := handleStall(res, l, result, lastGood); err != nil {
			return nil, err
		}

		snapshot := transform.NewRigid(t.Center())
		if err := snapshot.SetParameters(res.X); err != nil {
			return nil, &Error{Level: l, Stage: "commit", Partial: lastGood, Err: err}
		}
		lastGood = snapshot
		result.Levels = append(result.Levels, LevelReport{
			Level:       l,
			Shrink:      level.Shrink,
			Sigma:       level.Sigma,
			Value:       res.F,
			Iterations:  res.Iterations,
			Evaluations: res.Evaluations,
			Reason:      res.Reason,
		})
		if cfg.Output.Verbose {
			fmt.Printf("  %s after %d iterations (%d evaluations), metric %.6f\n",
				res.Reason, res.Iterations, res.Evaluations, res.F)
		}
	}

	return result, nil
}

// Deformable estimates a B-spline free-form deformation aligning moving onto
// fixed across a multi-resolution pyramid, refining the control lattice at
// each level without discarding already-converged displacement, and finishes
// with a Jacobian-determinant folding check over the fixed grid.
//
// The transform seed is the identity; run Rigid first and resample the
// moving volume when a large initial misalignment is expected.
func Deformable(fixed, moving *volume.Volume, cfg *config.Config) (*Result, error) {
	if err := checkInputs(fixed, moving); err != nil {
		return nil, err
	}
	schedule, err := pyramid.NewSchedule(cfg.Deformable.Levels, cfg.Deformable.FinestMesh)
	if err != nil {
		return nil, err
	}

	lo, hi := fixed.PhysicalBounds()
	t, err := transform.NewBSpline(lo, hi, schedule[0].Mesh)
	if err != nil {
		return nil, &pyramid.ConfigError{Reason: err.Error()}
	}

	result := &Result{Transform: t}
	var lastGood transform.Transform

	for l, level := range schedule {
		if cfg.Output.Verbose {
			fmt.Printf("Deformable level %d/%d: shrink %d, sigma %.1f, mesh %d\n",
				l+1, len(schedule), level.Shrink, level.Sigma, level.Mesh)
		}

		// Prepare: derive the level volumes and refine the lattice. The
		// refinement re-expresses the committed coarse displacement on the
		// denser lattice, so nothing already converged is lost.
		fLevel := pyramid.DeriveLevel(fixed, level)
		mLevel := pyramid.DeriveLevel(moving, level)
		if level.Mesh != t.Mesh() {
			if err := t.Refine(level.Mesh); err != nil {
				return nil, &Error{Level: l, Stage: "prepare", Partial: lastGood, Err: err}
			}
		}

		opts := optimizer.Options{MaxStep: maxTrialStep(fixed)}
		if cfg.Deformable.Bounded {
			n := t.ParameterCount()
			opts.Lower = make([]float64, n)
			opts.Upper = make([]float64, n)
			if mag := cfg.Deformable.BoundMagnitude; mag > 0 {
				for i := range opts.Lower {
					opts.Lower[i] = -mag
					opts.Upper[i] = mag
				}
			}
		}

		res, err := runLevel(t, fLevel, mLevel, cfg, opts)
		if err != nil {
			return nil, &Error{Level: l, Stage: "optimize", Partial: lastGood, Err: err}
		}
		if err := handleStall(res, l, result, lastGood); err != nil {
			return nil, err
		}

		snapshot, err := transform.NewBSpline(lo, hi, level.Mesh)
		if err == nil {
			err = snapshot.SetParameters(res.X)
		}
		if err != nil {
			return nil, &Error{Level: l, Stage: "commit", Partial: lastGood, Err: err}
		}
		lastGood = snapshot
		result.Levels = append(result.Levels, LevelReport{
			Level:       l,
			Shrink:      level.Shrink,
			Sigma:       level.Sigma,
			Mesh:        level.Mesh,
			Value:       res.F,
			Iterations:  res.Iterations,
			Evaluations: res.Evaluations,
			Reason:      res.Reason,
		})
		if cfg.Output.Verbose {
			fmt.Printf("  %s after %d iterations (%d evaluations), metric %.6f\n",
				res.Reason, res.Iterations, res.Evaluations, res.F)
		}
	}

	// Finalize: folding check over the fixed grid.
	_, min, max, err := JacobianDeterminants(t, fixed)
	if err != nil {
		return nil, &Error{Level: len(schedule) - 1, Stage: "finalize", Partial: t, Err: err}
	}
	result.JacobianMin = min
	result.JacobianMax = max
	result.FoldingDetected = min <= 0
	if result.FoldingDetected {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("deformation folds locally: minimum Jacobian determinant %.4f", min))
	}

	return result, nil
}

// IsConfigError reports whether err stems from an invalid pyramid or
// transform configuration.
func IsConfigError(err error) bool {
	var ce *pyramid.ConfigError
	return errors.As(err, &ce)
}
