package optimizer

import (
	"errors"
	"fmt"
	"math"
	"testing"
)

// quadratic returns an objective with minimum at c and per-axis curvature w.
func quadratic(c, w []float64) Objective {
	return func(x []float64) (float64, []float64, error) {
		f := 0.0
		g := make([]float64, len(x))
		for i := range x {
			d := x[i] - c[i]
			f += w[i] * d * d
			g[i] = 2 * w[i] * d
		}
		return f, g, nil
	}
}

// TestMinimizeQuadratic verifies convergence to the exact minimum of a
// separable quadratic.
func TestMinimizeQuadratic(t *testing.T) {
	c := []float64{1, -2, 3}
	obj := quadratic(c, []float64{1, 1, 1})

	res, err := Minimize(obj, []float64{0, 0, 0}, Options{})
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if res.Reason != GradientConverged {
		t.Errorf("Expected stop reason %v, got %v", GradientConverged, res.Reason)
	}
	for i := range c {
		if math.Abs(res.X[i]-c[i]) > 1e-4 {
			t.Errorf("Parameter %d: expected %f, got %f", i, c[i], res.X[i])
		}
	}
	if res.F > 1e-8 {
		t.Errorf("Expected near-zero objective at the minimum, got %g", res.F)
	}
	if res.Evaluations < 1 {
		t.Errorf("Expected at least one evaluation, got %d", res.Evaluations)
	}
}

// TestMinimizeIllConditioned verifies that per-parameter scales let the
// search handle a badly conditioned quadratic.
func TestMinimizeIllConditioned(t *testing.T) {
	c := []float64{1, 2}
	obj := quadratic(c, []float64{1, 1000})

	res, err := Minimize(obj, []float64{0, 0}, Options{
		Scales:        []float64{2, 2000},
		MaxIterations: 200,
	})
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	for i := range c {
		if math.Abs(res.X[i]-c[i]) > 1e-3 {
			t.Errorf("Parameter %d: expected %f, got %f", i, c[i], res.X[i])
		}
	}
}

// TestMinimizeBounded verifies that box constraints hold at every accepted
// point and that a constrained minimum on the boundary converges.
func TestMinimizeBounded(t *testing.T) {
	obj := func(x []float64) (float64, []float64, error) {
		d := x[0] - 5
		return d * d, []float64{2 * d}, nil
	}

	res, err := Minimize(obj, []float64{1}, Options{
		Lower: []float64{-2},
		Upper: []float64{2},
	})
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if res.Reason != GradientConverged {
		t.Errorf("Expected stop reason %v, got %v", GradientConverged, res.Reason)
	}
	if math.Abs(res.X[0]-2) > 1e-9 {
		t.Errorf("Expected constrained minimum at the upper bound 2, got %f", res.X[0])
	}
}

// TestMinimizeZeroWidthBoundIsFree verifies the zero-width bound convention:
// a parameter whose bounds are both zero moves freely while its bounded
// neighbour is clipped.
func TestMinimizeZeroWidthBoundIsFree(t *testing.T) {
	c := []float64{4, 4}
	obj := quadratic(c, []float64{1, 1})

	res, err := Minimize(obj, []float64{0, 0}, Options{
		Lower: []float64{0, -1},
		Upper: []float64{0, 1},
	})
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if math.Abs(res.X[0]-4) > 1e-4 {
		t.Errorf("Expected free parameter to reach 4, got %f", res.X[0])
	}
	if math.Abs(res.X[1]-1) > 1e-9 {
		t.Errorf("Expected bounded parameter at its upper bound 1, got %f", res.X[1])
	}
}

// TestMinimizeClipsInitialPoint verifies that an out-of-bounds start is
// projected onto the feasible box before the first evaluation.
func TestMinimizeClipsInitialPoint(t *testing.T) {
	var first []float64
	obj := func(x []float64) (float64, []float64, error) {
		if first == nil {
			first = append([]float64(nil), x...)
		}
		d := x[0] - 0.5
		return d * d, []float64{2 * d}, nil
	}

	_, err := Minimize(obj, []float64{10}, Options{
		Lower: []float64{-1},
		Upper: []float64{1},
	})
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if first[0] != 1 {
		t.Errorf("Expected initial point clipped to 1, got %f", first[0])
	}
}

// TestMinimizeIterationLimit verifies the iteration cap on a slow valley.
func TestMinimizeIterationLimit(t *testing.T) {
	rosenbrock := func(x []float64) (float64, []float64, error) {
		a, b := x[0], x[1]
		f := (1-a)*(1-a) + 100*(b-a*a)*(b-a*a)
		g := []float64{
			-2*(1-a) - 400*a*(b-a*a),
			200 * (b - a*a),
		}
		return f, g, nil
	}

	res, err := Minimize(rosenbrock, []float64{-1.2, 1}, Options{MaxIterations: 3})
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if res.Reason != IterationLimit {
		t.Errorf("Expected stop reason %v, got %v", IterationLimit, res.Reason)
	}
	if res.Iterations != 3 {
		t.Errorf("Expected exactly 3 iterations, got %d", res.Iterations)
	}
}

// TestMinimizeEvaluationLimit verifies the evaluation cap.
func TestMinimizeEvaluationLimit(t *testing.T) {
	obj := quadratic([]float64{100}, []float64{1})

	res, err := Minimize(obj, []float64{0}, Options{MaxEvaluations: 1})
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if res.Reason != EvaluationLimit {
		t.Errorf("Expected stop reason %v, got %v", EvaluationLimit, res.Reason)
	}
	if res.Evaluations != 1 {
		t.Errorf("Expected exactly 1 evaluation, got %d", res.Evaluations)
	}
}

// TestMinimizeLineSearchFailure verifies that an objective whose gradient
// misleads the search ends in a recoverable stall holding the best
// parameters seen, not an error.
func TestMinimizeLineSearchFailure(t *testing.T) {
	// Reports an ascent gradient, so every claimed descent direction
	// increases the true objective and no step is ever admissible.
	obj := func(x []float64) (float64, []float64, error) {
		return x[0] * x[0], []float64{-2 * x[0]}, nil
	}

	res, err := Minimize(obj, []float64{1}, Options{})
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if res.Reason != LineSearchFailure {
		t.Errorf("Expected stop reason %v, got %v", LineSearchFailure, res.Reason)
	}
	if !res.Stalled() {
		t.Error("Expected Stalled() to report true")
	}
	if res.X[0] != 1 {
		t.Errorf("Expected best-so-far parameters unchanged at 1, got %f", res.X[0])
	}
}

// TestMinimizeInfeasibleTrialBacktracks verifies that a trial point rejected
// with ErrInfeasible is backtracked past instead of aborting the search: a
// quadratic with minimum at 3 whose objective is undefined beyond 4 still
// converges from a first trial that overshoots into the undefined region.
func TestMinimizeInfeasibleTrialBacktracks(t *testing.T) {
	rejected := 0
	obj := func(x []float64) (float64, []float64, error) {
		if x[0] > 4 {
			rejected++
			return 0, nil, fmt.Errorf("%w: x=%f", ErrInfeasible, x[0])
		}
		d := x[0] - 3
		return d * d, []float64{2 * d}, nil
	}

	res, err := Minimize(obj, []float64{0}, Options{})
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if rejected == 0 {
		t.Fatal("Expected the first unit step to overshoot into the infeasible region")
	}
	if res.Reason != GradientConverged {
		t.Errorf("Expected stop reason %v, got %v", GradientConverged, res.Reason)
	}
	if math.Abs(res.X[0]-3) > 1e-6 {
		t.Errorf("Expected convergence to 3, got %f", res.X[0])
	}
}

// TestMinimizeInfeasibleStart verifies that an infeasible starting point is a
// hard error: there is nothing to backtrack from.
func TestMinimizeInfeasibleStart(t *testing.T) {
	obj := func(x []float64) (float64, []float64, error) {
		return 0, nil, fmt.Errorf("%w: no overlap at the seed", ErrInfeasible)
	}

	_, err := Minimize(obj, []float64{0}, Options{})
	if err == nil {
		t.Fatal("Expected an error for an infeasible starting point")
	}
	if !errors.Is(err, ErrInfeasible) {
		t.Errorf("Expected the error to wrap ErrInfeasible, got %v", err)
	}
}

// TestMinimizeMaxStepCapsTrial verifies that no trial point moves farther
// than MaxStep from the previous accepted point, and that the capped search
// still converges.
func TestMinimizeMaxStepCapsTrial(t *testing.T) {
	var evals [][]float64
	obj := func(x []float64) (float64, []float64, error) {
		evals = append(evals, append([]float64(nil), x...))
		d := x[0] - 1
		return d * d, []float64{2 * d}, nil
	}

	res, err := Minimize(obj, []float64{0}, Options{MaxStep: 0.5})
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}
	if res.Reason != GradientConverged {
		t.Errorf("Expected stop reason %v, got %v", GradientConverged, res.Reason)
	}
	if math.Abs(res.X[0]-1) > 1e-6 {
		t.Errorf("Expected convergence to 1, got %f", res.X[0])
	}
	for i := 1; i < len(evals); i++ {
		if d := math.Abs(evals[i][0] - evals[i-1][0]); d > 0.5+1e-12 {
			t.Errorf("Trial %d moved %f, beyond the step cap 0.5", i, d)
		}
	}
}

// TestMinimizeObjectiveError verifies that objective failures propagate.
func TestMinimizeObjectiveError(t *testing.T) {
	wantErr := errors.New("volume overlap vanished")
	obj := func(x []float64) (float64, []float64, error) {
		return 0, nil, wantErr
	}

	_, err := Minimize(obj, []float64{0}, Options{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Expected objective error to propagate, got %v", err)
	}
}

// TestMinimizeOptionValidation verifies rejection of inconsistent options.
func TestMinimizeOptionValidation(t *testing.T) {
	obj := quadratic([]float64{0, 0}, []float64{1, 1})

	if _, err := Minimize(obj, nil, Options{}); err == nil {
		t.Error("Expected an error for an empty initial vector")
	}
	if _, err := Minimize(obj, []float64{0, 0}, Options{Scales: []float64{1}}); err == nil {
		t.Error("Expected an error for a scales length mismatch")
	}
	if _, err := Minimize(obj, []float64{0, 0}, Options{
		Lower: []float64{1, 1}, Upper: []float64{-1, -1},
	}); err == nil {
		t.Error("Expected an error for inverted bounds")
	}
	if _, err := Minimize(obj, []float64{0, 0}, Options{
		Lower: []float64{0}, Upper: []float64{0},
	}); err == nil {
		t.Error("Expected an error for a bounds length mismatch")
	}
}

// TestStopReasonString verifies diagnostic names for all stop reasons.
func TestStopReasonString(t *testing.T) {
	for _, r := range []StopReason{GradientConverged, IterationLimit, EvaluationLimit, LineSearchFailure} {
		if r.String() == "" {
			t.Errorf("Stop reason %d has an empty name", int(r))
		}
	}
}
