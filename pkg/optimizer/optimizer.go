// Package optimizer implements the quasi-Newton parameter search driving the
// registration engine: a limited-memory BFGS minimizer with a backtracking
// Armijo line search, in an unbounded and a box-bounded variant. The bounded
// variant projects search steps onto per-parameter bounds, with zero-width
// bounds meaning "free" so a caller without problem-specific bound knowledge
// can leave everything unconstrained.
//
// A line-search failure is a recoverable condition: Minimize reports it as a
// stop reason on the result, carrying the best parameters found so far,
// rather than failing the search. The same holds for a trial point the
// objective rejects with ErrInfeasible: the line search backtracks past it
// instead of aborting.
package optimizer

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Objective evaluates the function under minimization at x, returning its
// value and gradient. An error aborts the whole search, unless it wraps
// ErrInfeasible.
type Objective func(x []float64) (value float64, grad []float64, err error)

// ErrInfeasible marks an objective evaluation at a point where the objective
// is undefined. An objective returns an error wrapping it to reject a trial
// point without failing the search; the line search treats such a point as
// inadmissible and backtracks. An infeasible starting point is still a hard
// error.
var ErrInfeasible = errors.New("objective infeasible at trial point")

// StopReason identifies why the search terminated.
type StopReason int

const (
	// GradientConverged: the (projected) gradient infinity norm fell below
	// the tolerance.
	GradientConverged StopReason = iota
	// IterationLimit: the iteration cap was reached.
	IterationLimit
	// EvaluationLimit: the function-evaluation cap was reached.
	EvaluationLimit
	// LineSearchFailure: no admissible step could be found; the result holds
	// the best parameters seen so far.
	LineSearchFailure
)

// String names the stop reason for diagnostics.
func (r StopReason) String() string {
	switch r {
	case GradientConverged:
		return "gradient converged"
	case IterationLimit:
		return "iteration limit reached"
	case EvaluationLimit:
		return "evaluation limit reached"
	case LineSearchFailure:
		return "line search failed"
	default:
		return fmt.Sprintf("unknown stop reason %d", int(r))
	}
}

// StallError reports a line-search failure escalated to a hard error. The
// optimizer itself never returns it; the registration orchestrator raises it
// when a stall leaves no usable transform (a stall before any iteration
// completed at the coarsest pyramid level).
type StallError struct {
	Iterations  int
	Evaluations int
}

func (e *StallError) Error() string {
	return fmt.Sprintf("optimizer stalled: no admissible line-search step after %d iterations (%d evaluations)",
		e.Iterations, e.Evaluations)
}

// Options configures a search. Zero values select the documented defaults.
type Options struct {
	// GradientTolerance stops the search once the infinity norm of the
	// (projected, scaled) gradient falls below it. Default 1e-5.
	GradientTolerance float64

	// MaxIterations caps quasi-Newton iterations. Default 100.
	MaxIterations int

	// MaxEvaluations caps objective evaluations. Default 500.
	MaxEvaluations int

	// History is the number of parameter/gradient difference pairs retained
	// for the inverse-Hessian approximation. Default 8.
	History int

	// Scales optionally sets a per-parameter curvature prior: the initial
	// inverse-Hessian diagonal is 1/Scales[i], so the first step moves each
	// parameter in inverse proportion to its scale. Registration uses this
	// to reconcile radian-valued rotations with millimetre-valued
	// translations; the values are configuration, not hardcoded constants.
	Scales []float64

	// MaxStep caps the infinity norm of a single line-search trial
	// displacement. Before any curvature history exists the quasi-Newton
	// direction can be badly scaled; the cap keeps one unit Armijo step from
	// leaving the region where the objective is defined. Zero means no cap.
	MaxStep float64

	// Lower and Upper give per-parameter box bounds for the bounded
	// variant. A parameter whose lower and upper bound are both zero is
	// unconstrained. Nil slices select the unbounded variant.
	Lower, Upper []float64
}

func (o Options) withDefaults() Options {
	if o.GradientTolerance <= 0 {
		o.GradientTolerance = 1e-5
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 100
	}
	if o.MaxEvaluations <= 0 {
		o.MaxEvaluations = 500
	}
	if o.History <= 0 {
		o.History = 8
	}
	return o
}

// Result reports the outcome of a search.
type Result struct {
	// X is the best parameter vector found.
	X []float64
	// F is the objective value at X.
	F float64
	// Gradient is the objective gradient at X.
	Gradient []float64
	// Iterations and Evaluations count completed quasi-Newton iterations
	// and objective evaluations.
	Iterations  int
	Evaluations int
	// Reason states why the search stopped.
	Reason StopReason
}

// Stalled reports whether the search ended on a line-search failure.
func (r *Result) Stalled() bool { return r.Reason == LineSearchFailure }

// state carries the mutable search state through the iteration loop. It is
// owned by Minimize; callers only ever see the final Result.
type state struct {
	x    []float64
	f    float64
	grad []float64

	iterations  int
	evaluations int

	// limited-memory curvature history, most recent last
	ss, ys [][]float64
	rhos   []float64
}

// Minimize searches for a local minimum of obj starting at x0. It returns an
// error only when the objective itself fails; exhausted iteration or
// evaluation budgets and line-search stalls are reported through
// Result.Reason with the best parameters found.
func Minimize(obj Objective, x0 []float64, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	n := len(x0)
	if n == 0 {
		return nil, fmt.Errorf("empty initial parameter vector")
	}
	if opts.Scales != nil && len(opts.Scales) != n {
		return nil, fmt.Errorf("scales length %d does not match parameter count %d", len(opts.Scales), n)
	}
	bounded := opts.Lower != nil || opts.Upper != nil
	if bounded {
		if len(opts.Lower) != n || len(opts.Upper) != n {
			return nil, fmt.Errorf("bound length does not match parameter count %d", n)
		}
		for i := range opts.Lower {
			if opts.Lower[i] > opts.Upper[i] {
				return nil, fmt.Errorf("parameter %d has lower bound %g above upper bound %g",
					i, opts.Lower[i], opts.Upper[i])
			}
		}
	}

	st := &state{x: append([]float64(nil), x0...)}
	if bounded {
		clip(st.x, opts.Lower, opts.Upper)
	}

	eval := func(x []float64) (float64, []float64, error) {
		st.evaluations++
		return obj(x)
	}

	var err error
	st.f, st.grad, err = eval(st.x)
	if err != nil {
		return nil, fmt.Errorf("initial objective evaluation: %w", err)
	}

	dir := make([]float64, n)
	xNew := make([]float64, n)
	pg := make([]float64, n)

	for {
		projectGradient(pg, st.grad, st.x, opts)
		if floats.Norm(pg, math.Inf(1)) <= opts.GradientTolerance {
			return st.result(GradientConverged), nil
		}
		if st.iterations >= opts.MaxIterations {
			return st.result(IterationLimit), nil
		}
		if st.evaluations >= opts.MaxEvaluations {
			return st.result(EvaluationLimit), nil
		}

		st.direction(dir, pg, opts)

		fNew, gNew, ok, stepErr := st.lineSearch(eval, dir, xNew, opts)
		if stepErr != nil {
			return nil, stepErr
		}
		if !ok {
			if st.evaluations >= opts.MaxEvaluations {
				return st.result(EvaluationLimit), nil
			}
			// No admissible step: recoverable, hand back best-so-far.
			return st.result(LineSearchFailure), nil
		}

		st.pushHistory(xNew, gNew, opts.History)
		copy(st.x, xNew)
		st.f = fNew
		st.grad = gNew
		st.iterations++
	}
}

func (st *state) result(reason StopReason) *Result {
	return &Result{
		X:           append([]float64(nil), st.x...),
		F:           st.f,
		Gradient:    append([]float64(nil), st.grad...),
		Iterations:  st.iterations,
		Evaluations: st.evaluations,
		Reason:      reason,
	}
}

// free reports whether parameter i is unconstrained under opts: either no
// bounds were supplied or its bounds are both zero, the zero-width
// convention for "no bound on this parameter".
func free(i int, opts Options) bool {
	if opts.Lower == nil {
		return true
	}
	return opts.Lower[i] == 0 && opts.Upper[i] == 0
}

// projectGradient writes the gradient used for convergence checks and
// search directions: bound-constrained parameters sitting on an active bound
// with the gradient pushing outward contribute zero.
func projectGradient(dst, grad, x []float64, opts Options) {
	copy(dst, grad)
	if opts.Lower == nil {
		return
	}
	for i := range dst {
		if free(i, opts) {
			continue
		}
		if x[i] <= opts.Lower[i] && grad[i] > 0 {
			dst[i] = 0
		}
		if x[i] >= opts.Upper[i] && grad[i] < 0 {
			dst[i] = 0
		}
	}
}

func clip(x, lower, upper []float64) {
	for i := range x {
		if lower[i] == 0 && upper[i] == 0 {
			continue
		}
		if x[i] < lower[i] {
			x[i] = lower[i]
		}
		if x[i] > upper[i] {
			x[i] = upper[i]
		}
	}
}

// direction computes the descent direction via the two-loop recursion over
// the retained curvature history, preconditioned by the parameter scales.
func (st *state) direction(dir, pg []float64, opts Options) {
	copy(dir, pg)

	m := len(st.ss)
	alphas := make([]float64, m)
	for i := m - 1; i >= 0; i-- {
		alphas[i] = st.rhos[i] * floats.Dot(st.ss[i], dir)
		floats.AddScaled(dir, -alphas[i], st.ys[i])
	}

	// Initial inverse-Hessian: gamma * diag(1/scale).
	gamma := 1.0
	if m > 0 {
		sy := floats.Dot(st.ss[m-1], st.ys[m-1])
		yy := floats.Dot(st.ys[m-1], st.ys[m-1])
		if yy > 0 {
			gamma = sy / yy
		}
	}
	for i := range dir {
		h0 := gamma
		if opts.Scales != nil && opts.Scales[i] > 0 {
			h0 /= opts.Scales[i]
		}
		dir[i] *= h0
	}

	for i := 0; i < m; i++ {
		beta := st.rhos[i] * floats.Dot(st.ys[i], dir)
		floats.AddScaled(dir, alphas[i]-beta, st.ss[i])
	}

	floats.Scale(-1, dir)

	// Guard against an ascent direction from a stale history.
	if floats.Dot(dir, pg) >= 0 {
		for i := range dir {
			dir[i] = -pg[i]
			if opts.Scales != nil && opts.Scales[i] > 0 {
				dir[i] /= opts.Scales[i]
			}
		}
	}
}

// lineSearch backtracks along dir from the current point until the Armijo
// sufficient-decrease condition holds, clipping each trial onto the bounds
// for the bounded variant. Trial points the objective rejects with
// ErrInfeasible are backtracked past like any failed trial. On success it
// fills xNew and returns the new value and gradient; ok is false when no
// admissible step exists (the caller treats this as a recoverable stall).
func (st *state) lineSearch(eval func([]float64) (float64, []float64, error), dir, xNew []float64, opts Options) (float64, []float64, bool, error) {
	const (
		c1       = 1e-4
		minStep  = 1e-12
		contract = 0.5
	)

	g0 := floats.Dot(st.grad, dir)
	if g0 >= 0 {
		return 0, nil, false, nil
	}

	step := 1.0
	if opts.MaxStep > 0 {
		if d := floats.Norm(dir, math.Inf(1)); d > opts.MaxStep {
			step = opts.MaxStep / d
		}
	}
	for step >= minStep {
		if st.evaluations >= opts.MaxEvaluations {
			break
		}
		for i := range xNew {
			xNew[i] = st.x[i] + step*dir[i]
		}
		if opts.Lower != nil {
			clip(xNew, opts.Lower, opts.Upper)
		}
		f, g, err := eval(xNew)
		if err != nil {
			if errors.Is(err, ErrInfeasible) {
				step *= contract
				continue
			}
			return 0, nil, false, err
		}
		if f <= st.f+c1*step*g0 {
			return f, g, true, nil
		}
		step *= contract
	}
	return 0, nil, false, nil
}

// pushHistory appends the latest parameter and gradient differences,
// dropping pairs with non-positive curvature (they would break positive
// definiteness of the inverse-Hessian approximation).
func (st *state) pushHistory(xNew, gNew []float64, history int) {
	s := make([]float64, len(xNew))
	y := make([]float64, len(gNew))
	floats.SubTo(s, xNew, st.x)
	floats.SubTo(y, gNew, st.grad)
	sy := floats.Dot(s, y)
	if sy <= 1e-10*floats.Norm(s, 2)*floats.Norm(y, 2) {
		return
	}
	st.ss = append(st.ss, s)
	st.ys = append(st.ys, y)
	st.rhos = append(st.rhos, 1/sy)
	if len(st.ss) > history {
		st.ss = st.ss[1:]
		st.ys = st.ys[1:]
		st.rhos = st.rhos[1:]
	}
}
