package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"voxelreg/internal/models"
)

// BSpline is a free-form deformation driven by a lattice of control-point
// displacement vectors overlaid on the physical domain of the fixed volume.
//
// The lattice divides the domain into mesh³ cells. Cubic B-splines have a
// local support of four control points per axis, so the lattice carries one
// extra control point before the domain and two after it: mesh+3 points per
// axis. Evaluating a point inside a cell blends the 4×4×4 surrounding
// control displacements with tensor-product cubic B-spline weights; points
// outside the domain map to themselves (identity displacement).
//
// Parameter layout: all x components in lattice order, then all y, then all
// z, i.e. params[d*N + (k*g+j)*g + i] for grid size g and N = g³ points.
type BSpline struct {
	mesh  int    // cells per axis
	gridN int    // control points per axis (mesh + 3)
	total int    // control points in the lattice (gridN³)
	lo    models.Point3
	cell  [3]float64 // physical cell size per axis

	coef []float64 // control displacements, 3*total
}

// Support is one control point's contribution to an evaluation: the linear
// lattice index and the tensor-product basis weight at the evaluated point.
// The displacement component d of that control point is parameter
// d*TotalControlPoints() + Index.
type Support struct {
	Index  int
	Weight float64
}

// NewBSpline creates an identity free-form deformation whose lattice spans
// the axis-aligned physical box [lo, hi] with mesh cells per axis.
func NewBSpline(lo, hi models.Point3, mesh int) (*BSpline, error) {
	if mesh < 1 {
		return nil, fmt.Errorf("mesh size %d, must be at least 1", mesh)
	}
	size := [3]float64{hi.X - lo.X, hi.Y - lo.Y, hi.Z - lo.Z}
	for d, s := range size {
		if s <= 0 {
			return nil, fmt.Errorf("degenerate transform domain: extent %g along axis %d", s, d)
		}
	}
	g := mesh + 3
	b := &BSpline{
		mesh:  mesh,
		gridN: g,
		total: g * g * g,
		lo:    lo,
		cell:  [3]float64{size[0] / float64(mesh), size[1] / float64(mesh), size[2] / float64(mesh)},
	}
	b.coef = make([]float64, 3*b.total)
	return b, nil
}

// Mesh returns the number of lattice cells per axis.
func (b *BSpline) Mesh() int { return b.mesh }

// GridSize returns the number of control points per axis.
func (b *BSpline) GridSize() int { return b.gridN }

// TotalControlPoints returns the number of lattice control points.
func (b *BSpline) TotalControlPoints() int { return b.total }

// ParameterCount returns three displacement components per control point.
func (b *BSpline) ParameterCount() int { return 3 * b.total }

// Parameters returns a copy of the control-point displacements.
func (b *BSpline) Parameters() []float64 {
	out := make([]float64, len(b.coef))
	copy(out, b.coef)
	return out
}

// SetParameters replaces the control-point displacements.
func (b *BSpline) SetParameters(params []float64) error {
	if len(params) != len(b.coef) {
		return &ParameterLengthError{Got: len(params), Want: len(b.coef)}
	}
	copy(b.coef, params)
	return nil
}

// cubicWeights fills the four cubic B-spline basis weights for the fractional
// cell position t in [0,1].
func cubicWeights(t float64, w *[4]float64) {
	t2 := t * t
	t3 := t2 * t
	w[0] = (1 - 3*t + 3*t2 - t3) / 6
	w[1] = (4 - 6*t2 + 3*t3) / 6
	w[2] = (1 + 3*t + 3*t2 - 3*t3) / 6
	w[3] = t3 / 6
}

// cellOf locates p on the lattice: the cell index and fractional position
// per axis. ok is false outside the spanned domain.
func (b *BSpline) cellOf(p models.Point3) (cell [3]int, frac [3]float64, ok bool) {
	u := [3]float64{
		(p.X - b.lo.X) / b.cell[0],
		(p.Y - b.lo.Y) / b.cell[1],
		(p.Z - b.lo.Z) / b.cell[2],
	}
	for d := 0; d < 3; d++ {
		if u[d] < 0 || u[d] > float64(b.mesh) {
			return cell, frac, false
		}
		c := int(u[d])
		if c > b.mesh-1 {
			c = b.mesh - 1
		}
		cell[d] = c
		frac[d] = u[d] - float64(c)
	}
	return cell, frac, true
}

// DisplacementAt returns the deformation at p. Outside the lattice domain
// the displacement is zero.
func (b *BSpline) DisplacementAt(p models.Point3) models.Vector3 {
	cell, frac, ok := b.cellOf(p)
	if !ok {
		return models.Vector3{}
	}
	var wx, wy, wz [4]float64
	cubicWeights(frac[0], &wx)
	cubicWeights(frac[1], &wy)
	cubicWeights(frac[2], &wz)

	g := b.gridN
	var disp models.Vector3
	for mz := 0; mz < 4; mz++ {
		kz := cell[2] + mz
		for my := 0; my < 4; my++ {
			ky := cell[1] + my
			wyz := wy[my] * wz[mz]
			row := (kz*g + ky) * g
			for mx := 0; mx < 4; mx++ {
				w := wx[mx] * wyz
				idx := row + cell[0] + mx
				disp.X += w * b.coef[idx]
				disp.Y += w * b.coef[b.total+idx]
				disp.Z += w * b.coef[2*b.total+idx]
			}
		}
	}
	return disp
}

// Apply maps p to p plus the lattice displacement at p.
func (b *BSpline) Apply(p models.Point3) models.Point3 {
	return p.Add(b.DisplacementAt(p))
}

// SupportWeights returns the 64 control points whose basis functions are
// non-zero at p, with their tensor-product weights. The metric uses these as
// the transform's parameter Jacobian: the derivative of the mapped point's
// component d with respect to parameter d*N+Index is exactly Weight. ok is
// false outside the lattice domain.
func (b *BSpline) SupportWeights(p models.Point3, out []Support) ([]Support, bool) {
	cell, frac, ok := b.cellOf(p)
	if !ok {
		return out[:0], false
	}
	var wx, wy, wz [4]float64
	cubicWeights(frac[0], &wx)
	cubicWeights(frac[1], &wy)
	cubicWeights(frac[2], &wz)

	out = out[:0]
	g := b.gridN
	for mz := 0; mz < 4; mz++ {
		kz := cell[2] + mz
		for my := 0; my < 4; my++ {
			ky := cell[1] + my
			wyz := wy[my] * wz[mz]
			row := (kz*g + ky) * g
			for mx := 0; mx < 4; mx++ {
				out = append(out, Support{
					Index:  row + cell[0] + mx,
					Weight: wx[mx] * wyz,
				})
			}
		}
	}
	return out, true
}

// cubic evaluates the cubic B-spline kernel at x (support [-2, 2]).
func cubic(x float64) float64 {
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

// refinementMatrix computes the 1D operator R mapping coarse-lattice
// coefficients to fine-lattice coefficients such that the represented spline
// is unchanged, by least squares over a dense sampling of the domain. When
// fineMesh is an integer multiple of coarseMesh the coarse spline space is a
// subspace of the fine one and the re-expression is exact.
func refinementMatrix(coarseMesh, fineMesh int) (*mat.Dense, error) {
	nc := coarseMesh + 3
	nf := fineMesh + 3
	ratio := float64(fineMesh) / float64(coarseMesh)

	samples := 4*nf + 1
	a := mat.NewDense(samples, nf, nil)
	rhs := mat.NewDense(samples, nc, nil)
	for s := 0; s < samples; s++ {
		u := float64(coarseMesh) * float64(s) / float64(samples-1)
		for h := 0; h < nf; h++ {
			a.Set(s, h, cubic(ratio*u-float64(h-1)))
		}
		for g := 0; g < nc; g++ {
			rhs.Set(s, g, cubic(u-float64(g-1)))
		}
	}

	var r mat.Dense
	if err := r.Solve(a, rhs); err != nil {
		return nil, fmt.Errorf("solving lattice refinement operator: %w", err)
	}
	return &r, nil
}

// Refine re-expresses the current displacement field on a denser lattice
// without discarding already-converged deformation: the new mesh must be an
// integer multiple of the current one so the coarse field is represented
// exactly (up to numerical tolerance) by the fine control points. The
// pyramid scheduler hands the deformable orchestrator nested mesh sizes for
// exactly this reason.
func (b *BSpline) Refine(newMesh int) error {
	if newMesh == b.mesh {
		return nil
	}
	if newMesh < b.mesh || newMesh%b.mesh != 0 {
		return fmt.Errorf("mesh %d does not nest the current mesh %d", newMesh, b.mesh)
	}

	r, err := refinementMatrix(b.mesh, newMesh)
	if err != nil {
		return err
	}

	gc := b.gridN
	gf := newMesh + 3

	// Tensor-product application, one lattice axis at a time.
	tmp1 := make([]float64, 3*gc*gc*gf) // x refined
	for d := 0; d < 3; d++ {
		for k := 0; k < gc; k++ {
			for j := 0; j < gc; j++ {
				for fi := 0; fi < gf; fi++ {
					acc := 0.0
					for ci := 0; ci < gc; ci++ {
						acc += r.At(fi, ci) * b.coef[((d*gc+k)*gc+j)*gc+ci]
					}
					tmp1[((d*gc+k)*gc+j)*gf+fi] = acc
				}
			}
		}
	}
	tmp2 := make([]float64, 3*gc*gf*gf) // x and y refined
	for d := 0; d < 3; d++ {
		for k := 0; k < gc; k++ {
			for fj := 0; fj < gf; fj++ {
				for fi := 0; fi < gf; fi++ {
					acc := 0.0
					for cj := 0; cj < gc; cj++ {
						acc += r.At(fj, cj) * tmp1[((d*gc+k)*gc+cj)*gf+fi]
					}
					tmp2[((d*gc+k)*gf+fj)*gf+fi] = acc
				}
			}
		}
	}
	fine := make([]float64, 3*gf*gf*gf)
	for d := 0; d < 3; d++ {
		for fk := 0; fk < gf; fk++ {
			for fj := 0; fj < gf; fj++ {
				for fi := 0; fi < gf; fi++ {
					acc := 0.0
					for ck := 0; ck < gc; ck++ {
						acc += r.At(fk, ck) * tmp2[((d*gc+ck)*gf+fj)*gf+fi]
					}
					fine[((d*gf+fk)*gf+fj)*gf+fi] = acc
				}
			}
		}
	}

	b.mesh = newMesh
	b.gridN = gf
	b.total = gf * gf * gf
	for d := 0; d < 3; d++ {
		b.cell[d] = b.cell[d] * float64(gc-3) / float64(newMesh)
	}
	b.coef = fine
	return nil
}
