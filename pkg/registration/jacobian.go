package registration

import (
	"fmt"
	"math"

	"voxelreg/internal/models"
	"voxelreg/pkg/volume"
)

// JacobianDeterminants evaluates the local volume-change field of a
// transform over the reference grid: for each voxel it computes the
// determinant of ∂T(x)/∂x by finite differences of the mapped position along
// the grid axes, in physical units. It returns the determinant field and its
// minimum and maximum.
//
// The identity transform yields 1.0 everywhere. A non-positive minimum
// signals local folding (a non-diffeomorphic deformation); the orchestrator
// surfaces that as a warning for manual judgment, never a hard failure.
func JacobianDeterminants(t volume.PointMapper, ref *volume.Volume) (*volume.Volume, float64, float64, error) {
	if ref.Nx < 2 || ref.Ny < 2 || ref.Nz < 2 {
		return nil, 0, 0, fmt.Errorf("reference grid %dx%dx%d too small for finite differences", ref.Nx, ref.Ny, ref.Nz)
	}
	out, err := volume.New(ref.Nx, ref.Ny, ref.Nz, ref.Spacing, ref.Origin, ref.Direction)
	if err != nil {
		return nil, 0, 0, err
	}

	// Orientation factor of the grid axes: the finite-difference columns
	// live in physical space, so the determinant with respect to physical
	// axes picks up det(direction) = ±1.
	detDir := det3(colsOf(ref.Direction))

	min := math.Inf(1)
	max := math.Inf(-1)
	dims := [3]int{ref.Nx, ref.Ny, ref.Nz}

	for k := 0; k < ref.Nz; k++ {
		for j := 0; j < ref.Ny; j++ {
			for i := 0; i < ref.Nx; i++ {
				var cols [3]models.Vector3
				idx := [3]int{i, j, k}
				for d := 0; d < 3; d++ {
					// Central differences inside the grid, one-sided at the
					// faces.
					loIdx, hiIdx := idx, idx
					step := 2.0
					switch {
					case idx[d] == 0:
						hiIdx[d]++
						step = 1.0
					case idx[d] == dims[d]-1:
						loIdx[d]--
						step = 1.0
					default:
						loIdx[d]--
						hiIdx[d]++
					}
					pHi := t.Apply(ref.IndexToPhysical(float64(hiIdx[0]), float64(hiIdx[1]), float64(hiIdx[2])))
					pLo := t.Apply(ref.IndexToPhysical(float64(loIdx[0]), float64(loIdx[1]), float64(loIdx[2])))
					h := step * ref.Spacing[d]
					cols[d] = models.Vector3{
						X: (pHi.X - pLo.X) / h,
						Y: (pHi.Y - pLo.Y) / h,
						Z: (pHi.Z - pLo.Z) / h,
					}
				}
				det := det3(cols) * detDir
				out.Set(i, j, k, det)
				if det < min {
					min = det
				}
				if det > max {
					max = det
				}
			}
		}
	}
	return out, min, max, nil
}

// colsOf views the direction matrix's grid-axis columns as vectors.
func colsOf(m [3][3]float64) [3]models.Vector3 {
	return [3]models.Vector3{
		{X: m[0][0], Y: m[1][0], Z: m[2][0]},
		{X: m[0][1], Y: m[1][1], Z: m[2][1]},
		{X: m[0][2], Y: m[1][2], Z: m[2][2]},
	}
}

// det3 computes the determinant of the matrix with the given columns.
func det3(c [3]models.Vector3) float64 {
	return c[0].X*(c[1].Y*c[2].Z-c[1].Z*c[2].Y) -
		c[1].X*(c[0].Y*c[2].Z-c[0].Z*c[2].Y) +
		c[2].X*(c[0].Y*c[1].Z-c[0].Z*c[1].Y)
}
