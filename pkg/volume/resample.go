package volume

import (
	"fmt"

	"voxelreg/internal/models"
)

// Interpolation selects the sampling kernel used by Resample.
type Interpolation int

const (
	// InterpLinear is trilinear interpolation, the standard choice for MRI.
	InterpLinear Interpolation = iota
	// InterpNearest is nearest-neighbour sampling, for label volumes.
	InterpNearest
)

// PointMapper maps a physical point in the reference frame to the
// corresponding physical point in the moving volume. Transform
// implementations from pkg/transform satisfy this.
type PointMapper interface {
	Apply(models.Point3) models.Point3
}

// Resample maps the moving volume onto the reference grid: for each voxel of
// ref, the mapper locates the corresponding moving-volume point and the
// moving intensity is interpolated there. Points falling outside the moving
// domain produce zero.
func Resample(moving *Volume, mapper PointMapper, ref *Volume, kind Interpolation) (*Volume, error) {
	out, err := New(ref.Nx, ref.Ny, ref.Nz, ref.Spacing, ref.Origin, ref.Direction)
	if err != nil {
		return nil, fmt.Errorf("building output grid: %w", err)
	}
	for k := 0; k < ref.Nz; k++ {
		for j := 0; j < ref.Ny; j++ {
			for i := 0; i < ref.Nx; i++ {
				p := ref.IndexToPhysical(float64(i), float64(j), float64(k))
				q := mapper.Apply(p)
				var val float64
				switch kind {
				case InterpNearest:
					fi, fj, fk := moving.PhysicalToIndex(q)
					ii, jj, kk := int(fi+0.5), int(fj+0.5), int(fk+0.5)
					if ii >= 0 && ii < moving.Nx && jj >= 0 && jj < moving.Ny && kk >= 0 && kk < moving.Nz {
						val = moving.At(ii, jj, kk)
					}
				default:
					if v, ok := moving.Interpolate(q); ok {
						val = v
					}
				}
				out.Set(i, j, k, val)
			}
		}
	}
	return out, nil
}
