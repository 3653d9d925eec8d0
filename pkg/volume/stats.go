package volume

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"voxelreg/internal/models"
)

// Normalize returns a copy of the volume rescaled to zero mean and unit
// variance. A constant volume cannot be normalized.
func Normalize(v *Volume) (*Volume, error) {
	mean := stat.Mean(v.Data, nil)
	sd := stat.StdDev(v.Data, nil)
	if sd == 0 || math.IsNaN(sd) {
		return nil, fmt.Errorf("volume has zero intensity variance, cannot normalize")
	}
	out := v.Clone()
	for i, s := range out.Data {
		out.Data[i] = (s - mean) / sd
	}
	return out, nil
}

// Centroid returns the intensity-weighted centroid, in physical coordinates,
// of the voxels at or above the threshold. Thresholding strips the
// background so the centroid tracks the imaged anatomy; this is the sanity
// check used to compare fixed and registered volumes after registration.
func Centroid(v *Volume, threshold float64) (models.Point3, error) {
	var sx, sy, sz, mass float64
	for k := 0; k < v.Nz; k++ {
		for j := 0; j < v.Ny; j++ {
			for i := 0; i < v.Nx; i++ {
				if v.At(i, j, k) < threshold {
					continue
				}
				p := v.IndexToPhysical(float64(i), float64(j), float64(k))
				sx += p.X
				sy += p.Y
				sz += p.Z
				mass++
			}
		}
	}
	if mass == 0 {
		return models.Point3{}, fmt.Errorf("no voxels at or above threshold %g", threshold)
	}
	return models.Point3{X: sx / mass, Y: sy / mass, Z: sz / mass}, nil
}

// MeanAbsDifference returns the mean absolute intensity difference between
// two volumes on the same grid. Used by the QA utilities and tests to judge
// residual misalignment.
func MeanAbsDifference(a, b *Volume) (float64, error) {
	if !a.SameGrid(b) {
		return 0, fmt.Errorf("volumes have different grids: %dx%dx%d vs %dx%dx%d",
			a.Nx, a.Ny, a.Nz, b.Nx, b.Ny, b.Nz)
	}
	sum := 0.0
	for i := range a.Data {
		sum += math.Abs(a.Data[i] - b.Data[i])
	}
	return sum / float64(len(a.Data)), nil
}
