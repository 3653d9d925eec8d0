// Package volume provides the in-memory 3D scalar grid used throughout the
// registration pipeline, together with the grid-level numeric operations the
// engine consumes: trilinear interpolation, physical-space intensity
// gradients, Gaussian smoothing, decimation, resampling, intensity
// normalization, and foreground centroid computation.
//
// A Volume couples a dense sample array with its geometry metadata (voxel
// spacing, origin, direction cosines). The physical position of voxel
// (i,j,k) is
//
//	physical = origin + direction · (spacing ⊙ index)
//
// Volumes are treated as read-only inputs by the registration engine.
package volume

import (
	"fmt"
	"math"

	"voxelreg/internal/models"
)

// Volume is a rectangular 3D lattice of scalar samples with geometry
// metadata. Data is stored in x-fastest order: Data[k*Ny*Nx + j*Nx + i].
type Volume struct {
	// Nx, Ny, Nz are the grid dimensions in voxels.
	Nx, Ny, Nz int

	// Spacing is the physical size of a voxel along each grid axis, in mm.
	// All components are strictly positive.
	Spacing [3]float64

	// Origin is the physical position of voxel (0,0,0).
	Origin models.Point3

	// Direction holds the direction cosines mapping grid axes to physical
	// axes. Rows index physical axes, columns grid axes. Orthonormal.
	Direction [3][3]float64

	// Data holds the voxel samples.
	Data []float64
}

// Identity is the identity direction matrix.
var Identity = [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

// New creates a volume with the given dimensions, spacing, origin and
// direction, validating the geometry invariants: spacing components must be
// strictly positive and the direction matrix orthonormal.
func New(nx, ny, nz int, spacing [3]float64, origin models.Point3, direction [3][3]float64) (*Volume, error) {
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("invalid volume dimensions %dx%dx%d", nx, ny, nz)
	}
	for d := 0; d < 3; d++ {
		if spacing[d] <= 0 {
			return nil, fmt.Errorf("spacing component %d is %g, must be strictly positive", d, spacing[d])
		}
	}
	if !orthonormal(direction) {
		return nil, fmt.Errorf("direction matrix is not orthonormal")
	}
	return &Volume{
		Nx:        nx,
		Ny:        ny,
		Nz:        nz,
		Spacing:   spacing,
		Origin:    origin,
		Direction: direction,
		Data:      make([]float64, nx*ny*nz),
	}, nil
}

// MustNew is New for callers with statically valid geometry; it panics on
// invalid input. Used by tests and synthetic-volume construction.
func MustNew(nx, ny, nz int, spacing [3]float64, origin models.Point3, direction [3][3]float64) *Volume {
	v, err := New(nx, ny, nz, spacing, origin, direction)
	if err != nil {
		panic(err)
	}
	return v
}

// orthonormal reports whether m is orthonormal within a small tolerance.
func orthonormal(m [3][3]float64) bool {
	const tol = 1e-6
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			// Dot product of columns a and b.
			dot := m[0][a]*m[0][b] + m[1][a]*m[1][b] + m[2][a]*m[2][b]
			want := 0.0
			if a == b {
				want = 1.0
			}
			if math.Abs(dot-want) > tol {
				return false
			}
		}
	}
	return true
}

// At returns the sample at voxel (i,j,k). No bounds checking.
func (v *Volume) At(i, j, k int) float64 {
	return v.Data[(k*v.Ny+j)*v.Nx+i]
}

// Set stores a sample at voxel (i,j,k). No bounds checking.
func (v *Volume) Set(i, j, k int, val float64) {
	v.Data[(k*v.Ny+j)*v.Nx+i] = val
}

// IndexToPhysical maps a continuous voxel index to physical coordinates.
func (v *Volume) IndexToPhysical(i, j, k float64) models.Point3 {
	ux := v.Spacing[0] * i
	uy := v.Spacing[1] * j
	uz := v.Spacing[2] * k
	d := &v.Direction
	return models.Point3{
		X: v.Origin.X + d[0][0]*ux + d[0][1]*uy + d[0][2]*uz,
		Y: v.Origin.Y + d[1][0]*ux + d[1][1]*uy + d[1][2]*uz,
		Z: v.Origin.Z + d[2][0]*ux + d[2][1]*uy + d[2][2]*uz,
	}
}

// PhysicalToIndex maps a physical point to continuous voxel index
// coordinates. The direction matrix is orthonormal so its inverse is its
// transpose.
func (v *Volume) PhysicalToIndex(p models.Point3) (float64, float64, float64) {
	rx := p.X - v.Origin.X
	ry := p.Y - v.Origin.Y
	rz := p.Z - v.Origin.Z
	d := &v.Direction
	return (d[0][0]*rx + d[1][0]*ry + d[2][0]*rz) / v.Spacing[0],
		(d[0][1]*rx + d[1][1]*ry + d[2][1]*rz) / v.Spacing[1],
		(d[0][2]*rx + d[1][2]*ry + d[2][2]*rz) / v.Spacing[2]
}

// Inside reports whether the physical point lies within the volume's sampled
// domain, i.e. whether it can be trilinearly interpolated.
func (v *Volume) Inside(p models.Point3) bool {
	i, j, k := v.PhysicalToIndex(p)
	return i >= 0 && i <= float64(v.Nx-1) &&
		j >= 0 && j <= float64(v.Ny-1) &&
		k >= 0 && k <= float64(v.Nz-1)
}

// Interpolate returns the trilinearly interpolated intensity at the physical
// point p. The second return value is false when p lies outside the sampled
// domain.
func (v *Volume) Interpolate(p models.Point3) (float64, bool) {
	fi, fj, fk := v.PhysicalToIndex(p)
	return v.interpolateIndex(fi, fj, fk)
}

// interpolateIndex performs trilinear interpolation at a continuous index.
func (v *Volume) interpolateIndex(fi, fj, fk float64) (float64, bool) {
	if fi < 0 || fi > float64(v.Nx-1) ||
		fj < 0 || fj > float64(v.Ny-1) ||
		fk < 0 || fk > float64(v.Nz-1) {
		return 0, false
	}
	i := int(fi)
	j := int(fj)
	k := int(fk)
	if i > v.Nx-2 {
		i = v.Nx - 2
	}
	if j > v.Ny-2 {
		j = v.Ny - 2
	}
	if k > v.Nz-2 {
		k = v.Nz - 2
	}
	if v.Nx == 1 {
		i = 0
	}
	if v.Ny == 1 {
		j = 0
	}
	if v.Nz == 1 {
		k = 0
	}
	tx := fi - float64(i)
	ty := fj - float64(j)
	tz := fk - float64(k)

	i1, j1, k1 := i+1, j+1, k+1
	if i1 > v.Nx-1 {
		i1 = v.Nx - 1
	}
	if j1 > v.Ny-1 {
		j1 = v.Ny - 1
	}
	if k1 > v.Nz-1 {
		k1 = v.Nz - 1
	}

	c000 := v.At(i, j, k)
	c100 := v.At(i1, j, k)
	c010 := v.At(i, j1, k)
	c110 := v.At(i1, j1, k)
	c001 := v.At(i, j, k1)
	c101 := v.At(i1, j, k1)
	c011 := v.At(i, j1, k1)
	c111 := v.At(i1, j1, k1)

	c00 := c000*(1-tx) + c100*tx
	c10 := c010*(1-tx) + c110*tx
	c01 := c001*(1-tx) + c101*tx
	c11 := c011*(1-tx) + c111*tx

	c0 := c00*(1-ty) + c10*ty
	c1 := c01*(1-ty) + c11*ty

	return c0*(1-tz) + c1*tz, true
}

// GradientAt returns the physical-space intensity gradient at p, estimated
// by central differences of the interpolated image one voxel apart along
// each grid axis and rotated into physical axes. The second return value is
// false when the stencil falls outside the volume.
func (v *Volume) GradientAt(p models.Point3) (models.Vector3, bool) {
	fi, fj, fk := v.PhysicalToIndex(p)

	var gIdx [3]float64
	offs := [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	for d := 0; d < 3; d++ {
		plus, okP := v.interpolateIndex(fi+offs[d][0], fj+offs[d][1], fk+offs[d][2])
		minus, okM := v.interpolateIndex(fi-offs[d][0], fj-offs[d][1], fk-offs[d][2])
		if !okP || !okM {
			return models.Vector3{}, false
		}
		gIdx[d] = (plus - minus) / (2 * v.Spacing[d])
	}

	d := &v.Direction
	return models.Vector3{
		X: d[0][0]*gIdx[0] + d[0][1]*gIdx[1] + d[0][2]*gIdx[2],
		Y: d[1][0]*gIdx[0] + d[1][1]*gIdx[1] + d[1][2]*gIdx[2],
		Z: d[2][0]*gIdx[0] + d[2][1]*gIdx[1] + d[2][2]*gIdx[2],
	}, true
}

// PhysicalBounds returns the axis-aligned physical bounding box enclosing
// all eight corners of the sampled domain.
func (v *Volume) PhysicalBounds() (lo, hi models.Point3) {
	first := true
	for _, ci := range []float64{0, float64(v.Nx - 1)} {
		for _, cj := range []float64{0, float64(v.Ny - 1)} {
			for _, ck := range []float64{0, float64(v.Nz - 1)} {
				p := v.IndexToPhysical(ci, cj, ck)
				if first {
					lo, hi = p, p
					first = false
					continue
				}
				lo.X = math.Min(lo.X, p.X)
				lo.Y = math.Min(lo.Y, p.Y)
				lo.Z = math.Min(lo.Z, p.Z)
				hi.X = math.Max(hi.X, p.X)
				hi.Y = math.Max(hi.Y, p.Y)
				hi.Z = math.Max(hi.Z, p.Z)
			}
		}
	}
	return lo, hi
}

// Center returns the geometric center of the physical bounding box. The
// rigid transform uses this as its fixed rotation center.
func (v *Volume) Center() models.Point3 {
	lo, hi := v.PhysicalBounds()
	return models.Point3{
		X: (lo.X + hi.X) / 2,
		Y: (lo.Y + hi.Y) / 2,
		Z: (lo.Z + hi.Z) / 2,
	}
}

// MinMax returns the smallest and largest sample in the volume.
func (v *Volume) MinMax() (min, max float64) {
	min = math.Inf(1)
	max = math.Inf(-1)
	for _, s := range v.Data {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	return min, max
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := *v
	out.Data = make([]float64, len(v.Data))
	copy(out.Data, v.Data)
	return &out
}

// SameGrid reports whether two volumes share dimensions. Registration inputs
// must both be 3D grids but need not share a grid; this is used by the
// resampler and voxel-wise comparisons.
func (v *Volume) SameGrid(w *Volume) bool {
	return v.Nx == w.Nx && v.Ny == w.Ny && v.Nz == w.Nz
}
