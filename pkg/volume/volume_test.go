package volume

import (
	"math"
	"testing"

	"voxelreg/internal/models"
)

// rampVolume fills a grid with a*x + b*y + c*z of the physical coordinates,
// so trilinear interpolation and gradient estimates are exact.
func rampVolume(nx, ny, nz int, spacing [3]float64, origin models.Point3, a, b, c float64) *Volume {
	v := MustNew(nx, ny, nz, spacing, origin, Identity)
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				p := v.IndexToPhysical(float64(i), float64(j), float64(k))
				v.Set(i, j, k, a*p.X+b*p.Y+c*p.Z)
			}
		}
	}
	return v
}

// TestNewValidation verifies geometry invariant enforcement.
func TestNewValidation(t *testing.T) {
	if _, err := New(0, 4, 4, [3]float64{1, 1, 1}, models.Point3{}, Identity); err == nil {
		t.Error("Expected an error for a zero dimension")
	}
	if _, err := New(4, 4, 4, [3]float64{1, -1, 1}, models.Point3{}, Identity); err == nil {
		t.Error("Expected an error for negative spacing")
	}
	skewed := [3][3]float64{{1, 0.5, 0}, {0, 1, 0}, {0, 0, 1}}
	if _, err := New(4, 4, 4, [3]float64{1, 1, 1}, models.Point3{}, skewed); err == nil {
		t.Error("Expected an error for a non-orthonormal direction matrix")
	}
	if _, err := New(4, 4, 4, [3]float64{1, 1, 1}, models.Point3{}, Identity); err != nil {
		t.Errorf("Expected valid geometry to pass, got %v", err)
	}
}

// TestPhysicalMappingRoundTrip verifies IndexToPhysical and PhysicalToIndex
// are inverse on a rotated, offset grid.
func TestPhysicalMappingRoundTrip(t *testing.T) {
	// Quarter turn about z: grid x maps to physical y.
	rot := [3][3]float64{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}}
	v := MustNew(5, 6, 7, [3]float64{1.5, 2, 0.5}, models.Point3{X: 10, Y: -3, Z: 4}, rot)

	cases := [][3]float64{{0, 0, 0}, {4, 5, 6}, {1.25, 3.5, 0.75}}
	for _, c := range cases {
		p := v.IndexToPhysical(c[0], c[1], c[2])
		i, j, k := v.PhysicalToIndex(p)
		if math.Abs(i-c[0]) > 1e-12 || math.Abs(j-c[1]) > 1e-12 || math.Abs(k-c[2]) > 1e-12 {
			t.Errorf("Round trip of index %v gave (%f, %f, %f)", c, i, j, k)
		}
	}

	// Voxel (1,0,0) sits one x-spacing along physical y from the origin.
	p := v.IndexToPhysical(1, 0, 0)
	want := models.Point3{X: 10, Y: -1.5, Z: 4}
	if p.Distance(want) > 1e-12 {
		t.Errorf("Expected voxel (1,0,0) at %v, got %v", want, p)
	}
}

// TestInterpolateLinearRamp verifies that trilinear interpolation reproduces
// a linear intensity field exactly at arbitrary interior points.
func TestInterpolateLinearRamp(t *testing.T) {
	v := rampVolume(8, 8, 8, [3]float64{1, 1, 1}, models.Point3{X: -2, Y: 1, Z: 0}, 2, -3, 0.5)

	points := []models.Point3{
		{X: -2, Y: 1, Z: 0},
		{X: 1.3, Y: 4.7, Z: 2.9},
		{X: 5, Y: 8, Z: 7},
	}
	for _, p := range points {
		got, ok := v.Interpolate(p)
		if !ok {
			t.Errorf("Expected %v inside the volume", p)
			continue
		}
		want := 2*p.X - 3*p.Y + 0.5*p.Z
		if math.Abs(got-want) > 1e-10 {
			t.Errorf("Interpolation at %v: expected %f, got %f", p, want, got)
		}
	}

	if _, ok := v.Interpolate(models.Point3{X: -2.5, Y: 1, Z: 0}); ok {
		t.Error("Expected a point outside the domain to report not-ok")
	}
}

// TestGradientLinearRamp verifies the physical-space gradient on a linear
// field, including a rotated grid.
func TestGradientLinearRamp(t *testing.T) {
	v := rampVolume(8, 8, 8, [3]float64{1, 0.5, 2}, models.Point3{}, 2, -3, 0.5)

	g, ok := v.GradientAt(models.Point3{X: 3, Y: 2, Z: 6})
	if !ok {
		t.Fatal("Expected gradient stencil inside the volume")
	}
	want := models.Vector3{X: 2, Y: -3, Z: 0.5}
	if math.Abs(g.X-want.X) > 1e-10 || math.Abs(g.Y-want.Y) > 1e-10 || math.Abs(g.Z-want.Z) > 1e-10 {
		t.Errorf("Expected gradient %v, got %v", want, g)
	}

	if _, ok := v.GradientAt(models.Point3{X: 0, Y: 0, Z: 0}); ok {
		t.Error("Expected gradient stencil at a corner to fall outside")
	}
}

// TestGradientRotatedGrid verifies that the gradient is expressed in
// physical axes when the grid axes are rotated.
func TestGradientRotatedGrid(t *testing.T) {
	rot := [3][3]float64{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}}
	v := MustNew(8, 8, 8, [3]float64{1, 1, 1}, models.Point3{}, rot)
	for k := 0; k < 8; k++ {
		for j := 0; j < 8; j++ {
			for i := 0; i < 8; i++ {
				p := v.IndexToPhysical(float64(i), float64(j), float64(k))
				v.Set(i, j, k, 4*p.X)
			}
		}
	}

	p := v.IndexToPhysical(4, 4, 4)
	g, ok := v.GradientAt(p)
	if !ok {
		t.Fatal("Expected gradient stencil inside the volume")
	}
	if math.Abs(g.X-4) > 1e-10 || math.Abs(g.Y) > 1e-10 || math.Abs(g.Z) > 1e-10 {
		t.Errorf("Expected physical gradient (4,0,0), got %v", g)
	}
}

// TestPhysicalBoundsAndCenter verifies the bounding box and its center.
func TestPhysicalBoundsAndCenter(t *testing.T) {
	v := MustNew(11, 21, 31, [3]float64{1, 0.5, 2}, models.Point3{X: 5, Y: -10, Z: 0}, Identity)

	lo, hi := v.PhysicalBounds()
	wantLo := models.Point3{X: 5, Y: -10, Z: 0}
	wantHi := models.Point3{X: 15, Y: 0, Z: 60}
	if lo.Distance(wantLo) > 1e-12 || hi.Distance(wantHi) > 1e-12 {
		t.Errorf("Expected bounds [%v, %v], got [%v, %v]", wantLo, wantHi, lo, hi)
	}

	c := v.Center()
	wantC := models.Point3{X: 10, Y: -5, Z: 30}
	if c.Distance(wantC) > 1e-12 {
		t.Errorf("Expected center %v, got %v", wantC, c)
	}
}

// TestMinMaxAndClone verifies sample extrema and deep copying.
func TestMinMaxAndClone(t *testing.T) {
	v := MustNew(2, 2, 2, [3]float64{1, 1, 1}, models.Point3{}, Identity)
	for i, s := range []float64{3, -1, 7, 0, 2, 2, -4, 5} {
		v.Data[i] = s
	}

	min, max := v.MinMax()
	if min != -4 || max != 7 {
		t.Errorf("Expected extrema -4 and 7, got %f and %f", min, max)
	}

	c := v.Clone()
	c.Data[0] = 100
	if v.Data[0] != 3 {
		t.Error("Clone shares sample storage with the original")
	}
	if !v.SameGrid(c) {
		t.Error("Clone reports a different grid")
	}
}
