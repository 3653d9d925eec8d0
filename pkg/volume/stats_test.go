package volume

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/stat"

	"voxelreg/internal/models"
)

// TestNormalize verifies zero mean and unit variance after rescaling.
func TestNormalize(t *testing.T) {
	v := MustNew(4, 4, 4, [3]float64{1, 1, 1}, models.Point3{}, Identity)
	for i := range v.Data {
		v.Data[i] = float64(i%7) * 3.5
	}

	n, err := Normalize(v)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if mean := stat.Mean(n.Data, nil); math.Abs(mean) > 1e-12 {
		t.Errorf("Expected zero mean, got %g", mean)
	}
	if sd := stat.StdDev(n.Data, nil); math.Abs(sd-1) > 1e-12 {
		t.Errorf("Expected unit standard deviation, got %g", sd)
	}
}

// TestNormalizeConstantVolume verifies rejection of zero-variance input.
func TestNormalizeConstantVolume(t *testing.T) {
	v := MustNew(3, 3, 3, [3]float64{1, 1, 1}, models.Point3{}, Identity)
	for i := range v.Data {
		v.Data[i] = 42
	}
	if _, err := Normalize(v); err == nil {
		t.Error("Expected an error normalizing a constant volume")
	}
}

// TestCentroid verifies foreground centroid location with thresholding.
func TestCentroid(t *testing.T) {
	v := MustNew(9, 9, 9, [3]float64{1, 1, 1}, models.Point3{X: -4, Y: -4, Z: -4}, Identity)
	// Foreground block centered on voxel (6,3,4).
	for _, d := range [][3]int{{6, 3, 4}, {5, 3, 4}, {7, 3, 4}} {
		v.Set(d[0], d[1], d[2], 10)
	}

	c, err := Centroid(v, 1)
	if err != nil {
		t.Fatalf("Centroid failed: %v", err)
	}
	want := v.IndexToPhysical(6, 3, 4)
	if c.Distance(want) > 1e-12 {
		t.Errorf("Expected centroid %v, got %v", want, c)
	}

	if _, err := Centroid(v, 100); err == nil {
		t.Error("Expected an error when no voxel passes the threshold")
	}
}

// TestMeanAbsDifference verifies the residual measure and its grid check.
func TestMeanAbsDifference(t *testing.T) {
	a := MustNew(2, 2, 2, [3]float64{1, 1, 1}, models.Point3{}, Identity)
	b := a.Clone()
	for i := range b.Data {
		b.Data[i] = 2
	}

	mad, err := MeanAbsDifference(a, b)
	if err != nil {
		t.Fatalf("MeanAbsDifference failed: %v", err)
	}
	if mad != 2 {
		t.Errorf("Expected mean absolute difference 2, got %f", mad)
	}

	c := MustNew(3, 2, 2, [3]float64{1, 1, 1}, models.Point3{}, Identity)
	if _, err := MeanAbsDifference(a, c); err == nil {
		t.Error("Expected an error for mismatched grids")
	}
}

// TestResample verifies identity resampling onto the same grid and a
// translated mapper, for both interpolation kinds.
func TestResample(t *testing.T) {
	m := MustNew(8, 8, 8, [3]float64{1, 1, 1}, models.Point3{}, Identity)
	for k := 0; k < 8; k++ {
		for j := 0; j < 8; j++ {
			for i := 0; i < 8; i++ {
				m.Set(i, j, k, float64(i+10*j+100*k))
			}
		}
	}

	out, err := Resample(m, shiftMapper{}, m, InterpLinear)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	// Reference voxel (i,j,k) reads the moving volume at x+1.
	if got, want := out.At(2, 3, 4), m.At(3, 3, 4); math.Abs(got-want) > 1e-10 {
		t.Errorf("Expected shifted sample %f, got %f", want, got)
	}
	// The last x column maps outside the moving domain and reads zero.
	if got := out.At(7, 3, 4); got != 0 {
		t.Errorf("Expected zero outside the moving domain, got %f", got)
	}

	nn, err := Resample(m, shiftMapper{}, m, InterpNearest)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	if got, want := nn.At(2, 3, 4), m.At(3, 3, 4); got != want {
		t.Errorf("Expected nearest sample %f, got %f", want, got)
	}
}

type shiftMapper struct{}

func (shiftMapper) Apply(p models.Point3) models.Point3 {
	return models.Point3{X: p.X + 1, Y: p.Y, Z: p.Z}
}
