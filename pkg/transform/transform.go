// Package transform provides the coordinate mappings estimated by the
// registration engine: a 6-parameter rigid transform for initial alignment
// and a B-spline free-form deformation for the non-rigid stage.
//
// Both variants share a small capability set (evaluate a point, get/set the
// parameter vector, report the parameter count) so the metric and the
// optimizer can drive either without knowing which one they hold.
package transform

import (
	"fmt"

	"voxelreg/internal/models"
)

// Transform maps physical points of the fixed volume's frame to physical
// points in the moving volume's frame.
type Transform interface {
	// Apply evaluates the transform at a physical point.
	Apply(models.Point3) models.Point3

	// Parameters returns a copy of the current parameter vector. Its length
	// always equals ParameterCount.
	Parameters() []float64

	// SetParameters replaces the parameter vector. The argument length must
	// equal ParameterCount.
	SetParameters([]float64) error

	// ParameterCount reports the number of free parameters.
	ParameterCount() int
}

// Identity maps every point to itself. It is the seed transform for the
// rigid stage and the reference mapping for the resampler.
type Identity struct{}

// Apply returns p unchanged.
func (Identity) Apply(p models.Point3) models.Point3 { return p }

// Parameters returns an empty vector.
func (Identity) Parameters() []float64 { return nil }

// SetParameters accepts only an empty vector.
func (Identity) SetParameters(params []float64) error {
	if len(params) != 0 {
		return &ParameterLengthError{Got: len(params), Want: 0}
	}
	return nil
}

// ParameterCount returns 0.
func (Identity) ParameterCount() int { return 0 }

// ParameterLengthError reports a parameter vector whose length does not
// match the transform's parameter count.
type ParameterLengthError struct {
	Got, Want int
}

func (e *ParameterLengthError) Error() string {
	return fmt.Sprintf("parameter vector has length %d, transform expects %d", e.Got, e.Want)
}

// mul3 multiplies two 3x3 matrices.
func mul3(a, b [3][3]float64) [3][3]float64 {
	var c [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			c[i][j] = a[i][0]*b[0][j] + a[i][1]*b[1][j] + a[i][2]*b[2][j]
		}
	}
	return c
}

// apply3 multiplies a 3x3 matrix with a vector.
func apply3(m [3][3]float64, v models.Vector3) models.Vector3 {
	return models.Vector3{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}
