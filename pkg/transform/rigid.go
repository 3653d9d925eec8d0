package transform

import (
	"math"

	"voxelreg/internal/models"
)

// Rigid is a 6-degree-of-freedom transform: three Euler angles (radians)
// rotating about a fixed center, followed by a translation (mm).
//
// The rotation convention is R = Rz(γ)·Ry(β)·Rx(α): the X rotation is
// applied first, then Y, then Z. The center is a derived constant (the
// geometric center of the fixed volume's physical bounding box), not a free
// parameter, so pure rotations pivot about the imaged anatomy rather than
// the scanner origin.
//
// Parameter layout: [α, β, γ, tx, ty, tz].
type Rigid struct {
	center models.Point3

	angles [3]float64
	trans  models.Vector3

	// rot caches the rotation matrix for the current angles.
	rot [3][3]float64
}

// NewRigid creates an identity rigid transform rotating about center.
func NewRigid(center models.Point3) *Rigid {
	r := &Rigid{center: center}
	r.updateRotation()
	return r
}

// Center returns the fixed rotation center.
func (r *Rigid) Center() models.Point3 { return r.center }

// Apply maps p through the rigid motion: rotate (p - center) about the
// center, then translate.
func (r *Rigid) Apply(p models.Point3) models.Point3 {
	d := apply3(r.rot, p.Sub(r.center))
	return models.Point3{
		X: r.center.X + d.X + r.trans.X,
		Y: r.center.Y + d.Y + r.trans.Y,
		Z: r.center.Z + d.Z + r.trans.Z,
	}
}

// Parameters returns [α, β, γ, tx, ty, tz].
func (r *Rigid) Parameters() []float64 {
	return []float64{r.angles[0], r.angles[1], r.angles[2], r.trans.X, r.trans.Y, r.trans.Z}
}

// SetParameters installs a new parameter vector and refreshes the cached
// rotation matrix.
func (r *Rigid) SetParameters(params []float64) error {
	if len(params) != 6 {
		return &ParameterLengthError{Got: len(params), Want: 6}
	}
	r.angles = [3]float64{params[0], params[1], params[2]}
	r.trans = models.Vector3{X: params[3], Y: params[4], Z: params[5]}
	r.updateRotation()
	return nil
}

// ParameterCount returns 6.
func (r *Rigid) ParameterCount() int { return 6 }

func rotX(a float64) [3][3]float64 {
	c, s := math.Cos(a), math.Sin(a)
	return [3][3]float64{{1, 0, 0}, {0, c, -s}, {0, s, c}}
}

func rotY(b float64) [3][3]float64 {
	c, s := math.Cos(b), math.Sin(b)
	return [3][3]float64{{c, 0, s}, {0, 1, 0}, {-s, 0, c}}
}

func rotZ(g float64) [3][3]float64 {
	c, s := math.Cos(g), math.Sin(g)
	return [3][3]float64{{c, -s, 0}, {s, c, 0}, {0, 0, 1}}
}

func (r *Rigid) updateRotation() {
	r.rot = mul3(rotZ(r.angles[2]), mul3(rotY(r.angles[1]), rotX(r.angles[0])))
}

// ParameterJacobian returns the 3x6 Jacobian of the transformed point with
// respect to the parameters, evaluated at p. Columns 0-2 hold the rotation
// derivatives, columns 3-5 the (identity) translation derivatives. The
// metric chains this with the moving image gradient to obtain its parameter
// gradient.
func (r *Rigid) ParameterJacobian(p models.Point3) [3][6]float64 {
	a, b, g := r.angles[0], r.angles[1], r.angles[2]
	ca, sa := math.Cos(a), math.Sin(a)
	cb, sb := math.Cos(b), math.Sin(b)
	cg, sg := math.Cos(g), math.Sin(g)

	dRx := [3][3]float64{{0, 0, 0}, {0, -sa, -ca}, {0, ca, -sa}}
	dRy := [3][3]float64{{-sb, 0, cb}, {0, 0, 0}, {-cb, 0, -sb}}
	dRz := [3][3]float64{{-sg, -cg, 0}, {cg, -sg, 0}, {0, 0, 0}}

	dA := mul3(rotZ(g), mul3(rotY(b), dRx))
	dB := mul3(rotZ(g), mul3(dRy, rotX(a)))
	dG := mul3(dRz, mul3(rotY(b), rotX(a)))

	v := p.Sub(r.center)
	da := apply3(dA, v)
	db := apply3(dB, v)
	dg := apply3(dG, v)

	return [3][6]float64{
		{da.X, db.X, dg.X, 1, 0, 0},
		{da.Y, db.Y, dg.Y, 0, 1, 0},
		{da.Z, db.Z, dg.Z, 0, 0, 1},
	}
}
