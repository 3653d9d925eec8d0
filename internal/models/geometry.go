package models

import "math"

// Point3 is a position in physical (scanner) space, in millimetres.
type Point3 struct {
	X, Y, Z float64
}

// Vector3 is a displacement in physical space, in millimetres.
type Vector3 struct {
	X, Y, Z float64
}

// Index3 addresses a voxel on a 3D lattice.
type Index3 struct {
	I, J, K int
}

// Add returns the point displaced by v.
func (p Point3) Add(v Vector3) Point3 {
	return Point3{p.X + v.X, p.Y + v.Y, p.Z + v.Z}
}

// Sub returns the displacement from q to p.
func (p Point3) Sub(q Point3) Vector3 {
	return Vector3{p.X - q.X, p.Y - q.Y, p.Z - q.Z}
}

// Distance returns the Euclidean distance between two points.
func (p Point3) Distance(q Point3) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Norm returns the Euclidean length of the vector.
func (v Vector3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Scale returns the vector multiplied by s.
func (v Vector3) Scale(s float64) Vector3 {
	return Vector3{v.X * s, v.Y * s, v.Z * s}
}

// AddVec returns the component-wise sum of two vectors.
func (v Vector3) AddVec(w Vector3) Vector3 {
	return Vector3{v.X + w.X, v.Y + w.Y, v.Z + w.Z}
}
