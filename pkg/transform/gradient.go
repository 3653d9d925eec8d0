package transform

import "voxelreg/internal/models"

// AccumulateParameterGradient adds scale * (g^T · ∂Apply(p)/∂params) to
// grad. g is the moving-image intensity gradient at the mapped point; the
// metric chains it with the parameter Jacobian of the transform to build its
// objective gradient without knowing the transform variant.
func (r *Rigid) AccumulateParameterGradient(p models.Point3, g models.Vector3, scale float64, grad []float64) {
	jac := r.ParameterJacobian(p)
	for j := 0; j < 6; j++ {
		grad[j] += scale * (g.X*jac[0][j] + g.Y*jac[1][j] + g.Z*jac[2][j])
	}
}

// AccumulateParameterGradient adds scale * (g^T · ∂Apply(p)/∂params) to
// grad. For the free-form deformation, the derivative of the mapped point's
// component d with respect to a control point's component-d displacement is
// that control point's basis weight at p, so only the 4×4×4 support
// contributes.
func (b *BSpline) AccumulateParameterGradient(p models.Point3, g models.Vector3, scale float64, grad []float64) {
	var buf [64]Support
	sup, ok := b.SupportWeights(p, buf[:0])
	if !ok {
		return
	}
	n := b.total
	for _, s := range sup {
		grad[s.Index] += scale * g.X * s.Weight
		grad[n+s.Index] += scale * g.Y * s.Weight
		grad[2*n+s.Index] += scale * g.Z * s.Weight
	}
}
