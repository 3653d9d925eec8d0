package volume

import "math"

// gaussianKernel builds a normalized 1D Gaussian kernel for the given sigma
// in voxels, truncated at 3 sigma.
func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// mirror reflects an out-of-range index back into [0, n).
func mirror(i, n int) int {
	if i < 0 {
		i = -i
	}
	if i >= n {
		i = 2*n - i - 2
	}
	if i < 0 {
		i = 0
	}
	if i >= n {
		i = n - 1
	}
	return i
}

// Smooth returns a copy of the volume convolved with a separable Gaussian
// kernel of the given sigma (in voxels). Edges are mirrored. Sigma <= 0
// returns an unfiltered copy.
func (v *Volume) Smooth(sigma float64) *Volume {
	if sigma <= 0 {
		return v.Clone()
	}
	kernel := gaussianKernel(sigma)
	radius := len(kernel) / 2

	src := v.Data
	tmp := make([]float64, len(src))
	dst := make([]float64, len(src))

	nx, ny, nz := v.Nx, v.Ny, v.Nz

	// Pass along x.
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			row := (k*ny + j) * nx
			for i := 0; i < nx; i++ {
				acc := 0.0
				for t := -radius; t <= radius; t++ {
					acc += kernel[t+radius] * src[row+mirror(i+t, nx)]
				}
				tmp[row+i] = acc
			}
		}
	}
	// Pass along y.
	for k := 0; k < nz; k++ {
		for i := 0; i < nx; i++ {
			for j := 0; j < ny; j++ {
				acc := 0.0
				for t := -radius; t <= radius; t++ {
					acc += kernel[t+radius] * tmp[(k*ny+mirror(j+t, ny))*nx+i]
				}
				dst[(k*ny+j)*nx+i] = acc
			}
		}
	}
	// Pass along z, back into tmp.
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			for k := 0; k < nz; k++ {
				acc := 0.0
				for t := -radius; t <= radius; t++ {
					acc += kernel[t+radius] * dst[(mirror(k+t, nz)*ny+j)*nx+i]
				}
				tmp[(k*ny+j)*nx+i] = acc
			}
		}
	}

	out := *v
	out.Data = tmp
	return &out
}

// Decimate keeps every factor-th voxel along each axis. The spacing grows by
// the factor while the origin stays put, so every retained sample keeps its
// original physical position. Factor 1 returns an unmodified copy.
func (v *Volume) Decimate(factor int) *Volume {
	if factor <= 1 {
		return v.Clone()
	}
	nx := (v.Nx + factor - 1) / factor
	ny := (v.Ny + factor - 1) / factor
	nz := (v.Nz + factor - 1) / factor

	out := *v
	out.Nx, out.Ny, out.Nz = nx, ny, nz
	out.Spacing = [3]float64{
		v.Spacing[0] * float64(factor),
		v.Spacing[1] * float64(factor),
		v.Spacing[2] * float64(factor),
	}
	// Decimated voxel i retains the sample of original voxel i*factor, whose
	// physical position is origin + direction·(spacing⊙(i*factor)). With the
	// spacing scaled by the factor the origin therefore stays put.
	out.Data = make([]float64, nx*ny*nz)

	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				out.Data[(k*ny+j)*nx+i] = v.At(i*factor, j*factor, k*factor)
			}
		}
	}
	return &out
}
