// Package pyramid builds the coarse-to-fine schedule driving multi-level
// registration: per-level shrink factors and Gaussian smoothing sigmas
// applied identically to the fixed and moving volumes, plus the B-spline
// mesh resolution for the deformable path. It also derives each level's
// smoothed and downsampled volume pair.
package pyramid

import (
	"fmt"

	"voxelreg/pkg/volume"
)

// ConfigError reports an invalid pyramid schedule. It is raised before any
// optimization starts.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid pyramid schedule: " + e.Reason
}

// Level describes one pyramid stage. Levels are ordered coarse to fine; the
// sequence is fixed at registration start.
type Level struct {
	// Shrink is the integer decimation factor applied to both volumes
	// (>= 1, 1 at the finest level).
	Shrink int

	// Sigma is the Gaussian smoothing width in voxels of the full-resolution
	// grid (>= 0, 0 at the finest level).
	Sigma float64

	// Mesh is the B-spline lattice resolution (cells per axis) at this
	// level. Ignored by the rigid path.
	Mesh int
}

// NewSchedule produces a coarse-to-fine schedule of the given depth. Shrink
// factors halve per level and end at 1, sigmas decrease by one voxel per
// level and end at 0, and for the deformable path the mesh doubles per level
// up to finestMesh so each lattice nests inside the next (the nesting is
// what lets mesh refinement carry displacement forward exactly).
//
// finestMesh <= 0 produces a rigid-only schedule with zero meshes.
func NewSchedule(levels, finestMesh int) ([]Level, error) {
	if levels <= 0 {
		return nil, &ConfigError{Reason: fmt.Sprintf("level count %d, must be positive", levels)}
	}
	if finestMesh > 0 && finestMesh>>(levels-1) < 1 {
		return nil, &ConfigError{Reason: fmt.Sprintf("finest mesh %d cannot be halved across %d levels", finestMesh, levels)}
	}
	out := make([]Level, levels)
	for l := 0; l < levels; l++ {
		back := levels - 1 - l // 0 at the finest level
		out[l] = Level{
			Shrink: 1 << back,
			Sigma:  float64(back),
		}
		if finestMesh > 0 {
			out[l].Mesh = finestMesh >> back
		}
	}
	return out, Validate(out)
}

// Validate checks the schedule invariants: at least one level, strictly
// decreasing shrink factors ending at 1, strictly decreasing sigmas ending
// at 0, and (when meshes are present) strictly increasing nested mesh sizes.
// Externally supplied schedules pass through here before registration runs.
func Validate(levels []Level) error {
	if len(levels) == 0 {
		return &ConfigError{Reason: "no levels"}
	}
	last := levels[len(levels)-1]
	if last.Shrink != 1 {
		return &ConfigError{Reason: fmt.Sprintf("finest level shrink factor is %d, must be 1", last.Shrink)}
	}
	if last.Sigma != 0 {
		return &ConfigError{Reason: fmt.Sprintf("finest level sigma is %g, must be 0", last.Sigma)}
	}
	for i, l := range levels {
		if l.Shrink < 1 {
			return &ConfigError{Reason: fmt.Sprintf("level %d shrink factor %d, must be >= 1", i, l.Shrink)}
		}
		if l.Sigma < 0 {
			return &ConfigError{Reason: fmt.Sprintf("level %d sigma %g, must be >= 0", i, l.Sigma)}
		}
		if l.Mesh < 0 {
			return &ConfigError{Reason: fmt.Sprintf("level %d mesh %d, must be >= 0", i, l.Mesh)}
		}
		if i == 0 {
			continue
		}
		prev := levels[i-1]
		if l.Shrink >= prev.Shrink {
			return &ConfigError{Reason: fmt.Sprintf("shrink factors must strictly decrease, level %d has %d after %d", i, l.Shrink, prev.Shrink)}
		}
		if l.Sigma >= prev.Sigma {
			return &ConfigError{Reason: fmt.Sprintf("sigmas must strictly decrease, level %d has %g after %g", i, l.Sigma, prev.Sigma)}
		}
		if prev.Mesh > 0 {
			if l.Mesh <= prev.Mesh {
				return &ConfigError{Reason: fmt.Sprintf("mesh sizes must strictly increase, level %d has %d after %d", i, l.Mesh, prev.Mesh)}
			}
			if l.Mesh%prev.Mesh != 0 {
				return &ConfigError{Reason: fmt.Sprintf("level %d mesh %d does not nest level %d mesh %d", i, l.Mesh, i-1, prev.Mesh)}
			}
		}
	}
	return nil
}

// DeriveLevel returns the volume smoothed by the level's sigma and decimated
// by its shrink factor. Derived volumes are cheap to recompute and are not
// cached across a registration run beyond the current level.
func DeriveLevel(v *volume.Volume, l Level) *volume.Volume {
	return v.Smooth(l.Sigma).Decimate(l.Shrink)
}
