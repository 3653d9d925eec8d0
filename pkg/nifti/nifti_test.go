package nifti

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"voxelreg/internal/models"
	"voxelreg/pkg/volume"
)

func testVolume() *volume.Volume {
	rot := [3][3]float64{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}}
	v := volume.MustNew(5, 4, 3, [3]float64{1.5, 2, 0.5}, models.Point3{X: 10, Y: -3, Z: 4}, rot)
	for i := range v.Data {
		v.Data[i] = float64(i) * 0.25
	}
	return v
}

// TestSaveLoadRoundTrip verifies that samples and grid geometry survive a
// write/read cycle, plain and gzip-compressed.
func TestSaveLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"vol.nii", "vol.nii.gz"} {
		path := filepath.Join(t.TempDir(), name)
		want := testVolume()

		if err := Save(want, path); err != nil {
			t.Fatalf("Save %s failed: %v", name, err)
		}
		got, err := Load(path)
		if err != nil {
			t.Fatalf("Load %s failed: %v", name, err)
		}

		if !got.SameGrid(want) {
			t.Fatalf("%s: expected grid %dx%dx%d, got %dx%dx%d",
				name, want.Nx, want.Ny, want.Nz, got.Nx, got.Ny, got.Nz)
		}
		for d := 0; d < 3; d++ {
			if math.Abs(got.Spacing[d]-want.Spacing[d]) > 1e-5 {
				t.Errorf("%s: spacing %d: expected %f, got %f", name, d, want.Spacing[d], got.Spacing[d])
			}
		}
		if got.Origin.Distance(want.Origin) > 1e-5 {
			t.Errorf("%s: expected origin %v, got %v", name, want.Origin, got.Origin)
		}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				if math.Abs(got.Direction[r][c]-want.Direction[r][c]) > 1e-5 {
					t.Errorf("%s: direction[%d][%d]: expected %f, got %f",
						name, r, c, want.Direction[r][c], got.Direction[r][c])
				}
			}
		}
		for i := range want.Data {
			if math.Abs(got.Data[i]-want.Data[i]) > 1e-4 {
				t.Errorf("%s: sample %d: expected %f, got %f", name, i, want.Data[i], got.Data[i])
				break
			}
		}
	}
}

// TestLoadMissingFile verifies the decode error type and path reporting.
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.nii"))
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("Expected DecodeError, got %v", err)
	}
}

// TestLoadGarbage verifies rejection of a non-NIfTI payload.
func TestLoadGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.nii")
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i * 7)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Writing test file failed: %v", err)
	}

	_, err := Load(path)
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("Expected DecodeError for garbage input, got %v", err)
	}
}

// TestLoadTruncated verifies rejection of a header-only file.
func TestLoadTruncated(t *testing.T) {
	src := filepath.Join(t.TempDir(), "full.nii")
	if err := Save(testVolume(), src); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("Reading test file failed: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "short.nii")
	if err := os.WriteFile(dst, data[:360], 0644); err != nil {
		t.Fatalf("Writing truncated file failed: %v", err)
	}
	if _, err := Load(dst); err == nil {
		t.Error("Expected an error loading a truncated file")
	}
}

// TestSaveUnwritablePath verifies the encode error type.
func TestSaveUnwritablePath(t *testing.T) {
	err := Save(testVolume(), filepath.Join(t.TempDir(), "no", "such", "dir", "out.nii"))
	var encErr *EncodeError
	if !errors.As(err, &encErr) {
		t.Fatalf("Expected EncodeError, got %v", err)
	}
}
