// Package nifti reads and writes 3D scalar volumes in the NIfTI-1 format
// (.nii and .nii.gz), the interchange format the registration pipeline
// consumes and produces.
//
// Reading accepts the common scalar datatypes (uint8, int16, uint16, int32,
// float32, float64), applies the header's intensity scaling, and takes the
// grid geometry from the sform when one is present. Volumes whose qform
// carries a rotation but no sform are loaded with pixdim spacing and
// identity direction; quaternion orientations are not decoded. Writing
// always emits little-endian float32 with an sform.
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"voxelreg/internal/models"
	"voxelreg/pkg/volume"
)

// DecodeError reports a malformed or unreadable volume file.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports an unwritable output volume.
type EncodeError struct {
	Path string
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encoding %s: %v", e.Path, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// NIfTI-1 datatype codes.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtUint16  = 512
)

const headerSize = 348

// header is the fixed 348-byte NIfTI-1 header.
type header struct {
	SizeofHdr      int32
	DataType       [10]byte
	DBName         [18]byte
	Extents        int32
	SessionError   int16
	Regular        byte
	DimInfo        byte
	Dim            [8]int16
	IntentP1       float32
	IntentP2       float32
	IntentP3       float32
	IntentCode     int16
	Datatype       int16
	Bitpix         int16
	SliceStart     int16
	Pixdim         [8]float32
	VoxOffset      float32
	SclSlope       float32
	SclInter       float32
	SliceEnd       int16
	SliceCode      byte
	XyztUnits      byte
	CalMax         float32
	CalMin         float32
	SliceDuration  float32
	Toffset        float32
	Glmax          int32
	Glmin          int32
	Descrip        [80]byte
	AuxFile        [24]byte
	QformCode      int16
	SformCode      int16
	QuaternB       float32
	QuaternC       float32
	QuaternD       float32
	QoffsetX       float32
	QoffsetY       float32
	QoffsetZ       float32
	SrowX          [4]float32
	SrowY          [4]float32
	SrowZ          [4]float32
	IntentName     [16]byte
	Magic          [4]byte
}

// Load reads a NIfTI-1 volume from path, transparently decompressing
// .nii.gz files.
func Load(path string) (*volume.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, &DecodeError{Path: path, Err: err}
		}
		defer gz.Close()
		r = gz
	}

	v, err := decode(r)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return v, nil
}

func decode(r io.Reader) (*volume.Volume, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	// The header carries no explicit endianness; sizeof_hdr doubles as the
	// byte-order probe.
	var h header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if h.SizeofHdr != headerSize {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
			return nil, fmt.Errorf("parsing header: %w", err)
		}
		if h.SizeofHdr != headerSize {
			return nil, fmt.Errorf("not a NIfTI-1 file: sizeof_hdr %d", h.SizeofHdr)
		}
	}
	if magic := string(h.Magic[:3]); magic != "n+1" {
		return nil, fmt.Errorf("unsupported magic %q, only single-file NIfTI-1 (n+1) is supported", magic)
	}
	if h.Dim[0] < 3 {
		return nil, fmt.Errorf("volume has dimensionality %d, need a 3D grid", h.Dim[0])
	}
	for d := int16(4); d <= h.Dim[0] && int(d) < len(h.Dim); d++ {
		if h.Dim[d] > 1 {
			return nil, fmt.Errorf("volume has %d samples along dimension %d, only scalar 3D grids are supported", h.Dim[d], d)
		}
	}
	nx, ny, nz := int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("invalid grid %dx%dx%d", nx, ny, nz)
	}

	spacing, origin, direction := geometryOf(&h)

	v, err := volume.New(nx, ny, nz, spacing, origin, direction)
	if err != nil {
		return nil, err
	}

	// Skip the gap between the header and the voxel data.
	offset := int64(h.VoxOffset)
	if offset < headerSize {
		return nil, fmt.Errorf("invalid vox_offset %g", h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, offset-headerSize); err != nil {
		return nil, fmt.Errorf("skipping to voxel data: %w", err)
	}

	if err := readSamples(r, order, h.Datatype, v.Data); err != nil {
		return nil, err
	}

	slope := float64(h.SclSlope)
	inter := float64(h.SclInter)
	if slope != 0 && (slope != 1 || inter != 0) {
		for i := range v.Data {
			v.Data[i] = v.Data[i]*slope + inter
		}
	}
	return v, nil
}

// geometryOf extracts spacing, origin and direction, preferring the sform.
func geometryOf(h *header) (spacing [3]float64, origin models.Point3, direction [3][3]float64) {
	spacing = [3]float64{1, 1, 1}
	for d := 0; d < 3; d++ {
		if p := math.Abs(float64(h.Pixdim[d+1])); p > 0 {
			spacing[d] = p
		}
	}
	direction = volume.Identity

	if h.SformCode > 0 {
		rows := [3][4]float32{h.SrowX, h.SrowY, h.SrowZ}
		var colNorm [3]float64
		for c := 0; c < 3; c++ {
			colNorm[c] = math.Sqrt(float64(rows[0][c])*float64(rows[0][c]) +
				float64(rows[1][c])*float64(rows[1][c]) +
				float64(rows[2][c])*float64(rows[2][c]))
			if colNorm[c] > 0 {
				spacing[c] = colNorm[c]
				for r := 0; r < 3; r++ {
					direction[r][c] = float64(rows[r][c]) / colNorm[c]
				}
			}
		}
		origin = models.Point3{X: float64(rows[0][3]), Y: float64(rows[1][3]), Z: float64(rows[2][3])}
		return spacing, origin, direction
	}

	if h.QformCode > 0 {
		origin = models.Point3{X: float64(h.QoffsetX), Y: float64(h.QoffsetY), Z: float64(h.QoffsetZ)}
	}
	return spacing, origin, direction
}

// readSamples decodes the voxel payload into dst as float64.
func readSamples(r io.Reader, order binary.ByteOrder, datatype int16, dst []float64) error {
	n := len(dst)
	switch datatype {
	case dtUint8:
		buf := make([]uint8, n)
		if err := binary.Read(r, order, buf); err != nil {
			return fmt.Errorf("reading voxel data: %w", err)
		}
		for i, s := range buf {
			dst[i] = float64(s)
		}
	case dtInt16:
		buf := make([]int16, n)
		if err := binary.Read(r, order, buf); err != nil {
			return fmt.Errorf("reading voxel data: %w", err)
		}
		for i, s := range buf {
			dst[i] = float64(s)
		}
	case dtUint16:
		buf := make([]uint16, n)
		if err := binary.Read(r, order, buf); err != nil {
			return fmt.Errorf("reading voxel data: %w", err)
		}
		for i, s := range buf {
			dst[i] = float64(s)
		}
	case dtInt32:
		buf := make([]int32, n)
		if err := binary.Read(r, order, buf); err != nil {
			return fmt.Errorf("reading voxel data: %w", err)
		}
		for i, s := range buf {
			dst[i] = float64(s)
		}
	case dtFloat32:
		buf := make([]float32, n)
		if err := binary.Read(r, order, buf); err != nil {
			return fmt.Errorf("reading voxel data: %w", err)
		}
		for i, s := range buf {
			dst[i] = float64(s)
		}
	case dtFloat64:
		if err := binary.Read(r, order, dst); err != nil {
			return fmt.Errorf("reading voxel data: %w", err)
		}
	default:
		return fmt.Errorf("unsupported NIfTI datatype %d", datatype)
	}
	return nil
}

// Save writes the volume to path as little-endian float32 NIfTI-1 with an
// sform carrying the grid geometry, gzip-compressed when the path ends in
// .gz.
func Save(v *volume.Volume, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return &EncodeError{Path: path, Err: err}
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	bw := bufio.NewWriter(w)

	if err := encode(bw, v); err != nil {
		return &EncodeError{Path: path, Err: err}
	}
	if err := bw.Flush(); err != nil {
		return &EncodeError{Path: path, Err: err}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return &EncodeError{Path: path, Err: err}
		}
	}
	if err := f.Close(); err != nil {
		return &EncodeError{Path: path, Err: err}
	}
	return nil
}

func encode(w io.Writer, v *volume.Volume) error {
	h := header{
		SizeofHdr: headerSize,
		Datatype:  dtFloat32,
		Bitpix:    32,
		VoxOffset: 352,
		SclSlope:  1,
		SformCode: 1,
		QformCode: 0,
	}
	h.Dim[0] = 3
	h.Dim[1] = int16(v.Nx)
	h.Dim[2] = int16(v.Ny)
	h.Dim[3] = int16(v.Nz)
	for d := 4; d < 8; d++ {
		h.Dim[d] = 1
	}
	h.Pixdim[0] = 1
	for d := 0; d < 3; d++ {
		h.Pixdim[d+1] = float32(v.Spacing[d])
	}
	h.XyztUnits = 2 // millimetres
	copy(h.Magic[:], "n+1\x00")

	rows := [3]*[4]float32{&h.SrowX, &h.SrowY, &h.SrowZ}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rows[r][c] = float32(v.Direction[r][c] * v.Spacing[c])
		}
	}
	h.SrowX[3] = float32(v.Origin.X)
	h.SrowY[3] = float32(v.Origin.Y)
	h.SrowZ[3] = float32(v.Origin.Z)

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	// Four bytes of extension padding up to vox_offset 352.
	if _, err := w.Write(make([]byte, 4)); err != nil {
		return fmt.Errorf("writing extension flag: %w", err)
	}

	buf := make([]float32, len(v.Data))
	for i, s := range v.Data {
		buf[i] = float32(s)
	}
	if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
		return fmt.Errorf("writing voxel data: %w", err)
	}
	return nil
}
