// Package frame provides the 2-D pixel array type shared by every
// calibration stage, along with FITS round-trip and content checksums.
//
// A Frame is filled in by whichever component constructs it and is
// treated as read-only once it has been returned to a caller.
// Transformations produce new frames; they never write into their input.
package frame

import (
	"errors"
	"fmt"
)

// Stage labels where in the reduction a frame sits.
type Stage string

// The processing stages a frame moves through.
const (
	StageRaw        Stage = "raw"
	StageTrimmed    Stage = "trimmed"
	StageNormalized Stage = "normalized"
)

// ErrShapeMismatch is generated when a data buffer does not match the
// declared rows x cols shape.
var ErrShapeMismatch = errors.New("data length does not match rows*cols")

// Frame is a row-major grid of float64 intensity tagged with its
// originating detector and processing stage.
type Frame struct {
	// Detector is the identifier of the detector this frame came from.
	Detector string

	// Stage is the processing stage of the pixel values.
	Stage Stage

	rows int
	cols int
	data []float64
}

// New allocates a zero-filled frame of the given shape.
func New(detector string, stage Stage, rows, cols int) *Frame {
	return &Frame{
		Detector: detector,
		Stage:    stage,
		rows:     rows,
		cols:     cols,
		data:     make([]float64, rows*cols)}
}

// FromData wraps an existing row-major buffer in a frame.  The buffer is
// not copied; the caller gives up ownership of it.
func FromData(detector string, stage Stage, rows, cols int, data []float64) (*Frame, error) {
	if len(data) != rows*cols {
		return nil, fmt.Errorf("frame %s: %w: have %d, want %d", detector, ErrShapeMismatch, len(data), rows*cols)
	}
	return &Frame{
		Detector: detector,
		Stage:    stage,
		rows:     rows,
		cols:     cols,
		data:     data}, nil
}

// Rows returns the number of rows in the frame.
func (f *Frame) Rows() int { return f.rows }

// Cols returns the number of columns in the frame.
func (f *Frame) Cols() int { return f.cols }

// At returns the value at (row, col).
func (f *Frame) At(row, col int) float64 {
	return f.data[row*f.cols+col]
}

// Set writes a value at (row, col).  It is only to be used by the
// component that is building the frame, before the frame is released.
func (f *Frame) Set(row, col int, v float64) {
	f.data[row*f.cols+col] = v
}

// Data returns the underlying row-major buffer.  Callers must not write
// through it on frames they did not construct.
func (f *Frame) Data() []float64 { return f.data }

// Clone returns a deep copy with the same tags.
func (f *Frame) Clone() *Frame {
	d := make([]float64, len(f.data))
	copy(d, f.data)
	out := *f
	out.data = d
	return &out
}

// WithStage returns a shallow relabeling of the frame at a new stage.
// The pixel buffer is shared; use Clone first if the copy will be written.
func (f *Frame) WithStage(stage Stage) *Frame {
	out := *f
	out.Stage = stage
	return &out
}
