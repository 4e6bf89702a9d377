// Package tilt holds the wavelength-tilt model consumed by flat-field
// rectification.  Fitting the model is an upstream concern; this core
// only evaluates per-pixel offsets.
package tilt

import (
	"fmt"

	"speccal/frame"
)

// Model is a per-pixel scalar offset grid matching the trimmed frame.
type Model struct {
	grid *frame.Frame
}

// FromFrame wraps an offset grid.  The grid must match the trimmed
// frame shape it will be used against.
func FromFrame(grid *frame.Frame) *Model {
	return &Model{grid: grid}
}

// Zero returns a model with no tilt, for untilted instruments and tests.
func Zero(detector string, rows, cols int) *Model {
	return &Model{grid: frame.New(detector, frame.StageTrimmed, rows, cols)}
}

// Offset returns the tilt offset at (row, col).
func (m *Model) Offset(row, col int) float64 {
	return m.grid.At(row, col)
}

// CheckShape verifies the model matches a rows x cols trimmed frame.
func (m *Model) CheckShape(rows, cols int) error {
	if m.grid.Rows() != rows || m.grid.Cols() != cols {
		return fmt.Errorf("tilt model is %dx%d, trimmed frame is %dx%d",
			m.grid.Rows(), m.grid.Cols(), rows, cols)
	}
	return nil
}
