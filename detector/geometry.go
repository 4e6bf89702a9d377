// Package detector describes the amplifier geometry of multi-amplifier
// detectors: which pixels belong to each amplifier's data section,
// which to its overscan, and the gain to apply.  A Geometry is validated
// when it is built and immutable afterward.
package detector

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"speccal/frame"
)

// ConfigError is generated when a detector layout fails validation.
// It is fatal to that detector's processing and is not retried.
type ConfigError struct {
	// Detector is the identifier of the offending detector.
	Detector string

	// Reason describes what failed validation.
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("detector %s: invalid geometry: %s", e.Detector, e.Reason)
}

// Section is a rectangular pixel region, half-open on both axes:
// rows Row0 <= r < Row1, columns Col0 <= c < Col1.
type Section struct {
	Row0, Row1 int
	Col0, Col1 int
}

// Rows returns the row extent of the section.
func (s Section) Rows() int { return s.Row1 - s.Row0 }

// Cols returns the column extent of the section.
func (s Section) Cols() int { return s.Col1 - s.Col0 }

// Area returns the number of pixels in the section.
func (s Section) Area() int { return s.Rows() * s.Cols() }

// Overlaps reports whether two sections share any pixel.
func (s Section) Overlaps(o Section) bool {
	return s.Row0 < o.Row1 && o.Row0 < s.Row1 && s.Col0 < o.Col1 && o.Col0 < s.Col1
}

func (s Section) empty() bool {
	return s.Row1 <= s.Row0 || s.Col1 <= s.Col0
}

func (s Section) inside(rows, cols int) bool {
	return s.Row0 >= 0 && s.Col0 >= 0 && s.Row1 <= rows && s.Col1 <= cols
}

func (s Section) String() string {
	return fmt.Sprintf("[%d:%d,%d:%d]", s.Row0, s.Row1, s.Col0, s.Col1)
}

// Amp describes one amplifier: its data section, its overscan section,
// its gain, and whether its readout is flipped relative to the detector
// (some controllers read alternate amplifiers in reversed order).
type Amp struct {
	Data     Section
	Overscan Section
	Gain     float64
	FlipRows bool
	FlipCols bool
}

// Geometry is the validated amplifier layout for one detector.
type Geometry struct {
	detector string
	rawRows  int
	rawCols  int
	amps     []Amp
	trimRows int
	trimCols int
}

// New validates and builds a Geometry.  The data sections must be
// pairwise disjoint and tile the trimmed frame exactly once; overscan
// sections must be disjoint from every data section; all sections must
// sit inside the raw detector bounds; gains must be positive and finite.
func New(detectorID string, rawRows, rawCols int, amps []Amp) (*Geometry, error) {
	fail := func(format string, args ...interface{}) (*Geometry, error) {
		return nil, &ConfigError{Detector: detectorID, Reason: fmt.Sprintf(format, args...)}
	}
	if rawRows <= 0 || rawCols <= 0 {
		return fail("raw shape %dx%d is not positive", rawRows, rawCols)
	}
	if len(amps) == 0 {
		return fail("no amplifiers supplied")
	}

	trimRows, trimCols := 0, 0
	for i, a := range amps {
		if a.Data.empty() {
			return fail("amp %d data section %s is empty", i, a.Data)
		}
		if a.Overscan.empty() {
			return fail("amp %d overscan section %s is empty", i, a.Overscan)
		}
		if !a.Data.inside(rawRows, rawCols) {
			return fail("amp %d data section %s outside raw bounds %dx%d", i, a.Data, rawRows, rawCols)
		}
		if !a.Overscan.inside(rawRows, rawCols) {
			return fail("amp %d overscan section %s outside raw bounds %dx%d", i, a.Overscan, rawRows, rawCols)
		}
		if a.Gain <= 0 || math.IsInf(a.Gain, 0) || math.IsNaN(a.Gain) {
			return fail("amp %d gain %v is not positive and finite", i, a.Gain)
		}
		if a.Data.Row1 > trimRows {
			trimRows = a.Data.Row1
		}
		if a.Data.Col1 > trimCols {
			trimCols = a.Data.Col1
		}
	}

	area := 0
	for i, a := range amps {
		area += a.Data.Area()
		for j := i + 1; j < len(amps); j++ {
			if a.Data.Overlaps(amps[j].Data) {
				return fail("amp %d data section %s overlaps amp %d data section %s", i, a.Data, j, amps[j].Data)
			}
		}
		for j, b := range amps {
			if a.Overscan.Overlaps(b.Data) {
				return fail("amp %d overscan section %s overlaps amp %d data section %s", i, a.Overscan, j, b.Data)
			}
		}
	}
	// disjoint sections inside [0,trimRows)x[0,trimCols) whose areas sum
	// to the full rectangle tile it exactly once
	if area != trimRows*trimCols {
		return fail("data sections cover %d px, trimmed frame %dx%d needs %d", area, trimRows, trimCols, trimRows*trimCols)
	}

	cp := make([]Amp, len(amps))
	copy(cp, amps)
	return &Geometry{
		detector: detectorID,
		rawRows:  rawRows,
		rawCols:  rawCols,
		amps:     cp,
		trimRows: trimRows,
		trimCols: trimCols}, nil
}

// Detector returns the detector identifier.
func (g *Geometry) Detector() string { return g.detector }

// RawShape returns the expected raw frame shape, rows then columns.
func (g *Geometry) RawShape() (int, int) { return g.rawRows, g.rawCols }

// TrimmedShape returns the shape of the assembled trimmed frame.
func (g *Geometry) TrimmedShape() (int, int) { return g.trimRows, g.trimCols }

// NAmps returns the number of amplifiers.
func (g *Geometry) NAmps() int { return len(g.amps) }

// Amp returns a copy of the i-th amplifier descriptor.
func (g *Geometry) Amp(i int) Amp { return g.amps[i] }

// Checksum digests the validated layout.  Cache gate values fold it in
// so that editing a layout under an unchanged setup identifier still
// forces masters to recompute.
func (g *Geometry) Checksum() uint64 {
	buf := bytes.Buffer{}
	buf.WriteString(g.detector)
	buf.WriteByte(0)
	put := func(v int) {
		b := [8]byte{}
		binary.LittleEndian.PutUint64(b[:], uint64(int64(v)))
		buf.Write(b[:])
	}
	put(g.rawRows)
	put(g.rawCols)
	for _, a := range g.amps {
		for _, s := range []Section{a.Data, a.Overscan} {
			put(s.Row0)
			put(s.Row1)
			put(s.Col0)
			put(s.Col1)
		}
		b := [8]byte{}
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(a.Gain))
		buf.Write(b[:])
		flips := byte(0)
		if a.FlipRows {
			flips |= 1
		}
		if a.FlipCols {
			flips |= 2
		}
		buf.WriteByte(flips)
	}
	return frame.ChecksumBytes(buf.Bytes())
}
