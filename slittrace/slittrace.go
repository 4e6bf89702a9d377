// Package slittrace converts continuous, sub-pixel slit trace
// coordinates into discrete per-pixel slit membership over the trimmed
// frame.  Slit indices are 1-based; 0 means "no slit".
package slittrace

import (
	"fmt"
	"math"
)

// TraceOrderError is generated when trace boundaries are inverted or
// two slits claim the same pixels after rounding.  It indicates an
// upstream tracing defect and is never silently corrected here.
type TraceOrderError struct {
	Row    int
	Slit   int
	Detail string
}

func (e *TraceOrderError) Error() string {
	return fmt.Sprintf("slit %d row %d: %s", e.Slit, e.Row, e.Detail)
}

// Trace is the continuous left/right boundary of one slit, one value
// per row of the trimmed frame.
type Trace struct {
	// Index is the 1-based slit index.
	Index int

	// Left and Right are the physical column boundaries per row.
	Left  []float64
	Right []float64
}

// Slit is the rasterized record of one slit.
type Slit struct {
	// Index is the 1-based slit index.
	Index int

	// Left and Right retain the physical traces for rectification.
	Left  []float64
	Right []float64

	// PixWidth is the mean width of the slit in whole pixels.
	PixWidth float64

	// Usable is cleared when a downstream stage gives up on the slit,
	// with the cause in Reason.
	Usable bool
	Reason string
}

// SlitSet is the rasterized collection of slits plus the integer
// membership mask over the trimmed frame.
type SlitSet struct {
	rows, cols int
	mask       []int32
	slits      []*Slit
	byIndex    map[int]*Slit
}

// Rasterize converts physical traces into pixel membership.  Boundary
// columns are rounded half-to-even; a pixel belongs to a slit when its
// column lies strictly between the rounded left and right boundaries.
// A slit whose ordered boundaries leave no pixels after rounding is
// degenerate, not mis-ordered: it is registered unusable instead of
// failing the set.
func Rasterize(traces []Trace, rows, cols int) (*SlitSet, error) {
	s := &SlitSet{
		rows:    rows,
		cols:    cols,
		mask:    make([]int32, rows*cols),
		byIndex: make(map[int]*Slit, len(traces))}

	for _, tr := range traces {
		if tr.Index < 1 {
			return nil, fmt.Errorf("slit index %d: indices are 1-based, 0 is reserved", tr.Index)
		}
		if _, dup := s.byIndex[tr.Index]; dup {
			return nil, fmt.Errorf("slit index %d appears twice", tr.Index)
		}
		if len(tr.Left) != rows || len(tr.Right) != rows {
			return nil, fmt.Errorf("slit %d: traces have %d/%d rows, frame has %d",
				tr.Index, len(tr.Left), len(tr.Right), rows)
		}

		width := 0
		for r := 0; r < rows; r++ {
			if tr.Left[r] >= tr.Right[r] {
				return nil, &TraceOrderError{
					Row: r, Slit: tr.Index,
					Detail: fmt.Sprintf("left boundary %.3f >= right boundary %.3f", tr.Left[r], tr.Right[r])}
			}
			lo := int(math.RoundToEven(tr.Left[r]))
			hi := int(math.RoundToEven(tr.Right[r]))
			for c := lo + 1; c < hi; c++ {
				if c < 0 || c >= cols {
					continue
				}
				at := r*cols + c
				if prev := s.mask[at]; prev != 0 {
					return nil, &TraceOrderError{
						Row: r, Slit: tr.Index,
						Detail: fmt.Sprintf("column %d already assigned to slit %d", c, prev)}
				}
				s.mask[at] = int32(tr.Index)
				width++
			}
		}

		left := make([]float64, rows)
		right := make([]float64, rows)
		copy(left, tr.Left)
		copy(right, tr.Right)
		sl := &Slit{
			Index:    tr.Index,
			Left:     left,
			Right:    right,
			PixWidth: float64(width) / float64(rows),
			Usable:   width > 0}
		if width == 0 {
			sl.Reason = "zero pixel width after rounding"
		}
		s.slits = append(s.slits, sl)
		s.byIndex[tr.Index] = sl
	}
	return s, nil
}

// Shape returns the mask shape, rows then columns.
func (s *SlitSet) Shape() (int, int) { return s.rows, s.cols }

// SlitOf returns the slit index owning (row, col), or 0 for none.
func (s *SlitSet) SlitOf(row, col int) int {
	return int(s.mask[row*s.cols+col])
}

// Slits returns the slits in registration order.
func (s *SlitSet) Slits() []*Slit { return s.slits }

// Slit returns the slit with the given index, or nil.
func (s *SlitSet) Slit(index int) *Slit { return s.byIndex[index] }

// MarkUnusable records that a downstream stage could not process the
// slit.  The rest of the frame is unaffected.
func (s *SlitSet) MarkUnusable(index int, reason string) {
	if sl, ok := s.byIndex[index]; ok {
		sl.Usable = false
		sl.Reason = reason
	}
}
