package mosaic

import (
	"fmt"
	"sort"
	"strings"

	"speccal/detector"
	"speccal/frame"
)

// OverscanPolicy selects how the per-amplifier bias level is estimated
// from the overscan section.
type OverscanPolicy int

// The recognized overscan estimators.
const (
	// OverscanMedian uses the median of the whole overscan section.
	OverscanMedian OverscanPolicy = iota

	// OverscanMean uses the mean of the whole overscan section.
	OverscanMean

	// OverscanRowMedian uses the median of the overscan pixels sharing
	// the data row, for layouts where overscan columns ride beside the
	// data; rows with no overscan pixels fall back to the section median.
	OverscanRowMedian
)

// ParseOverscanPolicy maps a config string onto a policy.
func ParseOverscanPolicy(s string) (OverscanPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "median":
		return OverscanMedian, nil
	case "mean":
		return OverscanMean, nil
	case "row-median", "rowmedian", "row":
		return OverscanRowMedian, nil
	}
	return OverscanMedian, fmt.Errorf("unknown overscan policy %q, want median, mean, or row-median", s)
}

func (p OverscanPolicy) String() string {
	switch p {
	case OverscanMean:
		return "mean"
	case OverscanRowMedian:
		return "row-median"
	default:
		return "median"
	}
}

// biasEstimator answers "what bias applies to this raw row" for one amp.
type biasEstimator struct {
	policy  OverscanPolicy
	global  float64
	section detector.Section
	raw     *frame.Frame
}

func newBiasEstimator(raw *frame.Frame, oscan detector.Section, policy OverscanPolicy) (*biasEstimator, error) {
	vals := make([]float64, 0, oscan.Area())
	for r := oscan.Row0; r < oscan.Row1; r++ {
		for c := oscan.Col0; c < oscan.Col1; c++ {
			vals = append(vals, raw.At(r, c))
		}
	}
	var global float64
	switch policy {
	case OverscanMean:
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		global = sum / float64(len(vals))
	case OverscanMedian, OverscanRowMedian:
		global = median(vals)
	default:
		return nil, fmt.Errorf("unrecognized overscan policy %d", policy)
	}
	return &biasEstimator{policy: policy, global: global, section: oscan, raw: raw}, nil
}

func (b *biasEstimator) forRow(row int) float64 {
	if b.policy != OverscanRowMedian {
		return b.global
	}
	if row < b.section.Row0 || row >= b.section.Row1 {
		return b.global
	}
	vals := make([]float64, 0, b.section.Cols())
	for c := b.section.Col0; c < b.section.Col1; c++ {
		vals = append(vals, b.raw.At(row, c))
	}
	return median(vals)
}

// median destroys the order of its argument.
func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return 0.5 * (vals[n/2-1] + vals[n/2])
}
