// Package flatfield fits a smooth illumination profile to each slit of
// a trimmed flat frame and divides the flat by the fitted profile,
// removing pixel-to-pixel sensitivity variations.
//
// Each slit is processed independently: rectify spatial coordinates
// with the tilt model, bin and median-aggregate the rectified
// intensities, fit a natural cubic spline, evaluate it at every pixel,
// and divide.  A slit whose fit cannot converge is reported in the
// result and keeps its raw pixels; the rest of the frame still reduces.
package flatfield

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"speccal/frame"
	"speccal/slittrace"
	"speccal/tilt"
)

// ExtrapolationPolicy selects what happens to pixels whose rectified
// coordinate falls outside the fitted domain.
type ExtrapolationPolicy int

const (
	// ExtrapolateEdge flags the pixel and carries the nearest-edge
	// fitted value as its divisor.
	ExtrapolateEdge ExtrapolationPolicy = iota

	// ExtrapolatePassthrough flags the pixel and leaves it
	// unnormalized (divisor 1, raw value survives).
	ExtrapolatePassthrough
)

// ParseExtrapolationPolicy maps a config string onto a policy.
func ParseExtrapolationPolicy(s string) (ExtrapolationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "edge", "flag-and-edge":
		return ExtrapolateEdge, nil
	case "passthrough", "flag-and-passthrough":
		return ExtrapolatePassthrough, nil
	}
	return ExtrapolateEdge, fmt.Errorf("unknown extrapolation policy %q, want edge or passthrough", s)
}

func (p ExtrapolationPolicy) String() string {
	if p == ExtrapolatePassthrough {
		return "passthrough"
	}
	return "edge"
}

// FitConvergenceError is generated when too few valid bins remain to
// fit a slit's profile.  It is recoverable at slit granularity: the
// failure is recorded in Result.Unusable and the frame continues.
type FitConvergenceError struct {
	Slit      int
	ValidBins int
	MinBins   int
}

func (e *FitConvergenceError) Error() string {
	return fmt.Sprintf("slit %d: %d valid bins, need at least %d to fit", e.Slit, e.ValidBins, e.MinBins)
}

// NumericDegeneracyError is generated when every pixel of a slit needed
// its divisor clamped, i.e. the fitted profile is non-positive over the
// whole slit.  Individual clamped pixels are flagged, not fatal; a
// fully degenerate slit lands in Result.Unusable.
type NumericDegeneracyError struct {
	Slit   int
	Pixels int
}

func (e *NumericDegeneracyError) Error() string {
	return fmt.Sprintf("slit %d: fitted profile non-positive at all %d pixels", e.Slit, e.Pixels)
}

// Config holds the immutable knobs of the normalization engine.
type Config struct {
	// BinWidth is the spatial bin width in pixels.  0 means 1.0.
	BinWidth float64

	// MinBins is the minimum count of valid bins required to fit a
	// slit.  0 means 4.
	MinBins int

	// Extrapolation selects the out-of-domain pixel policy.
	Extrapolation ExtrapolationPolicy

	// Epsilon is the smallest allowed normalization divisor.  Fitted
	// values at or below zero are clamped to it and flagged.
	// 0 means 1e-6.
	Epsilon float64

	// Workers bounds the slit fan-out.  0 means one per CPU.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.BinWidth <= 0 {
		c.BinWidth = 1.0
	}
	if c.MinBins <= 0 {
		c.MinBins = 4
	}
	if c.Epsilon <= 0 {
		c.Epsilon = 1e-6
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	return c
}

// Result bundles the normalized flat with the per-slit fit profiles.
type Result struct {
	// Flat is the normalized flat.  Pixels outside every slit carry
	// their raw value.
	Flat *frame.Frame

	// Profiles holds one fit profile per slit that fit successfully,
	// keyed by slit index.
	Profiles map[int]*Profile

	// Unusable records the slits whose fit failed on this flat, keyed
	// by slit index with the failure cause.  Fit failure is a property
	// of one flat, not of the slit set, so it lives here rather than on
	// the shared slits.
	Unusable map[int]string
}

// Normalize runs the engine over every slit of the flat.  Slit
// computations are independent and fan out onto Workers goroutines;
// each writes only its own slit's pixels, and a single mutex guards the
// shared result maps.  The slit set is read-only here: slits that fail
// to fit are reported in Result.Unusable, their pixels keep raw values,
// and the same slit is fit again from scratch on the next flat.  Slits
// already flagged unusable on input are skipped.  The returned error is
// reserved for frame-wide problems.
func Normalize(flat *frame.Frame, slits *slittrace.SlitSet, tm *tilt.Model, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()
	rows, cols := slits.Shape()
	if flat.Rows() != rows || flat.Cols() != cols {
		return nil, fmt.Errorf("flat is %dx%d, slit mask is %dx%d", flat.Rows(), flat.Cols(), rows, cols)
	}
	if err := tm.CheckShape(rows, cols); err != nil {
		return nil, err
	}

	out := flat.Clone().WithStage(frame.StageNormalized)
	res := &Result{
		Flat:     out,
		Profiles: make(map[int]*Profile),
		Unusable: make(map[int]string)}

	work := make(chan *slittrace.Slit)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	nw := cfg.Workers
	if n := len(slits.Slits()); nw > n {
		nw = n
	}
	for i := 0; i < nw; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sl := range work {
				prof, err := fitSlit(flat, out, sl, slits, tm, cfg)
				mu.Lock()
				if err != nil {
					res.Unusable[sl.Index] = err.Error()
				} else {
					res.Profiles[sl.Index] = prof
				}
				mu.Unlock()
			}
		}()
	}
	for _, sl := range slits.Slits() {
		if !sl.Usable {
			continue
		}
		work <- sl
	}
	close(work)
	wg.Wait()
	return res, nil
}
