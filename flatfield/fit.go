package flatfield

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat"

	"speccal/frame"
	"speccal/slittrace"
	"speccal/tilt"
)

type sample struct {
	row, col int
	s        float64 // rectified spatial coordinate
	v        float64 // raw flat intensity
}

// fitSlit runs the rectify -> bin -> fit -> normalize -> blaze pipeline
// for one slit.  It writes only pixels owned by this slit into out, and
// only after the fit is known to be usable, so a failed slit keeps its
// raw values.
func fitSlit(flat, out *frame.Frame, sl *slittrace.Slit, set *slittrace.SlitSet, tm *tilt.Model, cfg Config) (*Profile, error) {
	rows, cols := set.Shape()

	// rectify: collect every pixel of the slit with its tilt-corrected
	// spatial coordinate
	px := make([]sample, 0, int(sl.PixWidth)*rows)
	for r := 0; r < rows; r++ {
		lo := int(math.RoundToEven(sl.Left[r])) + 1
		hi := int(math.RoundToEven(sl.Right[r]))
		if lo < 0 {
			lo = 0
		}
		if hi > cols {
			hi = cols
		}
		for c := lo; c < hi; c++ {
			if set.SlitOf(r, c) != sl.Index {
				continue
			}
			s := (float64(c) - sl.Left[r]) - tm.Offset(r, c)
			px = append(px, sample{row: r, col: c, s: s, v: flat.At(r, c)})
		}
	}
	if len(px) == 0 {
		return nil, &FitConvergenceError{Slit: sl.Index, ValidBins: 0, MinBins: cfg.MinBins}
	}

	// bin and aggregate: median per spatial bin suppresses cosmic rays
	// and dead pixels before anything is fit
	sMin, sMax := px[0].s, px[0].s
	for _, p := range px {
		if p.s < sMin {
			sMin = p.s
		}
		if p.s > sMax {
			sMax = p.s
		}
	}
	nb := int((sMax-sMin)/cfg.BinWidth) + 1
	bins := make([][]float64, nb)
	for _, p := range px {
		bi := int((p.s - sMin) / cfg.BinWidth)
		if bi >= nb {
			bi = nb - 1
		}
		bins[bi] = append(bins[bi], p.v)
	}
	centers := make([]float64, 0, nb)
	meds := make([]float64, 0, nb)
	for i, b := range bins {
		if len(b) == 0 {
			continue
		}
		sort.Float64s(b)
		med := stat.Quantile(0.5, stat.Empirical, b, nil)
		// a non-positive bin cannot contribute a knot: it would drag
		// the spline through zero and poison neighboring divisors
		if math.IsNaN(med) || math.IsInf(med, 0) || med <= 0 {
			continue
		}
		centers = append(centers, sMin+(float64(i)+0.5)*cfg.BinWidth)
		meds = append(meds, med)
	}
	if len(centers) < cfg.MinBins {
		return nil, &FitConvergenceError{Slit: sl.Index, ValidBins: len(centers), MinBins: cfg.MinBins}
	}

	var spline interp.NaturalCubic
	if err := spline.Fit(centers, meds); err != nil {
		return nil, &FitConvergenceError{Slit: sl.Index, ValidBins: len(centers), MinBins: cfg.MinBins}
	}

	// evaluate everything before committing any pixel, so a fully
	// degenerate slit leaves the output untouched
	prof := &Profile{
		Slit:        sl.Index,
		SpatialGrid: centers,
		Intensity:   meds,
		spline:      &spline}
	domainLo, domainHi := centers[0], centers[len(centers)-1]
	mods := make([]float64, len(px))
	divs := make([]float64, len(px))
	clamped := 0
	for i, p := range px {
		s := p.s
		outside := s < domainLo || s > domainHi
		if outside {
			prof.Extrapolated = append(prof.Extrapolated, Pixel{Row: p.row, Col: p.col})
			if s < domainLo {
				s = domainLo
			} else {
				s = domainHi
			}
		}
		mod := spline.Predict(s)
		mods[i] = mod
		if outside && cfg.Extrapolation == ExtrapolatePassthrough {
			divs[i] = 1
			continue
		}
		if math.IsNaN(mod) || math.IsInf(mod, 0) || mod <= 0 {
			prof.Clamped = append(prof.Clamped, Pixel{Row: p.row, Col: p.col})
			clamped++
			divs[i] = cfg.Epsilon
			continue
		}
		divs[i] = mod
	}
	if clamped == len(px) {
		return nil, &NumericDegeneracyError{Slit: sl.Index, Pixels: clamped}
	}

	// commit: normalize this slit's pixels and aggregate the blaze
	rowMods := make([][]float64, rows)
	for i, p := range px {
		out.Set(p.row, p.col, p.v/divs[i])
		rowMods[p.row] = append(rowMods[p.row], mods[i])
	}
	prof.Blaze = make([]float64, rows)
	for r, m := range rowMods {
		if len(m) == 0 {
			continue
		}
		sort.Float64s(m)
		prof.Blaze[r] = stat.Quantile(0.5, stat.Empirical, m, nil)
	}
	return prof, nil
}
