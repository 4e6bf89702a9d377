package flatfield

import (
	"encoding/json"
	"fmt"
	"io"

	"gonum.org/v1/gonum/interp"
)

// Pixel addresses one pixel of the trimmed frame.
type Pixel struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Profile is the fitted illumination profile of one slit.
type Profile struct {
	// Slit is the 1-based slit index.
	Slit int `json:"slit"`

	// SpatialGrid holds the strictly increasing bin centers the spline
	// was fit through.
	SpatialGrid []float64 `json:"spatial_grid"`

	// Intensity holds the aggregated (median) intensity per bin.
	Intensity []float64 `json:"intensity"`

	// Extrapolated lists pixels whose rectified coordinate fell outside
	// the fitted domain.  They must not feed downstream flux
	// measurements without being flagged.
	Extrapolated []Pixel `json:"extrapolated,omitempty"`

	// Clamped lists pixels whose divisor was clamped to epsilon.
	Clamped []Pixel `json:"clamped,omitempty"`

	// Blaze is the per-row median of the fitted model inside the slit,
	// the 1-D blaze/extraction-aperture profile kept for downstream
	// flux calibration.
	Blaze []float64 `json:"blaze"`

	spline *interp.NaturalCubic
}

// Eval evaluates the fitted profile at a rectified spatial coordinate.
// Coordinates outside the fitted domain evaluate at the nearest edge.
func (p *Profile) Eval(s float64) float64 {
	if s < p.SpatialGrid[0] {
		s = p.SpatialGrid[0]
	}
	if last := p.SpatialGrid[len(p.SpatialGrid)-1]; s > last {
		s = last
	}
	return p.spline.Predict(s)
}

// ProfileSet is the cacheable bundle of every fitted profile of a
// frame, along with the slits whose fit failed on that frame.
type ProfileSet struct {
	Detector string           `json:"detector"`
	Profiles map[int]*Profile `json:"profiles"`
	Unusable map[int]string   `json:"unusable,omitempty"`
}

// EncodeJSON writes the profile set to w.  Spline coefficients are not
// stored; the fit through (SpatialGrid, Intensity) is deterministic and
// is rebuilt on decode.
func (ps *ProfileSet) EncodeJSON(w io.Writer) error {
	return json.NewEncoder(w).Encode(ps)
}

// DecodeProfiles rebuilds a profile set written by EncodeJSON,
// refitting each profile's spline from its stored grid.
func DecodeProfiles(r io.Reader) (*ProfileSet, error) {
	ps := &ProfileSet{}
	if err := json.NewDecoder(r).Decode(ps); err != nil {
		return nil, err
	}
	for idx, p := range ps.Profiles {
		if len(p.SpatialGrid) != len(p.Intensity) {
			return nil, fmt.Errorf("profile %d: grid and intensity lengths differ", idx)
		}
		sp := &interp.NaturalCubic{}
		if err := sp.Fit(p.SpatialGrid, p.Intensity); err != nil {
			return nil, fmt.Errorf("profile %d: refitting spline: %w", idx, err)
		}
		p.spline = sp
	}
	return ps, nil
}
