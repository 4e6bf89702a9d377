package detector

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
)

// AmpLayout is the on-disk form of one amplifier: sections written as
// "[r0:r1,c0:c1]" with 0-based half-open ranges.
type AmpLayout struct {
	Data     string `koanf:"data" yaml:"data"`
	Overscan string `koanf:"overscan" yaml:"overscan"`
	FlipRows bool   `koanf:"flip_rows" yaml:"flip_rows"`
	FlipCols bool   `koanf:"flip_cols" yaml:"flip_cols"`
}

// Layout is the on-disk description of one detector.  Gains are listed
// separately, one per amplifier, matching how instrument teams tabulate
// them; the count must agree with the amplifier count.
type Layout struct {
	Detector string      `koanf:"detector" yaml:"detector"`
	RawRows  int         `koanf:"raw_rows" yaml:"raw_rows"`
	RawCols  int         `koanf:"raw_cols" yaml:"raw_cols"`
	Gains    []float64   `koanf:"gains" yaml:"gains"`
	Amps     []AmpLayout `koanf:"amps" yaml:"amps"`
}

// LayoutFile is the root of a detector layout YAML file.
type LayoutFile struct {
	Detectors []Layout `koanf:"detectors" yaml:"detectors"`
}

// ParseSection parses "[r0:r1,c0:c1]" with 0-based half-open ranges.
func ParseSection(s string) (Section, error) {
	var sec Section
	str := strings.TrimSpace(s)
	str = strings.TrimPrefix(str, "[")
	str = strings.TrimSuffix(str, "]")
	parts := strings.Split(str, ",")
	if len(parts) != 2 {
		return sec, fmt.Errorf("section %q: want two comma-separated ranges", s)
	}
	vals := make([]int, 0, 4)
	for _, p := range parts {
		bounds := strings.Split(p, ":")
		if len(bounds) != 2 {
			return sec, fmt.Errorf("section %q: range %q is not lo:hi", s, p)
		}
		for _, b := range bounds {
			v, err := strconv.Atoi(strings.TrimSpace(b))
			if err != nil {
				return sec, fmt.Errorf("section %q: %v", s, err)
			}
			vals = append(vals, v)
		}
	}
	sec = Section{Row0: vals[0], Row1: vals[1], Col0: vals[2], Col1: vals[3]}
	return sec, nil
}

// Geometry validates the layout and builds the Geometry from it.
func (l Layout) Geometry() (*Geometry, error) {
	if len(l.Gains) != len(l.Amps) {
		return nil, &ConfigError{
			Detector: l.Detector,
			Reason:   fmt.Sprintf("%d gains supplied for %d amplifiers", len(l.Gains), len(l.Amps))}
	}
	amps := make([]Amp, len(l.Amps))
	for i, al := range l.Amps {
		data, err := ParseSection(al.Data)
		if err != nil {
			return nil, &ConfigError{Detector: l.Detector, Reason: fmt.Sprintf("amp %d: %v", i, err)}
		}
		oscan, err := ParseSection(al.Overscan)
		if err != nil {
			return nil, &ConfigError{Detector: l.Detector, Reason: fmt.Sprintf("amp %d: %v", i, err)}
		}
		amps[i] = Amp{
			Data:     data,
			Overscan: oscan,
			Gain:     l.Gains[i],
			FlipRows: al.FlipRows,
			FlipCols: al.FlipCols}
	}
	return New(l.Detector, l.RawRows, l.RawCols, amps)
}

// LoadLayouts reads a YAML layout file and returns the validated
// geometry of every detector it describes, keyed by detector id.
func LoadLayouts(path string) (map[string]*Geometry, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading detector layouts: %w", err)
	}
	lf := LayoutFile{}
	if err := k.Unmarshal("", &lf); err != nil {
		return nil, fmt.Errorf("parsing detector layouts: %w", err)
	}
	out := make(map[string]*Geometry, len(lf.Detectors))
	for _, l := range lf.Detectors {
		g, err := l.Geometry()
		if err != nil {
			return nil, err
		}
		if _, dup := out[l.Detector]; dup {
			return nil, &ConfigError{Detector: l.Detector, Reason: "duplicate detector entry"}
		}
		out[l.Detector] = g
	}
	return out, nil
}
