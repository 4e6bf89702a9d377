package detector

import (
	"errors"
	"testing"
)

// the two-amplifier layout used across these tests: amps stacked in
// rows, overscan rows at the bottom of the raw frame
func twoAmpLayout() []Amp {
	return []Amp{
		{
			Data:     Section{Row0: 0, Row1: 1024, Col0: 0, Col1: 350},
			Overscan: Section{Row0: 2048, Row1: 2080, Col0: 0, Col1: 350},
			Gain:     1.2},
		{
			Data:     Section{Row0: 1024, Row1: 2048, Col0: 0, Col1: 350},
			Overscan: Section{Row0: 2080, Row1: 2112, Col0: 0, Col1: 350},
			Gain:     1.2},
	}
}

func TestTwoAmpTrimmedShape(t *testing.T) {
	g, err := New("det1", 2112, 350, twoAmpLayout())
	if err != nil {
		t.Fatalf("valid layout rejected: %v", err)
	}
	rows, cols := g.TrimmedShape()
	if rows != 2048 || cols != 350 {
		t.Errorf("expected trimmed shape 2048x350, got %dx%d", rows, cols)
	}
}

func TestOverlappingDataSectionsRejected(t *testing.T) {
	amps := twoAmpLayout()
	amps[1].Data.Row0 = 1000 // intrudes into amp 0
	_, err := New("det1", 2112, 350, amps)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError for overlapping data sections, got %v", err)
	}
}

func TestSectionOutsideBoundsRejected(t *testing.T) {
	amps := twoAmpLayout()
	amps[1].Overscan.Row1 = 3000
	_, err := New("det1", 2112, 350, amps)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError for out-of-bounds overscan, got %v", err)
	}
}

func TestOverscanOverlappingDataRejected(t *testing.T) {
	amps := twoAmpLayout()
	amps[0].Overscan = Section{Row0: 1000, Row1: 1100, Col0: 0, Col1: 350}
	_, err := New("det1", 2112, 350, amps)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError for overscan inside data, got %v", err)
	}
}

func TestIncompleteTilingRejected(t *testing.T) {
	amps := twoAmpLayout()
	amps[1].Data.Row0 = 1100 // leaves rows 1024..1099 uncovered
	_, err := New("det1", 2112, 350, amps)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError for gap in data tiling, got %v", err)
	}
}

func TestNonPositiveGainRejected(t *testing.T) {
	amps := twoAmpLayout()
	amps[0].Gain = 0
	_, err := New("det1", 2112, 350, amps)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError for zero gain, got %v", err)
	}
}

func TestGainCountMismatchRejected(t *testing.T) {
	l := Layout{
		Detector: "det1",
		RawRows:  2112,
		RawCols:  350,
		Gains:    []float64{1.2},
		Amps: []AmpLayout{
			{Data: "[0:1024,0:350]", Overscan: "[2048:2080,0:350]"},
			{Data: "[1024:2048,0:350]", Overscan: "[2080:2112,0:350]"},
		}}
	_, err := l.Geometry()
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError for 1 gain on 2 amps, got %v", err)
	}
}

func TestLayoutBuildsGeometry(t *testing.T) {
	l := Layout{
		Detector: "det1",
		RawRows:  2112,
		RawCols:  350,
		Gains:    []float64{1.2, 1.2},
		Amps: []AmpLayout{
			{Data: "[0:1024,0:350]", Overscan: "[2048:2080,0:350]"},
			{Data: "[1024:2048,0:350]", Overscan: "[2080:2112,0:350]"},
		}}
	g, err := l.Geometry()
	if err != nil {
		t.Fatalf("valid layout rejected: %v", err)
	}
	if g.NAmps() != 2 {
		t.Errorf("expected 2 amps, got %d", g.NAmps())
	}
	if g.Amp(0).Gain != 1.2 {
		t.Errorf("expected gain 1.2, got %v", g.Amp(0).Gain)
	}
}

func TestChecksumTracksLayout(t *testing.T) {
	g1, err := New("det1", 2112, 350, twoAmpLayout())
	if err != nil {
		t.Fatal(err)
	}
	g2, err := New("det1", 2112, 350, twoAmpLayout())
	if err != nil {
		t.Fatal(err)
	}
	if g1.Checksum() != g2.Checksum() {
		t.Error("identical layouts produced different checksums")
	}

	amps := twoAmpLayout()
	amps[0].Gain = 1.3
	g3, err := New("det1", 2112, 350, amps)
	if err != nil {
		t.Fatal(err)
	}
	if g1.Checksum() == g3.Checksum() {
		t.Error("gain edit did not change the checksum")
	}

	amps = twoAmpLayout()
	amps[1].FlipRows = true
	g4, err := New("det1", 2112, 350, amps)
	if err != nil {
		t.Fatal(err)
	}
	if g1.Checksum() == g4.Checksum() {
		t.Error("flip edit did not change the checksum")
	}
}

func TestParseSection(t *testing.T) {
	s, err := ParseSection("[0:1024, 0:350]")
	if err != nil {
		t.Fatal(err)
	}
	want := Section{Row0: 0, Row1: 1024, Col0: 0, Col1: 350}
	if s != want {
		t.Errorf("expected %v got %v", want, s)
	}
}

func TestParseSectionRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "[0:1024]", "[a:b,c:d]", "[0:1024,0]"} {
		if _, err := ParseSection(bad); err == nil {
			t.Errorf("expected error parsing %q", bad)
		}
	}
}
