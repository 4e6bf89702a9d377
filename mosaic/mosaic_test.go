package mosaic

import (
	"errors"
	"testing"

	"speccal/detector"
	"speccal/frame"
)

// small two-amp detector: data stacked in rows, overscan rows at the
// bottom, one overscan row per amp
func smallGeometry(t *testing.T) *detector.Geometry {
	t.Helper()
	g, err := detector.New("small", 6, 4, []detector.Amp{
		{
			Data:     detector.Section{Row0: 0, Row1: 2, Col0: 0, Col1: 4},
			Overscan: detector.Section{Row0: 4, Row1: 5, Col0: 0, Col1: 4},
			Gain:     2.0},
		{
			Data:     detector.Section{Row0: 2, Row1: 4, Col0: 0, Col1: 4},
			Overscan: detector.Section{Row0: 5, Row1: 6, Col0: 0, Col1: 4},
			Gain:     3.0},
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func smallRaw() *frame.Frame {
	raw := frame.New("small", frame.StageRaw, 6, 4)
	// data: distinct values per pixel
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			raw.Set(r, c, float64(100+10*r+c))
		}
	}
	// amp 0 overscan pinned at 10, amp 1 at 20
	for c := 0; c < 4; c++ {
		raw.Set(4, c, 10)
		raw.Set(5, c, 20)
	}
	return raw
}

func TestBuildShapeAndValues(t *testing.T) {
	g := smallGeometry(t)
	out, err := Build(smallRaw(), g, Options{Overscan: OverscanMedian})
	if err != nil {
		t.Fatal(err)
	}
	if out.Rows() != 4 || out.Cols() != 4 {
		t.Fatalf("expected trimmed 4x4, got %dx%d", out.Rows(), out.Cols())
	}
	if out.Stage != frame.StageTrimmed {
		t.Errorf("expected stage %q, got %q", frame.StageTrimmed, out.Stage)
	}
	// amp 0: (v - 10) * 2
	if want := (100.0 - 10) * 2; out.At(0, 0) != want {
		t.Errorf("amp 0 pixel (0,0): expected %v got %v", want, out.At(0, 0))
	}
	// amp 1: (v - 20) * 3
	if want := (123.0 - 20) * 3; out.At(2, 3) != want {
		t.Errorf("amp 1 pixel (2,3): expected %v got %v", want, out.At(2, 3))
	}
}

func TestBuildDeterministic(t *testing.T) {
	g := smallGeometry(t)
	raw := smallRaw()
	a, err := Build(raw, g, Options{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Build(raw, g, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if a.Checksum() != b.Checksum() {
		t.Error("two builds of the same inputs are not bit-identical")
	}
}

func TestBuildDoesNotMutateRaw(t *testing.T) {
	g := smallGeometry(t)
	raw := smallRaw()
	before := raw.Checksum()
	if _, err := Build(raw, g, Options{}); err != nil {
		t.Fatal(err)
	}
	if raw.Checksum() != before {
		t.Error("Build wrote into the raw frame")
	}
}

func TestBuildRejectsWrongShape(t *testing.T) {
	g := smallGeometry(t)
	raw := frame.New("small", frame.StageRaw, 5, 4)
	_, err := Build(raw, g, Options{})
	var gm *GeometryMismatchError
	if !errors.As(err, &gm) {
		t.Fatalf("expected GeometryMismatchError, got %v", err)
	}
}

func TestMeanEstimator(t *testing.T) {
	g := smallGeometry(t)
	raw := smallRaw()
	// unbalance amp 0's overscan so mean and median differ
	raw.Set(4, 0, 30) // overscan now 30,10,10,10: mean 15, median 10
	out, err := Build(raw, g, Options{Overscan: OverscanMean})
	if err != nil {
		t.Fatal(err)
	}
	if want := (100.0 - 15) * 2; out.At(0, 0) != want {
		t.Errorf("expected mean bias 15 applied, got pixel %v want %v", out.At(0, 0), want)
	}
}

func TestRowMedianEstimator(t *testing.T) {
	// overscan columns beside the data rows
	g, err := detector.New("beside", 2, 5, []detector.Amp{
		{
			Data:     detector.Section{Row0: 0, Row1: 2, Col0: 0, Col1: 3},
			Overscan: detector.Section{Row0: 0, Row1: 2, Col0: 3, Col1: 5},
			Gain:     1.0},
	})
	if err != nil {
		t.Fatal(err)
	}
	raw := frame.New("beside", frame.StageRaw, 2, 5)
	for c := 0; c < 3; c++ {
		raw.Set(0, c, 100)
		raw.Set(1, c, 100)
	}
	// row 0 bias 5, row 1 bias 7
	raw.Set(0, 3, 5)
	raw.Set(0, 4, 5)
	raw.Set(1, 3, 7)
	raw.Set(1, 4, 7)
	out, err := Build(raw, g, Options{Overscan: OverscanRowMedian})
	if err != nil {
		t.Fatal(err)
	}
	if out.At(0, 0) != 95 {
		t.Errorf("row 0: expected 95, got %v", out.At(0, 0))
	}
	if out.At(1, 0) != 93 {
		t.Errorf("row 1: expected 93, got %v", out.At(1, 0))
	}
}

func TestFlippedReadout(t *testing.T) {
	g, err := detector.New("flip", 2, 4, []detector.Amp{
		{
			Data:     detector.Section{Row0: 0, Row1: 2, Col0: 0, Col1: 3},
			Overscan: detector.Section{Row0: 0, Row1: 2, Col0: 3, Col1: 4},
			Gain:     1.0,
			FlipCols: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	raw := frame.New("flip", frame.StageRaw, 2, 4)
	raw.Set(0, 0, 1)
	raw.Set(0, 1, 2)
	raw.Set(0, 2, 3)
	out, err := Build(raw, g, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.At(0, 0) != 3 || out.At(0, 2) != 1 {
		t.Errorf("expected column-flipped readout [3 2 1], got [%v %v %v]",
			out.At(0, 0), out.At(0, 1), out.At(0, 2))
	}
}

func TestParseOverscanPolicy(t *testing.T) {
	cases := map[string]OverscanPolicy{
		"":           OverscanMedian,
		"median":     OverscanMedian,
		"Mean":       OverscanMean,
		"row-median": OverscanRowMedian,
	}
	for in, want := range cases {
		got, err := ParseOverscanPolicy(in)
		if err != nil {
			t.Errorf("%q: unexpected error %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("%q: expected %v got %v", in, want, got)
		}
	}
	if _, err := ParseOverscanPolicy("sigma-clip"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
