package frame

import (
	"bytes"
	"testing"
)

func TestFromDataRejectsShapeMismatch(t *testing.T) {
	_, err := FromData("det1", StageRaw, 2, 3, make([]float64, 5))
	if err == nil {
		t.Fatal("expected error for 5 values in a 2x3 frame")
	}
}

func TestCloneIsDeep(t *testing.T) {
	f := New("det1", StageRaw, 2, 2)
	f.Set(0, 0, 1)
	g := f.Clone()
	g.Set(0, 0, 2)
	if f.At(0, 0) != 1 {
		t.Errorf("writing the clone changed the original: got %v", f.At(0, 0))
	}
}

func TestWithStageRelabelsSharedPixels(t *testing.T) {
	f := New("det1", StageTrimmed, 2, 2)
	f.Set(1, 1, 9)
	g := f.WithStage(StageNormalized)
	if g.Stage != StageNormalized || f.Stage != StageTrimmed {
		t.Errorf("stages after relabel: %q and %q", g.Stage, f.Stage)
	}
	if g.At(1, 1) != 9 {
		t.Error("relabeled frame lost its pixels")
	}
	f.Set(0, 0, 5)
	if g.At(0, 0) != 5 {
		t.Error("relabeled frame should share the pixel buffer")
	}
}

func TestChecksumBitIdentity(t *testing.T) {
	a := New("det1", StageTrimmed, 4, 4)
	b := New("det1", StageTrimmed, 4, 4)
	for i := 0; i < 16; i++ {
		a.Set(i/4, i%4, float64(i)*1.5)
		b.Set(i/4, i%4, float64(i)*1.5)
	}
	if a.Checksum() != b.Checksum() {
		t.Error("bit-identical frames produced different checksums")
	}
	b.Set(3, 3, b.At(3, 3)+1e-12)
	if a.Checksum() == b.Checksum() {
		t.Error("differing frames produced equal checksums")
	}
}

func TestChecksumCoversTags(t *testing.T) {
	a := New("det1", StageTrimmed, 2, 2)
	b := New("det2", StageTrimmed, 2, 2)
	if a.Checksum() == b.Checksum() {
		t.Error("frames from different detectors produced equal checksums")
	}
}

func TestFITSRoundTrip(t *testing.T) {
	f := New("det1", StageTrimmed, 3, 5)
	for r := 0; r < 3; r++ {
		for c := 0; c < 5; c++ {
			f.Set(r, c, float64(r*10+c)+0.25)
		}
	}
	buf := bytes.Buffer{}
	if err := f.WriteFITS(&buf); err != nil {
		t.Fatalf("writing: %v", err)
	}
	g, err := ReadFITS(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if g.Detector != "det1" || g.Stage != StageTrimmed {
		t.Errorf("tags did not survive round trip: %q %q", g.Detector, g.Stage)
	}
	if g.Rows() != 3 || g.Cols() != 5 {
		t.Fatalf("shape did not survive round trip: %dx%d", g.Rows(), g.Cols())
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 5; c++ {
			if g.At(r, c) != f.At(r, c) {
				t.Errorf("pixel (%d,%d): expected %v got %v", r, c, f.At(r, c), g.At(r, c))
			}
		}
	}
	if g.Checksum() != f.Checksum() {
		t.Error("round-tripped frame has a different checksum")
	}
}
