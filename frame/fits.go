package frame

import (
	"fmt"
	"io"

	"github.com/astrogo/fitsio"
)

// header card names used for the frame tags
const (
	cardDetector = "DETECTOR"
	cardStage    = "REDSTAGE"
)

// WriteFITS streams the frame to w as a single-HDU 64-bit float FITS
// image.  The detector and stage tags ride along as header cards so the
// round trip through the master cache preserves them.
func (f *Frame) WriteFITS(w io.Writer) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	// NAXIS1 is the fast axis, which is our column index
	im := fitsio.NewImage(-64, []int{f.cols, f.rows})
	defer im.Close()
	err = im.Header().Append(
		fitsio.Card{Name: cardDetector, Value: f.Detector, Comment: "originating detector"},
		fitsio.Card{Name: cardStage, Value: string(f.Stage), Comment: "reduction stage"},
	)
	if err != nil {
		return err
	}
	err = im.Write(&f.data)
	if err != nil {
		return err
	}
	return fits.Write(im)
}

// ReadFITS reconstructs a frame written by WriteFITS.
func ReadFITS(r io.Reader) (*Frame, error) {
	fits, err := fitsio.Open(r)
	if err != nil {
		return nil, err
	}
	defer fits.Close()

	hdu := fits.HDU(0)
	img, ok := hdu.(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("fits: primary HDU is not an image")
	}
	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) != 2 {
		return nil, fmt.Errorf("fits: expected 2 axes, got %d", len(axes))
	}
	cols, rows := axes[0], axes[1]

	// fitsio's Image.Read sets the slice length in place, so the caller
	// must supply a slice with enough capacity up front.
	data := make([]float64, cols*rows)
	err = img.Read(&data)
	if err != nil {
		return nil, err
	}

	out, err := FromData("", "", rows, cols, data)
	if err != nil {
		return nil, err
	}
	if card := hdr.Get(cardDetector); card != nil {
		if s, ok := card.Value.(string); ok {
			out.Detector = s
		}
	}
	if card := hdr.Get(cardStage); card != nil {
		if s, ok := card.Value.(string); ok {
			out.Stage = Stage(s)
		}
	}
	return out, nil
}
