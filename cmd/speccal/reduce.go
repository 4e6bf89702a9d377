package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"speccal/detector"
	"speccal/flatfield"
	"speccal/frame"
	"speccal/master"
	"speccal/mosaic"
	"speccal/slittrace"
	"speccal/tilt"
)

// reduce runs every configured flat job against the master cache.
func reduce(c Config) error {
	if len(c.Flats) == 0 {
		return fmt.Errorf("no flats configured, nothing to do")
	}
	layouts, err := detector.LoadLayouts(c.Layouts)
	if err != nil {
		return err
	}
	oscan, err := mosaic.ParseOverscanPolicy(c.Overscan)
	if err != nil {
		return err
	}
	extrap, err := flatfield.ParseExtrapolationPolicy(c.Extrapolation)
	if err != nil {
		return err
	}
	cache, err := master.Open(c.CacheDir)
	if err != nil {
		return err
	}
	defer cache.Close()
	log.Printf("run %s, setup %s, %d flat(s)", cache.RunID(), c.Setup, len(c.Flats))

	ctx := context.Background()
	for _, job := range c.Flats {
		geom, ok := layouts[job.Detector]
		if !ok {
			return fmt.Errorf("flat %s: no layout for detector %s", job.Raw, job.Detector)
		}
		if err := reduceOne(ctx, cache, c, job, geom, oscan, extrap); err != nil {
			return fmt.Errorf("flat %s: %w", job.Raw, err)
		}
	}
	return nil
}

func reduceOne(ctx context.Context, cache *master.Cache, c Config, job FlatJob,
	geom *detector.Geometry, oscan mosaic.OverscanPolicy, extrap flatfield.ExtrapolationPolicy) error {

	raw, err := readFrame(job.Raw)
	if err != nil {
		return err
	}

	// trimmed, gain-corrected flat; the gate folds in the layout and
	// overscan policy so editing either forces a recompute
	geomCk := geom.Checksum()
	flatCk := combineChecksums(raw.Checksum(), geomCk, frame.ChecksumBytes([]byte(oscan.String())))
	flatKey := master.Key{Setup: c.Setup, Detector: job.Detector, FrameType: master.FrameFlat}
	p, _, err := cache.GetOrCompute(ctx, flatKey, flatCk, func() (master.Product, error) {
		f, berr := mosaic.Build(raw, geom, mosaic.Options{Overscan: oscan})
		if berr != nil {
			return nil, berr
		}
		return master.FrameProduct{Frame: f}, nil
	}, master.DecodeFrame)
	if err != nil {
		return err
	}
	trimmed := p.(master.FrameProduct).Frame

	// slit membership
	traceBytes, err := os.ReadFile(job.Traces)
	if err != nil {
		return err
	}
	var traces []slittrace.Trace
	if err := json.Unmarshal(traceBytes, &traces); err != nil {
		return fmt.Errorf("parsing traces %s: %v", job.Traces, err)
	}
	traceCk := combineChecksums(frame.ChecksumBytes(traceBytes), geomCk)
	traceKey := master.Key{Setup: c.Setup, Detector: job.Detector, FrameType: master.FrameTrace}
	p, _, err = cache.GetOrCompute(ctx, traceKey, traceCk, func() (master.Product, error) {
		s, rerr := slittrace.Rasterize(traces, trimmed.Rows(), trimmed.Cols())
		if rerr != nil {
			return nil, rerr
		}
		return master.SlitProduct{SlitSet: s}, nil
	}, master.DecodeSlits)
	if err != nil {
		return err
	}
	slits := p.(master.SlitProduct).SlitSet

	// tilt model
	tm := tilt.Zero(job.Detector, trimmed.Rows(), trimmed.Cols())
	var tiltCk uint64
	if job.Tilts != "" {
		grid, terr := readFrame(job.Tilts)
		if terr != nil {
			return terr
		}
		tm = tilt.FromFrame(grid)
		tiltCk = grid.Checksum()
	}

	// normalized flat + per-slit profiles; both gate on the same inputs,
	// extrapolation policy included
	normCk := combineChecksums(trimmed.Checksum(), traceCk, tiltCk,
		frame.ChecksumBytes([]byte(extrap.String())))
	normKey := master.Key{Setup: c.Setup, Detector: job.Detector, FrameType: master.FramePixelFlat}
	profKey := master.Key{Setup: c.Setup, Detector: job.Detector, FrameType: master.FrameProfile}
	ffcfg := flatfield.Config{Extrapolation: extrap}
	var profiles *flatfield.ProfileSet
	p, _, err = cache.GetOrCompute(ctx, normKey, normCk, func() (master.Product, error) {
		res, nerr := flatfield.Normalize(trimmed, slits, tm, ffcfg)
		if nerr != nil {
			return nil, nerr
		}
		profiles = &flatfield.ProfileSet{
			Detector: job.Detector,
			Profiles: res.Profiles,
			Unusable: res.Unusable}
		if serr := cache.Save(profKey, normCk, master.ProfileProduct{ProfileSet: profiles}); serr != nil {
			return nil, serr
		}
		return master.FrameProduct{Frame: res.Flat}, nil
	}, master.DecodeFrame)
	if err != nil {
		return err
	}
	normalized := p.(master.FrameProduct).Frame
	if profiles == nil {
		pp, lerr := cache.Load(profKey, master.DecodeProfiles)
		if lerr != nil {
			return lerr
		}
		profiles = pp.(master.ProfileProduct).ProfileSet
	}

	for _, sl := range slits.Slits() {
		if !sl.Usable {
			log.Printf("detector %s slit %d unusable: %s", job.Detector, sl.Index, sl.Reason)
		} else if reason, failed := profiles.Unusable[sl.Index]; failed {
			log.Printf("detector %s slit %d not fit on this flat: %s", job.Detector, sl.Index, reason)
		}
	}
	log.Printf("detector %s: %d slit(s), %d fit", job.Detector, len(slits.Slits()), len(profiles.Profiles))

	return writeFrame(c.OutDir, job.Raw, normalized)
}

func readFrame(path string) (*frame.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return frame.ReadFITS(f)
}

func writeFrame(outDir, rawPath string, fr *frame.Frame) error {
	if err := os.MkdirAll(outDir, 0777); err != nil {
		return err
	}
	base := filepath.Base(rawPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	out := filepath.Join(outDir, base+"_norm.fits")
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := fr.WriteFITS(f); err != nil {
		return err
	}
	log.Printf("wrote %s", out)
	return nil
}

// combineChecksums folds several input checksums into one gate value.
func combineChecksums(cks ...uint64) uint64 {
	buf := make([]byte, 8*len(cks))
	for i, ck := range cks {
		binary.LittleEndian.PutUint64(buf[8*i:], ck)
	}
	return frame.ChecksumBytes(buf)
}
