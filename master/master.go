// Package master maintains the persistent cache of derived calibration
// products ("master frames") keyed by instrument setup, detector, and
// frame type.  Reuse is strictly checksum-gated: a stored product is
// only returned when the checksum of the inputs that would regenerate
// it matches, so an equal setup label with changed raw data never
// yields a stale master.
package master

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"speccal/flatfield"
	"speccal/frame"
	"speccal/slittrace"
)

// Frame types of the calibration products this core derives.
const (
	FrameBias      = "bias"      // combined bias master
	FrameFlat      = "flat"      // trimmed, gain-corrected flat
	FrameTrace     = "trace"     // rasterized slit set
	FramePixelFlat = "pixelflat" // normalized flat
	FrameProfile   = "profile"   // per-slit fit profiles
)

// Key addresses one cached product.  Two keys are equal iff all three
// components match exactly.
type Key struct {
	Setup     string
	Detector  string
	FrameType string
}

func (k Key) String() string {
	return k.Setup + "/" + k.Detector + "/" + k.FrameType
}

func (k Key) validate() error {
	for _, part := range []string{k.Setup, k.Detector, k.FrameType} {
		if part == "" {
			return fmt.Errorf("master key %q has an empty component", k)
		}
		if strings.ContainsAny(part, `/\`) {
			return fmt.Errorf("master key component %q contains a path separator", part)
		}
	}
	return nil
}

// Product is a calibration data product that can round-trip to disk.
type Product interface {
	// EncodeProduct writes the durable form of the product to w.
	EncodeProduct(w io.Writer) error

	// ProductExt is the file extension of the durable form, with dot.
	ProductExt() string
}

// DecodeFunc rebuilds a product from its durable form.
type DecodeFunc func(r io.Reader) (Product, error)

// ComputeFunc produces a product from scratch on a cache miss.
type ComputeFunc func() (Product, error)

// FrameProduct adapts a pixel frame to the cache (FITS on disk).
type FrameProduct struct{ *frame.Frame }

// EncodeProduct implements Product.
func (p FrameProduct) EncodeProduct(w io.Writer) error { return p.WriteFITS(w) }

// ProductExt implements Product.
func (p FrameProduct) ProductExt() string { return ".fits" }

// DecodeFrame is the DecodeFunc for FrameProduct.
func DecodeFrame(r io.Reader) (Product, error) {
	f, err := frame.ReadFITS(r)
	if err != nil {
		return nil, err
	}
	return FrameProduct{f}, nil
}

// SlitProduct adapts a slit set to the cache (JSON on disk).
type SlitProduct struct{ *slittrace.SlitSet }

// EncodeProduct implements Product.
func (p SlitProduct) EncodeProduct(w io.Writer) error { return p.EncodeJSON(w) }

// ProductExt implements Product.
func (p SlitProduct) ProductExt() string { return ".json" }

// DecodeSlits is the DecodeFunc for SlitProduct.
func DecodeSlits(r io.Reader) (Product, error) {
	s, err := slittrace.DecodeJSON(r)
	if err != nil {
		return nil, err
	}
	return SlitProduct{s}, nil
}

// ProfileProduct adapts a flat-field profile set to the cache.
type ProfileProduct struct{ *flatfield.ProfileSet }

// EncodeProduct implements Product.
func (p ProfileProduct) EncodeProduct(w io.Writer) error { return p.EncodeJSON(w) }

// ProductExt implements Product.
func (p ProfileProduct) ProductExt() string { return ".json" }

// DecodeProfiles is the DecodeFunc for ProfileProduct.
func DecodeProfiles(r io.Reader) (Product, error) {
	ps, err := flatfield.DecodeProfiles(r)
	if err != nil {
		return nil, err
	}
	return ProfileProduct{ps}, nil
}

type memKey struct {
	key      Key
	checksum uint64
}

type call struct {
	done    chan struct{}
	product Product
	reused  bool
	err     error
}

// Cache is the process-wide master frame cache.  It layers an
// in-process result map and in-flight deduplication over the durable
// store, guaranteeing at most one computation per (key, checksum) per
// process lifetime.
type Cache struct {
	store *Store
	runID string

	mu       sync.Mutex
	mem      map[memKey]Product
	inflight map[memKey]*call
}

// Open opens (creating as needed) the cache rooted at dir.
func Open(dir string) (*Cache, error) {
	store, err := OpenStore(dir)
	if err != nil {
		return nil, err
	}
	return &Cache{
		store:    store,
		runID:    uuid.NewString(),
		mem:      make(map[memKey]Product),
		inflight: make(map[memKey]*call)}, nil
}

// Close releases the durable store and its directory lock.
func (c *Cache) Close() error { return c.store.Close() }

// RunID identifies this process's run in the audit records.
func (c *Cache) RunID() string { return c.runID }

// GetOrCompute returns the product for key, reusing a stored one when
// its source checksum matches, computing and persisting it otherwise.
// Concurrent callers for the same uncomputed (key, checksum) block
// until the first computation finishes and then share its result; a
// caller whose ctx expires abandons its wait, but the in-flight
// computation continues for the benefit of the other waiters.
// The second return reports whether the product was reused rather than
// freshly computed.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, checksum uint64, compute ComputeFunc, decode DecodeFunc) (Product, bool, error) {
	if err := key.validate(); err != nil {
		return nil, false, err
	}
	mk := memKey{key: key, checksum: checksum}

	c.mu.Lock()
	if p, ok := c.mem[mk]; ok {
		c.mu.Unlock()
		return p, true, nil
	}
	if cl, ok := c.inflight[mk]; ok {
		c.mu.Unlock()
		select {
		case <-cl.done:
			if cl.err != nil {
				return nil, false, cl.err
			}
			return cl.product, true, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[mk] = cl
	c.mu.Unlock()

	cl.product, cl.reused, cl.err = c.fill(key, checksum, compute, decode)

	c.mu.Lock()
	if cl.err == nil {
		c.mem[mk] = cl.product
	}
	delete(c.inflight, mk)
	c.mu.Unlock()
	close(cl.done)
	return cl.product, cl.reused, cl.err
}

// fill resolves a miss of the in-process map: durable reuse if the
// checksum gate passes, otherwise compute and persist.
func (c *Cache) fill(key Key, checksum uint64, compute ComputeFunc, decode DecodeFunc) (Product, bool, error) {
	p, storedChecksum, err := c.store.Load(key, decode)
	if err == nil {
		if storedChecksum == checksum {
			log.Printf("master: reuse %s (inputs %016x)", key, checksum)
			if merr := c.store.MarkReused(key, c.runID); merr != nil {
				log.Printf("master: recording reuse of %s: %v", key, merr)
			}
			return p, true, nil
		}
		log.Printf("master: stale %s (stored inputs %016x, want %016x), recomputing", key, storedChecksum, checksum)
	} else if !IsCacheMiss(err) {
		return nil, false, err
	}

	log.Printf("master: compute %s (inputs %016x)", key, checksum)
	p, err = compute()
	if err != nil {
		return nil, false, err
	}
	if err := c.store.Save(key, checksum, p, c.runID); err != nil {
		return nil, false, fmt.Errorf("persisting %s: %w", key, err)
	}
	return p, false, nil
}

// Invalidate removes any stored entry for key regardless of checksum.
func (c *Cache) Invalidate(key Key) error {
	if err := key.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	for mk := range c.mem {
		if mk.key == key {
			delete(c.mem, mk)
		}
	}
	c.mu.Unlock()
	return c.store.Delete(key)
}

// Load round-trips a product directly from durable storage.
func (c *Cache) Load(key Key, decode DecodeFunc) (Product, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	p, _, err := c.store.Load(key, decode)
	return p, err
}

// Save persists a product directly to durable storage.
func (c *Cache) Save(key Key, checksum uint64, p Product) error {
	if err := key.validate(); err != nil {
		return err
	}
	return c.store.Save(key, checksum, p, c.runID)
}
