package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "speccal.yml"
	k              = koanf.New(".")
)

// FlatJob names the inputs of one flat-field reduction: the raw flat
// exposure, the slit traces, and optionally a tilt grid.
type FlatJob struct {
	// Detector selects the geometry from the layout file.
	Detector string `koanf:"detector" yaml:"detector"`

	// Raw is the path to the raw flat FITS frame.
	Raw string `koanf:"raw" yaml:"raw"`

	// Traces is the path to the slit trace JSON file.
	Traces string `koanf:"traces" yaml:"traces"`

	// Tilts is the path to the tilt offset FITS grid; empty means no tilt.
	Tilts string `koanf:"tilts" yaml:"tilts"`
}

// Config holds the driver configuration, populated from speccal.yml.
type Config struct {
	// Setup identifies the instrument configuration; masters are only
	// shared between exposures with equal setups.
	Setup string `koanf:"setup" yaml:"setup"`

	// CacheDir is the root of the master frame cache.
	CacheDir string `koanf:"cache_dir" yaml:"cache_dir"`

	// Layouts is the path to the detector layout YAML file.
	Layouts string `koanf:"layouts" yaml:"layouts"`

	// Overscan selects the bias estimator: median, mean, or row-median.
	Overscan string `koanf:"overscan" yaml:"overscan"`

	// Extrapolation selects the flat-fit policy: edge or passthrough.
	Extrapolation string `koanf:"extrapolation" yaml:"extrapolation"`

	// OutDir receives the normalized flats.
	OutDir string `koanf:"out_dir" yaml:"out_dir"`

	// Flats lists the reductions to run.
	Flats []FlatJob `koanf:"flats" yaml:"flats"`
}

func setupconfig() {
	k.Load(structs.Provider(Config{
		Setup:    "default",
		CacheDir: "masters",
		OutDir:   "reduced",
		Overscan: "median"}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `speccal reduces raw multi-amplifier flat exposures into normalized,
illumination-corrected flats, reusing cached master frames between runs.

Usage:
	speccal <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `speccal is configured via its .yml file.  For a primer on YAML, see
https://yaml.org/start.html

The layout file describes each detector's amplifiers: data section,
overscan section, per-amp gain, and readout flips.  Sections are
written "[r0:r1,c0:c1]" with 0-based half-open ranges.

Master frames land under cache_dir as {setup}/{detector}/{frametype}
and are reused whenever the checksummed inputs match; delete the cache
directory (or change the setup id) to force recomputation.

Recognized overscan estimators: median, mean, row-median.
Recognized extrapolation policies: edge, passthrough.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("speccal version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	err = reduce(c)
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
