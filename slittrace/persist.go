package slittrace

import (
	"encoding/json"
	"io"
)

// slitSetRecord is the durable form of a SlitSet.  The mask is not
// stored: Rasterize is deterministic, so the traces and shape are
// enough to rebuild it bit-identically on load.
type slitSetRecord struct {
	Rows     int            `json:"rows"`
	Cols     int            `json:"cols"`
	Traces   []Trace        `json:"traces"`
	Unusable map[int]string `json:"unusable,omitempty"`
}

// EncodeJSON writes the slit set to w.
func (s *SlitSet) EncodeJSON(w io.Writer) error {
	rec := slitSetRecord{Rows: s.rows, Cols: s.cols}
	for _, sl := range s.slits {
		rec.Traces = append(rec.Traces, Trace{Index: sl.Index, Left: sl.Left, Right: sl.Right})
		if !sl.Usable {
			if rec.Unusable == nil {
				rec.Unusable = make(map[int]string)
			}
			rec.Unusable[sl.Index] = sl.Reason
		}
	}
	return json.NewEncoder(w).Encode(rec)
}

// DecodeJSON rebuilds a slit set written by EncodeJSON, re-rasterizing
// the mask from the stored traces.
func DecodeJSON(r io.Reader) (*SlitSet, error) {
	rec := slitSetRecord{}
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, err
	}
	s, err := Rasterize(rec.Traces, rec.Rows, rec.Cols)
	if err != nil {
		return nil, err
	}
	for idx, reason := range rec.Unusable {
		s.MarkUnusable(idx, reason)
	}
	return s, nil
}
