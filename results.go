// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"io"
	"math"
	"sort"
	"strconv"
)

// ResultTable holds per-bin inference output, aligned with Bins.
type ResultTable struct {
	Bins  []Response
	NPred []float64
	RawP  []float64
	RawQ  []float64

	// Weighted functional adjustment, one entry per score plus
	// "avg" when two or more scores were used.
	Adjusted []adjustedScore
	PMin     []float64
	QMin     []float64

	// Legacy percentile adjustment.
	Legacy *legacyResult
}

type adjustedScore struct {
	Name   string
	Score  []float64 // nil for the combined score
	Weight []float64
	NMut   []float64
	P      []float64
	Q      []float64
}

type legacyResult struct {
	FScore []float64
	MuAdj  []float64
	P      []float64
	Q      []float64
}

// sortKey returns the column results are ranked by: the legacy p-value,
// q.min, or raw q, whichever is most specific.
func (rt *ResultTable) sortKey() []float64 {
	switch {
	case rt.Legacy != nil:
		return rt.Legacy.P
	case rt.QMin != nil:
		return rt.QMin
	default:
		return rt.RawQ
	}
}

// order returns row indices sorted ascending by sortKey, NaN last.
func (rt *ResultTable) order() []int {
	key := rt.sortKey()
	idx := make([]int, len(rt.Bins))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ka, kb := key[idx[a]], key[idx[b]]
		if math.IsNaN(kb) {
			return !math.IsNaN(ka)
		}
		return ka < kb
	})
	return idx
}

func (rt *ResultTable) header() []string {
	h := []string{"binID", "length", "nMut", "nSample", "N", "nPred", "raw_p", "raw_q"}
	for _, as := range rt.Adjusted {
		if as.Score != nil {
			h = append(h, as.Name)
		}
		h = append(h, as.Name+"_weight", as.Name+"_nMut", as.Name+"_p", as.Name+"_q")
	}
	if rt.PMin != nil {
		h = append(h, "p.min", "q.min")
	}
	if rt.Legacy != nil {
		h = append(h, "fscore", "MuAdj", "fadj_p", "fadj_q")
	}
	return h
}

func (rt *ResultTable) row(i int, rec []string) []string {
	b := &rt.Bins[i]
	rec = append(rec[:0], b.BinID, strconv.Itoa(b.Length), strconv.Itoa(b.NMut), strconv.Itoa(b.NSample), strconv.Itoa(b.N))
	rec = append(rec, ftoa(rt.NPred[i]), ftoa(rt.RawP[i]), ftoa(rt.RawQ[i]))
	for _, as := range rt.Adjusted {
		if as.Score != nil {
			rec = append(rec, ftoa(as.Score[i]))
		}
		rec = append(rec, ftoa(as.Weight[i]), ftoa(as.NMut[i]), ftoa(as.P[i]), ftoa(as.Q[i]))
	}
	if rt.PMin != nil {
		rec = append(rec, ftoa(rt.PMin[i]), ftoa(rt.QMin[i]))
	}
	if lr := rt.Legacy; lr != nil {
		rec = append(rec, ftoa(lr.FScore[i]), ftoa(lr.MuAdj[i]), ftoa(lr.P[i]), ftoa(lr.Q[i]))
	}
	return rec
}

// Write writes the table as TSV, ranked by the most specific
// q-value.
func (rt *ResultTable) Write(w io.Writer) error {
	wtr := tsvWriter(w)
	if err := wtr.Write(rt.header()); err != nil {
		return err
	}
	var rec []string
	for _, i := range rt.order() {
		rec = rt.row(i, rec)
		if err := wtr.Write(rec); err != nil {
			return err
		}
	}
	wtr.Flush()
	return wtr.Error()
}

func ftoa(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
