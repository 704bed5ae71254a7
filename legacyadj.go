// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
)

// Mutation is one row of the mutation table.
type Mutation struct {
	Chrom string `csv:"chrom"`
	Start int    `csv:"start"`
	End   int    `csv:"end"`
	Type  string `csv:"type"`
	Ref   string `csv:"ref"`
	Alt   string `csv:"alt"`
	SID   string `csv:"sid"`
	BinID string `csv:"binID"`
}

func readMutations(fnm string) ([]Mutation, error) {
	var muts []Mutation
	if err := readTable(fnm, &muts); err != nil {
		return nil, err
	}
	return muts, nil
}

// scoreMutations looks up a score for each mutation the scorer covers.
// Mutations without a score get NaN.
func scoreMutations(scorer VariantScorer, muts []Mutation, logger logrus.FieldLogger) ([]Mutation, []float64, error) {
	var kept []Mutation
	var scores []float64
	missing := 0
	for i := range muts {
		v, ok, err := scorer.Score(&muts[i])
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		if math.IsNaN(v) {
			missing++
		}
		kept = append(kept, muts[i])
		scores = append(scores, v)
	}
	if len(kept) == 0 {
		logger.Warn("no mutations left for functional adjustment")
	} else {
		logger.Infof("scored %d of %d mutations (%d without score)", len(kept)-missing, len(muts), missing)
	}
	return kept, scores, nil
}

// aggregateBinScores summarizes mutation scores per bin. Missing scores
// count as 0. "mean" averages all mutations in a bin; "maxpool" and
// "meanpool" first take the max or mean per sample, then average over
// samples.
func aggregateBinScores(muts []Mutation, scores []float64, method string) (map[string]float64, error) {
	type acc struct {
		sum float64
		n   int
	}
	switch method {
	case "mean":
		bins := map[string]*acc{}
		for i, m := range muts {
			a := bins[m.BinID]
			if a == nil {
				a = &acc{}
				bins[m.BinID] = a
			}
			a.sum += zeroNaN(scores[i])
			a.n++
		}
		out := make(map[string]float64, len(bins))
		for id, a := range bins {
			out[id] = a.sum / float64(a.n)
		}
		return out, nil
	case "maxpool", "meanpool":
		type key struct{ bin, sid string }
		pool := map[key]*acc{}
		var keys []key
		for i, m := range muts {
			k := key{m.BinID, m.SID}
			v := zeroNaN(scores[i])
			a := pool[k]
			if a == nil {
				a = &acc{sum: v, n: 1}
				pool[k] = a
				keys = append(keys, k)
				continue
			}
			if method == "maxpool" {
				a.sum = math.Max(a.sum, v)
			} else {
				a.sum += v
				a.n++
			}
		}
		bins := map[string]*acc{}
		for _, k := range keys {
			a := pool[k]
			b := bins[k.bin]
			if b == nil {
				b = &acc{}
				bins[k.bin] = b
			}
			b.sum += a.sum / float64(a.n)
			b.n++
		}
		out := make(map[string]float64, len(bins))
		for id, b := range bins {
			out[id] = b.sum / float64(b.n)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown score aggregation %q (use mean, maxpool or meanpool)", method)
}

func zeroNaN(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// PercentileAdjuster rescales the background rate of every bin by
// threshold/fscore, where threshold is a percentile of the bin-level
// functional scores, and re-tests all bins with the binomial test.
type PercentileAdjuster struct {
	Percentile   float64
	ResponseMode string
	Logger       logrus.FieldLogger
}

// checkPercentile rejects functional score percentiles outside [1, 99].
func checkPercentile(pct float64) error {
	if !(pct >= 1 && pct <= 99) {
		return fmt.Errorf("functional score percentile %g outside [1, 99]", pct)
	}
	return nil
}

// Adjust sets rt.Legacy from bin-level scores. Bins without a score
// get 0.
func (pa *PercentileAdjuster) Adjust(rt *ResultTable, fscore map[string]float64) error {
	if err := checkPercentile(pa.Percentile); err != nil {
		return err
	}
	n := len(rt.Bins)
	lr := &legacyResult{
		FScore: make([]float64, n),
		MuAdj:  make([]float64, n),
		P:      make([]float64, n),
	}
	for i := range rt.Bins {
		lr.FScore[i] = fscore[rt.Bins[i].BinID]
	}
	if n == 0 {
		rt.Legacy = lr
		return nil
	}
	sorted := append([]float64(nil), lr.FScore...)
	sort.Float64s(sorted)
	threshold := percentile(sorted, pa.Percentile)
	if !(threshold > 0) {
		return fmt.Errorf("%g percentile of bin functional scores is %g, cannot adjust", pa.Percentile, threshold)
	}
	pa.Logger.Infof("using functional score %g (%g percentile) to adjust mutation rate", threshold, pa.Percentile)
	for i := range rt.Bins {
		b := &rt.Bins[i]
		rate := rt.NPred[i] / b.exposure()
		lr.MuAdj[i] = rate * threshold / lr.FScore[i]
		x, err := testCount(pa.ResponseMode, float64(b.NMut), float64(b.NSample))
		if err != nil {
			return err
		}
		if lr.MuAdj[i] < 1 {
			lr.P[i] = binomTestGreater(x, b.exposure(), lr.MuAdj[i])
		} else {
			lr.P[i] = 1
		}
	}
	lr.Q = BHFDR(lr.P)
	rt.Legacy = lr
	return nil
}
