// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// nearSignificant is the raw q-value at or below which bins are
// re-weighted and re-tested.
const nearSignificant = 0.25

// scoreCutoff is one NAME:cutoff entry. Percentile cutoffs are written
// NAME:85%.
type scoreCutoff struct {
	Name       string
	Cutoff     float64
	Percentile bool
}

// parseScoreCutoffs parses "NAME:cutoff;NAME:cutoff".
func parseScoreCutoffs(s string) ([]scoreCutoff, error) {
	var out []scoreCutoff
	seen := map[string]bool{}
	for _, item := range strings.Split(strings.TrimSpace(s), ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, val, ok := strings.Cut(item, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("cannot parse functional score cutoff %q (expected NAME:cutoff)", item)
		}
		if seen[name] {
			return nil, fmt.Errorf("functional score %q listed more than once", name)
		}
		seen[name] = true
		sc := scoreCutoff{Name: name}
		if strings.HasSuffix(val, "%") {
			sc.Percentile = true
			val = strings.TrimSuffix(val, "%")
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("functional score %s: cannot parse cutoff %q", name, val)
		}
		if sc.Percentile && (f < 1 || f > 99) {
			return nil, fmt.Errorf("functional score %s: percentile cutoff %g%% outside [1, 99]", name, f)
		}
		sc.Cutoff = f
		out = append(out, sc)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no functional score cutoffs in %q", s)
	}
	return out, nil
}

// FunctionalAdjuster re-weights near-significant bins by bin-level
// functional scores and re-tests them.
type FunctionalAdjuster struct {
	Cutoffs      []scoreCutoff
	Tester       *BurdenTester
	ResponseMode string
	Logger       logrus.FieldLogger
}

// threshold returns the score value that gives weight 1, or false if
// the score should not be used.
func (fa *FunctionalAdjuster) threshold(sc scoreCutoff, score []float64, bins []Response) (float64, bool) {
	log := fa.Logger.WithField("score", sc.Name)
	if sc.Percentile {
		var vals []float64
		for i, v := range score {
			if bins[i].NMut > 0 {
				if math.IsNaN(v) {
					v = 0
				}
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			log.Warn("no mutated bins to compute the percentile cutoff, score not used")
			return 0, false
		}
		t := percentile(vals, sc.Cutoff)
		if !(t > 0) {
			log.Warnf("%g percentile cutoff is %g, score not used", sc.Cutoff, t)
			return 0, false
		}
		log.Infof("%g percentile cutoff is %g", sc.Cutoff, t)
		return t, true
	}
	cut := sc.Cutoff
	if cut < 0 || cut > 1 {
		log.Warnf("score not used due to invalid cutoff %g, must be between 0 and 1", cut)
		return 0, false
	}
	if cut == 0 {
		cut = 0.001
	}
	t := -10 * math.Log10(cut)
	if t == 0 {
		log.Warn("cutoff 1 gives a zero threshold, score not used")
		return 0, false
	}
	log.Infof("cutoff %g, phred threshold %g", cut, t)
	return t, true
}

// Adjust adds per-score adjusted columns to rt, and p.min/q.min over
// all adjusted p-values.
func (fa *FunctionalAdjuster) Adjust(rt *ResultTable, st *ScoreTable) error {
	ids := make([]string, len(rt.Bins))
	for i := range rt.Bins {
		ids[i] = rt.Bins[i].BinID
	}
	avg := make([]float64, len(rt.Bins))
	used := 0
	for _, sc := range fa.Cutoffs {
		score := st.Column(sc.Name, ids)
		thresh, ok := fa.threshold(sc, score, rt.Bins)
		if !ok {
			continue
		}
		weight := make([]float64, len(score))
		missing := 0
		for i, v := range score {
			switch {
			case rt.RawQ[i] > nearSignificant:
				weight[i] = 1
			case math.IsNaN(v):
				weight[i] = 1
				missing++
			default:
				weight[i] = v / thresh
			}
			avg[i] += weight[i]
		}
		if missing > 0 {
			fa.Logger.WithField("score", sc.Name).Warnf("%d near-significant bins have no score, weight set to 1", missing)
		}
		as, err := fa.retest(rt, sc.Name, weight)
		if err != nil {
			return err
		}
		as.Score = score
		rt.Adjusted = append(rt.Adjusted, as)
		used++
	}
	if used == 0 {
		fa.Logger.Warn("no functional score used")
		return nil
	}
	if used >= 2 {
		for i := range avg {
			avg[i] /= float64(used)
		}
		as, err := fa.retest(rt, "avg", avg)
		if err != nil {
			return err
		}
		rt.Adjusted = append(rt.Adjusted, as)
	}
	rt.PMin = make([]float64, len(rt.Bins))
	for i := range rt.PMin {
		rt.PMin[i] = math.NaN()
		for _, as := range rt.Adjusted {
			if p := as.P[i]; !math.IsNaN(p) && !(p >= rt.PMin[i]) {
				rt.PMin[i] = p
			}
		}
	}
	rt.QMin = BHFDR(rt.PMin)
	return nil
}

// retest re-runs the burden test on near-significant bins with weighted
// mutation counts. Other bins keep their raw p-value.
func (fa *FunctionalAdjuster) retest(rt *ResultTable, name string, weight []float64) (adjustedScore, error) {
	as := adjustedScore{
		Name:   name,
		Weight: weight,
		NMut:   make([]float64, len(weight)),
		P:      append([]float64(nil), rt.RawP...),
	}
	var rows []int
	var count, pred, exposure []float64
	for i := range rt.Bins {
		b := &rt.Bins[i]
		as.NMut[i] = weight[i] * float64(b.NMut)
		if !(rt.RawQ[i] <= nearSignificant) {
			continue
		}
		x, err := testCount(fa.ResponseMode, as.NMut[i], float64(b.NSample))
		if err != nil {
			return as, err
		}
		rows = append(rows, i)
		count = append(count, x)
		pred = append(pred, rt.NPred[i])
		exposure = append(exposure, b.exposure())
	}
	fa.Logger.WithField("score", name).Infof("re-testing %d near-significant bins", len(rows))
	if len(rows) > 0 {
		pvals, err := fa.Tester.Test(count, pred, exposure)
		if err != nil {
			return as, err
		}
		for k, i := range rows {
			as.P[i] = pvals[k]
		}
	}
	as.Q = BHFDR(as.P)
	return as, nil
}
