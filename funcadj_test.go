// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"math"

	"gopkg.in/check.v1"
)

type funcadjSuite struct{}

var _ = check.Suite(&funcadjSuite{})

func (s *funcadjSuite) TestParseCutoffs(c *check.C) {
	sc, err := parseScoreCutoffs("CADD:0.01; EIGEN:85%")
	c.Assert(err, check.IsNil)
	c.Check(sc, check.DeepEquals, []scoreCutoff{
		{Name: "CADD", Cutoff: 0.01},
		{Name: "EIGEN", Cutoff: 85, Percentile: true},
	})

	for _, tc := range []struct {
		in  string
		err string
	}{
		{"X:150%", `functional score X: percentile cutoff 150% outside \[1, 99\]`},
		{"CADD", `cannot parse functional score cutoff "CADD".*`},
		{":0.1", `cannot parse functional score cutoff ":0.1".*`},
		{"A:1;A:0.5", `functional score "A" listed more than once`},
		{"A:high", `functional score A: cannot parse cutoff "high"`},
		{" ; ", `no functional score cutoffs in " ; "`},
	} {
		_, err := parseScoreCutoffs(tc.in)
		c.Check(err, check.ErrorMatches, tc.err, check.Commentf("%q", tc.in))
	}
}

// nearSignificantTable has one strong bin, one bin with raw q above
// the re-test cutoff and one near-significant bin without scores.
func nearSignificantTable() *ResultTable {
	return &ResultTable{
		Bins: []Response{
			{BinID: "b0", Length: 1000, NMut: 10, NSample: 10, N: 10},
			{BinID: "b1", Length: 1000, NMut: 3, NSample: 3, N: 10},
			{BinID: "b2", Length: 1000, NMut: 6, NSample: 5, N: 10},
		},
		NPred: []float64{2, 2.5, 2},
		RawP:  []float64{0.001, 0.4, 0.05},
		RawQ:  []float64{0.003, 0.4, 0.075},
	}
}

func (s *funcadjSuite) TestAdjust(c *check.C) {
	rt := nearSignificantTable()
	st := &ScoreTable{
		Names: []string{"CADD", "EIGEN"},
		values: map[string]map[string]float64{
			"CADD":  {"b0": 40, "b1": 5},
			"EIGEN": {"b0": 1, "b1": 3, "b2": 2},
		},
	}
	tester := &BurdenTester{Method: testBinomial, Logger: quietLogger()}
	fa := &FunctionalAdjuster{
		Cutoffs:      []scoreCutoff{{Name: "CADD", Cutoff: 0.01}, {Name: "EIGEN", Cutoff: 50, Percentile: true}},
		Tester:       tester,
		ResponseMode: responseRaw,
		Logger:       quietLogger(),
	}
	c.Assert(fa.Adjust(rt, st), check.IsNil)
	c.Assert(rt.Adjusted, check.HasLen, 3)
	cadd, eigen, avg := rt.Adjusted[0], rt.Adjusted[1], rt.Adjusted[2]
	c.Check(cadd.Name, check.Equals, "CADD")
	c.Check(avg.Name, check.Equals, "avg")
	c.Check(avg.Score, check.IsNil)

	// phred threshold of 0.01 is 20
	c.Check(closeTo(cadd.Weight[0], 2, 1e-12), check.Equals, true)
	c.Check(cadd.Weight[1], check.Equals, 1.0)
	c.Check(cadd.Weight[2], check.Equals, 1.0)
	c.Check(closeTo(cadd.NMut[0], 20, 1e-12), check.Equals, true)
	c.Check(cadd.P[1], check.Equals, 0.4)
	c.Check(cadd.P[0], check.Equals, binomTestGreater(cadd.NMut[0], 10001, 2.0/10001))
	c.Check(cadd.P[2], check.Equals, binomTestGreater(6, 10001, 2.0/10001))
	c.Check(math.IsNaN(cadd.Score[2]), check.Equals, true)

	thresh := percentile([]float64{1, 3, 2}, 50)
	c.Check(closeTo(eigen.Weight[0], 1/thresh, 1e-12), check.Equals, true)
	c.Check(eigen.Weight[1], check.Equals, 1.0)
	c.Check(closeTo(eigen.Weight[2], 2/thresh, 1e-12), check.Equals, true)

	for i := range rt.Bins {
		want := (cadd.Weight[i] + eigen.Weight[i]) / 2
		c.Check(closeTo(avg.Weight[i], want, 1e-12), check.Equals, true)
		pmin := math.Min(cadd.P[i], math.Min(eigen.P[i], avg.P[i]))
		c.Check(rt.PMin[i], check.Equals, pmin)
	}
	c.Check(rt.QMin, check.DeepEquals, BHFDR(rt.PMin))
	c.Check(rt.PMin[0] < rt.RawP[0], check.Equals, true)
}

func (s *funcadjSuite) TestAdjustInvalidCutoff(c *check.C) {
	rt := nearSignificantTable()
	st := &ScoreTable{Names: []string{"CADD"}, values: map[string]map[string]float64{"CADD": {"b0": 40}}}
	fa := &FunctionalAdjuster{
		Cutoffs:      []scoreCutoff{{Name: "CADD", Cutoff: 1.5}},
		Tester:       &BurdenTester{Method: testBinomial, Logger: quietLogger()},
		ResponseMode: responseRaw,
		Logger:       quietLogger(),
	}
	c.Assert(fa.Adjust(rt, st), check.IsNil)
	c.Check(rt.Adjusted, check.HasLen, 0)
	c.Check(rt.PMin, check.IsNil)
	c.Check(rt.sortKey(), check.DeepEquals, rt.RawQ)

	// a single usable score has no average column
	fa.Cutoffs = []scoreCutoff{{Name: "CADD", Cutoff: 0}}
	c.Assert(fa.Adjust(rt, st), check.IsNil)
	c.Assert(rt.Adjusted, check.HasLen, 1)
	c.Check(closeTo(rt.Adjusted[0].Weight[0], 40/30.0, 1e-12), check.Equals, true)
	c.Check(rt.PMin, check.DeepEquals, rt.Adjusted[0].P)
}

func (s *funcadjSuite) TestPercentileThresholdSkipsUnmutatedBins(c *check.C) {
	fa := &FunctionalAdjuster{Logger: quietLogger()}
	bins := []Response{{NMut: 0}, {NMut: 2}, {NMut: 1}}
	t, ok := fa.threshold(scoreCutoff{Name: "S", Cutoff: 99, Percentile: true}, []float64{100, 4, math.NaN()}, bins)
	c.Check(ok, check.Equals, true)
	c.Check(t, check.Equals, percentile([]float64{4, 0}, 99))
	_, ok = fa.threshold(scoreCutoff{Name: "S", Cutoff: 50, Percentile: true}, []float64{1, 0, 0}, bins)
	c.Check(ok, check.Equals, false)
	_, ok = fa.threshold(scoreCutoff{Name: "S", Cutoff: 1}, nil, nil)
	c.Check(ok, check.Equals, false)
}
