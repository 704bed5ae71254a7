// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"math"

	"gopkg.in/check.v1"
)

type legacyadjSuite struct{}

var _ = check.Suite(&legacyadjSuite{})

func (s *legacyadjSuite) TestAggregate(c *check.C) {
	muts := []Mutation{
		{SID: "s1", BinID: "b1"},
		{SID: "s1", BinID: "b1"},
		{SID: "s2", BinID: "b1"},
		{SID: "s3", BinID: "b2"},
	}
	scores := []float64{1, 2, 1, math.NaN()}
	for _, tc := range []struct {
		method string
		b1     float64
	}{
		{"mean", 4.0 / 3},
		{"maxpool", 1.5},
		{"meanpool", 1.25},
	} {
		out, err := aggregateBinScores(muts, scores, tc.method)
		c.Assert(err, check.IsNil)
		c.Check(closeTo(out["b1"], tc.b1, 1e-12), check.Equals, true, check.Commentf("%s: %g", tc.method, out["b1"]))
		c.Check(out["b2"], check.Equals, 0.0)
		c.Check(out, check.HasLen, 2)
	}
	_, err := aggregateBinScores(muts, scores, "median")
	c.Check(err, check.ErrorMatches, `unknown score aggregation "median".*`)
}

type fakeScorer map[string]float64

func (fs fakeScorer) Score(m *Mutation) (float64, bool, error) {
	if m.Type == "SV" {
		return 0, false, nil
	}
	v, ok := fs[m.Alt]
	if !ok {
		return math.NaN(), true, nil
	}
	return v, true, nil
}

func (fs fakeScorer) Close() error { return nil }

func (s *legacyadjSuite) TestScoreMutations(c *check.C) {
	muts := []Mutation{
		{Type: "SNP", Alt: "A", BinID: "b1"},
		{Type: "SV", Alt: "A", BinID: "b1"},
		{Type: "SNP", Alt: "T", BinID: "b2"},
	}
	kept, scores, err := scoreMutations(fakeScorer{"A": 12}, muts, quietLogger())
	c.Assert(err, check.IsNil)
	c.Check(kept, check.HasLen, 2)
	c.Check(kept[1].BinID, check.Equals, "b2")
	c.Check(scores[0], check.Equals, 12.0)
	c.Check(math.IsNaN(scores[1]), check.Equals, true)
}

func (s *legacyadjSuite) TestPercentileAdjuster(c *check.C) {
	rt := &ResultTable{
		Bins: []Response{
			{BinID: "b0", Length: 1000, NMut: 20, NSample: 10, N: 10},
			{BinID: "b1", Length: 1000, NMut: 5, NSample: 5, N: 10},
			{BinID: "b2", Length: 1000, NMut: 5, NSample: 5, N: 10},
			{BinID: "b3", Length: 1000, NMut: 5, NSample: 5, N: 10},
		},
		NPred: []float64{10, 10, 9000, 10},
	}
	fscore := map[string]float64{"b0": 2, "b1": 8, "b2": 1}
	pa := &PercentileAdjuster{Percentile: 75, ResponseMode: responseRaw, Logger: quietLogger()}
	c.Assert(pa.Adjust(rt, fscore), check.IsNil)
	lr := rt.Legacy
	c.Assert(lr, check.NotNil)
	c.Check(lr.FScore, check.DeepEquals, []float64{2, 8, 1, 0})

	thresh := percentile([]float64{0, 1, 2, 8}, 75)
	c.Check(closeTo(lr.MuAdj[0], 10.0/10001*thresh/2, 1e-15), check.Equals, true)
	c.Check(lr.P[0], check.Equals, binomTestGreater(20, 10001, lr.MuAdj[0]))
	c.Check(lr.MuAdj[2] >= 1, check.Equals, true)
	c.Check(lr.P[2], check.Equals, 1.0)
	// no score: infinite adjusted rate
	c.Check(math.IsInf(lr.MuAdj[3], 1), check.Equals, true)
	c.Check(lr.P[3], check.Equals, 1.0)
	c.Check(lr.Q, check.DeepEquals, BHFDR(lr.P))
	c.Check(rt.sortKey(), check.DeepEquals, lr.P)

	err := pa.Adjust(rt, map[string]float64{})
	c.Check(err, check.ErrorMatches, `75 percentile of bin functional scores is 0, cannot adjust`)

	for _, pct := range []float64{0.5, 100, 150, math.NaN()} {
		pa.Percentile = pct
		err = pa.Adjust(rt, fscore)
		c.Check(err, check.ErrorMatches, `functional score percentile .* outside \[1, 99\]`, check.Commentf("%g", pct))
	}
}
