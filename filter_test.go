// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type filterSuite struct{}

var _ = check.Suite(&filterSuite{})

func randomBins(n int, seed uint64) (*FeatureTable, []Response) {
	rng := rand.New(rand.NewSource(seed))
	ft := &FeatureTable{Names: []string{"f"}, X: mat.NewDense(n, 1, nil)}
	resp := make([]Response, n)
	for i := range resp {
		nmut := rng.Intn(10)
		resp[i] = Response{
			BinID:   fmt.Sprintf("b%03d", i),
			Length:  rng.Intn(1000),
			NMut:    nmut,
			NSample: rng.Intn(nmut + 1),
			N:       100,
		}
		ft.BinIDs = append(ft.BinIDs, resp[i].BinID)
		ft.X.Set(i, 0, float64(i))
	}
	return ft, resp
}

func (s *filterSuite) TestMonotonic(c *check.C) {
	ft, resp := randomBins(300, 1)
	prev := len(resp) + 1
	for _, minLength := range []int{0, 100, 500, 900} {
		prevRecur := prev
		for _, minRecur := range []int{0, 1, 2, 5} {
			f := binFilter{MinLength: minLength, MinRecur: minRecur}
			fft, fresp := f.Apply(ft, resp, quietLogger())
			c.Check(len(fresp) <= prevRecur, check.Equals, true)
			prevRecur = len(fresp)
			for i, r := range fresp {
				c.Check(r.Length >= minLength && r.NSample >= minRecur, check.Equals, true)
				c.Check(fft.BinIDs[i], check.Equals, r.BinID)
			}
			if minRecur == 0 {
				c.Check(len(fresp) <= prev, check.Equals, true)
				prev = len(fresp)
			}
		}
	}
}

func (s *filterSuite) TestRowsFollowBins(c *check.C) {
	ft, resp := randomBins(50, 2)
	f := binFilter{MinLength: 500}
	fft, fresp := f.Apply(ft, resp, quietLogger())
	for i, r := range fresp {
		var n int
		fmt.Sscanf(r.BinID, "b%d", &n)
		c.Check(fft.X.At(i, 0), check.Equals, float64(n))
	}
}
