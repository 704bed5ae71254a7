// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gbm

import (
	"sort"
)

// Node is a tree node. Leaves have Feature < 0.
type Node struct {
	Feature   int
	Threshold float64 // rows with value <= Threshold go left
	Left      int
	Right     int
	Value     float64 // leaf output, already scaled by eta
	Gain      float64
}

// Tree is a regression tree stored as a flat node list; node 0 is the
// root.
type Tree struct {
	Nodes []Node
}

func (t *Tree) predict(row []float64) float64 {
	i := 0
	for {
		nd := &t.Nodes[i]
		if nd.Feature < 0 {
			return nd.Value
		}
		if row[nd.Feature] <= nd.Threshold {
			i = nd.Left
		} else {
			i = nd.Right
		}
	}
}

// binner maps feature values to histogram bins. Bin b holds values v
// with cuts[b-1] < v <= cuts[b].
type binner struct {
	cuts [][]float64
}

func newBinner(cols [][]float64, maxBins int) *binner {
	b := &binner{cuts: make([][]float64, len(cols))}
	for j, col := range cols {
		sorted := append([]float64(nil), col...)
		sort.Float64s(sorted)
		uniq := sorted[:0:0]
		for i, v := range sorted {
			if i == 0 || v != sorted[i-1] {
				uniq = append(uniq, v)
			}
		}
		var cuts []float64
		if len(uniq) <= maxBins {
			for i := 1; i < len(uniq); i++ {
				cuts = append(cuts, (uniq[i-1]+uniq[i])/2)
			}
		} else {
			for k := 1; k < maxBins; k++ {
				v := sorted[k*(len(sorted)-1)/maxBins]
				if len(cuts) == 0 || v > cuts[len(cuts)-1] {
					cuts = append(cuts, v)
				}
			}
		}
		b.cuts[j] = cuts
	}
	return b
}

func (b *binner) bin(j int, v float64) uint16 {
	cuts := b.cuts[j]
	return uint16(sort.Search(len(cuts), func(i int) bool { return v <= cuts[i] }))
}

// nbins returns the number of bins for feature j.
func (b *binner) nbins(j int) int {
	return len(b.cuts[j]) + 1
}

// growth holds per-round state for building one tree.
type growth struct {
	params Params
	bins   [][]uint16 // [feature][row]
	binner *binner
	grad   []float64
	hess   []float64
	tree   *Tree
}

type split struct {
	feature int
	bin     int
	gain    float64
}

func (g *growth) leafWeight(sg, sh float64) float64 {
	w := -sg / (sh + g.params.Lambda)
	if mds := g.params.MaxDeltaStep; mds > 0 {
		if w > mds {
			w = mds
		} else if w < -mds {
			w = -mds
		}
	}
	return w * g.params.Eta
}

func (g *growth) score(sg, sh float64) float64 {
	return sg * sg / (sh + g.params.Lambda)
}

// grow builds the subtree for rows at the given depth and returns its
// node index.
func (g *growth) grow(rows []int, depth int) int {
	var sg, sh float64
	for _, i := range rows {
		sg += g.grad[i]
		sh += g.hess[i]
	}
	idx := len(g.tree.Nodes)
	g.tree.Nodes = append(g.tree.Nodes, Node{Feature: -1, Value: g.leafWeight(sg, sh)})
	if depth >= g.params.MaxDepth || len(rows) < 2 {
		return idx
	}
	best := g.findSplit(rows, sg, sh)
	if best.feature < 0 {
		return idx
	}
	var left, right []int
	col := g.bins[best.feature]
	for _, i := range rows {
		if int(col[i]) <= best.bin {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	l := g.grow(left, depth+1)
	r := g.grow(right, depth+1)
	g.tree.Nodes[idx] = Node{
		Feature:   best.feature,
		Threshold: g.binner.cuts[best.feature][best.bin],
		Left:      l,
		Right:     r,
		Gain:      best.gain,
	}
	return idx
}

func (g *growth) findSplit(rows []int, sg, sh float64) split {
	best := split{feature: -1, gain: minSplitGain}
	parent := g.score(sg, sh)
	for j, col := range g.bins {
		nb := g.binner.nbins(j)
		if nb < 2 {
			continue
		}
		hg := make([]float64, nb)
		hh := make([]float64, nb)
		for _, i := range rows {
			hg[col[i]] += g.grad[i]
			hh[col[i]] += g.hess[i]
		}
		var lg, lh float64
		for b := 0; b < nb-1; b++ {
			lg += hg[b]
			lh += hh[b]
			rg, rh := sg-lg, sh-lh
			if lh < g.params.MinChildWeight || rh < g.params.MinChildWeight {
				continue
			}
			gain := g.score(lg, lh) + g.score(rg, rh) - parent
			if gain > best.gain {
				best = split{feature: j, bin: b, gain: gain}
			}
		}
	}
	return best
}

const minSplitGain = 1e-6
