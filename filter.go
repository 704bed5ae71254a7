// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"flag"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type binFilter struct {
	MinLength int
	MinRecur  int
}

func (f *binFilter) Flags(flags *flag.FlagSet) {
	flags.IntVar(&f.MinLength, "min-length", 0, "drop bins shorter than `N` bp (500 reproduces older releases)")
	flags.IntVar(&f.MinRecur, "min-recur", 0, "drop bins mutated in fewer than `N` samples (2 reproduces older releases)")
}

// keep reports whether a bin passes the filter.
func (f *binFilter) keep(r *Response) bool {
	return r.Length >= f.MinLength && r.NSample >= f.MinRecur
}

// Apply returns the rows of ft and resp that pass the filter. ft and
// resp must be aligned.
func (f *binFilter) Apply(ft *FeatureTable, resp []Response, logger logrus.FieldLogger) (*FeatureTable, []Response) {
	if f.MinLength <= 0 && f.MinRecur <= 0 {
		return ft, resp
	}
	var rows []int
	for i := range resp {
		if f.keep(&resp[i]) {
			rows = append(rows, i)
		}
	}
	if len(rows) == len(resp) {
		return ft, resp
	}
	logger.WithFields(logrus.Fields{
		"min-length": f.MinLength,
		"min-recur":  f.MinRecur,
	}).Infof("filter kept %d of %d bins", len(rows), len(resp))
	_, c := ft.X.Dims()
	out := &FeatureTable{Names: ft.Names, BinIDs: make([]string, len(rows))}
	kept := make([]Response, len(rows))
	var data []float64
	for k, i := range rows {
		out.BinIDs[k] = ft.BinIDs[i]
		kept[k] = resp[i]
		data = append(data, ft.X.RawRowView(i)...)
	}
	if len(rows) > 0 {
		out.X = mat.NewDense(len(rows), c, data)
	}
	return out, kept
}
