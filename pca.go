// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/james-bowman/nlp"
)

// featurePCA projects a feature table onto its top principal
// components, for checking covariate structure before training.
type featurePCA struct{}

func (cmd *featurePCA) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	featureFilename := flags.String("feature", "", "feature table `file`")
	outputPrefix := flags.String("o", "", "output `prefix`: writes {prefix}.npy and {prefix}.rows.tsv")
	components := flags.Int("components", 4, "number of components")
	scalerMode := flags.String("scaler", "robust", "feature scaling before PCA: robust, standard or none")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *featureFilename == "" || *outputPrefix == "" {
		err = errors.New("-feature and -o are required")
		return 2
	}
	logger := newLogger(stderr)

	ft, err := readFeatures(*featureFilename, logger)
	if err != nil {
		return 1
	}
	rows, cols := ft.X.Dims()
	if *components < 1 || *components > cols || *components > rows {
		err = fmt.Errorf("cannot compute %d components from %d bins with %d features", *components, rows, cols)
		return 1
	}
	scaler, err := FitScaler(ft.X, *scalerMode)
	if err != nil {
		return 1
	}
	x, err := scaler.Transform(ft.X)
	if err != nil {
		return 1
	}

	logger.Print("fitting")
	transformer := nlp.NewPCA(*components)
	transformer.Fit(x.T())
	logger.Printf("transforming")
	mtx, err := transformer.Transform(x.T())
	if err != nil {
		return 1
	}
	mtx = mtx.T()

	rows, cols = mtx.Dims()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = mtx.At(i, j)
		}
	}
	if err = writeNumpyFloat64(*outputPrefix+".npy", out, rows, cols, logger); err != nil {
		return 1
	}
	err = writeAtomic(*outputPrefix+".rows.tsv", func(w io.Writer) error {
		wtr := tsvWriter(w)
		if err := wtr.Write([]string{"index", "binID"}); err != nil {
			return err
		}
		for i, id := range ft.BinIDs {
			if err := wtr.Write([]string{fmt.Sprint(i), id}); err != nil {
				return err
			}
		}
		wtr.Flush()
		return wtr.Error()
	})
	if err != nil {
		return 1
	}
	fmt.Fprintln(stdout, *outputPrefix+".npy")
	return 0
}
