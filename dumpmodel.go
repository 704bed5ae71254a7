// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
)

type dumpModel struct{}

// modelSummary is the printed form of a model artifact.
type modelSummary struct {
	ModelInfo
	Coefficients map[string]float64 `json:",omitempty"`
	Importance   map[string]float64 `json:",omitempty"`
	Folds        []int              `json:",omitempty"` // trees per fold
}

func (cmd *dumpModel) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "", "input `file` (*.model.gob)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *inputFilename == "" {
		err = errors.New("-i is required")
		return 2
	}

	art, err := readArtifact(*inputFilename)
	if err != nil {
		return 1
	}
	summary := modelSummary{ModelInfo: art.Info}
	switch m := art.Model.(type) {
	case *glmModel:
		if len(m.Coef) != len(m.Features)+1 {
			err = fmt.Errorf("%s: GLM has %d coefficients for %d features", *inputFilename, len(m.Coef), len(m.Features))
			return 1
		}
		summary.Coefficients = map[string]float64{}
		for j, name := range m.Features {
			summary.Coefficients[name] = m.Coef[j]
		}
		summary.Coefficients["intercept"] = m.Coef[len(m.Coef)-1]
	case *gbmModel:
		summary.Importance = map[string]float64{}
		for j, name := range art.Info.UseFeatures {
			if j < len(m.Importance) {
				summary.Importance[name] = m.Importance[j]
			}
		}
		for _, bst := range m.Folds {
			summary.Folds = append(summary.Folds, len(bst.Trees))
		}
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	err = enc.Encode(summary)
	if err != nil {
		return 1
	}
	return 0
}
