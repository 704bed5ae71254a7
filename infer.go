// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

type inferrer struct {
	filter binFilter
}

func (cmd *inferrer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprofAddr := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	pprofDir := flags.String("pprof-dir", "", "write Go profiles to `dir` periodically")
	modelFilename := flags.String("model", "", "trained model `file` (*.model.gob)")
	featureFilename := flags.String("feature", "", "feature table `file` (TSV, optionally gzipped)")
	responseFilename := flags.String("response", "", "response table `file` (TSV, optionally gzipped)")
	testMethod := flags.String("test-method", testAuto, "burden test: auto, binomial or negative_binomial")
	scale := flags.Float64("scale", 1, "scaling factor for theta in the negative binomial test")
	responseMode := flags.String("response-mode", responseGmean, "observed count: gmean (sqrt(nMut*nSample)), raw (nMut) or mean")
	scoreFilename := flags.String("func-score", "", "bin-level functional score `file`")
	scoreCutoffs := flags.String("func-cutoff", "", "functional score cutoffs, e.g. \"CADD:0.01;EIGEN:85%\"")
	legacyMethod := flags.String("func-adj", "", "per-variant functional adjustment: cadd or eigen")
	legacyDir := flags.String("func-dir", "", "`directory` containing cadd/ and eigen/ score databases")
	mutationFilename := flags.String("mutations", "", "mutation table `file`, required by -func-adj")
	coding := flags.Bool("coding", false, "bins are coding elements (Eigen coding scores)")
	aggregation := flags.String("func-agg", "mean", "per-bin score aggregation for -func-adj: mean, maxpool or meanpool")
	legacyPercentile := flags.Float64("func-percentile", 85, "functional score percentile used as threshold by -func-adj")
	projectName := flags.String("project", "DriverPower", "project `name`, used as the output file prefix")
	outputDir := flags.String("output-dir", "./output", "output `directory`")
	cmd.filter.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
		return 2
	}

	logger := newLogger(stderr)
	startProfiling(*pprofAddr, *pprofDir, logger)

	if *modelFilename == "" || *featureFilename == "" || *responseFilename == "" {
		err = errors.New("-model, -feature and -response are required")
		return 2
	}
	if _, err = testCount(*responseMode, 0, 0); err != nil {
		return 1
	}
	var cutoffs []scoreCutoff
	if *scoreFilename != "" {
		if *legacyMethod != "" {
			err = errors.New("-func-score and -func-adj cannot be used together")
			return 1
		}
		if cutoffs, err = parseScoreCutoffs(*scoreCutoffs); err != nil {
			return 1
		}
	}
	if *legacyMethod != "" {
		if *legacyMethod != "cadd" && *legacyMethod != "eigen" {
			err = fmt.Errorf("unknown functional score method %q (use cadd or eigen)", *legacyMethod)
			return 1
		}
		if *mutationFilename == "" {
			err = errors.New("-func-adj requires -mutations")
			return 1
		}
		if _, err = aggregateBinScores(nil, nil, *aggregation); err != nil {
			return 1
		}
		if err = checkPercentile(*legacyPercentile); err != nil {
			return 1
		}
	}

	art, err := readArtifact(*modelFilename)
	if err != nil {
		return 1
	}
	tester := &BurdenTester{
		Method:         *testMethod,
		PvalDispersion: art.Info.PvalDispersion,
		Theta:          art.Info.Theta,
		Scale:          *scale,
		Logger:         logger,
	}
	if _, err = tester.resolve(); err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"model":   art.Info.ModelName,
		"project": art.Info.ProjectName,
		"created": art.Info.Created,
	}).Info("loaded model")

	rt, err := predictBins(art, *featureFilename, *responseFilename, cmd.filter, logger)
	if err != nil {
		return 1
	}
	if err = rawTest(rt, tester, *responseMode); err != nil {
		return 1
	}

	if cutoffs != nil {
		var st *ScoreTable
		names := make([]string, len(cutoffs))
		for i, sc := range cutoffs {
			names[i] = sc.Name
		}
		if st, err = readScores(*scoreFilename, names); err != nil {
			return 1
		}
		fa := &FunctionalAdjuster{Cutoffs: cutoffs, Tester: tester, ResponseMode: *responseMode, Logger: logger}
		if err = fa.Adjust(rt, st); err != nil {
			return 1
		}
	}
	if *legacyMethod != "" {
		if err = legacyAdjust(rt, *legacyMethod, *legacyDir, *coding, *mutationFilename, *aggregation, *legacyPercentile, *responseMode, logger); err != nil {
			return 1
		}
	}

	if err = os.MkdirAll(*outputDir, 0777); err != nil {
		return 1
	}
	fnm := filepath.Join(*outputDir, *projectName+".result.tsv")
	if err = writeAtomic(fnm, rt.Write); err != nil {
		return 1
	}
	logger.Infof("wrote results to %s", fnm)
	fmt.Fprintln(stdout, fnm)
	return 0
}

// predictBins loads inference data, applies the model's preprocessing
// and returns a result table with background predictions.
func predictBins(art *ModelArtifact, featureFile, responseFile string, filter binFilter, logger logrus.FieldLogger) (*ResultTable, error) {
	ft, err := readFeatures(featureFile, logger)
	if err != nil {
		return nil, err
	}
	if ft, err = ft.MatchColumns(art.Info.FeatureNames); err != nil {
		return nil, err
	}
	resp, err := readResponse(responseFile)
	if err != nil {
		return nil, err
	}
	ft, resp, err = joinBins(ft, resp, logger)
	if err != nil {
		return nil, err
	}
	ft, resp = filter.Apply(ft, resp, logger)
	if len(resp) == 0 {
		return nil, errors.New("no bins left after filtering")
	}
	if art.Scaler != nil {
		x, err := art.Scaler.Transform(ft.X)
		if err != nil {
			return nil, err
		}
		ft = &FeatureTable{BinIDs: ft.BinIDs, Names: ft.Names, X: x}
	}
	if ft, err = ft.Columns(art.Info.UseFeatures); err != nil {
		return nil, err
	}
	pred, err := art.Model.Predict(ft.X, resp)
	if err != nil {
		return nil, err
	}
	return &ResultTable{Bins: resp, NPred: pred}, nil
}

// rawTest fills in raw p- and q-values.
func rawTest(rt *ResultTable, tester *BurdenTester, responseMode string) error {
	count := make([]float64, len(rt.Bins))
	exposure := make([]float64, len(rt.Bins))
	for i := range rt.Bins {
		b := &rt.Bins[i]
		x, err := testCount(responseMode, float64(b.NMut), float64(b.NSample))
		if err != nil {
			return err
		}
		count[i] = x
		exposure[i] = b.exposure()
	}
	p, err := tester.Test(count, rt.NPred, exposure)
	if err != nil {
		return err
	}
	rt.RawP = p
	rt.RawQ = BHFDR(p)
	return nil
}

func legacyAdjust(rt *ResultTable, method, dir string, coding bool, mutationFile, aggregation string, pct float64, responseMode string, logger logrus.FieldLogger) error {
	muts, err := readMutations(mutationFile)
	if err != nil {
		return err
	}
	scorer, err := openScorer(method, dir, coding, logger)
	if err != nil {
		return err
	}
	defer scorer.Close()
	kept, scores, err := scoreMutations(scorer, muts, logger)
	if err != nil {
		return err
	}
	fscore, err := aggregateBinScores(kept, scores, aggregation)
	if err != nil {
		return err
	}
	pa := &PercentileAdjuster{Percentile: pct, ResponseMode: responseMode, Logger: logger}
	return pa.Adjust(rt, fscore)
}
