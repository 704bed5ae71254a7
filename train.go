// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

type trainer struct {
	filter   binFilter
	selector FeatureSelector
	gbm      gbmParamFlags
}

func (cmd *trainer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	featureFilename := flags.String("feature", "", "feature table `file` (TSV, optionally gzipped)")
	responseFilename := flags.String("response", "", "response table `file` (TSV, optionally gzipped)")
	importanceFilename := flags.String("feature-importance", "", "reuse feature importance from `file` instead of running feature selection")
	method := flags.String("method", "GLM", "background model: GLM or GBM")
	scalerMode := flags.String("scaler", "robust", "feature scaling for GLM: robust, standard or none")
	kfold := flags.Int("kfold", 3, "number of cross-validation folds for GBM")
	trainResponse := flags.String("train-response", responseRaw, "training response: raw (nMut) or gmean (recurrence adjusted)")
	resamples := flags.Int("dispersion-resamples", 100, "number of resamples in the dispersion test")
	projectName := flags.String("project", "DriverPower", "project `name`, used as the output file prefix")
	outputDir := flags.String("output-dir", "./output", "output `directory`")
	threads := flags.Int("threads", runtime.NumCPU(), "maximum concurrent workers")
	cmd.filter.Flags(flags)
	cmd.selector.Flags(flags)
	cmd.gbm.Flags(flags)
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

	if *featureFilename == "" || *responseFilename == "" {
		err = errors.New("-feature and -response are required")
		return 2
	}
	spec, err := lookupModel(*method)
	if err != nil {
		return 1
	}
	if *trainResponse != responseRaw && *trainResponse != responseGmean {
		err = fmt.Errorf("unknown training response %q (use raw or gmean)", *trainResponse)
		return 1
	}
	params, err := cmd.gbm.load()
	if err != nil {
		return 1
	}
	cmd.selector.Workers = *threads
	cmd.selector.Logger = logger

	t := &training{
		logger:         logger,
		spec:           spec,
		filter:         cmd.filter,
		selector:       &cmd.selector,
		importanceFile: *importanceFilename,
		scalerMode:     *scalerMode,
		trainResponse:  *trainResponse,
		resamples:      *resamples,
		info: ModelInfo{
			ModelName:    *method,
			KFold:        *kfold,
			Params:       params,
			ProjectName:  *projectName,
			ModelDir:     *outputDir,
			ResponseMode: *trainResponse,
		},
		threads: *threads,
	}
	if err = os.MkdirAll(*outputDir, 0777); err != nil {
		return 1
	}
	art, err := t.run(context.Background(), *featureFilename, *responseFilename)
	if err != nil {
		return 1
	}
	fnm := artifactPath(*outputDir, *projectName, *method)
	if err = writeArtifact(fnm, art); err != nil {
		return 1
	}
	logger.Infof("wrote model to %s", fnm)
	fmt.Fprintln(stdout, fnm)
	return 0
}

// training holds the state of one model training run.
type training struct {
	logger         *logrus.Logger
	spec           modelSpec
	filter         binFilter
	selector       *FeatureSelector
	importanceFile string
	scalerMode     string
	trainResponse  string
	resamples      int
	info           ModelInfo
	threads        int
}

func (t *training) run(ctx context.Context, featureFile, responseFile string) (*ModelArtifact, error) {
	ft, err := readFeatures(featureFile, t.logger)
	if err != nil {
		return nil, err
	}
	resp, err := readResponse(responseFile)
	if err != nil {
		return nil, err
	}
	ft, resp, err = joinBins(ft, resp, t.logger)
	if err != nil {
		return nil, err
	}
	ft, resp = t.filter.Apply(ft, resp, t.logger)
	if len(resp) == 0 {
		return nil, errors.New("no bins left after filtering")
	}
	t.info.FeatureNames = ft.Names
	t.logger.Infof("training %s on %d bins with %d features", t.info.ModelName, len(resp), len(ft.Names))

	if t.trainResponse == responseGmean {
		resp = recurrenceAdjusted(resp)
	}

	art := &ModelArtifact{}
	t.info.ScalerMode = "none"
	if t.spec.scale {
		scaler, err := FitScaler(ft.X, t.scalerMode)
		if err != nil {
			return nil, err
		}
		x, err := scaler.Transform(ft.X)
		if err != nil {
			return nil, err
		}
		ft = &FeatureTable{BinIDs: ft.BinIDs, Names: ft.Names, X: x}
		art.Scaler = scaler
		t.info.ScalerMode = t.scalerMode
	}

	use, err := t.selectFeatures(ctx, ft, resp)
	if err != nil {
		return nil, err
	}
	if ft, err = ft.Columns(use); err != nil {
		return nil, err
	}
	t.info.UseFeatures = use

	model := t.spec.new(modelOptions{
		Features:  use,
		KFold:     t.info.KFold,
		GBMParams: t.info.Params,
		Workers:   t.threads,
		Logger:    t.logger,
	})
	fitted, err := model.Fit(ctx, ft.X, resp)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", model.Name(), err)
	}
	if gm, ok := model.(*gbmModel); ok {
		if err := writeImportance(t.importancePath(), use, gm.Importance); err != nil {
			return nil, err
		}
	}

	observed := make([]float64, len(resp))
	for i := range resp {
		observed[i] = float64(resp[i].NMut)
	}
	t.info.PvalDispersion, t.info.Theta, err = DispersionTest(observed, fitted, t.resamples, t.threads, t.logger)
	if err != nil {
		return nil, err
	}
	t.info.Created = time.Now()
	art.Info = t.info
	art.Model = model
	return art, nil
}

func (t *training) importancePath() string {
	return filepath.Join(t.info.ModelDir, t.info.ProjectName+".feature_importance.tsv")
}

// selectFeatures returns the features to fit on: those listed in a
// saved importance table for any model, otherwise the lasso selection
// for models that use it, otherwise all features.
func (t *training) selectFeatures(ctx context.Context, ft *FeatureTable, resp []Response) ([]string, error) {
	if t.importanceFile != "" {
		use, err := readImportance(t.importanceFile, t.selector.cutoff())
		if err != nil {
			return nil, err
		}
		t.logger.Infof("using %d of %d features from %s", len(use), len(ft.Names), t.importanceFile)
		return use, nil
	}
	if !t.spec.lassoSelect {
		return ft.Names, nil
	}
	fi, err := t.selector.Select(ctx, ft.X, resp, ft.Names)
	if err != nil {
		return nil, err
	}
	if err := writeImportance(t.importancePath(), fi.Names, fi.Scores); err != nil {
		return nil, err
	}
	return fi.Selected, nil
}

// recurrenceAdjusted replaces nMut with floor(sqrt(nMut*nSample)),
// keeping length*N trials.
func recurrenceAdjusted(resp []Response) []Response {
	y := make([][2]int, len(resp))
	recur := make([]int, len(resp))
	for i, r := range resp {
		y[i] = [2]int{r.NMut, int(r.trials()) - r.NMut}
		recur[i] = r.NSample
	}
	y = gmeanResponse(y, recur)
	out := append([]Response(nil), resp...)
	for i := range out {
		out[i].NMut = y[i][0]
	}
	return out
}
