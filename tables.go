// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/klauspost/pgzip"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

func init() {
	// Fixed-schema tables must carry every column.
	gocsv.FailIfUnmatchedStructTags = true
}

// Response is one row of the response table: observed mutations in a
// bin and the cohort size.
type Response struct {
	BinID   string `csv:"binID"`
	Length  int    `csv:"length"`
	NMut    int    `csv:"nMut"`
	NSample int    `csv:"nSample"`
	N       int    `csv:"N"`
}

// trials returns length*N, the number of (position, donor) pairs.
func (r *Response) trials() float64 {
	return float64(r.Length) * float64(r.N)
}

// exposure is the number of binomial trials used by the burden test.
func (r *Response) exposure() float64 {
	return r.trials() + 1
}

func (r *Response) check() error {
	switch {
	case r.NMut < 0:
		return fmt.Errorf("bin %s: nMut %d < 0", r.BinID, r.NMut)
	case r.NSample > r.NMut:
		return fmt.Errorf("bin %s: nSample %d > nMut %d", r.BinID, r.NSample, r.NMut)
	case r.NSample < 0:
		return fmt.Errorf("bin %s: nSample %d < 0", r.BinID, r.NSample)
	case r.Length < 0:
		return fmt.Errorf("bin %s: length %d < 0", r.BinID, r.Length)
	case r.N <= 0:
		return fmt.Errorf("bin %s: N %d <= 0", r.BinID, r.N)
	}
	return nil
}

// FeatureTable is a numeric covariate matrix with one row per bin.
type FeatureTable struct {
	BinIDs []string
	Names  []string
	X      *mat.Dense
}

// Columns returns a table with the named columns in the given order.
func (ft *FeatureTable) Columns(names []string) (*FeatureTable, error) {
	idx := make(map[string]int, len(ft.Names))
	for j, name := range ft.Names {
		idx[name] = j
	}
	var missing []string
	cols := make([]int, len(names))
	for k, name := range names {
		j, ok := idx[name]
		if !ok {
			missing = append(missing, name)
		}
		cols[k] = j
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("feature table is missing columns: %s", strings.Join(missing, ", "))
	}
	r := len(ft.BinIDs)
	x := mat.NewDense(r, len(names), nil)
	for i := 0; i < r; i++ {
		row := x.RawRowView(i)
		for k, j := range cols {
			row[k] = ft.X.At(i, j)
		}
	}
	return &FeatureTable{BinIDs: ft.BinIDs, Names: append([]string(nil), names...), X: x}, nil
}

// MatchColumns returns the table reordered to exactly the given names,
// or an error if the column sets differ.
func (ft *FeatureTable) MatchColumns(names []string) (*FeatureTable, error) {
	want := make(map[string]bool, len(names))
	for _, name := range names {
		want[name] = true
	}
	var extra []string
	for _, name := range ft.Names {
		if !want[name] {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		return nil, fmt.Errorf("feature table has columns not seen in training: %s", strings.Join(extra, ", "))
	}
	return ft.Columns(names)
}

// joinBins aligns a feature table with responses, ordered by binID.
// Every response bin must have a feature row; feature rows without a
// response are dropped and counted in the log.
func joinBins(ft *FeatureTable, resp []Response, logger logrus.FieldLogger) (*FeatureTable, []Response, error) {
	rowOf := make(map[string]int, len(ft.BinIDs))
	for i, id := range ft.BinIDs {
		rowOf[id] = i
	}
	sorted := append([]Response(nil), resp...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BinID < sorted[j].BinID })
	var missing []string
	for _, r := range sorted {
		if _, ok := rowOf[r.BinID]; !ok {
			missing = append(missing, r.BinID)
		}
	}
	if n := len(missing); n > 0 {
		if n > 5 {
			missing = append(missing[:5], "...")
		}
		return nil, nil, fmt.Errorf("%d bins in response table have no features (%s)", n, strings.Join(missing, ", "))
	}
	if len(sorted) == 0 {
		return nil, nil, errors.New("no bins in response table")
	}
	if extra := len(ft.BinIDs) - len(sorted); extra > 0 {
		logger.Warnf("ignoring %d feature rows without a response", extra)
	}
	_, c := ft.X.Dims()
	x := mat.NewDense(len(sorted), c, nil)
	ids := make([]string, len(sorted))
	for i, r := range sorted {
		x.SetRow(i, ft.X.RawRowView(rowOf[r.BinID]))
		ids[i] = r.BinID
	}
	return &FeatureTable{BinIDs: ids, Names: ft.Names, X: x}, sorted, nil
}

// zopen opens a file, transparently decompressing it if the name ends
// in .gz.
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := os.Open(fnm)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, err
	}
	return gzipr{rdr, f}, nil
}

// gzipr wraps a ReadCloser and a Closer, presenting a single Close()
// method that closes both wrapped objects.
type gzipr struct {
	io.ReadCloser
	io.Closer
}

func (gr gzipr) Close() error {
	e1 := gr.ReadCloser.Close()
	e2 := gr.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

func tsvReader(r io.Reader) *csv.Reader {
	rdr := csv.NewReader(r)
	rdr.Comma = '\t'
	rdr.LazyQuotes = true
	return rdr
}

func tsvWriter(w io.Writer) *csv.Writer {
	wtr := csv.NewWriter(w)
	wtr.Comma = '\t'
	return wtr
}

// readTable decodes a fixed-schema TSV file into out, a pointer to a
// slice of structs tagged with column names.
func readTable(fnm string, out interface{}) error {
	f, err := zopen(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := gocsv.UnmarshalCSV(tsvReader(f), out); err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	return nil
}

func readResponse(fnm string) ([]Response, error) {
	var resp []Response
	if err := readTable(fnm, &resp); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(resp))
	for i := range resp {
		r := &resp[i]
		if seen[r.BinID] {
			return nil, fmt.Errorf("%s: binID %q in response table is not unique", fnm, r.BinID)
		}
		seen[r.BinID] = true
		if err := r.check(); err != nil {
			return nil, fmt.Errorf("%s: %w", fnm, err)
		}
	}
	return resp, nil
}

// readFeatures reads a TSV with a binID column and numeric feature
// columns. NaN and empty values are replaced with 0.
func readFeatures(fnm string, logger logrus.FieldLogger) (*FeatureTable, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rdr := tsvReader(f)
	rdr.ReuseRecord = true
	header, err := rdr.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: reading header: %w", fnm, err)
	}
	key := -1
	var names []string
	var cols []int
	for j, h := range header {
		if h == "binID" {
			key = j
		} else {
			names = append(names, h)
			cols = append(cols, j)
		}
	}
	if key < 0 {
		return nil, fmt.Errorf("%s: no binID column", fnm)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: no feature columns", fnm)
	}
	ft := &FeatureTable{Names: names}
	seen := map[string]bool{}
	nanCols := map[string]bool{}
	var data []float64
	for line := 2; ; line++ {
		rec, err := rdr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%s: %w", fnm, err)
		}
		id := rec[key]
		if seen[id] {
			return nil, fmt.Errorf("%s: binID %q in feature table is not unique", fnm, id)
		}
		seen[id] = true
		ft.BinIDs = append(ft.BinIDs, id)
		for k, j := range cols {
			v, err := parseValue(rec[j])
			if err != nil {
				return nil, fmt.Errorf("%s line %d column %s: %w", fnm, line, names[k], err)
			}
			if math.IsNaN(v) {
				nanCols[names[k]] = true
				v = 0
			}
			data = append(data, v)
		}
	}
	if len(ft.BinIDs) == 0 {
		return nil, fmt.Errorf("%s: no rows", fnm)
	}
	if len(nanCols) > 0 {
		var list []string
		for name := range nanCols {
			list = append(list, name)
		}
		sort.Strings(list)
		logger.WithField("features", strings.Join(list, ", ")).Warn("NA values found in features, filled with 0")
	}
	ft.X = mat.NewDense(len(ft.BinIDs), len(names), data)
	logger.Infof("loaded %d features for %d bins from %s", len(names), len(ft.BinIDs), fnm)
	return ft, nil
}

// parseValue parses a numeric cell. Empty and NA cells are NaN.
func parseValue(s string) (float64, error) {
	switch s {
	case "", "NA", "NaN", "nan", "na":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

type importanceRow struct {
	Name       string  `csv:"name"`
	Importance float64 `csv:"importance"`
}

// readImportance returns the features whose importance is at least
// cutoff, in file order.
func readImportance(fnm string, cutoff float64) ([]string, error) {
	var rows []importanceRow
	if err := readTable(fnm, &rows); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var keep []string
	for _, row := range rows {
		if seen[row.Name] {
			return nil, fmt.Errorf("%s: feature name %q in feature importance table is not unique", fnm, row.Name)
		}
		seen[row.Name] = true
		if row.Importance >= cutoff {
			keep = append(keep, row.Name)
		}
	}
	if len(keep) == 0 {
		return nil, fmt.Errorf("%s: no feature has importance >= %g", fnm, cutoff)
	}
	return keep, nil
}

func writeImportance(fnm string, names []string, scores []float64) error {
	rows := make([]importanceRow, len(names))
	for i, name := range names {
		rows[i] = importanceRow{Name: name, Importance: scores[i]}
	}
	return writeAtomic(fnm, func(w io.Writer) error {
		wtr := tsvWriter(w)
		if err := gocsv.MarshalCSV(&rows, gocsv.NewSafeCSVWriter(wtr)); err != nil {
			return err
		}
		wtr.Flush()
		return wtr.Error()
	})
}

// ScoreTable holds bin-level functional scores, one column per score.
type ScoreTable struct {
	Names  []string
	values map[string]map[string]float64 // name -> binID -> score
}

// Column returns the named score for each bin, NaN where missing.
func (st *ScoreTable) Column(name string, binIDs []string) []float64 {
	out := make([]float64, len(binIDs))
	col := st.values[name]
	for i, id := range binIDs {
		v, ok := col[id]
		if !ok {
			v = math.NaN()
		}
		out[i] = v
	}
	return out
}

// readScores reads the named columns of a functional score table.
func readScores(fnm string, names []string) (*ScoreTable, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rdr := tsvReader(f)
	header, err := rdr.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: reading header: %w", fnm, err)
	}
	colOf := map[string]int{}
	for j, h := range header {
		colOf[h] = j
	}
	key, ok := colOf["binID"]
	if !ok {
		return nil, fmt.Errorf("%s: no binID column", fnm)
	}
	st := &ScoreTable{Names: names, values: map[string]map[string]float64{}}
	for _, name := range names {
		if _, ok := colOf[name]; !ok {
			return nil, fmt.Errorf("%s: functional score %q not found", fnm, name)
		}
		st.values[name] = map[string]float64{}
	}
	seen := map[string]bool{}
	for line := 2; ; line++ {
		rec, err := rdr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%s: %w", fnm, err)
		}
		id := rec[key]
		if seen[id] {
			return nil, fmt.Errorf("%s: binID %q in functional score table is not unique", fnm, id)
		}
		seen[id] = true
		for _, name := range names {
			v, err := parseValue(rec[colOf[name]])
			if err != nil {
				return nil, fmt.Errorf("%s line %d column %s: %w", fnm, line, name, err)
			}
			st.values[name][id] = v
		}
	}
	return st, nil
}

// writeAtomic writes to a temporary file next to fnm and renames it
// into place, so a failed write never leaves a partial file.
func writeAtomic(fnm string, write func(io.Writer) error) error {
	tmp := fnm + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	bufw := bufio.NewWriter(f)
	err = write(bufw)
	if err == nil {
		err = bufw.Flush()
	}
	if e := f.Close(); err == nil {
		err = e
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, fnm)
}
