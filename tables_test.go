// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"compress/gzip"
	"math"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"gopkg.in/check.v1"
)

type tablesSuite struct{}

var _ = check.Suite(&tablesSuite{})

func writeFile(c *check.C, fnm, content string) string {
	c.Assert(os.WriteFile(fnm, []byte(content), 0666), check.IsNil)
	return fnm
}

func (s *tablesSuite) TestResponse(c *check.C) {
	dir := c.MkDir()
	resp, err := readResponse(writeFile(c, filepath.Join(dir, "y.tsv"),
		"binID\tlength\tnMut\tnSample\tN\nb2\t100\t3\t2\t10\nb1\t200\t0\t0\t10\n"))
	c.Assert(err, check.IsNil)
	c.Check(resp, check.DeepEquals, []Response{
		{BinID: "b2", Length: 100, NMut: 3, NSample: 2, N: 10},
		{BinID: "b1", Length: 200, NMut: 0, NSample: 0, N: 10},
	})
	c.Check(resp[0].exposure(), check.Equals, 1001.0)

	_, err = readResponse(writeFile(c, filepath.Join(dir, "dup.tsv"),
		"binID\tlength\tnMut\tnSample\tN\nb1\t100\t3\t2\t10\nb1\t200\t0\t0\t10\n"))
	c.Check(err, check.ErrorMatches, `.*binID "b1" in response table is not unique`)

	_, err = readResponse(writeFile(c, filepath.Join(dir, "bad.tsv"),
		"binID\tlength\tnMut\tnSample\tN\nb1\t100\t3\t4\t10\n"))
	c.Check(err, check.ErrorMatches, `.*bin b1: nSample 4 > nMut 3`)

	_, err = readResponse(writeFile(c, filepath.Join(dir, "cols.tsv"),
		"binID\tlength\tnMut\tN\nb1\t100\t3\t10\n"))
	c.Check(err, check.NotNil)
}

func (s *tablesSuite) TestFeatures(c *check.C) {
	dir := c.MkDir()
	fnm := filepath.Join(dir, "x.tsv.gz")
	f, err := os.Create(fnm)
	c.Assert(err, check.IsNil)
	gz := gzip.NewWriter(f)
	gz.Write([]byte("f1\tbinID\tf2\n1.5\tb1\tNA\n2\tb2\t3e2\n\tb3\t-1\n"))
	c.Assert(gz.Close(), check.IsNil)
	c.Assert(f.Close(), check.IsNil)

	ft, err := readFeatures(fnm, quietLogger())
	c.Assert(err, check.IsNil)
	c.Check(ft.BinIDs, check.DeepEquals, []string{"b1", "b2", "b3"})
	c.Check(ft.Names, check.DeepEquals, []string{"f1", "f2"})
	c.Check(ft.X.RawMatrix().Data, check.DeepEquals, []float64{1.5, 0, 2, 300, 0, -1})

	sub, err := ft.Columns([]string{"f2", "f1"})
	c.Assert(err, check.IsNil)
	c.Check(sub.X.RawRowView(1), check.DeepEquals, []float64{300, 2})
	_, err = ft.Columns([]string{"f3"})
	c.Check(err, check.ErrorMatches, `feature table is missing columns: f3`)
	_, err = ft.MatchColumns([]string{"f2"})
	c.Check(err, check.ErrorMatches, `feature table has columns not seen in training: f1`)

	_, err = readFeatures(writeFile(c, filepath.Join(dir, "nokey.tsv"), "f1\tf2\n1\t2\n"), quietLogger())
	c.Check(err, check.ErrorMatches, `.*no binID column`)
	_, err = readFeatures(writeFile(c, filepath.Join(dir, "text.tsv"), "binID\tf1\nb1\tabc\n"), quietLogger())
	c.Check(err, check.ErrorMatches, `.*line 2 column f1.*`)
}

func (s *tablesSuite) TestJoin(c *check.C) {
	dir := c.MkDir()
	ft, err := readFeatures(writeFile(c, filepath.Join(dir, "x.tsv"), "binID\tf\nb3\t3\nb1\t1\nb2\t2\n"), quietLogger())
	c.Assert(err, check.IsNil)
	resp := []Response{{BinID: "b2", N: 1}, {BinID: "b1", N: 1}}
	logger, hook := test.NewNullLogger()
	jft, jresp, err := joinBins(ft, resp, logger)
	c.Assert(err, check.IsNil)
	c.Assert(hook.LastEntry(), check.NotNil)
	c.Check(hook.LastEntry().Level, check.Equals, logrus.WarnLevel)
	c.Check(hook.LastEntry().Message, check.Equals, "ignoring 1 feature rows without a response")
	c.Check(jft.BinIDs, check.DeepEquals, []string{"b1", "b2"})
	c.Check(jresp[0].BinID, check.Equals, "b1")
	c.Check(jft.X.RawMatrix().Data, check.DeepEquals, []float64{1, 2})

	_, _, err = joinBins(ft, []Response{{BinID: "b9", N: 1}}, quietLogger())
	c.Check(err, check.ErrorMatches, `1 bins in response table have no features \(b9\)`)
}

func (s *tablesSuite) TestImportance(c *check.C) {
	fnm := filepath.Join(c.MkDir(), "imp.tsv")
	c.Assert(writeImportance(fnm, []string{"a", "b", "c"}, []float64{0.2, 0.5, 0.9}), check.IsNil)
	keep, err := readImportance(fnm, 0.5)
	c.Assert(err, check.IsNil)
	c.Check(keep, check.DeepEquals, []string{"b", "c"})
	_, err = readImportance(fnm, 0.95)
	c.Check(err, check.ErrorMatches, `.*no feature has importance >= 0.95`)
	_, err = os.Stat(fnm + ".tmp")
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *tablesSuite) TestScores(c *check.C) {
	fnm := writeFile(c, filepath.Join(c.MkDir(), "fs.tsv"), "binID\tCADD\tEIGEN\tother\nb1\t20\tNA\tx\nb2\t5\t1\ty\n")
	st, err := readScores(fnm, []string{"CADD", "EIGEN"})
	c.Assert(err, check.IsNil)
	c.Check(st.Column("CADD", []string{"b2", "b1", "b9"})[:2], check.DeepEquals, []float64{5, 20})
	c.Check(math.IsNaN(st.Column("CADD", []string{"b9"})[0]), check.Equals, true)
	c.Check(math.IsNaN(st.Column("EIGEN", []string{"b1"})[0]), check.Equals, true)

	_, err = readScores(fnm, []string{"DANN"})
	c.Check(err, check.ErrorMatches, `.*functional score "DANN" not found`)
}
