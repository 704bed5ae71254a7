// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/biogo/hts/bgzf"
	"github.com/biogo/hts/bgzf/index"
	"github.com/biogo/hts/tabix"
	"github.com/sirupsen/logrus"
)

// tabixFile looks up per-variant scores in a bgzip-compressed,
// tabix-indexed TSV with chrom and 1-based position in the first two
// columns.
type tabixFile struct {
	path     string
	f        *os.File
	rdr      *bgzf.Reader
	idx      *tabix.Index
	refCol   int
	altCol   int
	scoreCol int // negative values count from the end of the record
	logger   logrus.FieldLogger
	noCover  map[string]bool
}

func openTabix(path string, refCol, altCol, scoreCol int, logger logrus.FieldLogger) (*tabixFile, error) {
	idxf, err := os.Open(path + ".tbi")
	if err != nil {
		return nil, err
	}
	defer idxf.Close()
	bz, err := bgzf.NewReader(idxf, 1)
	if err != nil {
		return nil, fmt.Errorf("%s.tbi: %w", path, err)
	}
	idx, err := tabix.ReadFrom(bz)
	if err != nil {
		return nil, fmt.Errorf("%s.tbi: %w", path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rdr, err := bgzf.NewReader(f, 1)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &tabixFile{
		path:     path,
		f:        f,
		rdr:      rdr,
		idx:      idx,
		refCol:   refCol,
		altCol:   altCol,
		scoreCol: scoreCol,
		logger:   logger,
		noCover:  map[string]bool{},
	}, nil
}

func (tf *tabixFile) Close() error {
	e1 := tf.rdr.Close()
	e2 := tf.f.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

// lookup returns the score of the record at start < pos <= end with
// matching alleles, or NaN if there is none. checkRef makes a reference
// allele mismatch an error.
func (tf *tabixFile) lookup(chrom string, start, end int, ref, alt string, checkRef bool) (float64, error) {
	chrom = strings.TrimPrefix(chrom, "chr")
	chunks, err := tf.idx.Chunks(chrom, start, end)
	if err != nil {
		if !tf.noCover[chrom] {
			tf.noCover[chrom] = true
			tf.logger.WithField("file", filepath.Base(tf.path)).Warnf("no scores for chromosome %s: %s", chrom, err)
		}
		return math.NaN(), nil
	}
	cr, err := index.NewChunkReader(tf.rdr, chunks)
	if err != nil {
		return math.NaN(), fmt.Errorf("%s: %w", tf.path, err)
	}
	scanner := bufio.NewScanner(cr)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		pos, err := strconv.Atoi(fields[1])
		if err != nil || strings.TrimPrefix(fields[0], "chr") != chrom || pos <= start || pos > end {
			continue
		}
		col := tf.scoreCol
		if col < 0 {
			col += len(fields)
		}
		if col < 0 || col >= len(fields) || tf.refCol >= len(fields) || tf.altCol >= len(fields) {
			return math.NaN(), fmt.Errorf("%s: record at %s:%d has %d columns", tf.path, chrom, pos, len(fields))
		}
		if fields[tf.refCol] != ref {
			if checkRef {
				return math.NaN(), fmt.Errorf("%s: reference allele %s at %s:%d does not match mutation table (%s)", tf.path, fields[tf.refCol], chrom, pos, ref)
			}
			continue
		}
		if fields[tf.altCol] == alt {
			return strconv.ParseFloat(fields[col], 64)
		}
	}
	if err := scanner.Err(); err != nil {
		return math.NaN(), fmt.Errorf("%s: %w", tf.path, err)
	}
	return math.NaN(), nil
}

// VariantScorer returns the functional score of a single mutation.
// eligible is false for mutations the score does not cover; eligible
// mutations without a score get NaN.
type VariantScorer interface {
	Score(m *Mutation) (score float64, eligible bool, err error)
	Close() error
}

type caddScorer struct {
	snp, indel *tabixFile
}

func (cs *caddScorer) Score(m *Mutation) (float64, bool, error) {
	switch m.Type {
	case "SNP":
		v, err := cs.snp.lookup(m.Chrom, m.Start, m.End, m.Ref, m.Alt, true)
		return v, true, err
	case "DEL", "INS":
		v, err := cs.indel.lookup(m.Chrom, m.Start, m.End, m.Ref, m.Alt, false)
		return v, true, err
	}
	return 0, false, nil
}

func (cs *caddScorer) Close() error {
	e1 := cs.snp.Close()
	e2 := cs.indel.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

// eigenScorer covers SNPs on chromosomes 1-22.
type eigenScorer struct {
	files map[string]*tabixFile // chrom -> file; "" for a single file
}

func (es *eigenScorer) Score(m *Mutation) (float64, bool, error) {
	chrom := strings.TrimPrefix(m.Chrom, "chr")
	if n, err := strconv.Atoi(chrom); err != nil || n < 1 || n > 22 || m.Type != "SNP" {
		return 0, false, nil
	}
	tf := es.files[""]
	if tf == nil {
		tf = es.files[chrom]
	}
	v, err := tf.lookup(chrom, m.Start, m.End, m.Ref, m.Alt, true)
	return v, true, err
}

func (es *eigenScorer) Close() error {
	var err error
	for _, tf := range es.files {
		if e := tf.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// openScorer opens the score database for method ("cadd" or "eigen")
// under dir.
func openScorer(method, dir string, coding bool, logger logrus.FieldLogger) (VariantScorer, error) {
	switch method {
	case "cadd":
		base := filepath.Join(dir, "cadd", "v1.3")
		logger.Infof("retrieving CADD scores from %s", base)
		snp, err := openTabix(filepath.Join(base, "whole_genome_SNVs.tsv.gz"), 2, 3, 5, logger)
		if err != nil {
			return nil, fmt.Errorf("cannot open CADD SNP scores: %w", err)
		}
		indel, err := openTabix(filepath.Join(base, "PCAWG.INDELS.CADD.v1.3.tsv.gz"), 3, 4, 6, logger)
		if err != nil {
			snp.Close()
			return nil, fmt.Errorf("cannot open CADD indel scores: %w", err)
		}
		return &caddScorer{snp: snp, indel: indel}, nil
	case "eigen":
		base := filepath.Join(dir, "eigen", "v1.1")
		es := &eigenScorer{files: map[string]*tabixFile{}}
		if coding {
			logger.Infof("retrieving Eigen coding scores from %s", base)
			tf, err := openTabix(filepath.Join(base, "Eigen_hg19_coding_annot_04092016.tab.bgz"), 2, 3, -3, logger)
			if err != nil {
				return nil, fmt.Errorf("cannot open Eigen coding scores: %w", err)
			}
			es.files[""] = tf
			return es, nil
		}
		logger.Infof("retrieving Eigen non-coding scores from %s", base)
		for chr := 1; chr <= 22; chr++ {
			tf, err := openTabix(filepath.Join(base, fmt.Sprintf("Eigen_hg19_noncoding_annot_chr%d.tab.bgz", chr)), 2, 3, -3, logger)
			if err != nil {
				es.Close()
				return nil, fmt.Errorf("cannot open Eigen non-coding scores: %w", err)
			}
			es.files[strconv.Itoa(chr)] = tf
		}
		return es, nil
	}
	return nil, fmt.Errorf("unknown functional score method %q (use cadd or eigen)", method)
}
