// Copyright (C) The Hkgsel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hkgsel

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/check.v1"
)

type ruvSuite struct{}

var _ = check.Suite(&ruvSuite{})

// syntheticBatchCounts builds a count matrix for ngenes control genes
// with no biological signal but a multiplicative batch effect on the
// second half of the samples.
func syntheticBatchCounts(ngenes, nsamples int, batchFold float64, seed int64) (*Matrix, []float64) {
	rng := rand.New(rand.NewSource(seed))
	genes := make([]string, ngenes)
	samples := make([]string, nsamples)
	batch := make([]float64, nsamples)
	for j := range samples {
		samples[j] = fmt.Sprintf("s%d", j)
		if j >= nsamples/2 {
			batch[j] = 1
		}
	}
	data := make([]float64, 0, ngenes*nsamples)
	for i := range genes {
		genes[i] = fmt.Sprintf("ctrl%d", i)
		base := 200 + rng.Float64()*800
		for j := 0; j < nsamples; j++ {
			mean := base
			if batch[j] == 1 {
				mean *= batchFold
			}
			noise := 1 + 0.05*rng.NormFloat64()
			if noise < 0.5 {
				noise = 0.5
			}
			data = append(data, math.Round(mean*noise))
		}
	}
	return NewMatrix(genes, samples, data), batch
}

func (s *ruvSuite) TestEstimatorsRecoverBatchStructure(c *check.C) {
	cm, batch := syntheticBatchCounts(40, 12, 3, 1)
	// Deliberately skip size-factor correction (factors all 1) so the
	// batch effect stays in the control-gene expression.
	ones := make([]float64, len(cm.Samples))
	for j := range ones {
		ones[j] = 1
	}
	for _, method := range []string{"pca", "svd"} {
		est, err := NewFactorEstimator(method)
		c.Assert(err, check.IsNil)
		w, names, err := EstimateUnwantedVariation(cm, ones, cm.Genes, 2, est)
		c.Assert(err, check.IsNil, check.Commentf("method %s", method))
		c.Check(names, check.DeepEquals, []string{"W_1", "W_2"})
		r, _ := w.Dims()
		c.Check(r, check.Equals, 12)

		// The leading factor must track the injected batch, up to
		// sign.
		w1 := make([]float64, len(batch))
		for j := range w1 {
			w1[j] = w.At(j, 0)
		}
		corr := stat.Correlation(w1, batch, nil)
		c.Check(math.Abs(corr) > 0.9, check.Equals, true, check.Commentf("method %s: |corr|=%v", method, math.Abs(corr)))
	}
}

func (s *ruvSuite) TestEstimatorsAgreeOnSubspace(c *check.C) {
	// Different decompositions may flip sign and scale, but with k=1
	// the factor direction must agree.
	cm, _ := syntheticBatchCounts(30, 10, 2.5, 7)
	ones := make([]float64, len(cm.Samples))
	for j := range ones {
		ones[j] = 1
	}
	var ws [][]float64
	for _, method := range []string{"pca", "svd"} {
		est, _ := NewFactorEstimator(method)
		w, _, err := EstimateUnwantedVariation(cm, ones, cm.Genes, 1, est)
		c.Assert(err, check.IsNil)
		col := make([]float64, len(cm.Samples))
		for j := range col {
			col[j] = w.At(j, 0)
		}
		ws = append(ws, col)
	}
	corr := stat.Correlation(ws[0], ws[1], nil)
	c.Check(math.Abs(corr) > 0.99, check.Equals, true, check.Commentf("|corr|=%v", math.Abs(corr)))
}

func (s *ruvSuite) TestInsufficientControls(c *check.C) {
	cm, _ := syntheticBatchCounts(5, 6, 2, 3)
	ones := []float64{1, 1, 1, 1, 1, 1}
	est, _ := NewFactorEstimator("svd")
	_, _, err := EstimateUnwantedVariation(cm, ones, cm.Genes[:2], 2, est)
	c.Assert(err, check.NotNil)
	var insufficient *InsufficientControlsError
	c.Check(errors.As(err, &insufficient), check.Equals, true)
	c.Check(insufficient.Controls, check.Equals, 2)
	c.Check(insufficient.K, check.Equals, 2)

	_, _, err = EstimateUnwantedVariation(cm, ones, cm.Genes, 0, est)
	c.Check(err, check.NotNil)

	_, _, err = EstimateUnwantedVariation(cm, ones, []string{"nosuchgene", "x", "y"}, 1, est)
	var invalid *InvalidInputError
	c.Check(errors.As(err, &invalid), check.Equals, true)

	// size factor vector shorter than the sample count
	_, _, err = EstimateUnwantedVariation(cm, ones[:3], cm.Genes, 1, est)
	c.Check(errors.As(err, &invalid), check.Equals, true, check.Commentf("%v", err))
}

func (s *ruvSuite) TestFactorTableRoundTrip(c *check.C) {
	md := loadTestMetadata(c)
	var buf strings.Builder
	buf.WriteString("SampleID,W_1,W_2\n")
	for j, sample := range md.Samples {
		fmt.Fprintf(&buf, "%s,%g,%g\n", sample, float64(j)*0.5, -float64(j))
	}
	err := LoadFactorTable(strings.NewReader(buf.String()), md)
	c.Assert(err, check.IsNil)
	c.Check(md.Covariates, check.DeepEquals, []string{"W_1", "W_2"})
	c.Check(md.Values["W_1"], check.DeepEquals, []float64{0, 0.5, 1, 1.5, 2, 2.5})
	c.Check(md.Values["W_2"][5], check.Equals, -5.0)

	// missing sample row
	md2 := loadTestMetadata(c)
	err = LoadFactorTable(strings.NewReader("SampleID,W_1\nBM1,0.5\n"), md2)
	var invalid *InvalidInputError
	c.Check(errors.As(err, &invalid), check.Equals, true)
}
