// Copyright (C) The Hkgsel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hkgsel

import (
	"math"

	"gopkg.in/check.v1"
)

type deSuite struct{}

var _ = check.Suite(&deSuite{})

func (s *deSuite) TestDispersionMoM(c *check.C) {
	// var << mean: clamps at the floor
	c.Check(dispersionMoM([]float64{100, 101, 99, 100}), check.Equals, minDispersion)
	// all zero: undefined
	c.Check(math.IsNaN(dispersionMoM([]float64{0, 0, 0})), check.Equals, true)
	// overdispersed counts give a positive estimate
	d := dispersionMoM([]float64{10, 200, 50, 400})
	c.Check(d > 0.1, check.Equals, true, check.Commentf("dispersion %v", d))
}

func (s *deSuite) TestShrinkDispersions(c *check.C) {
	disp := []float64{0.01, 0.1, 1.0, math.NaN()}
	out := shrinkDispersions(disp, 6)
	c.Assert(out, check.HasLen, 4)
	c.Check(math.IsNaN(out[3]), check.Equals, true)
	// estimates move toward the median (0.1) and keep their order
	c.Check(out[0] > 0.01 && out[0] < 0.1, check.Equals, true, check.Commentf("%v", out))
	c.Check(math.Abs(out[1]-0.1) < 1e-12, check.Equals, true)
	c.Check(out[2] < 1.0 && out[2] > 0.1, check.Equals, true, check.Commentf("%v", out))
}

func (s *deSuite) TestBenjaminiHochberg(c *check.C) {
	adj := BenjaminiHochberg([]float64{0.005, 0.04, 0.03, 0.9})
	c.Assert(adj, check.HasLen, 4)
	c.Check(math.Abs(adj[0]-0.02) < 1e-12, check.Equals, true, check.Commentf("%v", adj))
	c.Check(math.Abs(adj[1]-0.04*4/3) < 1e-12, check.Equals, true, check.Commentf("%v", adj))
	c.Check(math.Abs(adj[2]-0.04*4/3) < 1e-12, check.Equals, true, check.Commentf("%v", adj))
	c.Check(adj[3], check.Equals, 0.9)

	// NaN entries stay NaN and do not count as tests
	adj = BenjaminiHochberg([]float64{0.02, math.NaN(), 0.04})
	c.Check(math.Abs(adj[0]-0.04) < 1e-12, check.Equals, true, check.Commentf("%v", adj))
	c.Check(math.IsNaN(adj[1]), check.Equals, true)
	c.Check(math.Abs(adj[2]-0.04) < 1e-12, check.Equals, true, check.Commentf("%v", adj))

	c.Check(BenjaminiHochberg(nil), check.HasLen, 0)
}

func (s *deSuite) TestFitGeneNBConvergesAcrossCountScales(c *check.C) {
	group := []float64{0, 0, 0, 1, 1, 1}
	offset := make([]float64, 6)
	// A clean 2x shift must come back as beta ≈ ln 2 whether counts
	// are in the tens or the thousands.
	for _, counts := range [][]float64{
		{10, 11, 9, 20, 21, 19},
		{1000, 1010, 990, 2000, 2020, 1980},
	} {
		beta, se, err := fitGeneNB("g", counts, [][]float64{group}, []string{"group"}, offset, minDispersion, 0)
		c.Assert(err, check.IsNil, check.Commentf("counts %v", counts))
		c.Check(math.Abs(beta-math.Ln2) < 0.05, check.Equals, true, check.Commentf("counts %v: beta %v", counts, beta))
		c.Check(se > 0, check.Equals, true)
	}
}

func (s *deSuite) TestBuildDesign(c *check.C) {
	md := &SampleMetadata{
		Samples: []string{"s1", "s2", "s3", "s4", "s5", "s6"},
		Columns: []string{"Tissue"},
		Factors: map[string][]string{
			"Tissue": {"A", "A", "B", "B", "C", "C"},
		},
		Values: map[string][]float64{},
	}
	c.Assert(md.AddCovariate("W_1", []float64{1, 2, 3, 4, 5, 6}), check.IsNil)

	cfg := DEConfig{
		Design:   []string{"W_1", "Tissue"},
		Contrast: Contrast{Covariate: "Tissue", Treatment: "C", Reference: "B"},
	}
	cols, names, idx, err := buildDesign(md, cfg)
	c.Assert(err, check.IsNil)
	// W_1 plus dummies for A and C (B is the baseline)
	c.Check(names, check.DeepEquals, []string{"W_1", "Tissue_A", "Tissue_C"})
	c.Check(idx, check.Equals, 2)
	c.Check(cols[2], check.DeepEquals, []float64{0, 0, 0, 0, 1, 1})
	c.Check(cols[1], check.DeepEquals, []float64{1, 1, 0, 0, 0, 0})
	// numeric covariate is standardized
	mean := 0.0
	for _, v := range cols[0] {
		mean += v
	}
	c.Check(math.Abs(mean) < 1e-12, check.Equals, true)

	// covariate of interest must be the last design term
	cfg.Design = []string{"Tissue", "W_1"}
	_, _, _, err = buildDesign(md, cfg)
	c.Check(err, check.NotNil)

	// unknown levels are rejected
	cfg.Design = []string{"Tissue"}
	cfg.Contrast = Contrast{Covariate: "Tissue", Treatment: "X", Reference: "A"}
	_, _, _, err = buildDesign(md, cfg)
	c.Check(err, check.NotNil)
	cfg.Contrast = Contrast{Covariate: "Tissue", Treatment: "A", Reference: "A"}
	_, _, _, err = buildDesign(md, cfg)
	c.Check(err, check.NotNil)
}

func (s *deSuite) testRunDE(c *check.C, design []string, md *SampleMetadata) []DEResult {
	cm := loadTestCounts(c)
	results, err := RunDE(cm, md, DEConfig{
		Design:   design,
		Contrast: Contrast{Covariate: "Tissue", Treatment: "CB", Reference: "BM"},
	})
	c.Assert(err, check.IsNil)
	c.Assert(results, check.HasLen, len(cm.Genes))
	return results
}

func (s *deSuite) TestRunDETwoGroupContrast(c *check.C) {
	md, err := loadTestMetadata(c).Align([]string{"BM1", "BM2", "BM3", "CB1", "CB2", "CB3"})
	c.Assert(err, check.IsNil)
	results := s.testRunDE(c, []string{"Tissue"}, md)

	byGene := map[string]DEResult{}
	for _, r := range results {
		byGene[r.Gene] = r
	}

	// designed 2x mean shift
	shifted := byGene["SHIFTED"]
	c.Check(math.Abs(shifted.Log2FoldChange-1) < 0.2, check.Equals, true, check.Commentf("log2FC %v", shifted.Log2FoldChange))
	c.Check(shifted.AdjPValue < 0.05, check.Equals, true, check.Commentf("adj p %v", shifted.AdjPValue))

	// stable gene: no significant change
	steady := byGene["STEADY1"]
	c.Check(math.Abs(steady.Log2FoldChange) < 0.2, check.Equals, true, check.Commentf("log2FC %v", steady.Log2FoldChange))

	// all-zero gene keeps its row with undefined statistics
	null := byGene["NULLG"]
	c.Check(math.IsNaN(null.Log2FoldChange), check.Equals, true)
	c.Check(math.IsNaN(null.PValue), check.Equals, true)
	c.Check(math.IsNaN(null.AdjPValue), check.Equals, true)
}

func (s *deSuite) TestRunDEWithUnwantedVariationCovariate(c *check.C) {
	md, err := loadTestMetadata(c).Align([]string{"BM1", "BM2", "BM3", "CB1", "CB2", "CB3"})
	c.Assert(err, check.IsNil)
	c.Assert(md.AddCovariate("W_1", []float64{0.1, -0.2, 0.05, 0.12, -0.07, 0.01}), check.IsNil)
	results := s.testRunDE(c, []string{"W_1", "Tissue"}, md)

	for _, r := range results {
		if r.Gene == "SHIFTED" {
			c.Check(math.Abs(r.Log2FoldChange-1) < 0.2, check.Equals, true, check.Commentf("log2FC %v", r.Log2FoldChange))
			c.Check(r.AdjPValue < 0.05, check.Equals, true)
		}
	}
}

func (s *deSuite) TestRunDEDeterministic(c *check.C) {
	md, err := loadTestMetadata(c).Align([]string{"BM1", "BM2", "BM3", "CB1", "CB2", "CB3"})
	c.Assert(err, check.IsNil)
	a := s.testRunDE(c, []string{"Tissue"}, md)
	b := s.testRunDE(c, []string{"Tissue"}, md)
	c.Assert(len(a), check.Equals, len(b))
	for i := range a {
		c.Check(a[i].Gene, check.Equals, b[i].Gene)
		if math.IsNaN(a[i].Log2FoldChange) {
			c.Check(math.IsNaN(b[i].Log2FoldChange), check.Equals, true)
			continue
		}
		c.Check(a[i].Log2FoldChange, check.Equals, b[i].Log2FoldChange)
		c.Check(a[i].AdjPValue, check.Equals, b[i].AdjPValue)
	}
}
