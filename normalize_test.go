// Copyright (C) The Hkgsel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hkgsel

import (
	"errors"
	"math"

	"gopkg.in/check.v1"
)

type normalizeSuite struct{}

var _ = check.Suite(&normalizeSuite{})

func (s *normalizeSuite) TestSizeFactorsPositiveGeomeanOne(c *check.C) {
	cm := loadTestCounts(c)
	factors, err := SizeFactors(cm)
	c.Assert(err, check.IsNil)
	c.Assert(factors, check.HasLen, 6)
	sumlog := 0.0
	for _, f := range factors {
		c.Check(f > 0, check.Equals, true, check.Commentf("factors %v", factors))
		sumlog += math.Log(f)
	}
	c.Check(math.Abs(sumlog/6) < 1e-12, check.Equals, true, check.Commentf("geometric mean of %v is not 1", factors))
}

func (s *normalizeSuite) TestSizeFactorsDepthRecovery(c *check.C) {
	// Second sample sequenced at exactly double depth: its size
	// factor must be double the first's.
	cm := NewMatrix([]string{"g1", "g2", "g3"}, []string{"s1", "s2"}, []float64{
		100, 200,
		50, 100,
		30, 60,
	})
	factors, err := SizeFactors(cm)
	c.Assert(err, check.IsNil)
	c.Check(math.Abs(factors[1]/factors[0]-2) < 1e-9, check.Equals, true, check.Commentf("factors %v", factors))
}

func (s *normalizeSuite) TestSizeFactorsSkipZeroGenes(c *check.C) {
	// The all-zero and partially-zero genes may not perturb the
	// reference profile.
	cm := NewMatrix([]string{"g1", "g2", "zpart", "zfull"}, []string{"s1", "s2"}, []float64{
		100, 100,
		40, 40,
		0, 900,
		0, 0,
	})
	factors, err := SizeFactors(cm)
	c.Assert(err, check.IsNil)
	c.Check(math.Abs(factors[0]-1) < 1e-9, check.Equals, true, check.Commentf("factors %v", factors))
	c.Check(math.Abs(factors[1]-1) < 1e-9, check.Equals, true, check.Commentf("factors %v", factors))
}

func (s *normalizeSuite) TestSizeFactorsErrors(c *check.C) {
	_, err := SizeFactors(NewMatrix(nil, []string{"s1"}, nil))
	var invalid *InvalidInputError
	c.Check(errors.As(err, &invalid), check.Equals, true)

	_, err = SizeFactors(NewMatrix([]string{"g1"}, []string{"s1", "s2"}, []float64{0, 5}))
	var empty *EmptyInputError
	c.Check(errors.As(err, &empty), check.Equals, true)
}

func (s *normalizeSuite) TestNormalize(c *check.C) {
	cm := NewMatrix([]string{"g1"}, []string{"s1", "s2"}, []float64{100, 300})
	nm, err := Normalize(cm, []float64{0.5, 2})
	c.Assert(err, check.IsNil)
	c.Check(nm.At(0, 0), check.Equals, 200.0)
	c.Check(nm.At(0, 1), check.Equals, 150.0)
	// input matrix untouched
	c.Check(cm.At(0, 0), check.Equals, 100.0)

	_, err = Normalize(cm, []float64{1})
	c.Check(err, check.NotNil)
	_, err = Normalize(cm, []float64{1, -1})
	c.Check(err, check.NotNil)
}
