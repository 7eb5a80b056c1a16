// Copyright (C) The Hkgsel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hkgsel

import (
	"errors"

	"gopkg.in/check.v1"
)

type selectSuite struct{}

var _ = check.Suite(&selectSuite{})

func (s *selectSuite) TestSelectStableIsExactIntersection(c *check.C) {
	cv := map[string]bool{"a": true, "b": true, "c": true}
	gini := map[string]bool{"b": true, "c": true, "d": true}
	stable, err := SelectStable(cv, gini)
	c.Assert(err, check.IsNil)
	c.Check(stable, check.DeepEquals, []string{"b", "c"})
}

func (s *selectSuite) TestSelectStableEmptyIntersection(c *check.C) {
	_, err := SelectStable(map[string]bool{"a": true}, map[string]bool{"b": true})
	c.Assert(err, check.NotNil)
	var empty *EmptyResultError
	c.Check(errors.As(err, &empty), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*disjoint candidate sets.*0 common genes.*`)
}

func (s *selectSuite) TestLiteratureOverlap(c *check.C) {
	overlap := literatureOverlap([]string{"ACTB", "ENSG00000111640_GAPDH", "NOVEL1"})
	c.Check(overlap, check.DeepEquals, []string{"ACTB", "ENSG00000111640_GAPDH"})
	c.Check(literatureOverlap([]string{"NOVEL1"}), check.HasLen, 0)
}
