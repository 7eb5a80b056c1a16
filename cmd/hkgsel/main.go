// Copyright (C) The Hkgsel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/seqstats/hkgsel"
)

func main() {
	hkgsel.Main()
}
