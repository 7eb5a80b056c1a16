// Copyright (C) The Hkgsel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hkgsel

// literatureHKG lists housekeeping genes reported as stable across
// human tissues in the RNA-seq literature. Used only to report overlap
// with the selected stable genes; it never drives selection.
var literatureHKG = []string{
	"ACTB",
	"B2M",
	"C1orf43",
	"CHMP2A",
	"EMC7",
	"GAPDH",
	"GPI",
	"GUSB",
	"HMBS",
	"HPRT1",
	"IPO8",
	"PGK1",
	"POLR2A",
	"PPIA",
	"PSMB2",
	"PSMB4",
	"RAB7A",
	"REEP5",
	"RPL13A",
	"RPLP0",
	"SDHA",
	"SNRPD3",
	"TBP",
	"TFRC",
	"UBC",
	"VCP",
	"VPS29",
	"YWHAZ",
}
