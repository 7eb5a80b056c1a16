// Copyright (C) The Hkgsel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hkgsel

import (
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Matrix is a gene × sample expression matrix. Raw count matrices hold
// non-negative integers; normalized matrices hold non-negative reals.
// Matrices are immutable after construction.
type Matrix struct {
	Genes   []string
	Samples []string
	data    []float64 // row-major, len(Genes)*len(Samples)
}

func NewMatrix(genes, samples []string, data []float64) *Matrix {
	if len(data) != len(genes)*len(samples) {
		panic("hkgsel: matrix data length does not match dimensions")
	}
	return &Matrix{Genes: genes, Samples: samples, data: data}
}

func (m *Matrix) At(i, j int) float64 { return m.data[i*len(m.Samples)+j] }

// Row returns gene i's expression across samples. The returned slice
// aliases the matrix storage and must not be modified.
func (m *Matrix) Row(i int) []float64 {
	n := len(m.Samples)
	return m.data[i*n : (i+1)*n]
}

// Col returns sample j's expression across genes, as a copy.
func (m *Matrix) Col(j int) []float64 {
	col := make([]float64, len(m.Genes))
	for i := range col {
		col[i] = m.At(i, j)
	}
	return col
}

// GeneIndex returns the row index for each named gene.
func (m *Matrix) GeneIndex() map[string]int {
	idx := make(map[string]int, len(m.Genes))
	for i, g := range m.Genes {
		idx[g] = i
	}
	return idx
}

// Fingerprint returns a blake2b-256 digest of the matrix labels and
// values, so a run can be attributed to its exact input.
func (m *Matrix) Fingerprint() string {
	h, _ := blake2b.New256(nil)
	for _, g := range m.Genes {
		io.WriteString(h, g)
		h.Write([]byte{0})
	}
	for _, s := range m.Samples {
		io.WriteString(h, s)
		h.Write([]byte{0})
	}
	var buf [8]byte
	for _, v := range m.data {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// sniffDelimiter picks tab when the header line contains one,
// otherwise comma.
func sniffDelimiter(header string) rune {
	if strings.ContainsRune(header, '\t') {
		return '\t'
	}
	return ','
}

// LoadCountMatrix reads a delimited gene × sample count table: first
// column gene identifier, header row sample identifiers. Counts must
// be non-negative integers. Gene and sample labels must be unique.
func LoadCountMatrix(rdr io.Reader) (*Matrix, error) {
	br := newPeekReader(rdr)
	header, err := br.PeekLine()
	if err != nil {
		return nil, invalidInputf("count matrix: cannot read header: %s", err)
	}
	cr := csv.NewReader(br)
	cr.Comma = sniffDelimiter(header)
	cr.FieldsPerRecord = -1

	rec, err := cr.Read()
	if err != nil {
		return nil, invalidInputf("count matrix: cannot read header: %s", err)
	}
	if len(rec) < 2 {
		return nil, invalidInputf("count matrix: header has %d columns, need a gene column plus at least one sample", len(rec))
	}
	samples := append([]string(nil), rec[1:]...)
	seen := map[string]bool{}
	for _, s := range samples {
		if seen[s] {
			return nil, invalidInputf("count matrix: duplicate sample identifier %q", s)
		}
		seen[s] = true
	}

	var genes []string
	var data []float64
	seenGene := map[string]bool{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, invalidInputf("count matrix: %s", err)
		}
		if len(rec) != len(samples)+1 {
			return nil, invalidInputf("count matrix: row %q has %d columns, expected %d", rec[0], len(rec), len(samples)+1)
		}
		gene := rec[0]
		if seenGene[gene] {
			return nil, invalidInputf("count matrix: duplicate gene identifier %q", gene)
		}
		seenGene[gene] = true
		genes = append(genes, gene)
		for _, field := range rec[1:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, invalidInputf("count matrix: gene %s: bad count %q", gene, field)
			}
			if v < 0 || v != math.Trunc(v) {
				return nil, invalidInputf("count matrix: gene %s: count %q is not a non-negative integer", gene, field)
			}
			data = append(data, v)
		}
	}
	if len(genes) == 0 {
		return nil, invalidInputf("count matrix: no gene rows")
	}
	return NewMatrix(genes, samples, data), nil
}

// SampleMetadata holds one record per sample: categorical covariates
// from the metadata table, plus numeric covariates added later (the
// estimated unwanted-variation factors). All columns are aligned with
// Samples.
type SampleMetadata struct {
	Samples    []string
	Columns    []string            // categorical covariate names, table order
	Factors    map[string][]string // categorical values by column name
	Covariates []string            // numeric covariate names, append order
	Values     map[string][]float64
}

// LoadMetadata reads a delimited sample metadata table: first column
// sample identifier, remaining columns categorical covariates.
func LoadMetadata(rdr io.Reader) (*SampleMetadata, error) {
	br := newPeekReader(rdr)
	header, err := br.PeekLine()
	if err != nil {
		return nil, invalidInputf("metadata: cannot read header: %s", err)
	}
	cr := csv.NewReader(br)
	cr.Comma = sniffDelimiter(header)

	rec, err := cr.Read()
	if err != nil {
		return nil, invalidInputf("metadata: cannot read header: %s", err)
	}
	if len(rec) < 2 {
		return nil, invalidInputf("metadata: need at least one covariate column")
	}
	md := &SampleMetadata{
		Columns: append([]string(nil), rec[1:]...),
		Factors: map[string][]string{},
		Values:  map[string][]float64{},
	}
	seen := map[string]bool{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, invalidInputf("metadata: %s", err)
		}
		sample := rec[0]
		if seen[sample] {
			return nil, invalidInputf("metadata: duplicate sample identifier %q", sample)
		}
		seen[sample] = true
		md.Samples = append(md.Samples, sample)
		for ci, col := range md.Columns {
			md.Factors[col] = append(md.Factors[col], rec[ci+1])
		}
	}
	if len(md.Samples) == 0 {
		return nil, invalidInputf("metadata: no sample rows")
	}
	return md, nil
}

// Align returns a copy of md with records reordered to match the given
// sample order. Every sample must have exactly one metadata record.
func (md *SampleMetadata) Align(samples []string) (*SampleMetadata, error) {
	pos := make(map[string]int, len(md.Samples))
	for i, s := range md.Samples {
		pos[s] = i
	}
	out := &SampleMetadata{
		Samples:    append([]string(nil), samples...),
		Columns:    append([]string(nil), md.Columns...),
		Factors:    map[string][]string{},
		Covariates: append([]string(nil), md.Covariates...),
		Values:     map[string][]float64{},
	}
	for _, s := range samples {
		i, ok := pos[s]
		if !ok {
			return nil, invalidInputf("metadata: no record for sample %q", s)
		}
		for _, col := range md.Columns {
			out.Factors[col] = append(out.Factors[col], md.Factors[col][i])
		}
		for _, col := range md.Covariates {
			out.Values[col] = append(out.Values[col], md.Values[col][i])
		}
	}
	if len(md.Samples) > len(samples) {
		matrixSamples := map[string]bool{}
		for _, s := range samples {
			matrixSamples[s] = true
		}
		for _, s := range md.Samples {
			if !matrixSamples[s] {
				return nil, invalidInputf("metadata: sample %q has no count matrix column", s)
			}
		}
	}
	return out, nil
}

// AddCovariate appends a numeric covariate column aligned with
// md.Samples.
func (md *SampleMetadata) AddCovariate(name string, values []float64) error {
	if len(values) != len(md.Samples) {
		return invalidInputf("covariate %s: %d values for %d samples", name, len(values), len(md.Samples))
	}
	if _, dup := md.Values[name]; dup {
		return invalidInputf("covariate %s: already present", name)
	}
	if _, dup := md.Factors[name]; dup {
		return invalidInputf("covariate %s: name collides with a metadata column", name)
	}
	md.Covariates = append(md.Covariates, name)
	md.Values[name] = append([]float64(nil), values...)
	return nil
}

// Levels returns the distinct values of a categorical column, sorted.
func (md *SampleMetadata) Levels(col string) ([]string, error) {
	vals, ok := md.Factors[col]
	if !ok {
		return nil, invalidInputf("metadata: no column named %q", col)
	}
	seen := map[string]bool{}
	var levels []string
	for _, v := range vals {
		if !seen[v] {
			seen[v] = true
			levels = append(levels, v)
		}
	}
	sort.Strings(levels)
	return levels, nil
}

// MinReplicateGroupSize returns the size of the smallest group of the
// named categorical column.
func (md *SampleMetadata) MinReplicateGroupSize(col string) (int, error) {
	vals, ok := md.Factors[col]
	if !ok {
		return 0, invalidInputf("metadata: no column named %q", col)
	}
	counts := map[string]int{}
	for _, v := range vals {
		counts[v]++
	}
	min := len(vals)
	for _, n := range counts {
		if n < min {
			min = n
		}
	}
	return min, nil
}
