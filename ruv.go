// Copyright (C) The Hkgsel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hkgsel

import (
	"bufio"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// A FactorEstimator extracts k latent factors from the centered log
// expression of the control genes. ctrl is genes × samples; the result
// is samples × k. Factor sign and order are implementation details;
// callers must only rely on the spanned subspace.
type FactorEstimator interface {
	EstimateFactors(ctrl *mat.Dense, k int) (*mat.Dense, error)
}

// pcaEstimator reduces the control-gene matrix with a truncated PCA,
// keeping the per-sample component scores.
type pcaEstimator struct{}

func (pcaEstimator) EstimateFactors(ctrl *mat.Dense, k int) (*mat.Dense, error) {
	transformer := nlp.NewPCA(k)
	transformer.Fit(ctrl)
	reduced, err := transformer.Transform(ctrl)
	if err != nil {
		return nil, err
	}
	// reduced is k × samples; factors go out samples × k.
	_, nsamples := ctrl.Dims()
	w := mat.NewDense(nsamples, k, nil)
	for j := 0; j < nsamples; j++ {
		for f := 0; f < k; f++ {
			w.Set(j, f, reduced.At(f, j))
		}
	}
	return w, nil
}

// svdEstimator takes the first k right singular vectors of the
// control-gene matrix, scaled by their singular values.
type svdEstimator struct{}

func (svdEstimator) EstimateFactors(ctrl *mat.Dense, k int) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(ctrl, mat.SVDThin); !ok {
		return nil, fmt.Errorf("ruv: SVD of control gene matrix did not converge")
	}
	var v mat.Dense
	svd.VTo(&v)
	sigma := svd.Values(nil)
	_, nsamples := ctrl.Dims()
	w := mat.NewDense(nsamples, k, nil)
	for j := 0; j < nsamples; j++ {
		for f := 0; f < k; f++ {
			w.Set(j, f, v.At(j, f)*sigma[f])
		}
	}
	return w, nil
}

// NewFactorEstimator returns the named decomposition strategy ("pca"
// or "svd").
func NewFactorEstimator(method string) (FactorEstimator, error) {
	switch method {
	case "pca":
		return pcaEstimator{}, nil
	case "svd":
		return svdEstimator{}, nil
	default:
		return nil, fmt.Errorf("ruv: unknown factor estimation method %q", method)
	}
}

// EstimateUnwantedVariation estimates k latent unwanted-variation
// factors per sample from the expression of the control genes, which
// are assumed to have no true biological variation. Counts are scaled
// by the size factors, log transformed, and row-centered before the
// decomposition. Returns a samples × k factor matrix and the factor
// names W_1..W_k.
func EstimateUnwantedVariation(cm *Matrix, factors []float64, controls []string, k int, est FactorEstimator) (*mat.Dense, []string, error) {
	if k < 1 {
		return nil, nil, invalidInputf("ruv: k must be a positive integer, got %d", k)
	}
	if len(controls) < k+1 {
		return nil, nil, &InsufficientControlsError{Controls: len(controls), K: k}
	}
	if k > len(cm.Samples) {
		return nil, nil, invalidInputf("ruv: k=%d exceeds the number of samples (%d)", k, len(cm.Samples))
	}
	if len(factors) != len(cm.Samples) {
		return nil, nil, invalidInputf("ruv: %d size factors for %d samples", len(factors), len(cm.Samples))
	}
	idx := cm.GeneIndex()
	nsamples := len(cm.Samples)
	ctrl := mat.NewDense(len(controls), nsamples, nil)
	for ci, gene := range controls {
		gi, ok := idx[gene]
		if !ok {
			return nil, nil, invalidInputf("ruv: control gene %s not present in count matrix", gene)
		}
		row := cm.Row(gi)
		mean := 0.0
		logexpr := make([]float64, nsamples)
		for j, v := range row {
			logexpr[j] = math.Log(v/factors[j] + 1)
			mean += logexpr[j]
		}
		mean /= float64(nsamples)
		for j := range logexpr {
			ctrl.Set(ci, j, logexpr[j]-mean)
		}
	}
	w, err := est.EstimateFactors(ctrl, k)
	if err != nil {
		return nil, nil, err
	}
	names := make([]string, k)
	for f := 0; f < k; f++ {
		names[f] = fmt.Sprintf("W_%d", f+1)
	}
	return w, names, nil
}

// writeFactorTable writes the per-sample factor matrix as a CSV table.
func writeFactorTable(w io.Writer, samples []string, names []string, factors *mat.Dense) error {
	if _, err := fmt.Fprintf(w, "SampleID,%s\n", strings.Join(names, ",")); err != nil {
		return err
	}
	fields := make([]string, len(names)+1)
	for j, s := range samples {
		fields[0] = s
		for f := range names {
			fields[f+1] = formatFloat(factors.At(j, f))
		}
		if _, err := fmt.Fprintln(w, strings.Join(fields, ",")); err != nil {
			return err
		}
	}
	return nil
}

// LoadFactorTable reads a per-sample factor table written by
// writeFactorTable and merges its columns into md as numeric
// covariates.
func LoadFactorTable(rdr io.Reader, md *SampleMetadata) error {
	cr := csv.NewReader(bufio.NewReader(rdr))
	header, err := cr.Read()
	if err != nil {
		return invalidInputf("factor table: cannot read header: %s", err)
	}
	if len(header) < 2 {
		return invalidInputf("factor table: no factor columns")
	}
	names := header[1:]
	pos := make(map[string]int, len(md.Samples))
	for i, s := range md.Samples {
		pos[s] = i
	}
	cols := make([][]float64, len(names))
	for i := range cols {
		cols[i] = make([]float64, len(md.Samples))
		for j := range cols[i] {
			cols[i][j] = math.NaN()
		}
	}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return invalidInputf("factor table: %s", err)
		}
		j, ok := pos[rec[0]]
		if !ok {
			return invalidInputf("factor table: sample %q not present in metadata", rec[0])
		}
		for f := range names {
			v, err := strconv.ParseFloat(rec[f+1], 64)
			if err != nil {
				return invalidInputf("factor table: sample %s: bad value %q", rec[0], rec[f+1])
			}
			cols[f][j] = v
		}
	}
	for f, name := range names {
		for j, v := range cols[f] {
			if math.IsNaN(v) {
				return invalidInputf("factor table: no row for sample %q", md.Samples[j])
			}
		}
		if err := md.AddCovariate(name, cols[f]); err != nil {
			return err
		}
	}
	return nil
}

type ruvcmd struct{}

func (cmd *ruvcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *ruvcmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "count matrix `file`")
	controlsFilename := flags.String("controls", "", "stable gene list `file` (negative controls)")
	outputFilename := flags.String("o", "-", "factor table output `file`")
	k := flags.Int("k", 1, "number of latent unwanted-variation factors")
	method := flags.String("method", "pca", "factor estimation `method` (pca or svd)")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if *controlsFilename == "" {
		return fmt.Errorf("must provide -controls")
	}

	est, err := NewFactorEstimator(*method)
	if err != nil {
		return err
	}
	cm, err := loadCounts(*inputFilename, stdin)
	if err != nil {
		return err
	}
	controls, err := readGeneList(*controlsFilename, stdin)
	if err != nil {
		return err
	}
	if len(controls) == 0 {
		return emptyInputf("ruv: control gene list %s is empty", *controlsFilename)
	}
	log.Infof("estimating k=%d factors from %d control genes (%s)", *k, len(controls), *method)

	factors, err := SizeFactors(cm)
	if err != nil {
		return fmt.Errorf("ruv: %w", err)
	}
	w, names, err := EstimateUnwantedVariation(cm, factors, controls, *k, est)
	if err != nil {
		return err
	}

	out, closer, err := openOutput(*outputFilename, stdout)
	if err != nil {
		return err
	}
	if err = writeFactorTable(out, cm.Samples, names, w); err != nil {
		return err
	}
	return closer()
}
