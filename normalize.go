// Copyright (C) The Hkgsel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hkgsel

import (
	"flag"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// SizeFactors computes one scaling factor per sample using the
// median-of-ratios estimate against a per-gene geometric mean
// pseudo-reference. Genes with a zero count in any sample are excluded
// from the reference. The returned factors are rescaled so their
// geometric mean is 1.
func SizeFactors(cm *Matrix) ([]float64, error) {
	ngenes, nsamples := len(cm.Genes), len(cm.Samples)
	if ngenes == 0 || nsamples == 0 {
		return nil, invalidInputf("size factors: matrix has %d genes × %d samples", ngenes, nsamples)
	}
	for i := 0; i < ngenes; i++ {
		for _, v := range cm.Row(i) {
			if v < 0 {
				return nil, invalidInputf("size factors: gene %s has a negative count", cm.Genes[i])
			}
		}
	}

	// Log-space geometric mean per gene, -Inf marking genes with any
	// zero count.
	logref := make([]float64, ngenes)
	usable := 0
	for i := 0; i < ngenes; i++ {
		row := cm.Row(i)
		sumlog := 0.0
		for _, v := range row {
			if v == 0 {
				sumlog = math.Inf(-1)
				break
			}
			sumlog += math.Log(v)
		}
		logref[i] = sumlog / float64(nsamples)
		if !math.IsInf(logref[i], -1) {
			usable++
		}
	}
	if usable == 0 {
		return nil, emptyInputf("size factors: no gene has nonzero counts in every sample")
	}

	factors := make([]float64, nsamples)
	ratios := make([]float64, 0, usable)
	for j := 0; j < nsamples; j++ {
		ratios = ratios[:0]
		for i := 0; i < ngenes; i++ {
			if math.IsInf(logref[i], -1) {
				continue
			}
			ratios = append(ratios, math.Log(cm.At(i, j))-logref[i])
		}
		factors[j] = math.Exp(quantileR7(ratios, 0.5))
	}

	// Rescale so the geometric mean of the factors is 1.
	meanlog := 0.0
	for _, f := range factors {
		meanlog += math.Log(f)
	}
	meanlog /= float64(nsamples)
	for j := range factors {
		factors[j] /= math.Exp(meanlog)
	}
	return factors, nil
}

// Normalize divides each sample column by its size factor and returns
// the result as a new matrix.
func Normalize(cm *Matrix, factors []float64) (*Matrix, error) {
	if len(factors) != len(cm.Samples) {
		return nil, invalidInputf("normalize: %d size factors for %d samples", len(factors), len(cm.Samples))
	}
	for j, f := range factors {
		if !(f > 0) {
			return nil, invalidInputf("normalize: size factor for sample %s is %v, must be positive", cm.Samples[j], f)
		}
	}
	data := make([]float64, len(cm.Genes)*len(cm.Samples))
	for i := range cm.Genes {
		row := cm.Row(i)
		for j, v := range row {
			data[i*len(cm.Samples)+j] = v / factors[j]
		}
	}
	return NewMatrix(cm.Genes, cm.Samples, data), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// writeMatrix writes a matrix as a delimited table in the same layout
// it is loaded from.
func writeMatrix(w io.Writer, m *Matrix) error {
	if _, err := fmt.Fprintf(w, "Gene,%s\n", strings.Join(m.Samples, ",")); err != nil {
		return err
	}
	fields := make([]string, len(m.Samples)+1)
	for i, gene := range m.Genes {
		fields[0] = gene
		for j, v := range m.Row(i) {
			fields[j+1] = formatFloat(v)
		}
		if _, err := fmt.Fprintln(w, strings.Join(fields, ",")); err != nil {
			return err
		}
	}
	return nil
}

type normalizer struct{}

func (cmd *normalizer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *normalizer) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "count matrix `file`")
	outputFilename := flags.String("o", "-", "normalized matrix output `file`")
	factorsFilename := flags.String("output-sizefactors", "", "also write per-sample size factors to `file`")
	numpyFilename := flags.String("output-numpy", "", "also write the normalized matrix to `file` in numpy format")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}

	cm, err := loadCounts(*inputFilename, stdin)
	if err != nil {
		return err
	}

	factors, err := SizeFactors(cm)
	if err != nil {
		return fmt.Errorf("normalize: %w", err)
	}
	nm, err := Normalize(cm, factors)
	if err != nil {
		return err
	}

	if *factorsFilename != "" {
		out, closer, err := openOutput(*factorsFilename, stdout)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "SampleID,SizeFactor")
		for j, s := range cm.Samples {
			fmt.Fprintf(out, "%s,%s\n", s, formatFloat(factors[j]))
		}
		if err = closer(); err != nil {
			return fmt.Errorf("close %s: %w", *factorsFilename, err)
		}
		log.Infof("wrote %d size factors to %s", len(factors), *factorsFilename)
	}

	if *numpyFilename != "" {
		out, closer, err := openOutput(*numpyFilename, stdout)
		if err != nil {
			return err
		}
		npw, err := gonpy.NewWriter(nopCloser{out})
		if err != nil {
			return err
		}
		npw.Shape = []int{len(nm.Genes), len(nm.Samples)}
		flat := make([]float64, 0, len(nm.Genes)*len(nm.Samples))
		for i := range nm.Genes {
			flat = append(flat, nm.Row(i)...)
		}
		if err = npw.WriteFloat64(flat); err != nil {
			return err
		}
		if err = closer(); err != nil {
			return fmt.Errorf("close %s: %w", *numpyFilename, err)
		}
		log.Infof("wrote %d×%d normalized matrix to %s", len(nm.Genes), len(nm.Samples), *numpyFilename)
	}

	out, closer, err := openOutput(*outputFilename, stdout)
	if err != nil {
		return err
	}
	if err = writeMatrix(out, nm); err != nil {
		return err
	}
	return closer()
}

// loadCounts opens and parses a count matrix, logging its size and
// content fingerprint.
func loadCounts(fnm string, stdin io.Reader) (*Matrix, error) {
	in, err := openInput(fnm, stdin)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	cm, err := LoadCountMatrix(in)
	if err != nil {
		return nil, err
	}
	log.Infof("loaded %d genes × %d samples from %s (blake2b %.16s…)", len(cm.Genes), len(cm.Samples), fnm, cm.Fingerprint())
	return cm, nil
}
