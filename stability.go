// Copyright (C) The Hkgsel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hkgsel

import (
	"flag"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/gocarina/gocsv"
	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// StabilityScore holds the two per-gene stability metrics. Lower is
// more stable for both. NaN marks an undefined score (all-zero
// expression).
type StabilityScore struct {
	Gene string  `csv:"Gene"`
	CV   float64 `csv:"CV"`
	Gini float64 `csv:"Gini"`
}

// CV returns stdev/mean of xs, or NaN when the mean is zero.
func CV(xs []float64) float64 {
	mean, std := stat.MeanStdDev(xs, nil)
	if mean == 0 {
		return math.NaN()
	}
	return std / mean
}

// Gini returns the Gini index of xs. For non-negative inputs the
// result is in [0,1]: 0 for perfectly uniform expression, approaching
// 1 as expression concentrates on a single sample. NaN when the sum is
// zero.
func Gini(xs []float64) float64 {
	n := len(xs)
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	sum := 0.0
	num := 0.0
	for i, x := range sorted {
		sum += x
		num += float64(2*(i+1)-n-1) * x
	}
	if sum == 0 {
		return math.NaN()
	}
	return num / (float64(n) * sum)
}

// PrevalenceFilter returns the indices of genes with raw count ≥
// minCount in at least minSamples samples.
func PrevalenceFilter(cm *Matrix, minCount float64, minSamples int) ([]int, error) {
	var keep []int
	for i := range cm.Genes {
		n := 0
		for _, v := range cm.Row(i) {
			if v >= minCount {
				n++
			}
		}
		if n >= minSamples {
			keep = append(keep, i)
		}
	}
	if len(keep) == 0 {
		return nil, emptyInputf("stability: no gene has count ≥ %v in at least %d samples", minCount, minSamples)
	}
	return keep, nil
}

// ScoreStability computes CV and Gini over normalized expression for
// the given gene rows.
func ScoreStability(nm *Matrix, genes []int) ([]StabilityScore, error) {
	if len(genes) == 0 {
		return nil, emptyInputf("stability: no genes to score")
	}
	scores := make([]StabilityScore, len(genes))
	for k, i := range genes {
		row := nm.Row(i)
		scores[k] = StabilityScore{
			Gene: nm.Genes[i],
			CV:   CV(row),
			Gini: Gini(row),
		}
	}
	return scores, nil
}

// quantileR7 returns the pth quantile of v according to the R-7
// method (linear interpolation of order statistics). v is sorted in
// place.
func quantileR7(v []float64, p float64) float64 {
	sort.Float64s(v)
	if p >= 1 {
		return v[len(v)-1]
	}
	h := float64(len(v)-1) * p
	i := int(h)
	if i+1 >= len(v) {
		return v[i]
	}
	return v[i] + (h-math.Floor(h))*(v[i+1]-v[i])
}

// ScoreThreshold returns the empirical pct-th percentile (linear
// interpolation) of the finite scores, or NaN when there are none.
func ScoreThreshold(scores []float64, pct float64) float64 {
	finite := make([]float64, 0, len(scores))
	for _, v := range scores {
		if !math.IsNaN(v) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return math.NaN()
	}
	return quantileR7(finite, pct/100)
}

// CandidatesBelow returns the genes whose score is strictly below the
// threshold. Undefined scores never qualify.
func CandidatesBelow(scores []StabilityScore, score func(StabilityScore) float64, threshold float64) map[string]bool {
	set := map[string]bool{}
	for _, s := range scores {
		if v := score(s); !math.IsNaN(v) && v < threshold {
			set[s.Gene] = true
		}
	}
	return set
}

type stabilitycmd struct{}

func (cmd *stabilitycmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *stabilitycmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "count matrix `file`")
	metadataFilename := flags.String("metadata", "", "sample metadata `file`")
	outputFilename := flags.String("o", "-", "stability score output `file`")
	groupColumn := flags.String("group-column", "", "metadata `column` whose smallest group sets the prevalence filter width (default: first column)")
	minCount := flags.Float64("min-count", 10, "count required in at least as many samples as the smallest replicate group")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if *metadataFilename == "" {
		return fmt.Errorf("must provide -metadata")
	}

	cm, err := loadCounts(*inputFilename, stdin)
	if err != nil {
		return err
	}
	md, err := loadMetadataAligned(*metadataFilename, stdin, cm)
	if err != nil {
		return err
	}

	col := *groupColumn
	if col == "" {
		col = md.Columns[0]
	}
	minSamples, err := md.MinReplicateGroupSize(col)
	if err != nil {
		return err
	}
	log.Infof("prevalence filter: count ≥ %v in ≥ %d samples (smallest %s group)", *minCount, minSamples, col)

	keep, err := PrevalenceFilter(cm, *minCount, minSamples)
	if err != nil {
		return fmt.Errorf("stability: %w", err)
	}
	log.Infof("%d of %d genes pass the prevalence filter", len(keep), len(cm.Genes))

	factors, err := SizeFactors(cm)
	if err != nil {
		return fmt.Errorf("stability: %w", err)
	}
	nm, err := Normalize(cm, factors)
	if err != nil {
		return err
	}
	scores, err := ScoreStability(nm, keep)
	if err != nil {
		return fmt.Errorf("stability: %w", err)
	}

	cvs := make([]float64, 0, len(scores))
	for _, s := range scores {
		if !math.IsNaN(s.CV) {
			cvs = append(cvs, s.CV)
		}
	}
	if med, err := stats.Median(cvs); err == nil {
		log.Infof("scored %d genes, median CV %.4f", len(scores), med)
	}

	out, closer, err := openOutput(*outputFilename, stdout)
	if err != nil {
		return err
	}
	if err = gocsv.Marshal(&scores, out); err != nil {
		return err
	}
	return closer()
}

// loadMetadataAligned loads a metadata table and aligns it to the
// count matrix sample order.
func loadMetadataAligned(fnm string, stdin io.Reader, cm *Matrix) (*SampleMetadata, error) {
	in, err := openInput(fnm, stdin)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	md, err := LoadMetadata(in)
	if err != nil {
		return nil, err
	}
	md, err = md.Align(cm.Samples)
	if err != nil {
		return nil, err
	}
	log.Infof("metadata: %d samples, covariates %v", len(md.Samples), md.Columns)
	return md, nil
}
