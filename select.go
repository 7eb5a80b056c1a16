// Copyright (C) The Hkgsel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hkgsel

import (
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/gocarina/gocsv"
	log "github.com/sirupsen/logrus"
)

// SelectStable intersects the CV-based and Gini-based candidate sets.
// The result is exactly the intersection, sorted. An empty
// intersection means the two stability metrics disagree and the
// analysis cannot proceed.
func SelectStable(cvSet, giniSet map[string]bool) ([]string, error) {
	var stable []string
	for gene := range cvSet {
		if giniSet[gene] {
			stable = append(stable, gene)
		}
	}
	if len(stable) == 0 {
		return nil, emptyResultf("select-stable: stability thresholds produced disjoint candidate sets (0 common genes)")
	}
	sort.Strings(stable)
	return stable, nil
}

// literatureOverlap intersects genes with the literature housekeeping list,
// matching on the trailing symbol of identifiers like
// "ENSG00000075624_ACTB" as well as bare symbols.
func literatureOverlap(genes []string) []string {
	known := map[string]bool{}
	for _, g := range literatureHKG {
		known[g] = true
	}
	var overlap []string
	for _, gene := range genes {
		sym := gene
		for i := len(gene) - 1; i >= 0; i-- {
			if gene[i] == '_' || gene[i] == '|' {
				sym = gene[i+1:]
				break
			}
		}
		if known[gene] || known[sym] {
			overlap = append(overlap, gene)
		}
	}
	return overlap
}

type selectStable struct{}

func (cmd *selectStable) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *selectStable) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	scoresFilename := flags.String("scores", "-", "stability score table `file` (from the stability command)")
	outputFilename := flags.String("o", "-", "stable gene list output `file`")
	percentile := flags.Float64("percentile", 2, "candidate threshold `percentile` of each score distribution")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if *percentile <= 0 || *percentile >= 100 {
		return fmt.Errorf("-percentile must be in (0,100), got %v", *percentile)
	}

	in, err := openInput(*scoresFilename, stdin)
	if err != nil {
		return err
	}
	var scores []StabilityScore
	err = gocsv.Unmarshal(in, &scores)
	in.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", *scoresFilename, err)
	}
	if len(scores) == 0 {
		return emptyInputf("select-stable: score table %s is empty", *scoresFilename)
	}

	cvs := make([]float64, len(scores))
	ginis := make([]float64, len(scores))
	for i, s := range scores {
		cvs[i] = s.CV
		ginis[i] = s.Gini
	}
	cvThreshold := ScoreThreshold(cvs, *percentile)
	giniThreshold := ScoreThreshold(ginis, *percentile)
	log.Infof("thresholds at percentile %v: CV < %.4f, Gini < %.4f", *percentile, cvThreshold, giniThreshold)

	cvSet := CandidatesBelow(scores, func(s StabilityScore) float64 { return s.CV }, cvThreshold)
	giniSet := CandidatesBelow(scores, func(s StabilityScore) float64 { return s.Gini }, giniThreshold)
	log.Infof("candidates: %d by CV, %d by Gini", len(cvSet), len(giniSet))

	stable, err := SelectStable(cvSet, giniSet)
	if err != nil {
		return err
	}
	log.Infof("selected %d stable genes", len(stable))

	if overlap := literatureOverlap(stable); len(overlap) > 0 {
		log.Infof("literature overlap: %d of %d known housekeeping genes: %v", len(overlap), len(literatureHKG), overlap)
	} else {
		log.Info("literature overlap: none")
	}

	out, closer, err := openOutput(*outputFilename, stdout)
	if err != nil {
		return err
	}
	for _, gene := range stable {
		fmt.Fprintln(out, gene)
	}
	return closer()
}
