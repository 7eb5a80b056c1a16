// Copyright (C) The Hkgsel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hkgsel

import (
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"math"
	"runtime"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Contrast names a pairwise comparison between two levels of a
// categorical covariate.
type Contrast struct {
	Covariate string
	Treatment string
	Reference string
}

// DEConfig configures one differential expression run. Design lists
// covariate names in model order; the covariate of interest
// (Contrast.Covariate) must come last so that unwanted-variation
// factors are partialled out first.
type DEConfig struct {
	Design   []string
	Contrast Contrast
	Workers  int
}

// DEResult holds per-gene differential expression statistics. NaN
// marks undefined values: genes with all-zero counts, or genes whose
// model fit did not converge. Such genes keep their row in the table.
type DEResult struct {
	Gene           string  `csv:"Gene"`
	BaseMean       float64 `csv:"BaseMean"`
	Log2FoldChange float64 `csv:"Log2FoldChange"`
	Stat           float64 `csv:"Stat"`
	PValue         float64 `csv:"PValue"`
	AdjPValue      float64 `csv:"AdjPValue"`
}

const minDispersion = 1e-8

// dispersionMoM is the method-of-moments negative binomial dispersion
// estimate over normalized counts: (var - mean) / mean².
func dispersionMoM(norm []float64) float64 {
	mean, variance := stat.MeanVariance(norm, nil)
	if mean <= 0 {
		return math.NaN()
	}
	d := (variance - mean) / (mean * mean)
	if !(d > minDispersion) {
		d = minDispersion
	}
	return d
}

// shrinkDispersions pulls per-gene dispersion estimates toward the
// median dispersion in log space. The gene weight grows with sample
// count; with tens of samples the per-gene estimate dominates. This is
// a simple stand-in for full empirical-Bayes shrinkage: the contract
// is stabilizing noisy per-gene estimates, not reproducing any
// particular shrinkage formula.
func shrinkDispersions(disp []float64, nsamples int) []float64 {
	finite := make([]float64, 0, len(disp))
	for _, d := range disp {
		if !math.IsNaN(d) {
			finite = append(finite, d)
		}
	}
	out := make([]float64, len(disp))
	prior, err := stats.Median(finite)
	if err != nil || !(prior > 0) {
		copy(out, disp)
		return out
	}
	w := float64(nsamples) / (float64(nsamples) + 8)
	logPrior := math.Log(prior)
	for i, d := range disp {
		if math.IsNaN(d) {
			out[i] = math.NaN()
			continue
		}
		out[i] = math.Exp(w*math.Log(d) + (1-w)*logPrior)
	}
	return out
}

func standardize(a []float64) []float64 {
	out := append([]float64(nil), a...)
	mean, std := stat.MeanStdDev(out, nil)
	if std == 0 {
		std = 1
	}
	for i, x := range out {
		out[i] = (x - mean) / std
	}
	return out
}

// buildDesign expands the configured covariates into numeric design
// columns: numeric covariates are standardized, categorical covariates
// are dummy coded. The covariate of interest is coded against the
// contrast's reference level; the returned index locates the
// treatment-level coefficient among the columns.
func buildDesign(md *SampleMetadata, cfg DEConfig) (cols [][]float64, names []string, contrastIdx int, err error) {
	if len(cfg.Design) == 0 {
		return nil, nil, 0, invalidInputf("diffexp: empty model design")
	}
	if cfg.Design[len(cfg.Design)-1] != cfg.Contrast.Covariate {
		return nil, nil, 0, invalidInputf("diffexp: covariate of interest %q must be the last design term (got %v)", cfg.Contrast.Covariate, cfg.Design)
	}
	for _, name := range cfg.Design[:len(cfg.Design)-1] {
		if vals, ok := md.Values[name]; ok {
			cols = append(cols, standardize(vals))
			names = append(names, name)
			continue
		}
		levels, err := md.Levels(name)
		if err != nil {
			return nil, nil, 0, err
		}
		for _, level := range levels[1:] {
			cols = append(cols, dummy(md.Factors[name], level))
			names = append(names, name+"_"+level)
		}
	}

	covariate := cfg.Contrast.Covariate
	levels, err := md.Levels(covariate)
	if err != nil {
		return nil, nil, 0, err
	}
	present := map[string]bool{}
	for _, l := range levels {
		present[l] = true
	}
	if !present[cfg.Contrast.Treatment] {
		return nil, nil, 0, invalidInputf("diffexp: treatment level %q not present in %s", cfg.Contrast.Treatment, covariate)
	}
	if !present[cfg.Contrast.Reference] {
		return nil, nil, 0, invalidInputf("diffexp: reference level %q not present in %s", cfg.Contrast.Reference, covariate)
	}
	if cfg.Contrast.Treatment == cfg.Contrast.Reference {
		return nil, nil, 0, invalidInputf("diffexp: treatment and reference are both %q", cfg.Contrast.Treatment)
	}
	contrastIdx = -1
	for _, level := range levels {
		if level == cfg.Contrast.Reference {
			continue
		}
		if level == cfg.Contrast.Treatment {
			contrastIdx = len(cols)
		}
		cols = append(cols, dummy(md.Factors[covariate], level))
		names = append(names, covariate+"_"+level)
	}
	return cols, names, contrastIdx, nil
}

func dummy(vals []string, level string) []float64 {
	col := make([]float64, len(vals))
	for i, v := range vals {
		if v == level {
			col[i] = 1
		}
	}
	return col
}

// fitGeneNB fits a negative binomial GLM with log link to one gene's
// raw counts, with log size factors as offset, and returns the
// coefficient and standard error at column idx of the design.
func fitGeneNB(gene string, counts []float64, cols [][]float64, names []string, offset []float64, alpha float64, idx int) (beta, se float64, err error) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			err = &ModelFitError{Gene: gene, msg: "singular or ill-conditioned design"}
		}
	}()

	nobs := len(counts)
	toDtype := func(src []float64) []statmodel.Dtype {
		dst := make([]statmodel.Dtype, nobs)
		for i, v := range src {
			dst[i] = v
		}
		return dst
	}
	icept := make([]statmodel.Dtype, nobs)
	for i := range icept {
		icept[i] = 1
	}
	data := make([][]statmodel.Dtype, 0, len(cols)+3)
	data = append(data, toDtype(counts), icept)
	for _, col := range cols {
		data = append(data, toDtype(col))
	}
	data = append(data, toDtype(offset))
	varnames := append([]string{"counts", "icept"}, names...)
	varnames = append(varnames, "offset")
	dataset := statmodel.NewDataset(data, varnames)

	// IRLS diverges from the default all-zero start when counts are
	// large; start the intercept at the mean offset-corrected log
	// count.
	start := make([]float64, len(names)+1)
	for i, v := range counts {
		start[0] += math.Log(v+1) - offset[i]
	}
	start[0] /= float64(nobs)

	config := &glm.Config{
		Family:         glm.NewNegBinomFamily(alpha, glm.NewLink(glm.LogLink)),
		FitMethod:      "IRLS",
		ConcurrentIRLS: 1000,
		OffsetVar:      "offset",
		Start:          start,
		Log:            stdlog.New(io.Discard, "", 0),
	}
	predictors := append([]string{"icept"}, names...)
	model, err := glm.NewGLM(dataset, "counts", predictors, config)
	if err != nil {
		return 0, 0, &ModelFitError{Gene: gene, msg: err.Error()}
	}
	result := model.Fit()
	params := result.Params()
	stderrs := result.StdErr()
	beta, se = params[idx+1], stderrs[idx+1]
	if math.IsNaN(beta) || math.IsInf(beta, 0) || !(se > 0) || math.IsInf(se, 0) {
		return 0, 0, &ModelFitError{Gene: gene, msg: "estimate did not converge"}
	}
	return beta, se, nil
}

// BenjaminiHochberg computes adjusted p-values across the finite
// entries of pvals. NaN entries stay NaN and do not count toward the
// number of tests.
func BenjaminiHochberg(pvals []float64) []float64 {
	adj := make([]float64, len(pvals))
	var idx []int
	for i, p := range pvals {
		if math.IsNaN(p) {
			adj[i] = math.NaN()
		} else {
			idx = append(idx, i)
		}
	}
	n := len(idx)
	if n == 0 {
		return adj
	}
	sort.Slice(idx, func(a, b int) bool { return pvals[idx[a]] < pvals[idx[b]] })
	minP := 1.0
	for rank := n; rank >= 1; rank-- {
		i := idx[rank-1]
		a := pvals[i] * float64(n) / float64(rank)
		if a > 1 {
			a = 1
		}
		if a < minP {
			minP = a
		}
		adj[i] = minP
	}
	return adj
}

// RunDE fits the negative binomial model per gene and tests the
// configured contrast. Raw counts go into the model; normalization
// enters only through the per-sample log size factor offset. Genes
// whose fit fails keep their row with NaN statistics.
func RunDE(cm *Matrix, md *SampleMetadata, cfg DEConfig) ([]DEResult, error) {
	if len(md.Samples) != len(cm.Samples) {
		return nil, invalidInputf("diffexp: metadata has %d samples, count matrix has %d", len(md.Samples), len(cm.Samples))
	}
	sizeFactors, err := SizeFactors(cm)
	if err != nil {
		return nil, fmt.Errorf("diffexp: %w", err)
	}
	nm, err := Normalize(cm, sizeFactors)
	if err != nil {
		return nil, err
	}
	offset := make([]float64, len(sizeFactors))
	for j, f := range sizeFactors {
		offset[j] = math.Log(f)
	}

	cols, names, contrastIdx, err := buildDesign(md, cfg)
	if err != nil {
		return nil, err
	}

	ngenes := len(cm.Genes)
	disp := make([]float64, ngenes)
	for i := 0; i < ngenes; i++ {
		disp[i] = dispersionMoM(nm.Row(i))
	}
	disp = shrinkDispersions(disp, len(cm.Samples))

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	throttleCPU := throttle{Max: workers}
	results := make([]DEResult, ngenes)
	fitFailures := 0
	chisq := distuv.ChiSquared{K: 1}
	for i := 0; i < ngenes; i++ {
		i := i
		throttleCPU.Acquire()
		go func() {
			defer throttleCPU.Release()
			row := cm.Row(i)
			res := DEResult{
				Gene:           cm.Genes[i],
				BaseMean:       stat.Mean(nm.Row(i), nil),
				Log2FoldChange: math.NaN(),
				Stat:           math.NaN(),
				PValue:         math.NaN(),
				AdjPValue:      math.NaN(),
			}
			allzero := true
			for _, v := range row {
				if v != 0 {
					allzero = false
					break
				}
			}
			if allzero || math.IsNaN(disp[i]) {
				results[i] = res
				return
			}
			beta, se, err := fitGeneNB(cm.Genes[i], row, cols, names, offset, disp[i], contrastIdx)
			if err != nil {
				log.Debugf("%s", err)
				results[i] = res
				return
			}
			z := beta / se
			res.Log2FoldChange = beta / math.Ln2
			res.Stat = z
			res.PValue = chisq.Survival(z * z)
			results[i] = res
		}()
	}
	throttleCPU.Wait()

	pvals := make([]float64, ngenes)
	for i, r := range results {
		pvals[i] = r.PValue
		if math.IsNaN(r.PValue) {
			fitFailures++
		}
	}
	adj := BenjaminiHochberg(pvals)
	for i := range results {
		results[i].AdjPValue = adj[i]
	}
	if fitFailures > 0 {
		log.Infof("diffexp: %d of %d genes have undefined statistics (all-zero counts or failed fits)", fitFailures, ngenes)
	}
	return results, nil
}

type diffexp struct{}

func (cmd *diffexp) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *diffexp) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "count matrix `file`")
	metadataFilename := flags.String("metadata", "", "sample metadata `file`")
	factorsFilename := flags.String("ruv-factors", "", "unwanted-variation factor table `file` (from the ruv command); its columns become model covariates")
	outputFilename := flags.String("o", "-", "result table output `file`")
	design := flags.String("design", "", "comma-separated model `terms`, covariate of interest last (default: the contrast covariate alone)")
	covariate := flags.String("covariate", "", "categorical metadata `column` of interest")
	treatment := flags.String("treatment", "", "treatment `level` of the contrast")
	reference := flags.String("reference", "", "reference `level` of the contrast")
	threads := flags.Int("threads", runtime.GOMAXPROCS(0), "worker threads for per-gene model fits")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if *metadataFilename == "" || *covariate == "" || *treatment == "" || *reference == "" {
		return fmt.Errorf("must provide -metadata, -covariate, -treatment and -reference")
	}

	cm, err := loadCounts(*inputFilename, stdin)
	if err != nil {
		return err
	}
	md, err := loadMetadataAligned(*metadataFilename, stdin, cm)
	if err != nil {
		return err
	}
	if *factorsFilename != "" {
		in, err := openInput(*factorsFilename, stdin)
		if err != nil {
			return err
		}
		err = LoadFactorTable(in, md)
		in.Close()
		if err != nil {
			return err
		}
		log.Infof("loaded unwanted-variation covariates %v from %s", md.Covariates, *factorsFilename)
	}

	cfg := DEConfig{
		Contrast: Contrast{Covariate: *covariate, Treatment: *treatment, Reference: *reference},
		Workers:  *threads,
	}
	if *design == "" {
		cfg.Design = []string{*covariate}
	} else {
		cfg.Design = strings.Split(*design, ",")
	}
	log.Infof("model: %s; contrast: %s vs %s", strings.Join(cfg.Design, " + "), *treatment, *reference)

	results, err := RunDE(cm, md, cfg)
	if err != nil {
		return err
	}

	up, down := 0, 0
	for _, r := range results {
		if math.IsNaN(r.AdjPValue) || r.AdjPValue >= 0.05 {
			continue
		}
		if r.Log2FoldChange > 0 {
			up++
		} else if r.Log2FoldChange < 0 {
			down++
		}
	}
	log.Infof("%s vs %s: %d significant & up, %d significant & down (adjusted p < 0.05)", *treatment, *reference, up, down)

	out, closer, err := openOutput(*outputFilename, stdout)
	if err != nil {
		return err
	}
	if err = gocsv.Marshal(&results, out); err != nil {
		return err
	}
	return closer()
}
