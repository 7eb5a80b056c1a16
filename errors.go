// Copyright (C) The Hkgsel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hkgsel

import "fmt"

// InvalidInputError indicates a malformed count matrix or a metadata
// table that does not line up with it.
type InvalidInputError struct {
	msg string
}

func (e *InvalidInputError) Error() string { return e.msg }

func invalidInputf(format string, args ...interface{}) error {
	return &InvalidInputError{msg: fmt.Sprintf(format, args...)}
}

// EmptyInputError indicates a filtering step left no genes to work
// with.
type EmptyInputError struct {
	msg string
}

func (e *EmptyInputError) Error() string { return e.msg }

func emptyInputf(format string, args ...interface{}) error {
	return &EmptyInputError{msg: fmt.Sprintf(format, args...)}
}

// EmptyResultError indicates a selection step produced no genes, so
// downstream stages cannot proceed.
type EmptyResultError struct {
	msg string
}

func (e *EmptyResultError) Error() string { return e.msg }

func emptyResultf(format string, args ...interface{}) error {
	return &EmptyResultError{msg: fmt.Sprintf(format, args...)}
}

// InsufficientControlsError indicates the control gene list is too
// small for the requested number of unwanted-variation factors.
type InsufficientControlsError struct {
	Controls int
	K        int
}

func (e *InsufficientControlsError) Error() string {
	return fmt.Sprintf("ruv: %d control genes cannot support k=%d factors (need at least k+1)", e.Controls, e.K)
}

// ModelFitError indicates the per-gene model did not converge. It is
// recovered locally: the gene keeps its row in the result table with
// undefined statistics.
type ModelFitError struct {
	Gene string
	msg  string
}

func (e *ModelFitError) Error() string {
	return fmt.Sprintf("model fit failed for gene %s: %s", e.Gene, e.msg)
}
