// Copyright (C) The Hkgsel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hkgsel

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var version = "dev"

type cmdHandler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

type multi map[string]cmdHandler

func (m multi) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintf(stderr, "usage: %s <command> [options]\n\ncommands:\n", prog)
		var names []string
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(stderr, "  %s\n", name)
		}
		return 2
	}
	cmd, ok := m[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "%s: unrecognized command %q\n", prog, args[0])
		return 2
	}
	return cmd.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
}

type versionCmd struct{}

func (versionCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "hkgsel %s (%s)\n", version, runtime.Version())
	return 0
}

var handler = multi{
	"version":   versionCmd{},
	"-version":  versionCmd{},
	"--version": versionCmd{},

	"normalize":     &normalizer{},
	"stability":     &stabilitycmd{},
	"select-stable": &selectStable{},
	"ruv":           &ruvcmd{},
	"diffexp":       &diffexp{},
}

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
