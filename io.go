// Copyright (C) The Hkgsel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hkgsel

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
)

// peekReader lets table loaders look at the header line (to sniff the
// delimiter) without consuming it.
type peekReader struct {
	*bufio.Reader
}

func newPeekReader(r io.Reader) *peekReader {
	return &peekReader{bufio.NewReaderSize(r, 1<<20)}
}

func (pr *peekReader) PeekLine() (string, error) {
	for n := 1024; ; n *= 2 {
		buf, err := pr.Peek(n)
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			return string(buf[:i]), nil
		}
		if err != nil || n >= pr.Size() {
			if len(buf) > 0 {
				return string(buf), nil
			}
			return "", err
		}
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// openInput opens the named file for reading, transparently
// decompressing if the name ends in ".gz". "-" means stdin.
func openInput(fnm string, stdin io.Reader) (io.ReadCloser, error) {
	var rdr io.ReadCloser
	if fnm == "-" {
		rdr = io.NopCloser(stdin)
	} else {
		f, err := os.Open(fnm)
		if err != nil {
			return nil, err
		}
		rdr = f
	}
	if !strings.HasSuffix(fnm, ".gz") {
		return rdr, nil
	}
	gz, err := pgzip.NewReader(bufio.NewReaderSize(rdr, 1<<20))
	if err != nil {
		rdr.Close()
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{gz, rdr}, nil
}

// openOutput opens the named file for writing, compressing if the name
// ends in ".gz". "-" means stdout. The returned flush func must be
// called (and its error checked) before the caller returns.
func openOutput(fnm string, stdout io.Writer) (io.Writer, func() error, error) {
	var out io.WriteCloser
	if fnm == "-" {
		out = nopCloser{stdout}
	} else {
		f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
		if err != nil {
			return nil, nil, err
		}
		out = f
	}
	bufw := bufio.NewWriter(out)
	if !strings.HasSuffix(fnm, ".gz") {
		return bufw, func() error {
			if err := bufw.Flush(); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		}, nil
	}
	gzw := pgzip.NewWriter(bufw)
	return gzw, func() error {
		if err := gzw.Close(); err != nil {
			out.Close()
			return err
		}
		if err := bufw.Flush(); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}, nil
}

// readGeneList reads one gene identifier per line, ignoring blank
// lines.
func readGeneList(fnm string, stdin io.Reader) ([]string, error) {
	in, err := openInput(fnm, stdin)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	var genes []string
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		gene := strings.TrimSpace(scanner.Text())
		if gene != "" {
			genes = append(genes, gene)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return genes, nil
}
