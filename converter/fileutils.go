// Copyright 2013, 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"fmt"
	"io"
	"os"

	"github.com/KarpelesLab/reflink"
	"github.com/pkg/errors"
)

func fileExists(fn string) bool {
	if _, err := os.Stat(fn); err == nil {
		return true
	}
	return false
}

// linkOrCopy creates to as a copy of from: a reflink if the filesystem supports it,
// a plain copy otherwise.
func linkOrCopy(from, to string) error {
	if from == to {
		return nil
	}
	if err := reflink.Auto(from, to); err == nil {
		return nil
	}
	return copyFile(from, to)
}

// copy file
func copyFile(from, to string) error {
	if from == to {
		return nil
	}
	ifh, err := os.Open(from)
	if err != nil {
		return errors.Wrapf(err, "copy cannot open %s for reading", from)
	}
	defer func() { _ = ifh.Close() }()
	ofh, err := os.Create(to)
	if err != nil {
		return errors.Wrapf(err, "copy cannot open %s for writing", to)
	}
	if _, err = io.Copy(ofh, ifh); err != nil {
		_ = ofh.Close()
		return errors.Wrapf(err, "error copying from %s to %s", from, to)
	}
	return ofh.Close()
}

// readFileLimit reads at most limit bytes from fn.
func readFileLimit(fn string, limit int64) ([]byte, error) {
	fh, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	if fi, err := fh.Stat(); err == nil && fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory", fn)
	}
	return readLimit(fh, limit)
}

var errTooLarge = errors.New("input too large")

func readLimit(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return b, err
	}
	if int64(len(b)) > limit {
		return nil, errors.Wrapf(errTooLarge, "more than %d bytes", limit)
	}
	return b, nil
}
