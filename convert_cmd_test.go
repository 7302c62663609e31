// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr/testr"
	lpdf "github.com/ledongthuc/pdf"

	"github.com/tgulacsi/img2pdf/converter"
)

func TestConvertFiles(t *testing.T) {
	converter.SetLogger(testr.New(t))
	dir := t.TempDir()
	oldWorkdir, oldCache := converter.Workdir, *converter.ConfCache
	converter.Workdir, *converter.ConfCache = dir, false
	defer func() { converter.Workdir, *converter.ConfCache = oldWorkdir, oldCache }()

	in := filepath.Join(dir, "in.png")
	if err := os.WriteFile(in, testPNG(t, 40, 30), 0644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "sub", "out.pdf")
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	srcs := []converter.Source{converter.FileSource(in), converter.FileSource(in)}
	if err := convertFiles(ctx, out, srcs, &converter.Options{Title: "two"}); err != nil {
		t.Fatalf("%+v", err)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(b, []byte("%PDF-")) {
		t.Errorf("not a PDF: %q", b[:min(32, len(b))])
	} else if r, err := lpdf.NewReader(bytes.NewReader(b), int64(len(b))); err != nil {
		t.Error(err)
	} else if n := r.NumPage(); n != 2 {
		t.Errorf("got %d pages, wanted 2", n)
	}
	des, err := os.ReadDir(filepath.Dir(out))
	if err != nil {
		t.Fatal(err)
	}
	if len(des) != 1 {
		t.Errorf("leftovers next to the output: %v", des)
	}

	err = convertFiles(ctx, filepath.Join(dir, "missing.pdf"), []converter.Source{converter.FileSource(filepath.Join(dir, "nope.png"))}, nil)
	if !errors.Is(err, converter.ErrInputUnavailable) {
		t.Errorf("missing input: got %v", err)
	}
	if _, err = os.Stat(filepath.Join(dir, "missing.pdf")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("output of failed conversion: %v", err)
	}
}
