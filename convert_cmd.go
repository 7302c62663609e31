// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/tgulacsi/img2pdf/converter"
)

func init() {
	var (
		out, page, mode, engine, title string
		margin, dpi                    float64
		autoOrient, noCache            bool
	)
	convertFS := newFlagSet("convert")
	convertFS.StringVar(&out, "o", "-", "output PDF (- for stdout)")
	convertFS.StringVar(&page, "page", *converter.ConfPageSize, "page size: A3, A4, A5, Letter, Legal or WIDTHxHEIGHT in points")
	convertFS.StringVar(&mode, "mode", *converter.ConfMode, "scaling mode: fit, native or stretch")
	convertFS.Float64Var(&margin, "margin", *converter.ConfMargin, "margin in points")
	convertFS.Float64Var(&dpi, "dpi", *converter.ConfDPI, "resolution of the image (for native mode)")
	convertFS.StringVar(&engine, "engine", *converter.ConfEngine, "PDF writer: native, pdfcpu, gopdf or gm")
	convertFS.StringVar(&title, "title", "", "document title")
	convertFS.BoolVar(&autoOrient, "auto-orient", *converter.ConfAutoOrient, "landscape page for landscape images")
	convertFS.BoolVar(&noCache, "no-cache", false, "do not use the result cache")
	convertCmd := ffcli.Command{Name: "convert", ShortHelp: "convert images to a PDF, one page each",
		ShortUsage: "img2pdf convert [flags] <image|data:URL|-> [image...]", FlagSet: convertFS,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return flag.ErrHelp
			}
			// flags override the config file only when given explicitly
			convertFS.Visit(func(f *flag.Flag) {
				switch f.Name {
				case "page":
					*converter.ConfPageSize = page
				case "mode":
					*converter.ConfMode = mode
				case "margin":
					*converter.ConfMargin = margin
				case "dpi":
					*converter.ConfDPI = dpi
				case "engine":
					*converter.ConfEngine = engine
				case "auto-orient":
					*converter.ConfAutoOrient = autoOrient
				}
			})
			srcs := make([]converter.Source, 0, len(args))
			for _, a := range args {
				if a == "-" {
					srcs = append(srcs, converter.ReaderSource{Filename: "stdin", R: os.Stdin})
					continue
				}
				src, err := converter.ParseSource(a)
				if err != nil {
					return err
				}
				srcs = append(srcs, src)
			}
			return convertFiles(ctx, out, srcs, &converter.Options{Title: title, NoCache: noCache})
		},
	}

	var maxAge time.Duration
	sweepFS := newFlagSet("sweep")
	sweepFS.DurationVar(&maxAge, "max-age", time.Hour, "remove staged outputs older than this")
	sweepCmd := ffcli.Command{Name: "sweep", ShortHelp: "remove the leftover staged outputs",
		ShortUsage: "img2pdf sweep [flags]", FlagSet: sweepFS,
		Exec: func(ctx context.Context, args []string) error {
			cfg, err := converter.DefaultConfig()
			if err != nil {
				return err
			}
			store, err := converter.NewDirStore(cfg.OutputDir)
			if err != nil {
				return err
			}
			n, err := store.Sweep(maxAge)
			logger.Info("sweep", "dir", store.Dir(), "removed", n)
			return err
		},
	}

	subcommands = append(subcommands, &convertCmd, &sweepCmd)
}

// convertFiles converts srcs into one PDF, written to out ("-" is stdout).
func convertFiles(ctx context.Context, out string, srcs []converter.Source, opts *converter.Options) error {
	cfg, err := converter.DefaultConfig()
	if err != nil {
		return err
	}
	toStdout := out == "" || out == "-"
	if !toStdout {
		// publish next to the destination, so the final rename stays on one filesystem
		cfg.OutputDir = filepath.Join(filepath.Dir(out), ".img2pdf-"+strconv.Itoa(os.Getpid()))
		defer os.RemoveAll(cfg.OutputDir)
	}
	store, err := converter.NewDirStore(cfg.OutputDir)
	if err != nil {
		return err
	}
	conv, err := converter.New(cfg, store)
	if err != nil {
		return err
	}
	defer conv.Close()

	ref, err := conv.ConvertPages(ctx, srcs, opts)
	if err != nil {
		return err
	}
	fn, err := store.Path(ref)
	if err != nil {
		return err
	}
	if !toStdout {
		if err = os.Rename(fn, out); err != nil {
			return fmt.Errorf("rename %s to %s: %w", fn, out, err)
		}
		logger.Info("converted", "output", out, "pages", len(srcs))
		return nil
	}
	defer func() { _ = store.Delete(ctx, ref) }()
	fh, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer fh.Close()
	_, err = io.Copy(os.Stdout, fh)
	return err
}
