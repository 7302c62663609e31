// Copyright 2017, 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Command img2pdf converts images to PDF, from the command line or as an HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/zerologr"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog"
	"github.com/tgulacsi/go/globalctx"
	"golang.org/x/sync/errgroup"

	"github.com/tgulacsi/img2pdf/converter"
)

var zl = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
var logger = zerologr.New(&zl)

func main() {
	if err := Main(); err != nil {
		logger.Error(err, "Main")
		os.Exit(1)
	}
}

var (
	configFile, listenAddr string

	subcommands []*ffcli.Command
)

func newFlagSet(name string) *flag.FlagSet { return flag.NewFlagSet(name, flag.ContinueOnError) }

func Main() error {
	converter.SetLogger(logger.WithName("converter"))

	var (
		verbose bool
		logFile string
	)

	fs := newFlagSet("img2pdf")
	fs.BoolVar(&verbose, "v", false, "verbose logging")
	fs.StringVar(&configFile, "config", "", "config file (TOML)")
	fs.StringVar(&logFile, "logfile", "", "logfile")
	appCmd := &ffcli.Command{
		Name:        "img2pdf",
		ShortHelp:   "img2pdf converts images to PDF",
		FlagSet:     fs,
		Subcommands: subcommands,
	}

	var savereq bool
	fs = newFlagSet("serve")
	fs.BoolVar(&savereq, "savereq", false, "save requests")
	serveCmd := ffcli.Command{Name: "serve", ShortHelp: "serve HTTP",
		ShortUsage: "img2pdf serve [flags] [addr.to.listen.on:port]", FlagSet: fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				listenAddr = args[0]
			}
			conv, closeConv, err := newConverter(ctx)
			if err != nil {
				return err
			}
			defer closeConv()
			return serve(ctx, conv, savereq)
		},
	}
	appCmd.Subcommands = append(appCmd.Subcommands, &serveCmd)

	if err := appCmd.Parse(os.Args[1:]); err != nil {
		return err
	}

	var closeLogfile func() error

	var err error
	if closeLogfile, err = logToFile(logFile); err != nil {
		return err
	}
	if verbose {
		zl = zl.Level(zerolog.TraceLevel)
	}
	if configFile == "" {
		if self, execErr := os.Executable(); execErr != nil {
			logger.Info("Cannot determine executable file name", "error", execErr)
		} else {
			ini := filepath.Join(filepath.Dir(self), "img2pdf.ini")
			f, iniErr := os.Open(ini)
			if iniErr != nil {
				logger.V(1).Info("Cannot open config", "file", ini, "error", iniErr)
			} else {
				_ = f.Close()
				configFile = ini
			}
		}
	}
	ctx, cancel := globalctx.Wrap(context.Background())
	defer cancel()
	logger.Info("Loading config", "file", configFile)
	if err = converter.LoadConfig(ctx, configFile); err != nil {
		logger.Info("Parsing config", "file", configFile, "error", err)
		return err
	}
	if closeLogfile == nil {
		if closeLogfile, err = logToFile(*converter.ConfLogFile); err != nil {
			logger.Error(err, "logToFile")
		}
	}
	logger.Info("parameters",
		"workdir", converter.Workdir,
		"listen", *converter.ConfListenAddr,
		"engine", *converter.ConfEngine,
		"gm", *converter.ConfGm,
		"concurrency", *converter.ConfConcurrency,
		"logfile", *converter.ConfLogFile,
	)

	if closeLogfile != nil {
		defer func() {
			logger.Info("close log file", "error", closeLogfile())
		}()
	}

	return appCmd.Run(ctx)
}

// newConverter returns the Converter built from the configuration,
// recording the jobs in PostgreSQL if a database is configured.
func newConverter(ctx context.Context) (*converter.Converter, func(), error) {
	cfg, err := converter.DefaultConfig()
	if err != nil {
		return nil, nil, err
	}
	logger.V(1).Info("converter", "config", cfg.String())
	var options []converter.Option
	closers := make([]func(), 0, 2)
	if *converter.ConfDatabase != "" {
		pg, err := converter.NewPgJobs(ctx, *converter.ConfDatabase)
		if err != nil {
			return nil, nil, err
		}
		options = append(options, converter.WithJobStore(pg))
		closers = append(closers, pg.Close)
	}
	conv, err := converter.New(cfg, nil, options...)
	if err != nil {
		for _, f := range closers {
			f()
		}
		return nil, nil, err
	}
	return conv, func() {
		_ = conv.Close()
		for _, f := range closers {
			f()
		}
	}, nil
}

func serve(ctx context.Context, conv *converter.Converter, savereq bool) error {
	listeners := getListeners()
	if listenAddr == "" && len(listeners) == 0 {
		listenAddr = *converter.ConfListenAddr
	}
	logger.Info("serve", "listeners", len(listeners), "listenAddr", listenAddr)

	stopTracing, err := setupTracing(zl.With().Str("lib", "otel").Logger())
	if err != nil {
		return err
	}
	defer func() { _ = stopTracing(context.Background()) }()

	hub := newWSHub(logger)
	handler := newHandler(conv, hub, savereq)

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error { hub.Run(grpCtx, conv); return nil })
	srvs := make([]*http.Server, 0, len(listeners)+1)
	if listenAddr != "" {
		srvs = append(srvs, newHTTPServer(listenAddr, handler))
	}
	for range listeners {
		srvs = append(srvs, newHTTPServer("", handler))
	}
	for i, s := range srvs {
		s := s
		if s.Addr != "" {
			grp.Go(func() error {
				logger.Info("listening", "address", s.Addr)
				return s.ListenAndServe()
			})
			continue
		}
		l := listeners[i-(len(srvs)-len(listeners))]
		grp.Go(func() error {
			logger.Info("listening", "listener", l.Addr())
			return s.Serve(l)
		})
	}
	<-grpCtx.Done()
	for _, s := range srvs {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = s.Shutdown(ctx)
		cancel()
		_ = s.Close()
	}
	if err := grp.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func logToFile(fn string) (func() error, error) {
	if fn == "" {
		return nil, nil
	}
	fh, err := os.OpenFile(fn, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		logger.Error(err, "open log file", "file", fn)
		return nil, fmt.Errorf("%s: %w", fn, err)
	}
	logger.Info("Will log to", "file", fh.Name())
	zl = zerolog.New(zerolog.MultiLevelWriter(zl, fh)).With().Timestamp().Logger().Level(zl.GetLevel())
	logger.Info("Logging to", "file", fh.Name())
	return fh.Close, nil
}
