// Copyright 2017, 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package converter implements the image to PDF conversion engine:
// decoding, page layout, PDF rendering and staged publishing of the result.
package converter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	config "github.com/stvp/go-toml-config"
)

var logger = logr.Discard()

// SetLogger sets the package-level logger.
func SetLogger(lgr logr.Logger) { logger = lgr }

func getLogger(ctx context.Context) logr.Logger {
	if ctx != nil {
		if lgr, err := logr.FromContext(ctx); err == nil {
			return lgr
		}
	}
	return logger
}

func lookPath(fn string) string {
	path, err := exec.LookPath(fn)
	if err != nil {
		return ""
	}
	return path
}

var (
	// ConfListenAddr is a listen address for HTTP requests
	ConfListenAddr = config.String("listen", ":9500")

	// ConfWorkdir is the working directory (will be os.TempDir() if empty)
	ConfWorkdir = config.String("workdir", "")

	// ConfOutputDir is where the PDFs are published (Workdir/img2pdf-out if empty)
	ConfOutputDir = config.String("outdir", "")

	// ConfConcurrency limits the concurrently running conversions
	ConfConcurrency = config.Int("concurrency", runtime.GOMAXPROCS(0))

	// ConfQueueLength is the number of conversions allowed to wait for a free slot
	ConfQueueLength = config.Int("queueLength", 64)

	// ConfQueueTimeout is the maximum time to wait for a free slot
	ConfQueueTimeout = config.Duration("queueTimeout", 30*time.Second)

	ConfDecodeTimeout = config.Duration("decodeTimeout", time.Minute)
	ConfWriteTimeout  = config.Duration("writeTimeout", time.Minute)

	// ConfMaxInputBytes limits the size of the input image
	ConfMaxInputBytes = config.Int64("maxInputBytes", 256<<20)
	ConfMaxPixels     = config.Int64("maxPixels", DefaultMaxPixels)

	ConfPageSize   = config.String("pageSize", "A4")
	ConfMargin     = config.Float64("margin", 28.3465)
	ConfMode       = config.String("mode", string(FitToPage))
	ConfDPI        = config.Float64("dpi", 72)
	ConfMaxUpscale = config.Float64("maxUpscale", DefaultMaxUpscale)
	ConfAutoOrient = config.Bool("autoOrient", false)

	// ConfEngine selects the PDF writer: native, pdfcpu, gopdf or gm
	ConfEngine = config.String("engine", "native")

	// ConfGm is the path for GraphicsMagick
	ConfGm = config.String("gm", lookPath("gm"))

	// ConfCache enables the result cache under Workdir
	ConfCache = config.Bool("cache", true)

	// ConfDatabase is a PostgreSQL URL for storing the async jobs (in-memory if empty)
	ConfDatabase = config.String("database", "")

	// ConfLogFile specifies the file to log - instead of command line.
	ConfLogFile = config.String("logfile", "")
)

// Workdir is the main working directory
var Workdir = os.TempDir()

// LoadConfig loads TOML config file
func LoadConfig(ctx context.Context, fn string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fn != "" {
		if err := config.Parse(fn); err != nil {
			logger.Info("WARN Cannot open config file", "file", fn, "error", err)
		}
	}
	if *ConfWorkdir != "" {
		Workdir = *ConfWorkdir
	}
	return nil
}

// Config of a Converter.
type Config struct {
	Workdir   string
	OutputDir string
	CacheDir  string

	MaxConcurrent int
	QueueLength   int
	QueueTimeout  time.Duration
	DecodeTimeout time.Duration
	WriteTimeout  time.Duration

	MaxInputBytes int64
	MaxDimension  int
	MaxPixels     int64

	Layout LayoutOptions
	Engine string
	Gm     string
}

// DefaultConfig returns the configuration built from the Conf* variables.
func DefaultConfig() (Config, error) {
	ps, err := ParsePageSize(*ConfPageSize)
	if err != nil {
		return Config{}, err
	}
	mode, err := ParseScalingMode(*ConfMode)
	if err != nil {
		return Config{}, err
	}
	if !finite(*ConfMargin, *ConfDPI, *ConfMaxUpscale) {
		return Config{}, fmt.Errorf("margin=%g dpi=%g max-upscale=%g: %w", *ConfMargin, *ConfDPI, *ConfMaxUpscale, ErrInvalidGeometry)
	}
	cfg := Config{
		Workdir:       Workdir,
		OutputDir:     *ConfOutputDir,
		MaxConcurrent: *ConfConcurrency,
		QueueLength:   *ConfQueueLength,
		QueueTimeout:  *ConfQueueTimeout,
		DecodeTimeout: *ConfDecodeTimeout,
		WriteTimeout:  *ConfWriteTimeout,
		MaxInputBytes: *ConfMaxInputBytes,
		MaxPixels:     *ConfMaxPixels,
		Layout: LayoutOptions{
			PageSize: ps, Margin: *ConfMargin, Scaling: mode,
			DPI: *ConfDPI, MaxUpscale: *ConfMaxUpscale, AutoOrient: *ConfAutoOrient,
		},
		Engine: *ConfEngine,
		Gm:     *ConfGm,
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(Workdir, "img2pdf-out")
	}
	if *ConfCache {
		cfg.CacheDir = filepath.Join(Workdir, "img2pdf-filecache")
	}
	return cfg, nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Workdir == "" {
		cfg.Workdir = Workdir
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = runtime.GOMAXPROCS(0)
	}
	if cfg.QueueLength < 0 {
		cfg.QueueLength = 0
	}
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = 256 << 20
	}
	if cfg.Layout == (LayoutOptions{}) {
		cfg.Layout = DefaultLayoutOptions()
	}
	return cfg
}

func (cfg Config) String() string {
	return fmt.Sprintf("out=%q concurrency=%d queue=%d/%s timeouts=%s/%s engine=%s page=%gx%g mode=%s",
		cfg.OutputDir, cfg.MaxConcurrent, cfg.QueueLength, cfg.QueueTimeout,
		cfg.DecodeTimeout, cfg.WriteTimeout, cfg.Engine,
		cfg.Layout.PageSize.Width, cfg.Layout.PageSize.Height, cfg.Layout.Scaling)
}
