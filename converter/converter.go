// Copyright 2019, 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// Options of one conversion. The zero value uses the Converter's configuration.
type Options struct {
	// Layout overrides the configured page layout.
	Layout *LayoutOptions
	// Engine overrides the configured engine.
	Engine string
	Title  string
	// NoCache skips the result cache.
	NoCache bool
	// Observer is called synchronously after every status change of the job.
	Observer func(Job)
}

// Converter converts images to PDF, limiting the number of concurrent conversions.
type Converter struct {
	cfg     Config
	store   OutputStore
	limiter *Limiter
	decoder Decoder
	cache   *ResultCache
	jobs    JobStore
	updates broadcaster

	onRelease func(*ImageAsset)
	defEngine Engine

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Option of a Converter.
type Option func(*Converter)

// WithDecoder replaces the image decoder.
func WithDecoder(d Decoder) Option { return func(c *Converter) { c.decoder = d } }

// WithJobStore sets where the jobs are recorded (in memory by default).
func WithJobStore(js JobStore) Option { return func(c *Converter) { c.jobs = js } }

// WithEngine sets the default PDF writer, instead of Config.Engine.
func WithEngine(e Engine) Option { return func(c *Converter) { c.defEngine = e } }

// WithResultCache sets the result cache (opened from Config.CacheDir by default).
func WithResultCache(rc *ResultCache) Option { return func(c *Converter) { c.cache = rc } }

// New returns a Converter publishing into store.
// If store is nil, a DirStore is created in cfg.OutputDir.
func New(cfg Config, store OutputStore, options ...Option) (*Converter, error) {
	cfg = cfg.withDefaults()
	if _, err := NewEngine(cfg.Engine, cfg.Gm); err != nil {
		return nil, err
	}
	if store == nil {
		dir := cfg.OutputDir
		if dir == "" {
			dir = cfg.Workdir + "/img2pdf-out"
		}
		var err error
		if store, err = NewDirStore(dir); err != nil {
			return nil, err
		}
	}
	c := &Converter{
		cfg:     cfg,
		store:   store,
		limiter: NewLimiter(cfg.MaxConcurrent, cfg.QueueLength, cfg.QueueTimeout),
		decoder: ImageDecoder{MaxDimension: cfg.MaxDimension, MaxPixels: cfg.MaxPixels},
		running: make(map[string]context.CancelFunc),
	}
	for _, o := range options {
		o(c)
	}
	if c.jobs == nil {
		c.jobs = NewMemJobs(10000)
	}
	if c.cache == nil && cfg.CacheDir != "" {
		var err error
		if c.cache, err = OpenResultCache(cfg.CacheDir); err != nil {
			logger.Error(err, "open result cache, continuing without", "dir", cfg.CacheDir)
		}
	}
	return c, nil
}

// Store returns the output store.
func (c *Converter) Store() OutputStore { return c.store }

// Limiter returns the concurrency limiter.
func (c *Converter) Limiter() *Limiter { return c.limiter }

// Layout returns the configured page layout.
func (c *Converter) Layout() LayoutOptions { return c.cfg.Layout }

// ConvertImageToPDF converts the image (a file path or a "data:" URL) to PDF,
// and returns the path of the published PDF (or its reference, if the store has no local paths).
func (c *Converter) ConvertImageToPDF(ctx context.Context, image string) (string, error) {
	src, err := ParseSource(image)
	if err != nil {
		return "", err
	}
	ref, err := c.Convert(ctx, src, nil)
	if err != nil {
		return "", err
	}
	if p, ok := c.store.(interface{ Path(Ref) (string, error) }); ok {
		return p.Path(ref)
	}
	return string(ref), nil
}

// Convert the image to a one page PDF.
func (c *Converter) Convert(ctx context.Context, src Source, opts *Options) (Ref, error) {
	return c.ConvertPages(ctx, []Source{src}, opts)
}

// ConvertPages converts the images into one PDF, one image per page, in order.
func (c *Converter) ConvertPages(ctx context.Context, srcs []Source, opts *Options) (Ref, error) {
	if opts == nil {
		opts = &Options{}
	}
	job := newJob(sourceNames(srcs), len(srcs))
	ctx = logr.NewContext(ctx, getLogger(ctx).WithValues("job", job.ID))
	c.record(ctx, job, opts)
	datas, err := c.readInputs(ctx, srcs)
	if err != nil {
		return "", c.fail(ctx, &job, opts, err)
	}
	return c.run(ctx, &job, datas, opts)
}

// Submit starts the conversion in the background, and returns the Pending job.
// The inputs are read before Submit returns.
// The job can be followed with Job or Subscribe, and canceled with Cancel.
func (c *Converter) Submit(ctx context.Context, srcs []Source, opts *Options) (Job, error) {
	if opts == nil {
		opts = &Options{}
	}
	job := newJob(sourceNames(srcs), len(srcs))
	lgr := getLogger(ctx).WithValues("job", job.ID)
	ctx = logr.NewContext(ctx, lgr)
	c.record(ctx, job, opts)
	datas, err := c.readInputs(ctx, srcs)
	if err != nil {
		return job, c.fail(ctx, &job, opts, err)
	}

	bgCtx, cancel := context.WithCancel(logr.NewContext(context.Background(), lgr))
	c.mu.Lock()
	c.running[job.ID] = cancel
	c.mu.Unlock()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.running, job.ID)
			c.mu.Unlock()
			cancel()
		}()
		j := job
		_, _ = c.run(bgCtx, &j, datas, opts)
	}()
	return job, nil
}

// Cancel cancels the running background job. It reports whether the job was running.
// A job that already published its output is not affected.
func (c *Converter) Cancel(id string) bool {
	c.mu.Lock()
	cancel, ok := c.running[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Job returns the recorded state of the job.
func (c *Converter) Job(ctx context.Context, id string) (Job, error) { return c.jobs.Get(ctx, id) }

// Jobs returns the most recent jobs.
func (c *Converter) Jobs(ctx context.Context, limit int) ([]Job, error) { return c.jobs.List(ctx, limit) }

// Subscribe returns a channel of job updates, and a function to stop the subscription.
func (c *Converter) Subscribe() (<-chan Job, func()) { return c.updates.Subscribe() }

// Close cancels the background jobs and waits for them to finish.
func (c *Converter) Close() error {
	c.mu.Lock()
	for _, cancel := range c.running {
		cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

func sourceNames(srcs []Source) string {
	names := make([]string, len(srcs))
	for i, s := range srcs {
		names[i] = s.Name()
	}
	return strings.Join(names, ",")
}

func (c *Converter) readInputs(ctx context.Context, srcs []Source) ([][]byte, error) {
	if len(srcs) == 0 {
		return nil, newError(CodeInputUnavailable, "read", nil, "no input")
	}
	datas := make([][]byte, len(srcs))
	for i, src := range srcs {
		if src == nil {
			return nil, newError(CodeInputUnavailable, "read", nil, "input %d is nil", i+1)
		}
		b, err := src.ReadAll(ctx, c.cfg.MaxInputBytes)
		if err != nil {
			return nil, asError(CodeInputUnavailable, "read", fmt.Errorf("%s: %w", src.Name(), err))
		}
		if len(b) == 0 {
			return nil, newError(CodeInputUnavailable, "read", nil, "%s is empty", src.Name())
		}
		datas[i] = b
	}
	return datas, nil
}

// record saves and publishes the job state.
// It is saved even when ctx is already canceled, to persist the final status.
func (c *Converter) record(ctx context.Context, job Job, opts *Options) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.jobs.Save(saveCtx, job); err != nil {
		getLogger(ctx).Error(err, "save job", "status", job.Status)
	}
	c.updates.publish(job)
	if opts.Observer != nil {
		opts.Observer(job)
	}
}

func (c *Converter) advance(ctx context.Context, job *Job, opts *Options, to Status) {
	if err := job.advance(to, nil); err != nil {
		panic(err)
	}
	getLogger(ctx).V(1).Info("job", "status", to)
	c.record(ctx, *job, opts)
}

func (c *Converter) fail(ctx context.Context, job *Job, opts *Options, err error) error {
	err = asError(CodeWriteFailure, "convert", err)
	if advErr := job.advance(StatusFailed, err); advErr != nil {
		panic(advErr)
	}
	getLogger(ctx).Error(err, "conversion failed", "code", job.Code, "input", job.Input)
	metrics.GetOrCreateCounter(fmt.Sprintf("img2pdf_conversions_total{status=%q}", job.Code)).Inc()
	c.record(ctx, *job, opts)
	return err
}

func (c *Converter) engine(opts *Options) (Engine, error) {
	name := opts.Engine
	if name == "" {
		if c.defEngine != nil {
			return c.defEngine, nil
		}
		name = c.cfg.Engine
	}
	e, err := NewEngine(name, c.cfg.Gm)
	if gm, ok := e.(GmEngine); ok {
		gm.TempDir = c.cfg.Workdir
		e = gm
	}
	return e, err
}

// run drives the job through Decoding, Composing and Writing.
func (c *Converter) run(ctx context.Context, job *Job, datas [][]byte, opts *Options) (Ref, error) {
	start := time.Now()
	lgr := getLogger(ctx)
	layout := c.cfg.Layout
	if opts.Layout != nil {
		layout = *opts.Layout
	}
	engine, err := c.engine(opts)
	if err != nil {
		return "", c.fail(ctx, job, opts, newError(CodeWriteFailure, "engine", err, ""))
	}

	token, err := c.limiter.Acquire(ctx)
	if err != nil {
		return "", c.fail(ctx, job, opts, err)
	}
	guard := stageGuard{wg: &c.wg}
	defer guard.close()
	guard.onDone(func() { c.limiter.Release(token) })
	metrics.GetOrCreateHistogram(`img2pdf_stage_duration_seconds{stage="queue"}`).UpdateDuration(start)

	var key cacheKey
	if c.cache != nil && !opts.NoCache {
		key = c.cache.key(engine.Name(), layout, opts.Title, datas)
		if fn, ok := c.cache.Get(key); ok {
			if ref, err := c.fromCache(ctx, job, opts, fn); err == nil {
				return ref, nil
			} else if job.Status.Terminal() {
				return "", err
			}
		}
	}

	// Decoding
	c.advance(ctx, job, opts, StatusDecoding)
	assets := &assetSet{assets: make([]*ImageAsset, len(datas))}
	guard.onDone(assets.release)
	stageStart := time.Now()
	err = runStage(ctx, c.cfg.DecodeTimeout, &guard, func(ctx context.Context) error {
		grp, grpCtx := errgroup.WithContext(ctx)
		grp.SetLimit(runtime.GOMAXPROCS(0))
		for i, data := range datas {
			grp.Go(func() error {
				a, err := c.decoder.Decode(grpCtx, data)
				if err != nil {
					if len(datas) > 1 {
						return fmt.Errorf("page %d: %w", i+1, err)
					}
					return err
				}
				a.ID = fmt.Sprintf("%s-%d", job.ID, i+1)
				a.onRelease = c.onRelease
				if !assets.set(i, a) {
					return grpCtx.Err()
				}
				return nil
			})
		}
		return grp.Wait()
	})
	metrics.GetOrCreateHistogram(`img2pdf_stage_duration_seconds{stage="decode"}`).UpdateDuration(stageStart)
	if err != nil {
		return "", c.fail(ctx, job, opts, asError(CodeCorruptImage, "decode", err))
	}

	// Composing
	c.advance(ctx, job, opts, StatusComposing)
	if err = ctx.Err(); err != nil {
		return "", c.fail(ctx, job, opts, asError(CodeCanceled, "compose", err))
	}
	doc := Document{ID: job.ID, Title: opts.Title, Created: job.CreatedAt, Pages: make([]Page, 0, len(datas))}
	for _, a := range assets.list() {
		pl, err := Layout(a, layout)
		if err != nil {
			return "", c.fail(ctx, job, opts, err)
		}
		doc.Pages = append(doc.Pages, Page{Asset: a, Layout: pl})
	}

	// Writing
	c.advance(ctx, job, opts, StatusWriting)
	if err = ctx.Err(); err != nil {
		return "", c.fail(ctx, job, opts, asError(CodeCanceled, "write", err))
	}
	st, err := c.store.Stage(ctx, job.ID)
	if err != nil {
		return "", c.fail(ctx, job, opts, asError(CodeWriteFailure, "stage", err))
	}
	stageStart = time.Now()
	err = runStage(ctx, c.cfg.WriteTimeout, &guard, func(ctx context.Context) error {
		return engine.Render(ctx, st, doc)
	})
	metrics.GetOrCreateHistogram(`img2pdf_stage_duration_seconds{stage="write"}`).UpdateDuration(stageStart)
	if err != nil {
		guard.onDone(func() {
			if dErr := c.store.Discard(st); dErr != nil {
				lgr.Error(dErr, "discard staged output")
			}
		})
		return "", c.fail(ctx, job, opts, asError(CodeWriteFailure, "render", err))
	}
	assets.release()
	ref, err := c.store.Publish(ctx, st)
	if err != nil {
		_ = c.store.Discard(st)
		return "", c.fail(ctx, job, opts, err)
	}

	job.Ref = ref
	c.advance(ctx, job, opts, StatusDone)
	metrics.GetOrCreateCounter(`img2pdf_conversions_total{status="ok"}`).Inc()
	metrics.GetOrCreateHistogram(`img2pdf_conversion_duration_seconds`).UpdateDuration(start)
	lgr.Info("converted", "input", job.Input, "ref", ref, "engine", engine.Name(), "dur", time.Since(start).String())

	if c.cache != nil && !opts.NoCache {
		if p, ok := c.store.(interface{ Path(Ref) (string, error) }); ok {
			if fn, err := p.Path(ref); err == nil {
				if err = c.cache.Put(key, fn); err != nil {
					lgr.Error(err, "store into cache")
				}
			}
		}
	}
	return ref, nil
}

// fromCache publishes the cached file fn as the job's output.
// Nothing is decoded, the job passes through every status.
// The bytes are those of the cached rendition, so its file identifier
// and creation date are the ones of the job that rendered it.
func (c *Converter) fromCache(ctx context.Context, job *Job, opts *Options, fn string) (Ref, error) {
	imp, ok := c.store.(interface {
		Import(context.Context, string, string) (Ref, error)
	})
	if !ok {
		return "", errors.ErrUnsupported
	}
	for _, s := range []Status{StatusDecoding, StatusComposing, StatusWriting} {
		c.advance(ctx, job, opts, s)
	}
	ref, err := imp.Import(ctx, job.ID, fn)
	if err != nil {
		return "", c.fail(ctx, job, opts, err)
	}
	job.Ref = ref
	c.advance(ctx, job, opts, StatusDone)
	metrics.GetOrCreateCounter(`img2pdf_conversions_total{status="cached"}`).Inc()
	getLogger(ctx).Info("served from cache", "input", job.Input, "ref", ref)
	return ref, nil
}

// runStage runs fn with the given timeout (no timeout if <= 0).
// When the timeout expires, it returns a Timeout error without waiting for fn,
// and registers fn in guard as still running.
func runStage(ctx context.Context, timeout time.Duration, guard *stageGuard, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer cancel()
		done <- fn(stageCtx)
	}()
	var err error
	select {
	case err = <-done:
	case <-stageCtx.Done():
		select {
		case err = <-done:
		default:
			err = stageCtx.Err()
			guard.late = append(guard.late, finished)
		}
	}
	if err != nil && ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return newError(CodeTimeout, "stage", err, "exceeded %s", timeout)
	}
	return err
}

// stageGuard runs the cleanups of a conversion in reverse order,
// after every stage abandoned on timeout has returned.
type stageGuard struct {
	wg       *sync.WaitGroup
	late     []<-chan struct{}
	cleanups []func()
}

func (g *stageGuard) onDone(f func()) { g.cleanups = append(g.cleanups, f) }

func (g *stageGuard) close() {
	cleanup := func() {
		for i := len(g.cleanups) - 1; i >= 0; i-- {
			g.cleanups[i]()
		}
	}
	if len(g.late) == 0 {
		cleanup()
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for _, ch := range g.late {
			<-ch
		}
		cleanup()
	}()
}

// assetSet holds the decoded images of a job, and releases them exactly once.
// Images arriving after release are released immediately.
type assetSet struct {
	mu       sync.Mutex
	assets   []*ImageAsset
	released bool
}

func (s *assetSet) set(i int, a *ImageAsset) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		a.Release()
		return false
	}
	s.assets[i] = a
	return true
}

func (s *assetSet) list() []*ImageAsset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assets
}

func (s *assetSet) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	for _, a := range s.assets {
		a.Release()
	}
}
