// Copyright 2017, 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/UNO-SOFT/otel"
	"github.com/VictoriaMetrics/metrics"
	"github.com/go-logr/logr"
	kithttp "github.com/go-kit/kit/transport/http"
	"github.com/tgulacsi/go/version"

	"github.com/tgulacsi/img2pdf/converter"
)

// newHTTPServer returns a new, stoppable HTTP server
func newHTTPServer(address string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              address,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       300 * time.Second,
		WriteTimeout:      1800 * time.Second,
		Handler:           handler,
	}
}

// setupTracing sets the global tracer and meter providers, exporting into w.
// The returned function flushes and stops them.
func setupTracing(w io.Writer) (func(context.Context) error, error) {
	tp, mp, stop, err := otel.LogTraceProvider(log.New(w, "", 0), "img2pdf", version.Main())
	if err != nil {
		return nil, err
	}
	otel.SetGlobalTracerProvider(tp)
	otel.SetGlobalMeterProvider(mp)
	return stop, nil
}

type server struct {
	conv    *converter.Converter
	hub     *wsHub
	saveReq bool
}

// newHandler returns the HTTP handler of all the endpoints.
func newHandler(conv *converter.Converter, hub *wsHub, saveReq bool) http.Handler {
	onceOnStart.Do(onStart)
	s := server{conv: conv, hub: hub, saveReq: saveReq}
	beforeFuncs := []kithttp.RequestFunc{prepareContext}
	if saveReq {
		beforeFuncs = append(beforeFuncs, dumpRequest)
	}
	options := []kithttp.ServerOption{
		kithttp.ServerBefore(beforeFuncs...),
		kithttp.ServerErrorEncoder(encodeError),
		kithttp.ServerFinalizer(logFinish),
	}
	convertServer := kithttp.NewServer(s.convertEP, s.decodeConvertRequest, s.encodeConvertResponse, options...)
	outputServer := kithttp.NewServer(s.outputEP, decodeOutputRequest, encodeOutputResponse, options...)

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) { metrics.WritePrometheus(w, true) })

	H := func(path string, handler http.Handler) {
		mName := fmt.Sprintf("request_duration_seconds{method=%%q,handler=%q}",
			strings.Trim(strings.ReplaceAll(path, "/", "_"), "_"))
		mGet := metrics.GetOrCreateHistogram(fmt.Sprintf(mName, "GET"))
		mPost := metrics.GetOrCreateHistogram(fmt.Sprintf(mName, "POST"))
		mux.HandleFunc(
			path,
			func(w http.ResponseWriter, r *http.Request) {
				var mDur *metrics.Histogram
				switch r.Method {
				case "GET":
					mDur = mGet
				case "POST":
					mDur = mPost
				default:
					mDur = metrics.GetOrCreateHistogram(fmt.Sprintf(mName, r.Method))
				}
				start := time.Now()
				handler.ServeHTTP(w, r)
				mDur.UpdateDuration(start)
			},
		)
	}
	H("/convert", onlyMethods(convertServer, http.MethodPost))
	H("/outputs/", onlyMethods(outputServer, http.MethodGet, http.MethodDelete))
	H("/jobs", http.HandlerFunc(s.handleJobs))
	H("/jobs/", http.HandlerFunc(s.handleJobDetails))
	mux.Handle("/jobs/ws", http.HandlerFunc(s.hub.ServeHTTP))
	mux.HandleFunc("/test", testPage)
	for _, v := range supportedAPIVersions {
		prefix := "/v" + strings.TrimSuffix(v, ".0")
		H(prefix+"/convert", onlyMethods(convertServer, http.MethodPost))
		mux.HandleFunc(prefix+"/test", testPage)
	}
	mux.HandleFunc("/", statusPage(conv))

	return otel.HTTPMiddleware(otel.GlobalTracer("github.com/tgulacsi/img2pdf"),
		withSecurityHeaders(withAPIVersion(withCORS(mux))))
}

func onlyMethods(h http.Handler, methods ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, m := range methods {
			if r.Method == m {
				h.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Allow", strings.Join(methods, ", "))
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})
}

type ctxKey string

const (
	ctxKeyCancel = ctxKey("cancel")
	ctxKeyStart  = ctxKey("start")
)

func prepareContext(ctx context.Context, r *http.Request) context.Context {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	ctx = context.WithValue(ctx, ctxKeyCancel, context.CancelFunc(cancel))
	ctx = context.WithValue(ctx, ctxKeyStart, time.Now())
	lgr := logger.WithValues("path", r.URL.Path, "method", r.Method)
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		lgr = lgr.WithValues("ip", host)
	}
	ctx = converter.SetRequestID(logr.NewContext(ctx, lgr), r.Header.Get("X-Request-Id"))
	logAccept(ctx, r)
	return ctx
}

func logFinish(ctx context.Context, code int, r *http.Request) {
	if cancel, ok := ctx.Value(ctxKeyCancel).(context.CancelFunc); ok {
		cancel()
	}
	var dur time.Duration
	if start, ok := ctx.Value(ctxKeyStart).(time.Time); ok {
		dur = time.Since(start)
	}
	getLogger(ctx).Info("finished", "code", code, "dur", dur.String())
}

var reqSeq atomic.Uint64

func dumpRequest(ctx context.Context, req *http.Request) context.Context {
	if req == nil {
		return ctx
	}
	lgr := getLogger(ctx).WithName("dumpRequest")
	b, err := httputil.DumpRequest(req, true)
	if err != nil {
		lgr.Error(err, "dumping request")
	}
	fn := filepath.Join(converter.Workdir,
		fmt.Sprintf("%s-%06d.dmp", time.Now().Format("20060102_150405"), reqSeq.Add(1)))
	if err = os.WriteFile(fn, b, 0600); err != nil {
		lgr.Error(err, "writing", "dumpfile", fn)
	} else {
		lgr.Info("Request has been dumped", "file", fn)
	}
	return ctx
}

func logAccept(ctx context.Context, r *http.Request) {
	if r == nil {
		getLogger(ctx).Info("EMPTY REQUEST")
		return
	}
	getLogger(ctx).Info("ACCEPT", "uri", r.RequestURI, "remote", r.RemoteAddr, "api-version", getAPIVersion(r.Context()))
}

func getLogger(ctx context.Context) logr.Logger {
	if ctx != nil {
		if lgr, err := logr.FromContext(ctx); err == nil {
			return lgr
		}
	}
	return logger
}

// statusError is an error with an explicit HTTP status code.
type statusError struct {
	code int
	err  error
}

func (se statusError) Error() string   { return se.err.Error() }
func (se statusError) Unwrap() error   { return se.err }
func (se statusError) StatusCode() int { return se.code }

func badRequest(format string, args ...interface{}) error {
	return statusError{code: http.StatusBadRequest, err: fmt.Errorf(format, args...)}
}

// StatusClientClosedRequest is the nginx convention for a request canceled by the client.
const StatusClientClosedRequest = 499

var codeStatus = map[converter.Code]int{
	converter.CodeInputUnavailable:  http.StatusBadRequest,
	converter.CodeUnsupportedFormat: http.StatusUnsupportedMediaType,
	converter.CodeCorruptImage:      http.StatusUnprocessableEntity,
	converter.CodeInvalidGeometry:   http.StatusUnprocessableEntity,
	converter.CodeWriteFailure:      http.StatusInternalServerError,
	converter.CodeOverloaded:        http.StatusServiceUnavailable,
	converter.CodeTimeout:           http.StatusGatewayTimeout,
	converter.CodeCanceled:          StatusClientClosedRequest,
}

func statusOf(err error) int {
	var sc kithttp.StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	if errors.Is(err, converter.ErrJobNotFound) {
		return http.StatusNotFound
	}
	if code, ok := codeStatus[converter.CodeOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

func encodeError(ctx context.Context, err error, w http.ResponseWriter) {
	status := statusOf(err)
	resp := errorResponse{Error: err.Error()}
	var ce *converter.Error
	if errors.As(err, &ce) {
		resp.Code = string(ce.Code)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	if id := converter.GetRequestID(ctx); id != "" {
		w.Header().Set("X-Request-Id", id)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
	getLogger(ctx).Error(err, "request failed", "status", status)
}

type reqFile struct {
	io.ReadCloser
	multipart.FileHeader
}

// getOneRequestFile reads the first file from the request (if multipart/),
// or returns the body if not
func getOneRequestFile(ctx context.Context, r *http.Request) (reqFile, error) {
	if r == nil {
		return reqFile{}, errors.New("empty request")
	}
	f := reqFile{ReadCloser: r.Body}
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/") {
		f.FileHeader.Header = textproto.MIMEHeader(r.Header)
		_, params, _ := mime.ParseMediaType(r.Header.Get("Content-Disposition"))
		f.FileHeader.Filename = params["filename"]
		return f, nil
	}
	files, err := getRequestFiles(r)
	if err != nil {
		return f, err
	}
	for _, g := range files[1:] {
		_ = g.Close()
	}
	return files[0], nil
}

// getRequestFiles returns the files of the multipart request, in the order of their form field names.
func getRequestFiles(r *http.Request) ([]reqFile, error) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		return nil, badRequest("parse request as multipart-form: %w", err)
	}
	if r.MultipartForm == nil || len(r.MultipartForm.File) == 0 {
		return nil, badRequest("no files in the request")
	}
	names := make([]string, 0, len(r.MultipartForm.File))
	for k := range r.MultipartForm.File {
		names = append(names, k)
	}
	sortFieldNames(names)

	files := make([]reqFile, 0, len(names))
	for _, k := range names {
		for _, fileHeader := range r.MultipartForm.File[k] {
			rc, err := fileHeader.Open()
			if err != nil {
				for _, f := range files {
					_ = f.Close()
				}
				return nil, badRequest("open part %q: %w", fileHeader.Filename, err)
			}
			files = append(files, reqFile{ReadCloser: rc, FileHeader: *fileHeader})
		}
	}
	return files, nil
}

// sortFieldNames orders the names naturally, so "page2" comes before "page10".
func sortFieldNames(names []string) {
	key := func(s string) (string, int) {
		i := len(s)
		for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
			i--
		}
		n, _ := strconv.Atoi(s[i:])
		return s[:i], n
	}
	less := func(a, b string) bool {
		pa, na := key(a)
		pb, nb := key(b)
		if pa != pb {
			return pa < pb
		}
		if na != nb {
			return na < nb
		}
		return a < b
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && less(names[j], names[j-1]); j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
}

// parseOptions reads the page, margin, mode, dpi, engine and title parameters.
func (s server) parseOptions(r *http.Request) (*converter.Options, error) {
	q := r.URL.Query()
	opts := &converter.Options{Engine: q.Get("engine"), Title: q.Get("title")}
	if opts.Engine != "" {
		if _, err := converter.NewEngine(opts.Engine, *converter.ConfGm); err != nil {
			return nil, badRequest("%w", err)
		}
	}
	if q.Get("page") == "" && q.Get("margin") == "" && q.Get("mode") == "" && q.Get("dpi") == "" && q.Get("autoOrient") == "" {
		return opts, nil
	}
	lo := s.conv.Layout()
	if s := q.Get("page"); s != "" {
		ps, err := converter.ParsePageSize(s)
		if err != nil {
			return nil, badRequest("page: %w", err)
		}
		lo.PageSize = ps
	}
	if s := q.Get("mode"); s != "" {
		m, err := converter.ParseScalingMode(s)
		if err != nil {
			return nil, badRequest("mode: %w", err)
		}
		lo.Scaling = m
	}
	for _, p := range []struct {
		Name string
		Dest *float64
	}{{"margin", &lo.Margin}, {"dpi", &lo.DPI}} {
		if s := q.Get(p.Name); s != "" {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil || !(f >= 0) || math.IsInf(f, 0) {
				return nil, badRequest("%s=%q: not a finite non-negative number", p.Name, s)
			}
			*p.Dest = f
		}
	}
	if s := q.Get("autoOrient"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, badRequest("autoOrient=%q: %w", s, err)
		}
		lo.AutoOrient = b
	}
	opts.Layout = &lo
	return opts, nil
}

type convertRequest struct {
	Input   reqFile
	Options *converter.Options
	WantPDF bool
}

func (s server) decodeConvertRequest(ctx context.Context, r *http.Request) (interface{}, error) {
	opts, err := s.parseOptions(r)
	if err != nil {
		return nil, err
	}
	req := convertRequest{Options: opts}
	for _, a := range r.Header.Values("Accept") {
		if strings.Contains(a, "application/pdf") {
			req.WantPDF = true
			break
		}
	}
	if req.Input, err = getOneRequestFile(ctx, r); err != nil {
		return nil, err
	}
	return req, nil
}

type convertResponse struct {
	Job  converter.Job
	URL  string
	PDF  bool
	conv *converter.Converter
}

func (s server) convertEP(ctx context.Context, request interface{}) (interface{}, error) {
	req := request.(convertRequest)
	defer func() { _ = req.Input.Close() }()
	name := req.Input.Filename
	if name == "" {
		name = "body"
	}
	var last converter.Job
	opts := *req.Options
	opts.Observer = func(j converter.Job) { last = j }
	ref, err := s.conv.Convert(ctx, converter.ReaderSource{Filename: name, R: req.Input}, &opts)
	if err != nil {
		return nil, err
	}
	return convertResponse{Job: last, URL: "/outputs/" + string(ref), PDF: req.WantPDF, conv: s.conv}, nil
}

type convertResponseV1 struct {
	ID  string        `json:"id"`
	Ref converter.Ref `json:"ref"`
	URL string        `json:"url"`
}

type convertResponseV2 struct {
	converter.Job
	URL string `json:"url"`
}

func (s server) encodeConvertResponse(ctx context.Context, w http.ResponseWriter, response interface{}) error {
	resp := response.(convertResponse)
	if id := converter.GetRequestID(ctx); id != "" {
		w.Header().Set("X-Request-Id", id)
	}
	if resp.PDF {
		rc, err := resp.conv.Store().Open(ctx, resp.Job.Ref)
		if err != nil {
			return err
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": string(resp.Job.Ref)}))
		_, err = io.Copy(w, rc)
		return err
	}
	w.Header().Set("Location", resp.URL)
	var body interface{} = convertResponseV1{ID: resp.Job.ID, Ref: resp.Job.Ref, URL: resp.URL}
	if getAPIVersion(ctx) == "2.0" {
		body = convertResponseV2{Job: resp.Job, URL: resp.URL}
	}
	return kithttp.EncodeJSONResponse(ctx, w, body)
}

type outputRequest struct {
	Ref    converter.Ref
	Delete bool
}

func decodeOutputRequest(ctx context.Context, r *http.Request) (interface{}, error) {
	ref := strings.TrimPrefix(r.URL.Path, "/outputs/")
	if ref == "" || strings.Contains(ref, "/") {
		return nil, badRequest("bad output reference %q", ref)
	}
	return outputRequest{Ref: converter.Ref(ref), Delete: r.Method == http.MethodDelete}, nil
}

type outputResponse struct {
	Ref converter.Ref
	R   io.ReadCloser
}

func (s server) outputEP(ctx context.Context, request interface{}) (interface{}, error) {
	req := request.(outputRequest)
	if req.Delete {
		return outputResponse{Ref: req.Ref}, s.conv.Store().Delete(ctx, req.Ref)
	}
	rc, err := s.conv.Store().Open(ctx, req.Ref)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, statusError{code: http.StatusNotFound, err: err}
		}
		return nil, err
	}
	return outputResponse{Ref: req.Ref, R: rc}, nil
}

func encodeOutputResponse(ctx context.Context, w http.ResponseWriter, response interface{}) error {
	resp := response.(outputResponse)
	if resp.R == nil {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	defer resp.R.Close()
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": string(resp.Ref)}))
	_, err := io.Copy(w, resp.R)
	return err
}

func testPage(w http.ResponseWriter, r *http.Request) {
	msg := "This is the img2pdf web service"
	if strings.HasPrefix(r.URL.Path, "/v") || r.Header.Get("api-version") != "" {
		msg += " from version " + strings.TrimSuffix(getAPIVersion(r.Context()), ".0")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, msg+".\n")
}
