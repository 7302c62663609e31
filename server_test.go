// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/gorilla/websocket"
	"github.com/kylelemons/godebug/pretty"

	"github.com/tgulacsi/img2pdf/converter"
)

func newTestServer(t *testing.T) (*httptest.Server, *converter.Converter) {
	t.Helper()
	converter.SetLogger(testr.New(t))
	dir := t.TempDir()
	cfg := converter.Config{
		Workdir:       dir,
		OutputDir:     dir + "/out",
		MaxConcurrent: 2,
		QueueLength:   8,
		QueueTimeout:  10 * time.Second,
		DecodeTimeout: 10 * time.Second,
		WriteTimeout:  10 * time.Second,
		Layout:        converter.DefaultLayoutOptions(),
		Engine:        "native",
	}
	conv, err := converter.New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	hub := newWSHub(testr.New(t))
	done := make(chan struct{})
	go func() { defer close(done); hub.Run(ctx, conv) }()
	srv := httptest.NewServer(newHandler(conv, hub, false))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		_ = conv.Close()
	})
	return srv, conv
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func post(t *testing.T, url, contentType string, body []byte, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", contentType)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestConvertJSON(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := post(t, srv.URL+"/convert?page=A4", "image/png", testPNG(t, 100, 200))
	b := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %s: %s", resp.Status, b)
	}
	var v1 convertResponseV1
	if err := json.Unmarshal(b, &v1); err != nil {
		t.Fatalf("%s: %+v", b, err)
	}
	if v1.ID == "" || string(v1.Ref) != v1.ID+".pdf" || v1.URL != "/outputs/"+string(v1.Ref) {
		t.Errorf("bad response %+v", v1)
	}

	resp, err := http.Get(srv.URL + v1.URL)
	if err != nil {
		t.Fatal(err)
	}
	pdf := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/pdf" {
		t.Fatalf("GET %s: %s %q", v1.URL, resp.Status, resp.Header.Get("Content-Type"))
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF-")) {
		t.Errorf("output starts with %q", pdf[:min(16, len(pdf))])
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+v1.URL, nil)
	if resp, err = http.DefaultClient.Do(req); err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE: %s", resp.Status)
	}
	if resp, err = http.Get(srv.URL + v1.URL); err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET after DELETE: %s", resp.Status)
	}
}

func TestConvertPDF(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := post(t, srv.URL+"/convert", "image/png", testPNG(t, 30, 20), "Accept", "application/pdf")
	b := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %s: %s", resp.Status, b)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("no X-Request-Id")
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Content-Type is %q", ct)
	}
	if !bytes.HasPrefix(b, []byte("%PDF-")) || !bytes.Contains(b, []byte("%%EOF")) {
		t.Errorf("not a PDF: %q", b[:min(16, len(b))])
	}
}

func TestConvertV2(t *testing.T) {
	srv, _ := newTestServer(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	w, err := mw.CreateFormFile("file", "red.png")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = w.Write(testPNG(t, 10, 10))
	_ = mw.Close()

	for _, tc := range []struct {
		Path   string
		Header []string
	}{
		{"/v2/convert", nil},
		{"/convert", []string{"api-version", "2.0"}},
	} {
		resp := post(t, srv.URL+tc.Path+"?mode=native&dpi=144", mw.FormDataContentType(), buf.Bytes(), tc.Header...)
		b := readBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: got %s: %s", tc.Path, resp.Status, b)
		}
		var v2 convertResponseV2
		if err := json.Unmarshal(b, &v2); err != nil {
			t.Fatalf("%s: %+v", b, err)
		}
		if v2.Status != converter.StatusDone || v2.Input != "red.png" || v2.Pages != 1 || v2.Ref == "" {
			t.Errorf("%s: bad job %+v", tc.Path, v2.Job)
		}
	}
}

func TestConvertErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, image.NewGray(image.Rect(0, 0, 64, 64)), nil); err != nil {
		t.Fatal(err)
	}
	for nm, tc := range map[string]struct {
		Query  string
		Body   []byte
		Status int
		Code   converter.Code
	}{
		"empty":     {"", nil, http.StatusBadRequest, converter.CodeInputUnavailable},
		"text":      {"", []byte("this is not an image at all"), http.StatusUnsupportedMediaType, converter.CodeUnsupportedFormat},
		"truncated": {"", jpg.Bytes()[:jpg.Len()/2], http.StatusUnprocessableEntity, converter.CodeCorruptImage},
		"page":      {"?page=huge", testPNG(t, 4, 4), http.StatusBadRequest, ""},
		"margin":    {"?margin=-1", testPNG(t, 4, 4), http.StatusBadRequest, ""},
		"nanMargin": {"?margin=NaN", testPNG(t, 4, 4), http.StatusBadRequest, ""},
		"infDPI":    {"?dpi=%2BInf", testPNG(t, 4, 4), http.StatusBadRequest, ""},
		"nanPage":   {"?page=NaNxNaN", testPNG(t, 4, 4), http.StatusBadRequest, converter.CodeInvalidGeometry},
		"engine":    {"?engine=nope", testPNG(t, 4, 4), http.StatusBadRequest, ""},
		"geometry":  {"?page=100x100&margin=60", testPNG(t, 4, 4), http.StatusUnprocessableEntity, converter.CodeInvalidGeometry},
	} {
		resp := post(t, srv.URL+"/convert"+tc.Query, "application/octet-stream", tc.Body)
		b := readBody(t, resp)
		if resp.StatusCode != tc.Status {
			t.Errorf("%s: got %s, wanted %d: %s", nm, resp.Status, tc.Status, b)
			continue
		}
		var er errorResponse
		if err := json.Unmarshal(b, &er); err != nil {
			t.Errorf("%s: %s: %+v", nm, b, err)
			continue
		}
		if er.Code != string(tc.Code) || er.Error == "" {
			t.Errorf("%s: got %+v, wanted code %q", nm, er, tc.Code)
		}
	}

	resp, err := http.Get(srv.URL + "/convert")
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /convert: %s", resp.Status)
	}
}

func TestHeaders(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/test")
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	got := make(map[string]string, len(securityHeaders))
	want := make(map[string]string, len(securityHeaders))
	for _, kv := range securityHeaders {
		want[kv[0]] = strings.TrimSpace(kv[1])
		got[kv[0]] = strings.TrimSpace(resp.Header.Get(kv[0]))
	}
	if d := pretty.Compare(got, want); d != "" {
		t.Errorf("security headers: %s", d)
	}
	if s := resp.Header.Get("api-supported-versions"); s != "1.0, 2.0" {
		t.Errorf("api-supported-versions: %q", s)
	}
	if s := resp.Header.Get("Access-Control-Allow-Origin"); s != "*" {
		t.Errorf("Access-Control-Allow-Origin: %q", s)
	}

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/convert", nil)
	req.Header.Set("Origin", "http://example.com")
	if resp, err = http.DefaultClient.Do(req); err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Errorf("preflight: %s %v", resp.Status, resp.Header)
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, tc := range []struct {
		Path, Version string
		Status        int
		Want          string
	}{
		{"/test", "", 200, "This is the img2pdf web service.\n"},
		{"/v1/test", "", 200, "This is the img2pdf web service from version 1.\n"},
		{"/v2/test", "", 200, "This is the img2pdf web service from version 2.\n"},
		{"/test", "2.0", 200, "This is the img2pdf web service from version 2.\n"},
		{"/test", "1", 200, "This is the img2pdf web service from version 1.\n"},
		{"/test", "3.0", 400, ""},
		{"/v3/test", "", 400, ""},
	} {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+tc.Path, nil)
		if tc.Version != "" {
			req.Header.Set("api-version", tc.Version)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		b := readBody(t, resp)
		if resp.StatusCode != tc.Status {
			t.Errorf("%s (%q): got %s, wanted %d", tc.Path, tc.Version, resp.Status, tc.Status)
		} else if tc.Want != "" && string(b) != tc.Want {
			t.Errorf("%s (%q): got %q, wanted %q", tc.Path, tc.Version, b, tc.Want)
		}
	}
}

func TestStatusPage(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := post(t, srv.URL+"/convert", "image/png", testPNG(t, 5, 5))
	readBody(t, resp)
	if resp, err := http.Get(srv.URL + "/"); err != nil {
		t.Fatal(err)
	} else if b := readBody(t, resp); resp.StatusCode != 200 || !bytes.Contains(b, []byte("Recent jobs")) || !bytes.Contains(b, []byte("/outputs/")) {
		t.Errorf("status page: %s\n%s", resp.Status, b)
	}
	if resp, err := http.Get(srv.URL + "/metrics"); err != nil {
		t.Fatal(err)
	} else if b := readBody(t, resp); !bytes.Contains(b, []byte("img2pdf_conversions_total")) {
		t.Errorf("metrics: %s", b)
	}
	if resp, err := http.Get(srv.URL + "/favicon.ico"); err != nil {
		t.Fatal(err)
	} else if readBody(t, resp); resp.StatusCode != http.StatusNotFound {
		t.Errorf("favicon: %s", resp.Status)
	}
}

func TestJobs(t *testing.T) {
	srv, conv := newTestServer(t)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	ws, _, err := dialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/jobs/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello map[string]interface{}
	if err = ws.ReadJSON(&hello); err != nil {
		t.Fatal(err)
	}
	if hello["type"] != "connected" {
		t.Fatalf("first message is %v", hello)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, nm := range []string{"page2", "page10", "page1"} {
		w, err := mw.CreateFormFile(nm, nm+".png")
		if err != nil {
			t.Fatal(err)
		}
		_, _ = w.Write(testPNG(t, 8, 8))
	}
	_ = mw.Close()
	resp := post(t, srv.URL+"/jobs", mw.FormDataContentType(), buf.Bytes())
	b := readBody(t, resp)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /jobs: %s: %s", resp.Status, b)
	}
	var job converter.Job
	if err = json.Unmarshal(b, &job); err != nil {
		t.Fatal(err)
	}
	if job.Status != converter.StatusPending || job.Pages != 3 {
		t.Errorf("submitted job is %+v", job)
	}
	if loc := resp.Header.Get("Location"); loc != "/jobs/"+job.ID {
		t.Errorf("Location is %q", loc)
	}

	var statuses []converter.Status
	for {
		var upd jobUpdate
		if err = ws.ReadJSON(&upd); err != nil {
			t.Fatalf("read update: %+v (got %v)", err, statuses)
		}
		if upd.JobID != job.ID {
			continue
		}
		statuses = append(statuses, upd.Status)
		if upd.Status.Terminal() {
			if upd.Status != converter.StatusDone || upd.Ref == "" {
				t.Fatalf("job finished with %+v", upd)
			}
			break
		}
	}
	if d := pretty.Compare(statuses, []converter.Status{
		converter.StatusPending, converter.StatusDecoding, converter.StatusComposing,
		converter.StatusWriting, converter.StatusDone,
	}); d != "" {
		t.Errorf("statuses: %s", d)
	}

	if resp, err = http.Get(srv.URL + "/jobs/" + job.ID); err != nil {
		t.Fatal(err)
	}
	b = readBody(t, resp)
	if err = json.Unmarshal(b, &job); err != nil || job.Status != converter.StatusDone {
		t.Errorf("GET job: %s (%v)", b, err)
	}
	if job.Input != "page1.png,page2.png,page10.png" {
		t.Errorf("pages are in order %q", job.Input)
	}

	if resp, err = http.Get(srv.URL + "/jobs?limit=5"); err != nil {
		t.Fatal(err)
	}
	var jobs []converter.Job
	if b = readBody(t, resp); json.Unmarshal(b, &jobs) != nil || len(jobs) == 0 || jobs[0].ID != job.ID {
		t.Errorf("GET /jobs: %s", b)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/jobs/"+job.ID, nil)
	if resp, err = http.DefaultClient.Do(req); err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("DELETE finished job: %s", resp.Status)
	}
	if resp, err = http.Get(srv.URL + "/jobs/nonexistent"); err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET unknown job: %s", resp.Status)
	}
	if _, err := conv.Job(context.Background(), job.ID); err != nil {
		t.Error(err)
	}
}

func TestSortFieldNames(t *testing.T) {
	names := []string{"page10", "b", "page2", "a1", "page1", "a"}
	sortFieldNames(names)
	if d := pretty.Compare(names, []string{"a", "a1", "b", "page1", "page2", "page10"}); d != "" {
		t.Error(d)
	}
}

func TestTracing(t *testing.T) {
	stop, err := setupTracing(io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = stop(context.Background()) }()
	srv, _ := newTestServer(t)

	const traceID = "0af7651916cd43dd8448eb211c80319c"
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/test", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-b7ad6b7169203331-01")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %s", resp.Status)
	}
	if tp := resp.Header.Get("Traceparent"); !strings.Contains(tp, traceID) {
		t.Errorf("Traceparent is %q, wanted trace %s", tp, traceID)
	}
}
