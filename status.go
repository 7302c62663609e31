// Copyright 2017, 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/tgulacsi/go/version"

	"github.com/tgulacsi/img2pdf/converter"
)

type statInfo struct {
	last               time.Time
	mem                *runtime.MemStats
	startedAt, version string
	mtx                sync.Mutex
}

var (
	stats       = new(statInfo)
	self        string
	onceOnStart = new(sync.Once)
)

func onStart() {
	var err error
	if self, err = os.Executable(); err != nil {
		logger.Error(err, "error getting the path for self")
	} else if abs, err := filepath.Abs(self); err != nil {
		logger.Error(err, "error getting the absolute path", "for", self)
	} else {
		self = abs
	}
	stats.startedAt = time.Now().Format(time.RFC3339)
}

// fill fills the stat iff the current one is stale
func (st *statInfo) fill() {
	st.mtx.Lock()
	defer st.mtx.Unlock()

	now := time.Now()
	if st.mem == nil {
		st.mem = new(runtime.MemStats)
		st.version = runtime.Version()
	} else if now.Sub(st.last) <= 5*time.Second {
		return
	}
	st.last = now
	runtime.ReadMemStats(st.mem)
}

// statusPage is the root page: the service banner, process stats and the recent jobs.
func statusPage(conv *converter.Converter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		stats.fill()
		stats.mtx.Lock()
		alloc, sys := stats.mem.Alloc, stats.mem.Sys
		stats.mtx.Unlock()

		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		jobs, err := conv.Jobs(ctx, 20)
		cancel()
		if err != nil {
			getLogger(r.Context()).Error(err, "list jobs")
		}
		lim := conv.Limiter()

		w.Header().Add("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(200)
		// nosemgrep: go.lang.security.audit.xss.no-fprintf-to-responsewriter.no-fprintf-to-responsewriter
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
  <head><title>img2pdf</title></head>
  <body>
    <h1>img2pdf</h1>
    <p>This is the img2pdf web service.</p>
    <p>%s</p>
    <p>%s compiled with Go version %s</p>
    <p>%d started at %s<br/>
    Allocated: %.03fMb (Sys: %.03fMb)</p>
    <p>Conversions in flight: %d, waiting: %d</p>

    <h2>Recent jobs</h2>
    <table>
      <tr><th>ID</th><th>Input</th><th>Status</th><th>Result</th><th>Updated</th></tr>
`,
			html.EscapeString(version.Main()),
			html.EscapeString(self), stats.version,
			os.Getpid(), stats.startedAt,
			float64(alloc)/1024/1024, float64(sys)/1024/1024,
			lim.InFlight(), lim.Waiting())
		for _, j := range jobs {
			result := j.Error
			if j.Ref != "" {
				result = `<a href="/outputs/` + html.EscapeString(string(j.Ref)) + `">` + html.EscapeString(string(j.Ref)) + `</a>`
			} else {
				result = html.EscapeString(result)
			}
			fmt.Fprintf(w, "      <tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
				html.EscapeString(j.ID), html.EscapeString(j.Input), j.Status, result,
				j.UpdatedAt.Format(time.RFC3339))
		}
		_, _ = io.WriteString(w, "    </table>\n  </body>\n</html>\n")
	}
}
