// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/tgulacsi/img2pdf/converter"
)

// handleJobs lists the recent jobs (GET) or submits a new one (POST).
func (s server) handleJobs(rw http.ResponseWriter, r *http.Request) {
	ctx := prepareContext(r.Context(), r)
	w := &statusRecorder{ResponseWriter: rw}
	defer func() { logFinish(ctx, w.code, r) }()
	switch r.Method {
	case http.MethodGet:
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				encodeError(ctx, badRequest("limit=%q: not a positive number", v), w)
				return
			}
			limit = n
		}
		jobs, err := s.conv.Jobs(ctx, limit)
		if err != nil {
			encodeError(ctx, err, w)
			return
		}
		writeJSON(w, http.StatusOK, jobs)

	case http.MethodPost:
		opts, err := s.parseOptions(r)
		if err != nil {
			encodeError(ctx, err, w)
			return
		}
		var files []reqFile
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			if files, err = getRequestFiles(r); err != nil {
				encodeError(ctx, err, w)
				return
			}
		} else {
			f, err := getOneRequestFile(ctx, r)
			if err != nil {
				encodeError(ctx, err, w)
				return
			}
			files = append(files, f)
		}
		srcs := make([]converter.Source, len(files))
		for i, f := range files {
			name := f.Filename
			if name == "" {
				name = "page" + strconv.Itoa(i+1)
			}
			srcs[i] = converter.ReaderSource{Filename: name, R: f}
		}
		job, err := s.conv.Submit(ctx, srcs, opts)
		for _, f := range files {
			_ = f.Close()
		}
		if err != nil {
			encodeError(ctx, err, w)
			return
		}
		w.Header().Set("Location", "/jobs/"+job.ID)
		writeJSON(w, http.StatusAccepted, job)

	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobDetails returns (GET) or cancels (DELETE) the job.
func (s server) handleJobDetails(rw http.ResponseWriter, r *http.Request) {
	ctx := prepareContext(r.Context(), r)
	w := &statusRecorder{ResponseWriter: rw}
	defer func() { logFinish(ctx, w.code, r) }()
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" || strings.Contains(id, "/") {
		encodeError(ctx, statusError{code: http.StatusNotFound, err: converter.ErrJobNotFound}, w)
		return
	}
	switch r.Method {
	case http.MethodGet:
		job, err := s.conv.Job(ctx, id)
		if err != nil {
			encodeError(ctx, err, w)
			return
		}
		writeJSON(w, http.StatusOK, job)

	case http.MethodDelete:
		if !s.conv.Cancel(id) {
			job, err := s.conv.Job(ctx, id)
			if err != nil {
				encodeError(ctx, err, w)
				return
			}
			writeJSON(w, http.StatusConflict, job)
			return
		}
		w.WriteHeader(http.StatusAccepted)

	default:
		w.Header().Set("Allow", "GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.code == 0 {
		sr.code = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if sr.code == 0 {
		sr.code = http.StatusOK
	}
	return sr.ResponseWriter.Write(p)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// jobUpdate is the message sent to the websocket clients.
type jobUpdate struct {
	Type      string           `json:"type"`
	JobID     string           `json:"job_id"`
	Status    converter.Status `json:"status"`
	Ref       converter.Ref    `json:"ref,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// wsHub broadcasts the job updates to the connected websocket clients.
type wsHub struct {
	upgrader   websocket.Upgrader
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	logger     logr.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newWSHub(lgr logr.Logger) *wsHub {
	return &wsHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		clients:    make(map[*websocket.Conn]struct{}),
		logger:     lgr.WithName("ws"),
	}
}

// Run forwards the updates of conv to the clients, until ctx is done.
// It must be called only once.
func (h *wsHub) Run(ctx context.Context, conv *converter.Converter) {
	updates, stop := conv.Subscribe()
	defer stop()
	defer close(h.done)
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.drop(c)
		case job, ok := <-updates:
			if !ok {
				return
			}
			h.broadcast(jobUpdate{
				Type: "job_update", JobID: job.ID, Status: job.Status,
				Ref: job.Ref, Error: job.Error, Timestamp: job.UpdatedAt,
			})
		}
	}
}

func (h *wsHub) broadcast(upd jobUpdate) {
	b, err := json.Marshal(upd)
	if err != nil {
		h.logger.Error(err, "marshal", "update", upd)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
			h.logger.Info("send failed, dropping client", "error", err)
			_ = c.Close()
			delete(h.clients, c)
		}
	}
}

// add registers the client, and sends it the "connected" message.
func (h *wsHub) add(c *websocket.Conn) {
	b, _ := json.Marshal(map[string]interface{}{"type": "connected", "timestamp": time.Now()})
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
		h.logger.Info("greet failed", "error", err)
		_ = c.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.logger.V(1).Info("client connected", "clients", len(h.clients))
}

func (h *wsHub) drop(c *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		_ = c.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.V(1).Info("client disconnected", "clients", n)
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		_ = c.Close()
		delete(h.clients, c)
	}
}

// ServeHTTP upgrades the connection and registers the client.
// The client receives a "connected" message when registered, then the job updates.
func (h *wsHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error(err, "upgrade")
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		_ = conn.Close()
		return
	case <-r.Context().Done():
		_ = conn.Close()
		return
	}
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				var ce *websocket.CloseError
				if !errors.As(err, &ce) {
					h.logger.V(1).Info("read", "error", err)
				}
				select {
				case h.unregister <- conn:
				case <-h.done:
				}
				return
			}
		}
	}()
}
