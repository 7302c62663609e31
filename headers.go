// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"net/http"
	"strings"
)

var securityHeaders = [][2]string{
	{"X-Frame-Options", "SAMEORIGIN"},
	{"Content-Security-Policy", "default-src 'self' 'unsafe-eval' 'unsafe-inline' *; script-src 'self' 'unsafe-inline' 'unsafe-eval'; img-src 'self' * data:; connect-src 'self' *; upgrade-insecure-requests; block-all-mixed-content"},
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"X-XSS-Protection", "1; mode=block"},
	{"X-Content-Type-Options", "nosniff"},
	{"Referrer-Policy", "no-referrer"},
	{"Feature-Policy", "self"},
	{"Server", " "},
	{"Cache-Control", "no-store"},
}

// withSecurityHeaders sets the hardening headers on every response.
func withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range securityHeaders {
			h.Set(kv[0], kv[1])
		}
		h.Del("X-Powered-By")
		next.ServeHTTP(w, r)
	})
}

// withCORS allows any origin, method and header.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var supportedAPIVersions = []string{"1.0", "2.0"}

const defaultAPIVersion = "1.0"

type ctxAPIVersion struct{}

// normalizeAPIVersion returns the supported version for "1", "1.0", "v1" etc., or "".
func normalizeAPIVersion(s string) string {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v")
	if s == "" {
		return ""
	}
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	for _, v := range supportedAPIVersions {
		if v == s {
			return v
		}
	}
	return ""
}

// withAPIVersion reports the supported versions, and puts the requested one
// (from a /v{N}/ path prefix or the api-version header) into the request context.
// Unsupported versions are rejected.
func withAPIVersion(next http.Handler) http.Handler {
	supported := strings.Join(supportedAPIVersions, ", ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("api-supported-versions", supported)
		requested := r.Header.Get("api-version")
		if first, _, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/"); ok && len(first) > 1 && first[0] == 'v' && first[1] >= '0' && first[1] <= '9' {
			requested = first
		}
		version := defaultAPIVersion
		if requested != "" {
			if version = normalizeAPIVersion(requested); version == "" {
				http.Error(w, "unsupported api-version "+requested, http.StatusBadRequest)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxAPIVersion{}, version)))
	})
}

func getAPIVersion(ctx context.Context) string {
	if v, ok := ctx.Value(ctxAPIVersion{}).(string); ok {
		return v
	}
	return defaultAPIVersion
}
