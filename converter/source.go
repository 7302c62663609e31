// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Source is an input image.
type Source interface {
	Name() string
	// ReadAll returns the encoded image, at most limit bytes.
	ReadAll(ctx context.Context, limit int64) ([]byte, error)
}

// FileSource is an image file path.
type FileSource string

func (fs FileSource) Name() string { return string(fs) }
func (fs FileSource) ReadAll(ctx context.Context, limit int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return readFileLimit(string(fs), limit)
}

// BytesSource is an in-memory image.
type BytesSource struct {
	Filename string
	Data     []byte
}

func (bs BytesSource) Name() string { return bs.Filename }
func (bs BytesSource) ReadAll(ctx context.Context, limit int64) ([]byte, error) {
	if int64(len(bs.Data)) > limit {
		return nil, fmt.Errorf("%d bytes: %w", len(bs.Data), errTooLarge)
	}
	return bs.Data, nil
}

// ReaderSource is an image read from a stream (for example a request body).
type ReaderSource struct {
	Filename string
	R        io.Reader
}

func (rs ReaderSource) Name() string { return rs.Filename }
func (rs ReaderSource) ReadAll(ctx context.Context, limit int64) ([]byte, error) {
	if rs.R == nil {
		return nil, errors.New("nil reader")
	}
	return readLimit(rs.R, limit)
}

// ParseSource returns a Source for a "data:" URL or a file path.
func ParseSource(image string) (Source, error) {
	if !strings.HasPrefix(image, "data:") {
		return FileSource(image), nil
	}
	meta, payload, ok := strings.Cut(image[len("data:"):], ",")
	if !ok {
		return nil, newError(CodeInputUnavailable, "source", nil, "data URL without comma")
	}
	var data []byte
	var err error
	if strings.HasSuffix(meta, ";base64") {
		meta = strings.TrimSuffix(meta, ";base64")
		payload = strings.Map(func(r rune) rune {
			if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
				return -1
			}
			return r
		}, payload)
		if data, err = base64.StdEncoding.DecodeString(payload); err != nil {
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		}
	} else {
		var s string
		s, err = url.PathUnescape(payload)
		data = []byte(s)
	}
	if err != nil {
		return nil, newError(CodeInputUnavailable, "source", err, "data URL")
	}
	name := "data"
	if ct, _, _ := strings.Cut(meta, ";"); ct != "" {
		name += ":" + ct
	}
	return BytesSource{Filename: name, Data: data}, nil
}
