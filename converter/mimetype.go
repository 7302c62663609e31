// Copyright 2019, 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/h2non/filetype"
	filetypes "github.com/h2non/filetype/types"
)

// MIMEDetector sniffs the content type from the leading bytes.
// An empty type with nil error means "no idea".
type MIMEDetector interface {
	Match([]byte) (string, error)
}

// DefaultMIMEDetector asks the stdlib sniffer first, as it knows every format the decoder supports.
var DefaultMIMEDetector MIMEDetector = MultiMIMEDetector{
	Detectors: []MIMEDetector{HTTPMIMEDetector{}, VasileMIMEDetector{}, H2nonMIMEDetector{}},
}

// H2nonMIMEDetector uses github.com/h2non/filetype.
type H2nonMIMEDetector struct{}

func (H2nonMIMEDetector) Match(b []byte) (string, error) {
	if !filetype.IsImage(b) {
		return "", nil
	}
	typ, err := filetype.Image(b)
	if err != nil || typ == filetypes.Unknown {
		return "", err
	}
	return typ.MIME.Value, nil
}

// VasileMIMEDetector uses github.com/gabriel-vasile/mimetype.
type VasileMIMEDetector struct{}

func (VasileMIMEDetector) Match(b []byte) (string, error) {
	return notOctetStream(mimetype.Detect(b).String()), nil
}

// HTTPMIMEDetector uses http.DetectContentType.
type HTTPMIMEDetector struct{}

func (HTTPMIMEDetector) Match(b []byte) (string, error) {
	return notOctetStream(http.DetectContentType(b)), nil
}

func notOctetStream(typ string) string {
	if typ == "application/octet-stream" {
		return ""
	}
	return typ
}

var errNoMIMEType = errors.New("not found")

// MultiMIMEDetector asks all Detectors, and returns the first image/ type,
// or the first non-empty type if no image type is found.
type MultiMIMEDetector struct {
	Detectors []MIMEDetector
	Parallel  bool
}

func (d MultiMIMEDetector) Match(b []byte) (string, error) {
	type result struct {
		Type string
		Err  error
	}
	results := make([]result, len(d.Detectors))
	if !d.Parallel {
		for i, detector := range d.Detectors {
			typ, err := detector.Match(b)
			results[i] = result{Type: typ, Err: err}
		}
	} else {
		var wg sync.WaitGroup
		for i, d := range d.Detectors {
			wg.Add(1)
			go func() {
				defer wg.Done()
				typ, err := d.Match(b)
				results[i] = result{Type: typ, Err: err}
			}()
		}
		wg.Wait()
	}
	var first string
	lastErr := errNoMIMEType
	for _, r := range results {
		if r.Err != nil {
			lastErr = r.Err
			continue
		}
		if r.Type == "" {
			continue
		}
		if strings.HasPrefix(r.Type, "image/") {
			return r.Type, nil
		}
		if first == "" {
			first = r.Type
		}
	}
	if first != "" {
		return first, nil
	}
	return "", lastErr
}

// Format is a supported image encoding.
type Format string

const (
	FormatJPEG = Format("jpeg")
	FormatPNG  = Format("png")
	FormatGIF  = Format("gif")
	FormatBMP  = Format("bmp")
	FormatTIFF = Format("tiff")
)

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string { return "image/" + string(f) }

// FormatOf returns the Format for the MIME type, "" if it is not supported.
func FormatOf(contentType string) Format {
	if i := strings.IndexAny(contentType, "; "); i >= 0 {
		contentType = contentType[:i]
	}
	switch strings.ToLower(contentType) {
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return FormatJPEG
	case "image/png", "image/apng", "image/vnd.mozilla.apng":
		return FormatPNG
	case "image/gif":
		return FormatGIF
	case "image/bmp", "image/x-bmp", "image/x-ms-bmp":
		return FormatBMP
	case "image/tiff", "image/tiff-fx":
		return FormatTIFF
	}
	return ""
}
