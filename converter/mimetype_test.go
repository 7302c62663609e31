// Copyright 2019, 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"bytes"
	"image/color"
	"testing"

	"golang.org/x/image/bmp"
)

func TestMIMEDetector(t *testing.T) {
	img := solidImage(8, 8, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	var bmpBuf bytes.Buffer
	if err := bmp.Encode(&bmpBuf, img); err != nil {
		t.Fatal(err)
	}
	seq := MultiMIMEDetector{Detectors: []MIMEDetector{H2nonMIMEDetector{}, HTTPMIMEDetector{}, VasileMIMEDetector{}}}
	par := seq
	par.Parallel = true
	for nm, tc := range map[string]struct {
		Data []byte
		Want Format
	}{
		"png":  {pngBytes(t, img), FormatPNG},
		"jpeg": {jpegBytes(t, img), FormatJPEG},
		"gif":  {gifBytes(t, img), FormatGIF},
		"bmp":  {bmpBuf.Bytes(), FormatBMP},
		"text": {[]byte("plain text, not an image"), ""},
	} {
		for _, d := range []MultiMIMEDetector{seq, par} {
			got, _ := d.Match(tc.Data)
			if f := FormatOf(got); f != tc.Want {
				t.Errorf("%s (parallel=%t): got %q (%q), wanted %q", nm, d.Parallel, f, got, tc.Want)
			}
		}
	}
}

func TestFormatOf(t *testing.T) {
	for ct, want := range map[string]Format{
		"image/jpeg":                FormatJPEG,
		"image/pjpeg":               FormatJPEG,
		"image/png; charset=binary": FormatPNG,
		"image/x-ms-bmp":            FormatBMP,
		"image/tiff":                FormatTIFF,
		"image/webp":                "",
		"application/pdf":           "",
	} {
		if got := FormatOf(ct); got != want {
			t.Errorf("%q: got %q, wanted %q", ct, got, want)
		}
	}
}

func BenchmarkMIMEDetector(t *testing.B) {
	b := pngBytes(t, solidImage(64, 64, color.White))
	seq := MultiMIMEDetector{Detectors: []MIMEDetector{H2nonMIMEDetector{}, HTTPMIMEDetector{}, VasileMIMEDetector{}}}
	if got, err := seq.Match(b); err != nil {
		t.Fatal(err)
	} else if got != FormatPNG.ContentType() {
		t.Fatalf("got %s, wanted %s", got, FormatPNG.ContentType())
	}

	t.Run("Sequential", func(t *testing.B) {
		for i := 0; i < t.N; i++ {
			seq.Match(b)
		}
	})

	par := seq
	par.Parallel = true
	t.Run("Parallel", func(t *testing.B) {
		for i := 0; i < t.N; i++ {
			par.Match(b)
		}
	})
}
