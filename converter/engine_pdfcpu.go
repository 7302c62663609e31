// Copyright 2023, 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"bytes"
	"context"
	"io"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// PdfCPUEngine converts with pdfcpu's image import.
// pdfcpu does its own page layout, the computed one is not used.
type PdfCPUEngine struct{}

func (PdfCPUEngine) Name() string { return "pdfcpu" }

func (PdfCPUEngine) Render(ctx context.Context, w io.Writer, doc Document) error {
	readers := make([]io.Reader, 0, len(doc.Pages))
	for _, p := range doc.Pages {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := encodedImage(p.Asset)
		if err != nil {
			return err
		}
		readers = append(readers, r)
	}
	return api.ImportImages(nil, w, readers, nil, nil)
}

// encodedImage returns the upright image in an encoding other tools understand:
// the source JPEG if it is usable as is, PNG otherwise.
func encodedImage(a *ImageAsset) (io.Reader, error) {
	if a.Raw != nil {
		return bytes.NewReader(a.Raw), nil
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, a.Image(), imaging.PNG); err != nil {
		return nil, err
	}
	return &buf, nil
}
