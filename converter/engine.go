// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tgulacsi/img2pdf/pdf"
)

// Page is a decoded image with its computed layout.
type Page struct {
	Asset  *ImageAsset
	Layout PageLayout
}

// Document is what an Engine renders: pages in visual order, and metadata.
type Document struct {
	ID      string
	Title   string
	Created time.Time
	Pages   []Page
}

// Engine serializes a Document as PDF.
type Engine interface {
	Name() string
	Render(ctx context.Context, w io.Writer, doc Document) error
}

const producer = "img2pdf"

// NewEngine returns the named engine: native (default), pdfcpu, gopdf or gm.
// gm is the path of the GraphicsMagick executable.
func NewEngine(name, gm string) (Engine, error) {
	switch strings.ToLower(name) {
	case "", "native":
		return NativeEngine{}, nil
	case "pdfcpu":
		return PdfCPUEngine{}, nil
	case "gopdf", "direct":
		return GopdfEngine{}, nil
	case "gm", "graphicsmagick":
		if gm == "" {
			return nil, fmt.Errorf("gm engine: GraphicsMagick not found")
		}
		return GmEngine{Path: gm}, nil
	}
	return nil, fmt.Errorf("unknown engine %q", name)
}

// NativeEngine writes the PDF with the pdf package, using the computed layout.
// JPEG sources are embedded as is (DCTDecode), everything else is FlateDecode'd.
type NativeEngine struct{}

func (NativeEngine) Name() string { return "native" }

func (NativeEngine) Render(ctx context.Context, w io.Writer, doc Document) error {
	d := pdf.Document{
		Info: pdf.Info{Title: doc.Title, Producer: producer, Creator: producer, CreationDate: doc.Created},
		ID:   []byte(doc.ID),
	}
	for i, p := range doc.Pages {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := pdfImage(p.Asset)
		if err != nil {
			return fmt.Errorf("page %d: %w", i+1, err)
		}
		d.AddPage(pdf.Page{Width: p.Layout.Width, Height: p.Layout.Height, Image: img, Placement: p.Layout.Placement})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := d.WriteTo(w)
	return err
}

func pdfImage(a *ImageAsset) (*pdf.Image, error) {
	if a == nil || a.Released() {
		return nil, fmt.Errorf("image already released")
	}
	cs := pdf.DeviceRGB
	if a.ColorModel == ColorGray {
		cs = pdf.DeviceGray
	}
	img := &pdf.Image{Width: a.Width, Height: a.Height, ColorSpace: cs, BitsPerComponent: 8}
	if a.Raw != nil {
		img.Filter, img.Data = pdf.FilterDCT, a.Raw
	} else {
		data, err := pdf.Deflate(a.Pix)
		if err != nil {
			return nil, err
		}
		img.Filter, img.Data = pdf.FilterFlate, data
	}
	if a.Alpha != nil {
		data, err := pdf.Deflate(a.Alpha)
		if err != nil {
			return nil, err
		}
		img.SMask = &pdf.Image{Width: a.Width, Height: a.Height, ColorSpace: pdf.DeviceGray,
			BitsPerComponent: 8, Filter: pdf.FilterFlate, Data: data}
	}
	return img, nil
}
