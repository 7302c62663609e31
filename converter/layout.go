// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tgulacsi/img2pdf/pdf"
)

// ScalingMode decides how the image is put on the page.
type ScalingMode string

const (
	// FitToPage scales the image into the margins of a fixed size page, keeping its aspect ratio.
	FitToPage = ScalingMode("fit")
	// NativeSize sizes the page to the image, at the configured DPI.
	NativeSize = ScalingMode("native")
	// Stretch fills the area inside the margins, ignoring the aspect ratio.
	Stretch = ScalingMode("stretch")
)

// ParseScalingMode parses "fit", "native" or "stretch"; "" means FitToPage.
func ParseScalingMode(s string) (ScalingMode, error) {
	switch m := ScalingMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return FitToPage, nil
	case FitToPage, NativeSize, Stretch:
		return m, nil
	}
	return "", fmt.Errorf("unknown scaling mode %q", s)
}

// PageSize is a page size in points.
type PageSize struct {
	Width, Height float64
}

var (
	PageA3     = PageSize{841.89, 1190.55}
	PageA4     = PageSize{pdf.A4Width, pdf.A4Height}
	PageA5     = PageSize{419.53, 595.28}
	PageLetter = PageSize{pdf.LetterWidth, pdf.LetterHeight}
	PageLegal  = PageSize{612, 1008}
)

var namedPageSizes = map[string]PageSize{
	"a3": PageA3, "a4": PageA4, "a5": PageA5,
	"letter": PageLetter, "legal": PageLegal,
}

// ParsePageSize parses a name (A3, A4, A5, Letter, Legal) or WIDTHxHEIGHT in points.
func ParsePageSize(s string) (PageSize, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PageA4, nil
	}
	if ps, ok := namedPageSizes[s]; ok {
		return ps, nil
	}
	ws, hs, ok := strings.Cut(s, "x")
	if !ok {
		return PageSize{}, fmt.Errorf("unknown page size %q", s)
	}
	w, err := strconv.ParseFloat(ws, 64)
	if err != nil {
		return PageSize{}, fmt.Errorf("page width %q: %w", ws, err)
	}
	h, err := strconv.ParseFloat(hs, 64)
	if err != nil {
		return PageSize{}, fmt.Errorf("page height %q: %w", hs, err)
	}
	if !(w > 0 && h > 0) || !finite(w, h) {
		return PageSize{}, fmt.Errorf("page size %q: %w", s, ErrInvalidGeometry)
	}
	return PageSize{Width: w, Height: h}, nil
}

// finite reports whether none of the numbers is NaN or infinite.
func finite(fs ...float64) bool {
	for _, f := range fs {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func (ps PageSize) landscape() PageSize {
	if ps.Width < ps.Height {
		return PageSize{Width: ps.Height, Height: ps.Width}
	}
	return ps
}

// LayoutOptions configure the page composition.
type LayoutOptions struct {
	PageSize PageSize
	// Margin on every side, in points.
	Margin  float64
	Scaling ScalingMode
	// MaxUpscale caps the scale factor (points per pixel at 72 DPI) in FitToPage mode.
	MaxUpscale float64
	// DPI is the assumed resolution of the image: one pixel is 72/DPI points.
	DPI float64
	// AutoOrient uses a landscape page for landscape images in FitToPage and Stretch mode.
	AutoOrient bool
}

// DefaultMaxUpscale allows a 72 DPI image to be enlarged up to 288 DPI equivalent.
const DefaultMaxUpscale = 4

// DefaultLayoutOptions returns A4, 1cm margins, fit to page, 72 DPI.
func DefaultLayoutOptions() LayoutOptions {
	return LayoutOptions{PageSize: PageA4, Margin: pdf.Cm, Scaling: FitToPage, MaxUpscale: DefaultMaxUpscale, DPI: 72}
}

func (o LayoutOptions) withDefaults() LayoutOptions {
	d := DefaultLayoutOptions()
	if o.PageSize == (PageSize{}) {
		o.PageSize = d.PageSize
	}
	if o.Scaling == "" {
		o.Scaling = d.Scaling
	}
	if o.MaxUpscale <= 0 {
		o.MaxUpscale = d.MaxUpscale
	}
	if o.DPI <= 0 {
		o.DPI = d.DPI
	}
	return o
}

// PageLayout is the computed page geometry, in points.
type PageLayout struct {
	Width, Height float64
	Placement     pdf.Rect
	Scaling       ScalingMode
}

// Layout computes the page size and the image placement for the asset.
//
// The placement always lies inside the page, and keeps the aspect ratio
// of the image unless Scaling is Stretch.
func Layout(asset *ImageAsset, opts LayoutOptions) (PageLayout, error) {
	if asset == nil || asset.Width <= 0 || asset.Height <= 0 {
		var w, h int
		if asset != nil {
			w, h = asset.Width, asset.Height
		}
		return PageLayout{}, newError(CodeInvalidGeometry, "layout", nil, "degenerate image %dx%d", w, h)
	}
	opts = opts.withDefaults()
	if !finite(opts.Margin, opts.PageSize.Width, opts.PageSize.Height, opts.DPI, opts.MaxUpscale) {
		return PageLayout{}, newError(CodeInvalidGeometry, "layout", nil, "page %gx%g with margin %g at %g DPI (upscale %g)",
			opts.PageSize.Width, opts.PageSize.Height, opts.Margin, opts.DPI, opts.MaxUpscale)
	}
	if opts.Margin < 0 || opts.PageSize.Width <= 0 || opts.PageSize.Height <= 0 {
		return PageLayout{}, newError(CodeInvalidGeometry, "layout", nil, "page %gx%g with margin %g",
			opts.PageSize.Width, opts.PageSize.Height, opts.Margin)
	}
	iw, ih := float64(asset.Width), float64(asset.Height)
	unit := 72 / opts.DPI

	if opts.Scaling == NativeSize {
		w, h := iw*unit, ih*unit
		return PageLayout{Width: w, Height: h, Scaling: NativeSize,
			Placement: pdf.Rect{W: w, H: h}}, nil
	}

	ps := opts.PageSize
	if opts.AutoOrient && iw > ih {
		ps = ps.landscape()
	}
	aw, ah := ps.Width-2*opts.Margin, ps.Height-2*opts.Margin
	if aw <= 0 || ah <= 0 {
		return PageLayout{}, newError(CodeInvalidGeometry, "layout", nil, "no room inside %g margins on %gx%g",
			opts.Margin, ps.Width, ps.Height)
	}
	pl := PageLayout{Width: ps.Width, Height: ps.Height, Scaling: opts.Scaling}
	if opts.Scaling == Stretch {
		pl.Placement = pdf.Rect{X: opts.Margin, Y: opts.Margin, W: aw, H: ah}
		return pl, nil
	}

	scale := math.Min(aw/iw, ah/ih)
	if limit := opts.MaxUpscale * unit; scale > limit {
		scale = limit
	}
	w, h := iw*scale, ih*scale
	pl.Placement = pdf.Rect{
		X: (ps.Width - w) / 2, Y: (ps.Height - h) / 2,
		W: w, H: h,
	}
	return pl, nil
}
