// Copyright 2017, 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"context"
	"io"

	gopdf "bitbucket.org/zombiezen/gopdf/pdf"
)

// GopdfEngine draws the images with zombiezen's gopdf, at the computed layout.
// It always re-encodes the pixels.
type GopdfEngine struct{}

func (GopdfEngine) Name() string { return "gopdf" }

func (GopdfEngine) Render(ctx context.Context, w io.Writer, doc Document) error {
	d := gopdf.New()
	for _, p := range doc.Pages {
		if err := ctx.Err(); err != nil {
			return err
		}
		canvas := d.NewPage(gopdf.Unit(p.Layout.Width), gopdf.Unit(p.Layout.Height))
		r := p.Layout.Placement
		canvas.DrawImage(p.Asset.Image(), gopdf.Rectangle{
			Min: gopdf.Point{X: gopdf.Unit(r.X), Y: gopdf.Unit(r.Y)},
			Max: gopdf.Point{X: gopdf.Unit(r.X + r.W), Y: gopdf.Unit(r.Y + r.H)},
		})
		if err := canvas.Close(); err != nil {
			return err
		}
	}
	return d.Encode(w)
}
