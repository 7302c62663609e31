// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/disintegration/imaging"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// ColorModel of a decoded raster.
type ColorModel string

const (
	ColorGray = ColorModel("Gray")
	ColorRGB  = ColorModel("RGB")
)

// Channels returns the number of bytes per pixel.
func (cm ColorModel) Channels() int {
	if cm == ColorGray {
		return 1
	}
	return 3
}

// ImageAsset is a decoded, upright raster.
//
// Pix holds Width*Height*ColorModel.Channels() bytes, rows top to bottom.
// Alpha, if not nil, holds Width*Height bytes of (non-premultiplied) opacity.
// Raw holds the source JPEG stream, if it can be embedded as is.
//
// The buffers are owned by the conversion that decoded them; Release drops them.
type ImageAsset struct {
	ID               string
	Format           Format
	Width, Height    int
	ColorModel       ColorModel
	SourceColorModel string
	BitsPerComponent int
	Orientation      int

	Pix   []byte
	Alpha []byte
	Raw   []byte

	released  bool
	onRelease func(*ImageAsset)
}

// Release drops the pixel buffers. It is safe to call more than once.
func (a *ImageAsset) Release() {
	if a == nil || a.released {
		return
	}
	a.Pix, a.Alpha, a.Raw = nil, nil, nil
	a.released = true
	if a.onRelease != nil {
		a.onRelease(a)
	}
}

// Released reports whether Release has been called.
func (a *ImageAsset) Released() bool { return a != nil && a.released }

func (a *ImageAsset) check() error {
	if a.Width <= 0 || a.Height <= 0 {
		return newError(CodeInvalidGeometry, "decode", nil, "%dx%d", a.Width, a.Height)
	}
	if want := a.Width * a.Height * a.ColorModel.Channels(); len(a.Pix) != want {
		return newError(CodeCorruptImage, "decode", nil, "pixel buffer is %d bytes, wanted %d", len(a.Pix), want)
	}
	if a.Alpha != nil && len(a.Alpha) != a.Width*a.Height {
		return newError(CodeCorruptImage, "decode", nil, "alpha buffer is %d bytes, wanted %d", len(a.Alpha), a.Width*a.Height)
	}
	return nil
}

// Image returns the raster as an image.Image (*image.Gray or *image.NRGBA).
func (a *ImageAsset) Image() image.Image {
	r := image.Rect(0, 0, a.Width, a.Height)
	if a.ColorModel == ColorGray && a.Alpha == nil {
		return &image.Gray{Pix: a.Pix, Stride: a.Width, Rect: r}
	}
	img := image.NewNRGBA(r)
	n := a.Width * a.Height
	for i := 0; i < n; i++ {
		d := img.Pix[4*i : 4*i+4 : 4*i+4]
		if a.ColorModel == ColorGray {
			d[0], d[1], d[2] = a.Pix[i], a.Pix[i], a.Pix[i]
		} else {
			d[0], d[1], d[2] = a.Pix[3*i], a.Pix[3*i+1], a.Pix[3*i+2]
		}
		d[3] = 0xff
		if a.Alpha != nil {
			d[3] = a.Alpha[i]
		}
	}
	return img
}

// Decoder turns encoded image bytes into an ImageAsset.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (*ImageAsset, error)
}

const (
	DefaultMaxDimension = 32768
	DefaultMaxPixels    = 1 << 26
)

// ImageDecoder decodes JPEG, PNG, GIF (first frame), BMP and TIFF.
type ImageDecoder struct {
	// Detector sniffs the format; DefaultMIMEDetector if nil.
	Detector MIMEDetector
	// MaxDimension limits width and height; DefaultMaxDimension if 0.
	MaxDimension int
	// MaxPixels limits width*height; DefaultMaxPixels if 0.
	MaxPixels int64
}

type codec struct {
	decode       func(io.Reader) (image.Image, error)
	decodeConfig func(io.Reader) (image.Config, error)
}

var codecs = map[Format]codec{
	FormatJPEG: {jpeg.Decode, jpeg.DecodeConfig},
	FormatPNG:  {png.Decode, png.DecodeConfig},
	FormatGIF:  {gif.Decode, gif.DecodeConfig},
	FormatBMP:  {bmp.Decode, bmp.DecodeConfig},
	FormatTIFF: {tiff.Decode, tiff.DecodeConfig},
}

// Sniff returns the Format of data.
func (d ImageDecoder) Sniff(data []byte) (Format, error) {
	if len(data) == 0 {
		return "", newError(CodeInputUnavailable, "decode", nil, "empty input")
	}
	det := d.Detector
	if det == nil {
		det = DefaultMIMEDetector
	}
	head := data
	if len(head) > 3072 {
		head = head[:3072]
	}
	typ, err := det.Match(head)
	if f := FormatOf(typ); f != "" {
		return f, nil
	}
	if err != nil && err != errNoMIMEType {
		return "", newError(CodeUnsupportedFormat, "decode", err, "")
	}
	if typ == "" {
		typ = "unknown"
	}
	return "", newError(CodeUnsupportedFormat, "decode", nil, "%s", typ)
}

// Decode the data into an upright, 8 bit Gray or RGB raster.
func (d ImageDecoder) Decode(ctx context.Context, data []byte) (*ImageAsset, error) {
	format, err := d.Sniff(data)
	if err != nil {
		return nil, err
	}
	c := codecs[format]
	cfg, err := c.decodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, newError(CodeCorruptImage, "decode", err, "%s header", format)
	}
	if err = d.checkLimits(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, asError(CodeTimeout, "decode", err)
	}

	img, err := c.decode(bytes.NewReader(data))
	if err != nil {
		return nil, newError(CodeCorruptImage, "decode", err, "%s", format)
	}
	if err = ctx.Err(); err != nil {
		return nil, asError(CodeTimeout, "decode", err)
	}

	asset := &ImageAsset{
		Format:           format,
		BitsPerComponent: 8,
		Orientation:      1,
		SourceColorModel: colorModelName(cfg.ColorModel),
	}
	if format == FormatJPEG || format == FormatTIFF {
		asset.Orientation = readOrientation(data)
	}
	gray := isGray(img)
	img = applyOrientation(img, asset.Orientation)
	b := img.Bounds()
	asset.Width, asset.Height = b.Dx(), b.Dy()
	if gray {
		asset.ColorModel = ColorGray
		asset.Pix = grayPix(img)
	} else {
		asset.ColorModel = ColorRGB
		asset.Pix, asset.Alpha = rgbPix(img)
	}
	if format == FormatJPEG && asset.Orientation == 1 &&
		(cfg.ColorModel == color.GrayModel || cfg.ColorModel == color.YCbCrModel) {
		asset.Raw = data
	}
	if err = asset.check(); err != nil {
		return nil, err
	}
	return asset, nil
}

func (d ImageDecoder) checkLimits(width, height int) error {
	maxDim, maxPix := d.MaxDimension, d.MaxPixels
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}
	if maxPix <= 0 {
		maxPix = DefaultMaxPixels
	}
	if width <= 0 || height <= 0 {
		return newError(CodeInvalidGeometry, "decode", nil, "degenerate image %dx%d", width, height)
	}
	if width > maxDim || height > maxDim {
		return newError(CodeInvalidGeometry, "decode", nil, "image %dx%d exceeds the %d dimension limit", width, height, maxDim)
	}
	if int64(width)*int64(height) > maxPix {
		return newError(CodeInvalidGeometry, "decode", nil, "image %dx%d exceeds the %d pixel limit", width, height, maxPix)
	}
	return nil
}

func isGray(img image.Image) bool {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return true
	}
	return false
}

// grayPix returns the luminance of img, one byte per pixel.
func grayPix(img image.Image) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, w*h)
	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < h; y++ {
			copy(pix[y*w:(y+1)*w], g.Pix[y*g.Stride:y*g.Stride+w])
		}
		return pix
	}
	// orientation transforms return NRGBA with R=G=B
	if n, ok := img.(*image.NRGBA); ok {
		for y := 0; y < h; y++ {
			row := n.Pix[y*n.Stride:]
			for x := 0; x < w; x++ {
				pix[y*w+x] = row[4*x]
			}
		}
		return pix
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pix[y*w+x] = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
		}
	}
	return pix
}

// rgbPix returns the non-premultiplied RGB samples of img,
// and the alpha channel if img is not opaque.
func rgbPix(img image.Image) ([]byte, []byte) {
	n, ok := img.(*image.NRGBA)
	if !ok {
		n = imaging.Clone(img)
	}
	w, h := n.Rect.Dx(), n.Rect.Dy()
	pix := make([]byte, 3*w*h)
	var alpha []byte
	for y := 0; y < h; y++ {
		row := n.Pix[y*n.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			s := row[4*x : 4*x+4 : 4*x+4]
			pix[3*i], pix[3*i+1], pix[3*i+2] = s[0], s[1], s[2]
			if s[3] != 0xff && alpha == nil {
				alpha = make([]byte, w*h)
				for j := 0; j < i; j++ {
					alpha[j] = 0xff
				}
			}
			if alpha != nil {
				alpha[i] = s[3]
			}
		}
	}
	return pix, alpha
}

func colorModelName(m color.Model) string {
	switch m {
	case color.GrayModel:
		return "Gray"
	case color.Gray16Model:
		return "Gray16"
	case color.YCbCrModel:
		return "YCbCr"
	case color.CMYKModel:
		return "CMYK"
	case color.RGBAModel:
		return "RGBA"
	case color.RGBA64Model:
		return "RGBA64"
	case color.NRGBAModel:
		return "NRGBA"
	case color.NRGBA64Model:
		return "NRGBA64"
	}
	if _, ok := m.(color.Palette); ok {
		return "Paletted"
	}
	return fmt.Sprintf("%T", m)
}
