// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"testing"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

func gifBytes(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := gif.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// withOrientation inserts an EXIF APP1 segment with the given orientation after the JPEG SOI marker.
func withOrientation(jpg []byte, orientation uint16) []byte {
	var tiffData bytes.Buffer
	tiffData.WriteString("MM\x00\x2a")
	_ = binary.Write(&tiffData, binary.BigEndian, uint32(8)) // IFD0 offset
	_ = binary.Write(&tiffData, binary.BigEndian, uint16(1)) // one entry
	_ = binary.Write(&tiffData, binary.BigEndian, []uint16{0x0112, 3})
	_ = binary.Write(&tiffData, binary.BigEndian, uint32(1))
	_ = binary.Write(&tiffData, binary.BigEndian, []uint16{orientation, 0})
	_ = binary.Write(&tiffData, binary.BigEndian, uint32(0)) // no next IFD

	payload := append([]byte("Exif\x00\x00"), tiffData.Bytes()...)
	seg := []byte{0xff, 0xe1, 0, 0}
	binary.BigEndian.PutUint16(seg[2:], uint16(len(payload)+2))
	seg = append(seg, payload...)

	out := make([]byte, 0, len(jpg)+len(seg))
	out = append(out, jpg[:2]...)
	out = append(out, seg...)
	return append(out, jpg[2:]...)
}

func TestDecodeFormats(t *testing.T) {
	red := color.NRGBA{R: 255, A: 255}
	rgb := solidImage(12, 8, red)
	var bmpBuf, tiffBuf bytes.Buffer
	if err := bmp.Encode(&bmpBuf, rgb); err != nil {
		t.Fatal(err)
	}
	if err := tiff.Encode(&tiffBuf, rgb, nil); err != nil {
		t.Fatal(err)
	}
	gray := image.NewGray(image.Rect(0, 0, 12, 8))
	for i := range gray.Pix {
		gray.Pix[i] = byte(i)
	}
	pal := image.NewPaletted(image.Rect(0, 0, 12, 8), color.Palette{color.Black, red})
	for y := 0; y < 8; y++ {
		for x := 0; x < 12; x++ {
			pal.Set(x, y, red)
		}
	}
	translucent := solidImage(12, 8, color.NRGBA{G: 255, A: 100})

	for nm, tc := range map[string]struct {
		Data       []byte
		Format     Format
		ColorModel ColorModel
		Raw, Alpha bool
	}{
		"png":       {pngBytes(t, rgb), FormatPNG, ColorRGB, false, false},
		"png-gray":  {pngBytes(t, gray), FormatPNG, ColorGray, false, false},
		"png-rgba":  {pngBytes(t, translucent), FormatPNG, ColorRGB, false, true},
		"jpeg":      {jpegBytes(t, rgb), FormatJPEG, ColorRGB, true, false},
		"jpeg-gray": {jpegBytes(t, gray), FormatJPEG, ColorGray, true, false},
		"gif":       {gifBytes(t, pal), FormatGIF, ColorRGB, false, false},
		"bmp":       {bmpBuf.Bytes(), FormatBMP, ColorRGB, false, false},
		"tiff":      {tiffBuf.Bytes(), FormatTIFF, ColorRGB, false, false},
	} {
		t.Run(nm, func(t *testing.T) {
			a, err := ImageDecoder{}.Decode(context.Background(), tc.Data)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if a.Format != tc.Format || a.ColorModel != tc.ColorModel {
				t.Errorf("got %s/%s, wanted %s/%s", a.Format, a.ColorModel, tc.Format, tc.ColorModel)
			}
			if a.Width != 12 || a.Height != 8 {
				t.Errorf("got %dx%d, wanted 12x8", a.Width, a.Height)
			}
			if len(a.Pix) != 12*8*a.ColorModel.Channels() {
				t.Errorf("pixel buffer is %d bytes", len(a.Pix))
			}
			if (a.Raw != nil) != tc.Raw {
				t.Errorf("raw=%t, wanted %t", a.Raw != nil, tc.Raw)
			}
			if (a.Alpha != nil) != tc.Alpha {
				t.Errorf("alpha=%t, wanted %t", a.Alpha != nil, tc.Alpha)
			}
			if tc.Format != FormatJPEG && tc.ColorModel == ColorRGB && !tc.Alpha {
				if a.Pix[0] != 255 || a.Pix[1] != 0 || a.Pix[2] != 0 {
					t.Errorf("first pixel is %v, wanted red", a.Pix[:3])
				}
			}
			if tc.Alpha && a.Alpha[0] != 100 {
				t.Errorf("alpha is %d, wanted 100", a.Alpha[0])
			}
			if nm == "png-gray" && !bytes.Equal(a.Pix, gray.Pix) {
				t.Error("gray pixels differ")
			}
			a.Release()
			if !a.Released() || a.Pix != nil || a.Raw != nil {
				t.Error("Release kept the buffers")
			}
			a.Release()
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	jpg := jpegBytes(t, solidImage(64, 48, color.NRGBA{B: 200, A: 255}))
	random := bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 256)

	for nm, tc := range map[string]struct {
		Data    []byte
		Decoder ImageDecoder
		Want    error
	}{
		"empty":     {nil, ImageDecoder{}, ErrInputUnavailable},
		"random":    {random, ImageDecoder{}, ErrUnsupportedFormat},
		"truncated": {jpg[:len(jpg)/2], ImageDecoder{}, ErrCorruptImage},
		"header":    {jpg[:4], ImageDecoder{}, ErrCorruptImage},
		"maxDim":    {jpg, ImageDecoder{MaxDimension: 50}, ErrInvalidGeometry},
		"maxPixels": {jpg, ImageDecoder{MaxPixels: 64*48 - 1}, ErrInvalidGeometry},
	} {
		t.Run(nm, func(t *testing.T) {
			a, err := tc.Decoder.Decode(context.Background(), tc.Data)
			if err == nil {
				t.Fatalf("got %+v, wanted error", a)
			}
			if !errors.Is(err, tc.Want) {
				t.Errorf("got %+v, wanted %v", err, tc.Want)
			}
		})
	}
}

func TestDecodeOrientation(t *testing.T) {
	jpg := withOrientation(jpegBytes(t, solidImage(40, 20, color.NRGBA{R: 30, G: 60, B: 90, A: 255})), 6)
	if o := readOrientation(jpg); o != 6 {
		t.Fatalf("got orientation %d, wanted 6", o)
	}
	a, err := ImageDecoder{}.Decode(context.Background(), jpg)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if a.Width != 20 || a.Height != 40 {
		t.Errorf("got %dx%d, wanted 20x40", a.Width, a.Height)
	}
	if a.Raw != nil {
		t.Error("rotated JPEG is kept as is")
	}
	if o := readOrientation(pngBytes(t, solidImage(2, 2, color.White))); o != 1 {
		t.Errorf("PNG orientation is %d", o)
	}
}

func TestApplyOrientation(t *testing.T) {
	a, b := color.NRGBA{R: 255, A: 255}, color.NRGBA{B: 255, A: 255}
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.Set(0, 0, a)
	src.Set(1, 0, b)
	for o, want := range map[int]struct {
		W, H  int
		First color.NRGBA
	}{
		1: {2, 1, a},
		2: {2, 1, b},
		3: {2, 1, b},
		4: {2, 1, a},
		5: {1, 2, a},
		6: {1, 2, a},
		7: {1, 2, b},
		8: {1, 2, b},
	} {
		img := applyOrientation(src, o)
		bnd := img.Bounds()
		if bnd.Dx() != want.W || bnd.Dy() != want.H {
			t.Errorf("%d. got %dx%d, wanted %dx%d", o, bnd.Dx(), bnd.Dy(), want.W, want.H)
			continue
		}
		if got := color.NRGBAModel.Convert(img.At(bnd.Min.X, bnd.Min.Y)).(color.NRGBA); got != want.First {
			t.Errorf("%d. first pixel is %v, wanted %v", o, got, want.First)
		}
	}
}

func TestImageAssetImage(t *testing.T) {
	a := &ImageAsset{Width: 2, Height: 1, ColorModel: ColorRGB, Pix: []byte{1, 2, 3, 4, 5, 6}, Alpha: []byte{7, 8}}
	if err := a.check(); err != nil {
		t.Fatal(err)
	}
	img := a.Image().(*image.NRGBA)
	if want := []byte{1, 2, 3, 7, 4, 5, 6, 8}; !bytes.Equal(img.Pix, want) {
		t.Errorf("got %v, wanted %v", img.Pix, want)
	}
	a.Pix = a.Pix[:5]
	if err := a.check(); !errors.Is(err, ErrCorruptImage) {
		t.Errorf("short buffer: got %v", err)
	}
}
