// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/text/encoding/unicode"
)

// Page sizes in points (1/72 inch).
const (
	A4Width, A4Height         = 595.28, 841.89
	LetterWidth, LetterHeight = 612, 792
	Cm                        = 72 / 2.54
)

// ColorSpace of an image XObject.
type ColorSpace string

const (
	DeviceGray ColorSpace = "DeviceGray"
	DeviceRGB  ColorSpace = "DeviceRGB"
	DeviceCMYK ColorSpace = "DeviceCMYK"
)

// Channels returns the number of color components.
func (cs ColorSpace) Channels() int {
	switch cs {
	case DeviceGray:
		return 1
	case DeviceCMYK:
		return 4
	default:
		return 3
	}
}

// Filter is the stream filter the image data is encoded with.
type Filter string

const (
	FilterNone  Filter = ""
	FilterDCT   Filter = "DCTDecode"
	FilterFlate Filter = "FlateDecode"
)

// Image is an image XObject with already encoded Data.
type Image struct {
	Width, Height    int
	ColorSpace       ColorSpace
	BitsPerComponent int
	Filter           Filter
	Data             []byte
	// SMask is an optional DeviceGray soft mask of the same size.
	SMask *Image
}

// Rect is a rectangle in default user space: origin at the bottom left.
type Rect struct {
	X, Y, W, H float64
}

// Page is one page showing one image at Placement.
type Page struct {
	Width, Height float64
	Image         *Image
	Placement     Rect
}

// Info is the document information dictionary.
type Info struct {
	Title, Author, Subject, Creator, Producer string
	CreationDate                              time.Time
}

// Document is an ordered list of single image pages.
type Document struct {
	Info  Info
	Pages []Page
	// ID is used as the file identifier, if not empty.
	ID []byte
}

var ErrNoPages = errors.New("document has no pages")

// AddPage appends a page; pages appear in insertion order.
func (d *Document) AddPage(p Page) { d.Pages = append(d.Pages, p) }

// WriteTo serializes the document into w.
//
// Objects are numbered as: 1 Catalog, 2 Pages, 3 Info,
// then for each page the Page, its content stream, its image and its optional soft mask.
func (d *Document) WriteTo(w io.Writer) (int64, error) {
	if len(d.Pages) == 0 {
		return 0, ErrNoPages
	}
	for i, p := range d.Pages {
		if err := p.validate(); err != nil {
			return 0, fmt.Errorf("page %d: %w", i+1, err)
		}
	}
	pw, err := NewWriter(w)
	if err != nil {
		return 0, err
	}
	catalog, pages, info := pw.Alloc(), pw.Alloc(), pw.Alloc()

	type pageRefs struct{ page, contents, image, smask Reference }
	refs := make([]pageRefs, len(d.Pages))
	kids := make(Array, len(d.Pages))
	for i, p := range d.Pages {
		refs[i].page = pw.Alloc()
		refs[i].contents = pw.Alloc()
		refs[i].image = pw.Alloc()
		if p.Image.SMask != nil {
			refs[i].smask = pw.Alloc()
		}
		kids[i] = refs[i].page
	}

	if err = pw.WriteObject(catalog, Dictionary{"Type": Name("Catalog"), "Pages": pages}); err != nil {
		return pw.Offset(), err
	}
	if err = pw.WriteObject(pages, Dictionary{
		"Type":  Name("Pages"),
		"Kids":  kids,
		"Count": Integer(len(kids)),
	}); err != nil {
		return pw.Offset(), err
	}
	if err = pw.WriteObject(info, d.Info.dictionary()); err != nil {
		return pw.Offset(), err
	}

	for i, p := range d.Pages {
		r := refs[i]
		procSet := Array{Name("PDF"), Name("ImageC")}
		if p.Image.ColorSpace == DeviceGray {
			procSet[1] = Name("ImageB")
		}
		if err = pw.WriteObject(r.page, Dictionary{
			"Type":     Name("Page"),
			"Parent":   pages,
			"MediaBox": Array{Integer(0), Integer(0), Real(p.Width), Real(p.Height)},
			"Contents": r.contents,
			"Resources": Dictionary{
				"ProcSet": procSet,
				"XObject": Dictionary{"Im1": r.image},
			},
		}); err != nil {
			return pw.Offset(), err
		}
		if err = pw.WriteObject(r.contents, Stream{Data: ContentStream(p.Placement, "Im1")}); err != nil {
			return pw.Offset(), err
		}
		img := p.Image.stream()
		if p.Image.SMask != nil {
			img.Dictionary["SMask"] = r.smask
		}
		if err = pw.WriteObject(r.image, img); err != nil {
			return pw.Offset(), err
		}
		if p.Image.SMask != nil {
			if err = pw.WriteObject(r.smask, p.Image.SMask.stream()); err != nil {
				return pw.Offset(), err
			}
		}
	}

	trailer := Dictionary{"Root": catalog, "Info": info}
	if len(d.ID) != 0 {
		trailer["ID"] = Array{HexString(d.ID), HexString(d.ID)}
	}
	err = pw.Close(trailer)
	return pw.Offset(), err
}

// ContentStream returns the drawing operators placing the named XObject at r.
func ContentStream(r Rect, name string) []byte {
	return []byte(fmt.Sprintf("q %s 0 0 %s %s %s cm /%s Do Q\n",
		FormatReal(r.W), FormatReal(r.H), FormatReal(r.X), FormatReal(r.Y), name))
}

func (p Page) validate() error {
	r := p.Placement
	for _, f := range []float64{p.Width, p.Height, r.X, r.Y, r.W, r.H} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("page %gx%g with placement %+v: %w", p.Width, p.Height, r, ErrBadGeometry)
		}
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("page size %gx%g: %w", p.Width, p.Height, ErrBadGeometry)
	}
	if r.W <= 0 || r.H <= 0 || r.X < 0 || r.Y < 0 ||
		r.X+r.W > p.Width+epsilon || r.Y+r.H > p.Height+epsilon {
		return fmt.Errorf("placement %+v on %gx%g: %w", r, p.Width, p.Height, ErrBadGeometry)
	}
	if p.Image == nil {
		return errors.New("no image")
	}
	if err := p.Image.validate(); err != nil {
		return err
	}
	if m := p.Image.SMask; m != nil {
		if m.ColorSpace != DeviceGray || m.Width != p.Image.Width || m.Height != p.Image.Height {
			return fmt.Errorf("soft mask %dx%d %s does not match image: %w", m.Width, m.Height, m.ColorSpace, ErrBadImage)
		}
		return m.validate()
	}
	return nil
}

const epsilon = 1e-6

var (
	ErrBadGeometry = errors.New("bad geometry")
	ErrBadImage    = errors.New("bad image")
)

func (img *Image) validate() error {
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("image size %dx%d: %w", img.Width, img.Height, ErrBadImage)
	}
	if img.BitsPerComponent != 8 && !(img.Filter == FilterDCT && img.BitsPerComponent == 0) {
		return fmt.Errorf("bits per component %d: %w", img.BitsPerComponent, ErrBadImage)
	}
	if len(img.Data) == 0 {
		return fmt.Errorf("empty image data: %w", ErrBadImage)
	}
	if img.Filter == FilterNone {
		if want := img.Width * img.Height * img.ColorSpace.Channels(); len(img.Data) != want {
			return fmt.Errorf("raw image data is %d bytes, wanted %d: %w", len(img.Data), want, ErrBadImage)
		}
	}
	return nil
}

func (img *Image) stream() Stream {
	bpc := img.BitsPerComponent
	if bpc == 0 {
		bpc = 8
	}
	dict := Dictionary{
		"Type":             Name("XObject"),
		"Subtype":          Name("Image"),
		"Width":            Integer(img.Width),
		"Height":           Integer(img.Height),
		"ColorSpace":       Name(img.ColorSpace),
		"BitsPerComponent": Integer(bpc),
	}
	if img.Filter != FilterNone {
		dict["Filter"] = Name(img.Filter)
	}
	return Stream{Dictionary: dict, Data: img.Data}
}

func (info Info) dictionary() Dictionary {
	d := Dictionary{}
	for k, v := range map[Name]string{
		"Title": info.Title, "Author": info.Author, "Subject": info.Subject,
		"Creator": info.Creator, "Producer": info.Producer,
	} {
		if v != "" {
			d[k] = textString(v)
		}
	}
	if !info.CreationDate.IsZero() {
		d["CreationDate"] = String(info.CreationDate.UTC().Format("D:20060102150405Z"))
	}
	return d
}

// textString encodes s as a PDF text string:
// as is when it is plain ASCII, UTF-16BE with a byte order mark otherwise.
func textString(s string) Object {
	ascii := true
	for i := 0; i < len(s) && ascii; i++ {
		ascii = s[i] < 0x80
	}
	if ascii {
		return String(s)
	}
	b, err := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewEncoder().Bytes([]byte(s))
	if err != nil {
		return String(s)
	}
	return HexString(b)
}

// Deflate compresses data for FlateDecode.
func Deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data) / 2)
	zw, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err = zw.Write(data); err != nil {
		return nil, err
	}
	if err = zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Inflate decompresses FlateDecode data.
func Inflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
