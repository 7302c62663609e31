// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package pdf writes minimal, classic (non-incremental, xref table based) PDF files.
package pdf

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Object is a PDF object that can serialize itself.
type Object interface {
	writeTo(w io.Writer) (int64, error)
}

type (
	// Boolean is a PDF boolean.
	Boolean bool
	// Integer is a PDF integer number.
	Integer int64
	// Real is a PDF real number.
	Real float64
	// String is a PDF literal string.
	String string
	// HexString is a PDF hexadecimal string.
	HexString []byte
	// Name is a PDF name, without the leading slash.
	Name string
	// Array is a PDF array.
	Array []Object
	// Dictionary is a PDF dictionary. Keys are written in sorted order.
	Dictionary map[Name]Object
)

// Null is the PDF null object.
var Null = null{}

type null struct{}

func (null) writeTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, "null")
	return int64(n), err
}

// Reference is an indirect object reference.
type Reference struct {
	Number     int
	Generation int
}

func (r Reference) String() string { return fmt.Sprintf("%d %d R", r.Number, r.Generation) }

func (r Reference) writeTo(w io.Writer) (int64, error) {
	n, err := fmt.Fprintf(w, "%d %d R", r.Number, r.Generation)
	return int64(n), err
}

// Stream is a dictionary followed by raw (already encoded) data.
// Length is always set from len(Data).
type Stream struct {
	Dictionary Dictionary
	Data       []byte
}

func (b Boolean) writeTo(w io.Writer) (int64, error) {
	s := "false"
	if b {
		s = "true"
	}
	n, err := io.WriteString(w, s)
	return int64(n), err
}

func (i Integer) writeTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, strconv.FormatInt(int64(i), 10))
	return int64(n), err
}

func (r Real) writeTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, FormatReal(float64(r)))
	return int64(n), err
}

// FormatReal formats f with at most 4 decimals, no exponent and no trailing zeros.
func FormatReal(f float64) string {
	s := strconv.FormatFloat(f, 'f', 4, 64)
	for len(s) > 1 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	s = trimSuffixByte(s, '.')
	if s == "-0" {
		return "0"
	}
	return s
}

func trimSuffixByte(s string, c byte) string {
	if len(s) > 1 && s[len(s)-1] == c {
		return s[:len(s)-1]
	}
	return s
}

func (s String) writeTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteByte('(')
	for _, b := range []byte(s) {
		switch b {
		case '(', ')', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(b)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		default:
			if b < 0x20 || b > 0x7e {
				fmt.Fprintf(&buf, "\\%03o", b)
			} else {
				buf.WriteByte(b)
			}
		}
	}
	buf.WriteByte(')')
	return buf.WriteTo(w)
}

func (h HexString) writeTo(w io.Writer) (int64, error) {
	n, err := fmt.Fprintf(w, "<%X>", []byte(h))
	return int64(n), err
}

func (n Name) writeTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteByte('/')
	for _, b := range []byte(n) {
		if b < 0x21 || b > 0x7e || isDelimiter(b) || b == '#' {
			fmt.Fprintf(&buf, "#%02X", b)
			continue
		}
		buf.WriteByte(b)
	}
	return buf.WriteTo(w)
}

func isDelimiter(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func (a Array) writeTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, obj := range a {
		if i != 0 {
			buf.WriteByte(' ')
		}
		if _, err := obj.writeTo(&buf); err != nil {
			return 0, err
		}
	}
	buf.WriteByte(']')
	return buf.WriteTo(w)
}

func (d Dictionary) writeTo(w io.Writer) (int64, error) {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString("<<")
	for i, k := range keys {
		obj := d[Name(k)]
		if obj == nil {
			continue
		}
		if i != 0 {
			buf.WriteByte(' ')
		}
		Name(k).writeTo(&buf)
		buf.WriteByte(' ')
		if _, err := obj.writeTo(&buf); err != nil {
			return 0, err
		}
	}
	buf.WriteString(">>")
	return buf.WriteTo(w)
}

func (s Stream) writeTo(w io.Writer) (int64, error) {
	dict := make(Dictionary, len(s.Dictionary)+1)
	for k, v := range s.Dictionary {
		dict[k] = v
	}
	dict["Length"] = Integer(len(s.Data))

	n, err := dict.writeTo(w)
	if err != nil {
		return n, err
	}
	m, err := io.WriteString(w, "\nstream\n")
	n += int64(m)
	if err != nil {
		return n, err
	}
	m, err = w.Write(s.Data)
	n += int64(m)
	if err != nil {
		return n, err
	}
	m, err = io.WriteString(w, "\nendstream")
	return n + int64(m), err
}

// Serialize returns the textual form of obj, mainly for debugging and tests.
func Serialize(obj Object) string {
	var buf bytes.Buffer
	_, _ = obj.writeTo(&buf)
	return buf.String()
}
