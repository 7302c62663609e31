// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pdf

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Header is the file header: version line and a binary marker comment.
const Header = "%PDF-1.4\n%\xE2\xE3\xCF\xD3\n"

var (
	ErrObjectWritten = errors.New("object already written")
	ErrUnknownObject = errors.New("object not allocated")
	ErrMissingObject = errors.New("allocated object never written")
	ErrClosed        = errors.New("writer closed")
)

// Writer writes indirect objects sequentially and records their offsets,
// then finishes the file with a cross-reference table and trailer.
//
// Object numbers are handed out contiguously from 1 by Alloc,
// and each allocated object must be written exactly once before Close.
type Writer struct {
	cw      *countingWriter
	bw      *bufio.Writer
	offsets []int64 // offsets[n-1] is the offset of object n; -1 if not written yet
	closed  bool
}

// NewWriter writes the header to w and returns a Writer.
func NewWriter(w io.Writer) (*Writer, error) {
	cw := &countingWriter{w: w}
	pw := &Writer{cw: cw, bw: bufio.NewWriterSize(cw, 64<<10)}
	if _, err := io.WriteString(pw.bw, Header); err != nil {
		return nil, err
	}
	return pw, nil
}

// Alloc reserves the next object number.
func (w *Writer) Alloc() Reference {
	w.offsets = append(w.offsets, -1)
	return Reference{Number: len(w.offsets)}
}

// Offset returns the current position in the output.
func (w *Writer) Offset() int64 { return w.cw.n + int64(w.bw.Buffered()) }

// WriteObject writes obj as the indirect object ref.
func (w *Writer) WriteObject(ref Reference, obj Object) error {
	if w.closed {
		return ErrClosed
	}
	if ref.Number < 1 || ref.Number > len(w.offsets) || ref.Generation != 0 {
		return fmt.Errorf("%s: %w", ref, ErrUnknownObject)
	}
	if w.offsets[ref.Number-1] >= 0 {
		return fmt.Errorf("%s: %w", ref, ErrObjectWritten)
	}
	off := w.Offset()
	if _, err := fmt.Fprintf(w.bw, "%d 0 obj\n", ref.Number); err != nil {
		return err
	}
	if _, err := obj.writeTo(w.bw); err != nil {
		return fmt.Errorf("write %s: %w", ref, err)
	}
	if _, err := io.WriteString(w.bw, "\nendobj\n"); err != nil {
		return err
	}
	w.offsets[ref.Number-1] = off
	return nil
}

// Add allocates a new object number and writes obj with it.
func (w *Writer) Add(obj Object) (Reference, error) {
	ref := w.Alloc()
	return ref, w.WriteObject(ref, obj)
}

// Close writes the cross-reference table and the trailer, and flushes the output.
// Size is set automatically; trailer must contain at least Root.
func (w *Writer) Close(trailer Dictionary) error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	for i, off := range w.offsets {
		if off < 0 {
			return fmt.Errorf("%d 0 R: %w", i+1, ErrMissingObject)
		}
	}
	if _, ok := trailer["Root"]; !ok {
		return errors.New("trailer without Root")
	}

	xref := w.Offset()
	bw := w.bw
	fmt.Fprintf(bw, "xref\n0 %d\n", len(w.offsets)+1)
	// each entry is exactly 20 bytes long, including the two byte EOL
	io.WriteString(bw, "0000000000 65535 f\r\n")
	for _, off := range w.offsets {
		fmt.Fprintf(bw, "%010d 00000 n\r\n", off)
	}

	t := make(Dictionary, len(trailer)+1)
	for k, v := range trailer {
		t[k] = v
	}
	t["Size"] = Integer(len(w.offsets) + 1)
	io.WriteString(bw, "trailer\n")
	if _, err := t.writeTo(bw); err != nil {
		return err
	}
	fmt.Fprintf(bw, "\nstartxref\n%d\n%%%%EOF\n", xref)
	if err := bw.Flush(); err != nil {
		return err
	}
	return w.cw.err
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	if cw.err != nil {
		return 0, cw.err
	}
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	cw.err = err
	return n, err
}
