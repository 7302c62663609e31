// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestParseSource(t *testing.T) {
	ctx := context.Background()
	for in, want := range map[string]struct {
		Name, Data string
	}{
		"data:image/png;base64,aGVsbG8=": {"data:image/png", "hello"},
		"data:image/png;base64,aGVsbG8":  {"data:image/png", "hello"},
		"data:;base64,aGVs\nbG8=":        {"data", "hello"},
		"data:text/plain,hello%20world":  {"data:text/plain", "hello world"},
		"data:image/gif;charset=x,a%2Cb": {"data:image/gif", "a,b"},
	} {
		src, err := ParseSource(in)
		if err != nil {
			t.Errorf("%q: %+v", in, err)
			continue
		}
		if src.Name() != want.Name {
			t.Errorf("%q: name is %q, wanted %q", in, src.Name(), want.Name)
		}
		b, err := src.ReadAll(ctx, 1<<20)
		if err != nil {
			t.Errorf("%q: %+v", in, err)
		} else if string(b) != want.Data {
			t.Errorf("%q: got %q, wanted %q", in, b, want.Data)
		}
	}

	if src, err := ParseSource("/tmp/a.png"); err != nil {
		t.Error(err)
	} else if _, ok := src.(FileSource); !ok {
		t.Errorf("file path gave %T", src)
	}
	for _, in := range []string{"data:image/png;base64", "data:image/png;base64,!!!"} {
		if _, err := ParseSource(in); !errors.Is(err, ErrInputUnavailable) {
			t.Errorf("%q: got %v, wanted InputUnavailable", in, err)
		}
	}
}

func TestSourceLimit(t *testing.T) {
	ctx := context.Background()
	if _, err := (BytesSource{Data: make([]byte, 11)}).ReadAll(ctx, 10); !errors.Is(err, errTooLarge) {
		t.Errorf("bytes: got %v", err)
	}
	if _, err := (ReaderSource{R: strings.NewReader(strings.Repeat("x", 11))}).ReadAll(ctx, 10); !errors.Is(err, errTooLarge) {
		t.Errorf("reader: got %v", err)
	}
	if b, err := (ReaderSource{R: strings.NewReader("0123456789")}).ReadAll(ctx, 10); err != nil || len(b) != 10 {
		t.Errorf("reader at limit: %d, %v", len(b), err)
	}
}

func TestErrorCodes(t *testing.T) {
	for _, tc := range []struct {
		Err  error
		Code Code
	}{
		{nil, ""},
		{context.DeadlineExceeded, CodeTimeout},
		{fmt.Errorf("wrapped: %w", context.Canceled), CodeCanceled},
		{errors.New("disk full"), CodeWriteFailure},
		{fmt.Errorf("page 2: %w", newError(CodeCorruptImage, "decode", nil, "")), CodeCorruptImage},
		{asError(CodeCorruptImage, "decode", context.DeadlineExceeded), CodeTimeout},
	} {
		if got := CodeOf(tc.Err); got != tc.Code {
			t.Errorf("%v: got %q, wanted %q", tc.Err, got, tc.Code)
		}
	}
	err := newError(CodeOverloaded, "acquire", nil, "full")
	if !errors.Is(err, ErrOverloaded) || errors.Is(err, ErrTimeout) {
		t.Errorf("errors.Is mismatch for %v", err)
	}
	if !errors.Is(err, &Error{Code: CodeOverloaded, Op: "acquire"}) || errors.Is(err, &Error{Code: CodeOverloaded, Op: "decode"}) {
		t.Errorf("errors.Is mismatch on Op for %v", err)
	}
}
