// Copyright 2017, 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// GmEngine converts with GraphicsMagick: gm convert img... pdf:-
// gm does its own page layout.
type GmEngine struct {
	Path    string
	TempDir string
}

func (GmEngine) Name() string { return "gm" }

func (e GmEngine) Render(ctx context.Context, w io.Writer, doc Document) error {
	dir, err := os.MkdirTemp(e.TempDir, "img2pdf-gm-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	args := append(make([]string, 0, len(doc.Pages)+2), "convert")
	for i, p := range doc.Pages {
		r, err := encodedImage(p.Asset)
		if err != nil {
			return err
		}
		ext := "png"
		if p.Asset.Raw != nil {
			ext = "jpg"
		}
		fn := filepath.Join(dir, strconv.Itoa(i)+"."+ext)
		fh, err := os.Create(fn)
		if err != nil {
			return err
		}
		_, err = io.Copy(fh, r)
		if closeErr := fh.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", fn, err)
		}
		args = append(args, fn)
	}
	args = append(args, "pdf:-")

	// nosemgrep: go.lang.security.audit.dangerous-exec-command.dangerous-exec-command
	cmd := exec.Command(e.Path, args...)
	cmd.Stdout = w
	errout := bytes.NewBuffer(nil)
	cmd.Stderr = errout
	if err := runWithContext(ctx, cmd); err != nil {
		return fmt.Errorf("%q: %s: %w", cmd.Args, errout.Bytes(), err)
	}
	if errout.Len() > 0 {
		logger.Info("WARN gm convert", "args", cmd.Args, "stderr", errout.String())
	}
	return nil
}
