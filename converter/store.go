// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	perrors "github.com/pkg/errors"
)

// Ref is a stable reference to a published PDF.
type Ref string

// Staged is an unpublished output, invisible to readers until published.
type Staged interface {
	io.Writer
	JobID() string
}

// OutputStore keeps the published PDFs.
//
// Publishing the same job again replaces the earlier artifact,
// so there is at most one visible artifact per job.
type OutputStore interface {
	Stage(ctx context.Context, jobID string) (Staged, error)
	Publish(ctx context.Context, st Staged) (Ref, error)
	Discard(st Staged) error
	Open(ctx context.Context, ref Ref) (io.ReadCloser, error)
	Delete(ctx context.Context, ref Ref) error
}

// DirStore is an OutputStore in a local directory.
// Staged files live in the .staging subdirectory (same filesystem),
// and are published with an atomic rename to <jobID>.pdf.
type DirStore struct {
	dir, staging string
}

var _ OutputStore = (*DirStore)(nil)

const stagingDir = ".staging"

// NewDirStore creates dir (and its staging subdirectory) if needed.
func NewDirStore(dir string) (*DirStore, error) {
	staging := filepath.Join(dir, stagingDir)
	if err := os.MkdirAll(staging, 0750); err != nil {
		return nil, perrors.Wrapf(err, "create output dir %s", staging)
	}
	return &DirStore{dir: dir, staging: staging}, nil
}

// Dir returns the directory of the published files.
func (s *DirStore) Dir() string { return s.dir }

type dirStaged struct {
	jobID string
	*renameio.PendingFile
}

func (st *dirStaged) JobID() string { return st.jobID }

func validJobID(jobID string) bool {
	return jobID != "" && !strings.HasPrefix(jobID, ".") &&
		!strings.ContainsAny(jobID, `/\`+string(filepath.Separator)) && filepath.Base(jobID) == jobID
}

func (s *DirStore) Stage(ctx context.Context, jobID string) (Staged, error) {
	if !validJobID(jobID) {
		return nil, newError(CodeWriteFailure, "stage", nil, "bad job id %q", jobID)
	}
	if err := ctx.Err(); err != nil {
		return nil, asError(CodeCanceled, "stage", err)
	}
	pf, err := renameio.NewPendingFile(
		filepath.Join(s.dir, jobID+".pdf"),
		renameio.WithTempDir(s.staging),
		renameio.WithPermissions(0640),
	)
	if err != nil {
		return nil, asError(CodeWriteFailure, "stage", perrors.Wrapf(err, "create staging file for %s", jobID))
	}
	return &dirStaged{jobID: jobID, PendingFile: pf}, nil
}

// Publish makes the staged file visible as <jobID>.pdf.
// If ctx is already done, the staged file is discarded instead.
func (s *DirStore) Publish(ctx context.Context, st Staged) (Ref, error) {
	ds, ok := st.(*dirStaged)
	if !ok {
		return "", newError(CodeWriteFailure, "publish", nil, "foreign staged handle %T", st)
	}
	if err := ctx.Err(); err != nil {
		_ = ds.Cleanup()
		return "", asError(CodeCanceled, "publish", err)
	}
	if err := ds.CloseAtomicallyReplace(); err != nil {
		_ = ds.Cleanup()
		return "", asError(CodeWriteFailure, "publish", perrors.Wrapf(err, "publish %s", ds.jobID))
	}
	return Ref(ds.jobID + ".pdf"), nil
}

func (s *DirStore) Discard(st Staged) error {
	if ds, ok := st.(*dirStaged); ok {
		return ds.Cleanup()
	}
	return nil
}

// Path returns the local file path of ref.
func (s *DirStore) Path(ref Ref) (string, error) {
	base := string(ref)
	if !strings.HasSuffix(base, ".pdf") || !validJobID(strings.TrimSuffix(base, ".pdf")) {
		return "", newError(CodeInputUnavailable, "path", fs.ErrNotExist, "bad reference %q", base)
	}
	return filepath.Join(s.dir, base), nil
}

func (s *DirStore) Open(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	fn, err := s.Path(ref)
	if err != nil {
		return nil, err
	}
	fh, err := os.Open(fn)
	if err != nil {
		return nil, perrors.Wrapf(err, "open %s", ref)
	}
	return fh, nil
}

func (s *DirStore) Delete(ctx context.Context, ref Ref) error {
	fn, err := s.Path(ref)
	if err != nil {
		return err
	}
	if err = os.Remove(fn); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return perrors.Wrapf(err, "delete %s", ref)
	}
	return nil
}

// Import publishes a copy of the existing file src for jobID.
func (s *DirStore) Import(ctx context.Context, jobID, src string) (Ref, error) {
	if !validJobID(jobID) {
		return "", newError(CodeWriteFailure, "import", nil, "bad job id %q", jobID)
	}
	tmp, err := os.CreateTemp(s.staging, "."+jobID+"-*.pdf")
	if err != nil {
		return "", asError(CodeWriteFailure, "import", err)
	}
	tmpName := tmp.Name()
	_ = tmp.Close()
	_ = os.Remove(tmpName)
	if err = linkOrCopy(src, tmpName); err != nil {
		_ = os.Remove(tmpName)
		return "", asError(CodeWriteFailure, "import", err)
	}
	if err = ctx.Err(); err != nil {
		_ = os.Remove(tmpName)
		return "", asError(CodeCanceled, "import", err)
	}
	if err = os.Rename(tmpName, filepath.Join(s.dir, jobID+".pdf")); err != nil {
		_ = os.Remove(tmpName)
		return "", asError(CodeWriteFailure, "import", perrors.Wrapf(err, "publish %s", jobID))
	}
	return Ref(jobID + ".pdf"), nil
}

// Sweep removes the staging files older than maxAge, left behind by crashes.
func (s *DirStore) Sweep(maxAge time.Duration) (int, error) {
	des, err := os.ReadDir(s.staging)
	if err != nil {
		return 0, err
	}
	limit := time.Now().Add(-maxAge)
	var n int
	for _, de := range des {
		fi, err := de.Info()
		if err != nil || fi.IsDir() || !fi.ModTime().Before(limit) {
			continue
		}
		if err = os.Remove(filepath.Join(s.staging, de.Name())); err == nil {
			n++
		}
	}
	return n, nil
}

// List returns the published references.
func (s *DirStore) List() ([]Ref, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(des))
	for _, de := range des {
		if de.Type().IsRegular() && strings.HasSuffix(de.Name(), ".pdf") && !strings.HasPrefix(de.Name(), ".") {
			refs = append(refs, Ref(de.Name()))
		}
	}
	return refs, nil
}
