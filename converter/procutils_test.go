// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"
)

func TestRunWithContextCancel(t *testing.T) {
	defer setTestLogger(t)()
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	err = runWithContext(ctx, exec.Command(sleep, "30"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %+v, wanted Canceled", err)
	}
	if d := time.Since(start); d > 10*time.Second {
		t.Errorf("canceled command ran for %s", d)
	}
}

func TestRunWithContextDeadline(t *testing.T) {
	defer setTestLogger(t)()
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err = runWithContext(ctx, exec.Command(sleep, "30")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %+v, wanted DeadlineExceeded", err)
	}
	if err = runWithContext(context.Background(), exec.Command(sleep, "0")); err != nil {
		t.Errorf("sleep 0: %+v", err)
	}
}
