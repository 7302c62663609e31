// Copyright 2013, 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/tgulacsi/go/proc"
)

// runWithContext runs the command, interrupting it when ctx is done
// (canceled or past its deadline), and killing it with its children
// if it does not exit in proc.IntTimeout.
func runWithContext(ctx context.Context, cmd *exec.Cmd) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			getLogger(ctx).Error(err, "run", "args", cmd.Args)
		}
		return err
	case <-ctx.Done():
	}

	pid := cmd.Process.Pid
	getLogger(ctx).Info("interrupt", "pid", pid, "args", cmd.Args, "error", ctx.Err())
	_ = proc.Pkill(pid, os.Interrupt)
	select {
	case <-done:
	case <-time.After(proc.IntTimeout):
		getLogger(ctx).Info("kill", "pid", pid)
		_ = proc.KillWithChildren(cmd.Process, false)
		<-done
	}
	return ctx.Err()
}
