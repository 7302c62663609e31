// Copyright 2017, 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"net"

	"github.com/coreos/go-systemd/v22/activation"
)

// getListeners returns the sockets passed by systemd socket activation.
func getListeners() []net.Listener {
	listeners, err := activation.Listeners()
	if err != nil {
		logger.Error(err, "socket activation")
		return nil
	}
	ls := listeners[:0]
	for _, l := range listeners {
		if l != nil {
			ls = append(ls, l)
		}
	}
	return ls
}
