// Copyright 2017, 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"context"
	"sync/atomic"
	"time"
)

// Token is a token
type Token struct{}

// Limiter limits the number of concurrently running conversions.
// At most QueueLength callers may wait for a token, each at most QueueTimeout long;
// the rest get an Overloaded error.
type Limiter struct {
	tokens       chan Token
	waiting      atomic.Int32
	queueLength  int32
	queueTimeout time.Duration
}

// NewLimiter returns a Limiter with n tokens.
func NewLimiter(n, queueLength int, queueTimeout time.Duration) *Limiter {
	if n <= 0 {
		n = 1
	}
	rl := &Limiter{
		tokens:       make(chan Token, n),
		queueLength:  int32(queueLength),
		queueTimeout: queueTimeout,
	}
	var t Token
	for i := 0; i < n; i++ {
		rl.tokens <- t
	}
	return rl
}

// Acquire pulls a token, waiting in the queue if there is room there.
func (rl *Limiter) Acquire(ctx context.Context) (Token, error) {
	select {
	case t := <-rl.tokens:
		return t, nil
	default:
	}
	if rl.waiting.Add(1) > rl.queueLength {
		rl.waiting.Add(-1)
		return Token{}, newError(CodeOverloaded, "acquire", nil, "queue is full (%d waiting)", rl.queueLength)
	}
	defer rl.waiting.Add(-1)

	var timeout <-chan time.Time
	if rl.queueTimeout > 0 {
		timer := time.NewTimer(rl.queueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case t := <-rl.tokens:
		return t, nil
	case <-ctx.Done():
		return Token{}, asError(CodeCanceled, "acquire", ctx.Err())
	case <-timeout:
		return Token{}, newError(CodeOverloaded, "acquire", nil, "no free slot in %s", rl.queueTimeout)
	}
}

// Release pushes back the token
func (rl *Limiter) Release(t Token) {
	select {
	case rl.tokens <- t:
	default:
	}
}

// InFlight returns the number of tokens in use.
func (rl *Limiter) InFlight() int { return cap(rl.tokens) - len(rl.tokens) }

// Waiting returns the number of callers waiting for a token.
func (rl *Limiter) Waiting() int { return int(rl.waiting.Load()) }
