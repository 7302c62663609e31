// Copyright 2023, 2026 Tamás Gulácsi. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package converter

import (
	"context"
	"crypto/rand"

	"github.com/go-logr/logr"
	"github.com/oklog/ulid/v2"
)

type ctxReqID struct{}

// SetRequestID stores the request id in the context (a new ULID if empty),
// and adds it to the context's logger. An already set id is kept.
func SetRequestID(ctx context.Context, reqID string) context.Context {
	if v, ok := ctx.Value(ctxReqID{}).(string); ok && v != "" {
		return ctx
	}
	if reqID == "" {
		reqID = NewULID().String()
	}
	ctx = context.WithValue(ctx, ctxReqID{}, reqID)
	return logr.NewContext(ctx, getLogger(ctx).WithValues("reqID", reqID))
}

// GetRequestID returns the request id of the context, or "".
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(ctxReqID{}).(string)
	return v
}

// NewULID returns a new, time ordered unique id.
func NewULID() ulid.ULID {
	return ulid.MustNew(ulid.Now(), rand.Reader)
}
