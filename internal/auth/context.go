// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the identity of a verified request through its
// context. Values are set once by the token middleware and read by the
// sync handlers.
package auth

import (
	"context"
)

type ownerKey struct{}
type deviceKey struct{}

// SetAuthContext attaches the owner and device identity extracted from a
// verified token.
func SetAuthContext(ctx context.Context, ownerID, deviceID string) context.Context {
	ctx = context.WithValue(ctx, ownerKey{}, ownerID)
	return context.WithValue(ctx, deviceKey{}, deviceID)
}

// GetOwnerID returns the authenticated owner, if any.
func GetOwnerID(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(ownerKey{}).(string)
	return ownerID, ok
}

// GetDeviceID returns the authenticated device, if any.
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceKey{}).(string)
	return deviceID, ok
}
