// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidesync

// Operation constants for change operations
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Per-item status constants for bulk responses
const (
	StAccepted   = "accepted"
	StConflicted = "conflicted"
	StRejected   = "rejected"
)

// Rejection reason constants
const (
	ReasonBadPayload      = "bad_payload"
	ReasonBadVersion      = "bad_version"
	ReasonUnknownEntity   = "unknown_entity"
	ReasonBatchTooLarge   = "batch_too_large"
	ReasonPayloadTooLarge = "payload_too_large"
	ReasonOwnerMismatch   = "owner_mismatch"
	ReasonNotFound        = "not_found"
	ReasonInternalError   = "internal_error"
)

// Realtime frame type constants
const (
	FrameChange    = "change"
	FrameHeartbeat = "heartbeat"
)
