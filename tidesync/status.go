// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidesync

// statusAccepted creates a status for a record accepted with a new server version
func statusAccepted(id string, newVer int64) ItemStatus {
	return ItemStatus{
		ID:         id,
		Status:     StAccepted,
		NewVersion: &newVer,
	}
}

// statusAcceptedIdempotent creates a status for a record already applied at this version
func statusAcceptedIdempotent(id string, ver int64) ItemStatus {
	return ItemStatus{
		ID:         id,
		Status:     StAccepted,
		NewVersion: &ver,
	}
}

// statusConflicted creates a status for version conflicts with the current server record
func statusConflicted(id string, server *SyncRecord) ItemStatus {
	return ItemStatus{
		ID:           id,
		Status:       StConflicted,
		ServerRecord: server,
	}
}

// statusRejected creates a status for validation failures
func statusRejected(id string, reason string, msg string) ItemStatus {
	return ItemStatus{
		ID:      id,
		Status:  StRejected,
		Reason:  reason,
		Message: msg,
	}
}

// statusInternalError creates a status for per-item internal errors
func statusInternalError(id string, err error) ItemStatus {
	return ItemStatus{
		ID:      id,
		Status:  StRejected,
		Reason:  ReasonInternalError,
		Message: err.Error(),
	}
}
