// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidelite

// Winner identifies which copy of a record survives a conflict.
type Winner int

const (
	LocalWins Winner = iota
	RemoteWins
)

func (w Winner) String() string {
	if w == RemoteWins {
		return "remote"
	}
	return "local"
}

// Resolve picks a winner between the local and remote copy of the same
// record using last-write-wins. The higher version wins outright; on equal
// versions the later updated_at wins; on an exact tie the remote copy wins
// so every device converges on the same answer. Tombstones participate
// like any other change.
func Resolve(local, remote *Record) Winner {
	if remote.Version != local.Version {
		if remote.Version > local.Version {
			return RemoteWins
		}
		return LocalWins
	}
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return RemoteWins
	}
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return LocalWins
	}
	return RemoteWins
}
