// SPDX-License-Identifier: MIT

// Package classroom defines the opaque classroom identifier shared by the
// ledger, the broker and the HTTP surface.
package classroom

import "github.com/google/uuid"

// ID is an opaque 128-bit classroom identifier. It is only ever compared,
// hashed and printed; nothing in this service interprets its contents.
type ID struct {
	uuid.UUID
}

// ParseID parses the canonical textual form of a classroom identifier.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID{UUID: u}, nil
}

// FromUUID wraps a raw uuid as a classroom identifier.
func FromUUID(u uuid.UUID) ID {
	return ID{UUID: u}
}
