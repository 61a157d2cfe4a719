// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldAgentID     = "agent_id"
	FieldClassroomID = "classroom_id"
	FieldSessionID   = "session_id"
	FieldSessionKey  = "session_key"
	FieldReplicaID   = "replica_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldSubject   = "subject"

	// Network fields
	FieldAddr = "addr"
	FieldIP   = "ip"
)
