// SPDX-License-Identifier: MIT

// Package session defines the identifiers and value types for one live
// presence of an agent in a classroom.
package session

import (
	"fmt"

	"github.com/edgeroom/presence/internal/agent"
	"github.com/edgeroom/presence/internal/classroom"
)

// ID is the ledger-assigned identifier of an agent_session row. It is stable
// for the life of the row and reused as the history row's primary key.
type ID int64

// Key uniquely identifies a presence tuple cluster-wide. At most one live
// connection may hold a given key; a newer connection displaces the older one.
type Key struct {
	AgentID     agent.ID     `json:"agent_id"`
	ClassroomID classroom.ID `json:"classroom_id"`
}

// NewKey builds a session key.
func NewKey(agentID agent.ID, classroomID classroom.ID) Key {
	return Key{AgentID: agentID, ClassroomID: classroomID}
}

func (k Key) String() string {
	return fmt.Sprintf("(%s, %s)", k.AgentID, k.ClassroomID)
}

// Kind records how the connection obtained its ledger row.
type Kind int

const (
	// KindNew means a fresh agent_session row was inserted; the handler
	// publishes an Entered event.
	KindNew Kind = iota
	// KindReplaced means the connection inherited the row of a displaced
	// session; no Entered event is published for a continuous presence.
	KindReplaced
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Session is one live connection of an agent to one classroom.
type Session struct {
	ID   ID
	Key  Key
	Kind Kind
}

// New builds a session value.
func New(id ID, key Key, kind Kind) Session {
	return Session{ID: id, Key: key, Kind: kind}
}
