// SPDX-License-Identifier: MIT

package broker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/edgeroom/presence/internal/agent"
	"github.com/edgeroom/presence/internal/classroom"
)

const (
	subjectPrefix = "classroom"
	entityAgent   = "agent"

	// OpEntered and OpLeft are the agent presence operations.
	OpEntered = "entered"
	OpLeft    = "left"
)

// EventID identifies one event on the bus: what entity it concerns, what
// happened to it, and a per-entity sequence number.
type EventID struct {
	EntityType string
	Operation  string
	Sequence   int64
}

// String renders the "entity_type.operation.sequence" wire form.
func (id EventID) String() string {
	return id.EntityType + "." + id.Operation + "." + strconv.FormatInt(id.Sequence, 10)
}

// ParseEventID parses the wire form produced by String.
func ParseEventID(s string) (EventID, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return EventID{}, fmt.Errorf("malformed event id %q", s)
	}
	seq, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("malformed event id sequence %q: %w", s, err)
	}
	return EventID{EntityType: parts[0], Operation: parts[1], Sequence: seq}, nil
}

// AgentEvent is the payload of an agent presence event, wrapped in a
// versioned tagged envelope on the wire.
type AgentEvent struct {
	EntityType string            `json:"entity_type"`
	Label      string            `json:"label"`
	Payload    AgentEventPayload `json:"payload"`
}

// AgentEventPayload carries the agent the event concerns.
type AgentEventPayload struct {
	AgentID agent.ID `json:"agent_id"`
}

// NewAgentEvent builds the v1 envelope for one agent.
func NewAgentEvent(agentID agent.ID) AgentEvent {
	return AgentEvent{
		EntityType: entityAgent,
		Label:      "v1",
		Payload:    AgentEventPayload{AgentID: agentID},
	}
}

// eventSubject forms the publish subject for one classroom entity.
func eventSubject(classroomID classroom.ID, entityType string) string {
	return subjectPrefix + "." + classroomID.String() + "." + entityType
}

// wildcardSubject forms the subscription subject covering every entity type
// of a classroom.
func wildcardSubject(classroomID classroom.ID) string {
	return subjectPrefix + "." + classroomID.String() + ".*"
}
