// SPDX-License-Identifier: MIT

package broker

import (
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/edgeroom/presence/internal/agent"
)

// Typed headers attached to every presence event.
const (
	headerSenderID   = "Sender-Id"
	headerReceiverID = "Receiver-Id"
	headerInternal   = "Internal"
	headerEventID    = "Event-Id"
)

// Message is one bus message after header parsing, as delivered to local
// subscribers.
type Message struct {
	SenderID   agent.ID
	ReceiverID *agent.ID // targeted delivery when set
	Internal   bool      // never forwarded to clients when true
	EventID    EventID
	Payload    []byte
}

func buildHeader(senderID agent.ID, eventID EventID) nats.Header {
	h := nats.Header{}
	h.Set(headerSenderID, senderID.String())
	h.Set(headerInternal, "false")
	h.Set(headerEventID, eventID.String())
	return h
}

func parseMessage(msg *nats.Msg) (Message, error) {
	sender, err := agent.ParseID(msg.Header.Get(headerSenderID))
	if err != nil {
		return Message{}, fmt.Errorf("parse sender header: %w", err)
	}

	eventID, err := ParseEventID(msg.Header.Get(headerEventID))
	if err != nil {
		return Message{}, fmt.Errorf("parse event id header: %w", err)
	}

	out := Message{
		SenderID: sender,
		EventID:  eventID,
		Payload:  msg.Data,
	}

	if raw := msg.Header.Get(headerReceiverID); raw != "" {
		receiver, err := agent.ParseID(raw)
		if err != nil {
			return Message{}, fmt.Errorf("parse receiver header: %w", err)
		}
		out.ReceiverID = &receiver
	}

	if raw := msg.Header.Get(headerInternal); raw != "" {
		internal, err := strconv.ParseBool(raw)
		if err != nil {
			return Message{}, fmt.Errorf("parse internal header: %w", err)
		}
		out.Internal = internal
	}

	return out, nil
}
