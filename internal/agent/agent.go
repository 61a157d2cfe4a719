// SPDX-License-Identifier: MIT

// Package agent defines the agent and account identifiers used as presence
// keys. An agent is an authenticated account plus the transport label it
// connected with.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AccountID identifies an authenticated end user: the token subject plus the
// audience the token was issued for.
type AccountID struct {
	Subject  string
	Audience string
}

// NewAccountID builds an account identifier from token claims.
func NewAccountID(subject, audience string) AccountID {
	return AccountID{Subject: subject, Audience: audience}
}

func (a AccountID) String() string {
	return a.Subject + "." + a.Audience
}

// ParseAccountID parses the canonical "subject.audience" form. The subject
// never contains a dot; the audience may.
func ParseAccountID(s string) (AccountID, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return AccountID{}, fmt.Errorf("malformed account id %q", s)
	}
	return AccountID{Subject: parts[0], Audience: parts[1]}, nil
}

// ID identifies an agent: a connection label plus an account. It is a map key
// throughout the service and is never parsed outside token ingress and ledger
// scanning.
type ID struct {
	Label   string
	Account AccountID
}

// NewID builds an agent identifier.
func NewID(label string, account AccountID) ID {
	return ID{Label: label, Account: account}
}

// String renders the canonical "label.subject.audience" form.
func (id ID) String() string {
	return id.Label + "." + id.Account.String()
}

// ParseID parses the canonical agent id form produced by String. The label
// and subject never contain dots.
func ParseID(s string) (ID, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 || parts[0] == "" {
		return ID{}, fmt.Errorf("malformed agent id %q", s)
	}
	account, err := ParseAccountID(parts[1])
	if err != nil {
		return ID{}, err
	}
	return ID{Label: parts[0], Account: account}, nil
}

// MarshalJSON encodes the agent id as its canonical string form, which is the
// on-wire representation in every client-facing payload and bus event.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON accepts the canonical string form.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
