// Package protocol defines the wire messages exchanged between participants
// and the signaling relay.
//
// The relay is payload-opaque: signal blobs are carried as raw JSON and are
// never inspected or rewritten, only routed by the `to`/`from` metadata.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type Type string

const (
	TypeAssignedID Type = "assigned-id"
	TypeOffer      Type = "call-offer"
	TypeAnswer     Type = "call-answer"
	TypeAccepted   Type = "call-accepted"
	TypeTeardown   Type = "call-teardown"
	TypeGone       Type = "call-gone"
	TypeError      Type = "call-error"
)

// Teardown reasons a participant may send with TypeTeardown.
const (
	ReasonHangup   = "hangup"
	ReasonDeclined = "declined"
	ReasonBusy     = "busy"
)

// Error reasons the relay sends with TypeError.
const (
	ReasonPeerUnavailable = "peer-unavailable"
	ReasonSelfCall        = "self-call"
	ReasonBadMessage      = "bad-message"
)

// Message is the single envelope used in both directions. Which fields are
// populated depends on Type; Validate enforces the per-type shape.
type Message struct {
	Type Type `json:"type"`

	// ID carries the relay-assigned participant identifier (TypeAssignedID).
	ID string `json:"id,omitempty"`

	// To names the destination participant on client-to-relay messages.
	// From is stamped by the relay on forwarded messages; client-supplied
	// values are ignored.
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`

	// Signal is the opaque negotiation blob. Forwarded byte-for-byte.
	Signal json.RawMessage `json:"signal,omitempty"`

	DisplayName string `json:"displayName,omitempty"`

	// Reason qualifies TypeTeardown and TypeError.
	Reason string `json:"reason,omitempty"`

	// DisconnectedID identifies the lost connection on TypeGone broadcasts.
	DisconnectedID string `json:"disconnectedId,omitempty"`
}

// ParseClientMessage decodes and validates a message received from a
// participant connection. Unknown fields and trailing data are rejected so
// malformed clients fail loudly instead of being half-routed.
func ParseClientMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.validateFromClient(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) validateFromClient() error {
	switch m.Type {
	case TypeOffer:
		if m.To == "" {
			return fmt.Errorf("call-offer missing to")
		}
		if len(m.Signal) == 0 {
			return fmt.Errorf("call-offer missing signal")
		}
		if m.ID != "" || m.Reason != "" || m.DisconnectedID != "" {
			return fmt.Errorf("call-offer has unexpected fields")
		}
	case TypeAnswer:
		if m.To == "" {
			return fmt.Errorf("call-answer missing to")
		}
		if len(m.Signal) == 0 {
			return fmt.Errorf("call-answer missing signal")
		}
		if m.ID != "" || m.DisplayName != "" || m.Reason != "" || m.DisconnectedID != "" {
			return fmt.Errorf("call-answer has unexpected fields")
		}
	case TypeTeardown:
		if m.To == "" {
			return fmt.Errorf("call-teardown missing to")
		}
		switch m.Reason {
		case ReasonHangup, ReasonDeclined, ReasonBusy:
		default:
			return fmt.Errorf("call-teardown has invalid reason %q", m.Reason)
		}
		if m.ID != "" || len(m.Signal) != 0 || m.DisplayName != "" || m.DisconnectedID != "" {
			return fmt.Errorf("call-teardown has unexpected fields")
		}
	case TypeAssignedID, TypeAccepted, TypeGone, TypeError:
		return fmt.Errorf("message type %q not accepted from clients", m.Type)
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func AssignedID(id string) Message {
	return Message{Type: TypeAssignedID, ID: id}
}

func Offer(to string, signal json.RawMessage, displayName string) Message {
	return Message{Type: TypeOffer, To: to, Signal: signal, DisplayName: displayName}
}

func Answer(to string, signal json.RawMessage) Message {
	return Message{Type: TypeAnswer, To: to, Signal: signal}
}

func Accepted(from string, signal json.RawMessage) Message {
	return Message{Type: TypeAccepted, From: from, Signal: signal}
}

func Teardown(to, reason string) Message {
	return Message{Type: TypeTeardown, To: to, Reason: reason}
}

func Gone(disconnectedID string) Message {
	return Message{Type: TypeGone, DisconnectedID: disconnectedID}
}

func Error(reason string) Message {
	return Message{Type: TypeError, Reason: reason}
}
