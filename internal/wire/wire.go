// Package wire models the signaling protocol surface exchanged with the call
// relay: offers, answers, trickled ICE candidates, call teardown, and presence
// queries.
//
// We intentionally avoid depending on any WebRTC library type here; this
// package models the protocol, not the implementation.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type MessageType string

const (
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeCandidate    MessageType = "ice-candidate"
	MessageTypeCallEnded    MessageType = "call-ended"
	MessageTypePresence     MessageType = "check-target-exists"
	MessageTypeTargetStatus MessageType = "target-status"
	MessageTypeError        MessageType = "error"
)

// SDP is a minimal, JSON-friendly representation of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate mirrors the trickle ICE candidate shape used by browser clients.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is the signaling envelope.
//
// From is filled in by the relay on inbound messages; Target is set by the
// sender on outbound messages. Exactly the fields relevant to Type may be
// present; Validate rejects everything else.
type Message struct {
	Type MessageType `json:"type"`

	From   string `json:"from,omitempty"`
	Target string `json:"target,omitempty"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	// Presence query correlation. Exists is only set on target-status replies.
	ID     string `json:"id,omitempty"`
	Exists *bool  `json:"exists,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseMessage decodes and validates a single inbound signaling message.
//
// Parsing is strict: unknown fields and trailing data are errors. Callers are
// expected to log and discard messages that fail to parse.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Encode validates and marshals an outbound message.
func (m Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (m Message) Validate() error {
	switch m.Type {
	case MessageTypeOffer:
		if m.SDP == nil {
			return fmt.Errorf("offer message missing sdp")
		}
		if m.SDP.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", m.SDP.Type)
		}
		if m.SDP.SDP == "" {
			return fmt.Errorf("offer message has empty sdp")
		}
		if m.From == "" && m.Target == "" {
			return fmt.Errorf("offer message missing from/target")
		}
		if m.Candidate != nil || m.ID != "" || m.Exists != nil || m.Code != "" || m.Message != "" {
			return fmt.Errorf("offer message has unexpected fields")
		}
	case MessageTypeAnswer:
		if m.SDP == nil {
			return fmt.Errorf("answer message missing sdp")
		}
		if m.SDP.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", m.SDP.Type)
		}
		if m.SDP.SDP == "" {
			return fmt.Errorf("answer message has empty sdp")
		}
		if m.Candidate != nil || m.ID != "" || m.Exists != nil || m.Code != "" || m.Message != "" {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case MessageTypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if m.SDP != nil || m.ID != "" || m.Exists != nil || m.Code != "" || m.Message != "" {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
	case MessageTypeCallEnded:
		if m.SDP != nil || m.Candidate != nil || m.ID != "" || m.Exists != nil || m.Code != "" || m.Message != "" {
			return fmt.Errorf("call-ended message has unexpected fields")
		}
	case MessageTypePresence:
		if m.ID == "" {
			return fmt.Errorf("check-target-exists message missing id")
		}
		if m.Target == "" {
			return fmt.Errorf("check-target-exists message missing target")
		}
		if m.SDP != nil || m.Candidate != nil || m.Exists != nil || m.Code != "" || m.Message != "" {
			return fmt.Errorf("check-target-exists message has unexpected fields")
		}
	case MessageTypeTargetStatus:
		if m.ID == "" {
			return fmt.Errorf("target-status message missing id")
		}
		if m.Exists == nil {
			return fmt.Errorf("target-status message missing exists")
		}
		if m.SDP != nil || m.Candidate != nil || m.Code != "" || m.Message != "" {
			return fmt.Errorf("target-status message has unexpected fields")
		}
	case MessageTypeError:
		if m.Code == "" || m.Message == "" {
			return fmt.Errorf("error message missing code/message")
		}
		if m.SDP != nil || m.Candidate != nil || m.ID != "" || m.Exists != nil {
			return fmt.Errorf("error message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
