package model

import (
	"encoding/json"
	"fmt"
)

// SignalType tags a WebRTC negotiation payload.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalIceCandidate SignalType = "ice-candidate"
)

// SignalPayload is one variant of the negotiation payload union.
type SignalPayload interface {
	signalPayload()
}

// Offer carries the caller's session description.
type Offer struct {
	SDP string `json:"sdp"`
}

// Answer carries the receiver's session description.
type Answer struct {
	SDP string `json:"sdp"`
}

// IceCandidate carries one ICE candidate line.
type IceCandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex int    `json:"sdpMLineIndex,omitempty"`
}

func (Offer) signalPayload()        {}
func (Answer) signalPayload()       {}
func (IceCandidate) signalPayload() {}

// Signal is a transient WebRTC negotiation frame forwarded verbatim between
// the two call parties. It is never persisted. The payload is decoded at the
// boundary according to Type rather than carried as an opaque blob.
type Signal struct {
	Type    SignalType    `json:"type"`
	CallID  string        `json:"callId"`
	From    string        `json:"from"`
	To      string        `json:"to"`
	Payload SignalPayload `json:"payload"`
}

type signalWire struct {
	Type    SignalType      `json:"type"`
	CallID  string          `json:"callId"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// UnmarshalJSON decodes the payload variant selected by the type tag.
func (s *Signal) UnmarshalJSON(data []byte) error {
	var wire signalWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	s.Type = wire.Type
	s.CallID = wire.CallID
	s.From = wire.From
	s.To = wire.To

	switch wire.Type {
	case SignalOffer:
		var p Offer
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return fmt.Errorf("decode offer payload: %w", err)
		}
		s.Payload = p
	case SignalAnswer:
		var p Answer
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return fmt.Errorf("decode answer payload: %w", err)
		}
		s.Payload = p
	case SignalIceCandidate:
		var p IceCandidate
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return fmt.Errorf("decode ice-candidate payload: %w", err)
		}
		s.Payload = p
	default:
		return fmt.Errorf("unknown signal type %q", wire.Type)
	}
	return nil
}
