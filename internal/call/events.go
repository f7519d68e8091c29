package call

import (
	"encoding/json"

	"github.com/soyeahso/parley/internal/domain"
)

// Server events relayed by the engine.
const (
	EventIncomingCall    = "incoming_call"
	EventCallAnswered    = "call_answered"
	EventCallOffer       = "call_offer"
	EventICECandidate    = "ice_candidate"
	EventCallRejected    = "call_rejected"
	EventCallConnected   = "call_connected"
	EventParticipantLeft = "call_participant_left"
	EventCallEnded       = "call_ended"
)

// IncomingCall is sent to every connection of each callee.
type IncomingCall struct {
	SessionID          string          `json:"session_id"`
	From               string          `json:"from"`
	Type               domain.CallKind `json:"type"`
	Topology           domain.Topology `json:"topology"`
	Participants       []string        `json:"participants"`
	SessionDescription json.RawMessage `json:"session_description,omitempty"`
}

// Description carries an opaque offer or answer between two participants.
type Description struct {
	SessionID          string          `json:"session_id"`
	From               string          `json:"from"`
	SessionDescription json.RawMessage `json:"session_description"`
}

// Candidate carries an opaque ICE candidate between two participants.
type Candidate struct {
	SessionID string          `json:"session_id"`
	From      string          `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

// Closed is the payload of call_rejected and call_ended.
type Closed struct {
	SessionID string           `json:"session_id"`
	From      string           `json:"from"`
	Reason    domain.EndReason `json:"reason"`
}

// Connected announces that a pair of participants has media flowing.
type Connected struct {
	SessionID string    `json:"session_id"`
	Peers     [2]string `json:"peers"`
}

// ParticipantLeft tells the remaining group members that someone dropped out.
type ParticipantLeft struct {
	SessionID    string           `json:"session_id"`
	UserID       string           `json:"user_id"`
	Reason       domain.EndReason `json:"reason"`
	Participants []string         `json:"participants"`
}
