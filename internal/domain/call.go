package domain

import "time"

// CallKind is the media a call carries.
type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

// Valid reports whether k is a known call kind.
func (k CallKind) Valid() bool {
	return k == CallVoice || k == CallVideo
}

// Topology distinguishes 1:1 calls from full-mesh group calls.
type Topology string

const (
	TopologyPairwise Topology = "pairwise"
	TopologyGroup    Topology = "group"
)

// CallStatus is the persisted status of a call session.
type CallStatus string

const (
	CallRinging    CallStatus = "ringing"
	CallConnecting CallStatus = "connecting"
	CallOngoing    CallStatus = "ongoing"
	CallEnded      CallStatus = "ended"
	CallRejected   CallStatus = "rejected"
	CallFailed     CallStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s CallStatus) Terminal() bool {
	return s == CallEnded || s == CallRejected || s == CallFailed
}

// Valid reports whether s is a known status.
func (s CallStatus) Valid() bool {
	switch s {
	case CallRinging, CallConnecting, CallOngoing, CallEnded, CallRejected, CallFailed:
		return true
	}
	return false
}

// EndReason records why a session closed.
type EndReason string

const (
	ReasonNone         EndReason = ""
	ReasonHangup       EndReason = "hangup"
	ReasonRejected     EndReason = "rejected"
	ReasonTimeout      EndReason = "timeout"
	ReasonGlare        EndReason = "glare"
	ReasonDisconnected EndReason = "disconnected"
	ReasonAbandoned    EndReason = "abandoned"
)

// CallSession is the persisted record of one call attempt.
type CallSession struct {
	ID              string     `json:"id"`
	InitiatorID     string     `json:"initiator_id"`
	ParticipantIDs  []string   `json:"participant_ids"`
	Kind            CallKind   `json:"type"`
	Topology        Topology   `json:"topology"`
	Status          CallStatus `json:"status"`
	EndReason       EndReason  `json:"end_reason,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	AnsweredAt      *time.Time `json:"answered_at"`
	EndedAt         *time.Time `json:"ended_at"`
	DurationSeconds int64      `json:"duration_seconds"`
}

// HasParticipant reports whether userID is part of the session.
func (s CallSession) HasParticipant(userID string) bool {
	for _, p := range s.ParticipantIDs {
		if p == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s CallSession) Clone() CallSession {
	c := s
	c.ParticipantIDs = append([]string(nil), s.ParticipantIDs...)
	if s.AnsweredAt != nil {
		t := *s.AnsweredAt
		c.AnsweredAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return c
}

// Finish marks the session terminal at the given time and computes its
// duration from AnsweredAt. Never-answered sessions have zero duration.
func (s *CallSession) Finish(status CallStatus, reason EndReason, at time.Time) {
	s.Status = status
	s.EndReason = reason
	end := at
	s.EndedAt = &end
	s.DurationSeconds = 0
	if s.AnsweredAt != nil {
		if d := int64(end.Sub(*s.AnsweredAt) / time.Second); d > 0 {
			s.DurationSeconds = d
		}
	}
}
