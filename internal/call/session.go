package call

import (
	"sort"
	"strings"

	"github.com/soyeahso/parley/internal/clock"
	"github.com/soyeahso/parley/internal/domain"
)

// LegState is one participant's position in a session.
type LegState string

const (
	LegCalling    LegState = "calling"
	LegRinging    LegState = "ringing"
	LegConnecting LegState = "connecting"
	LegOngoing    LegState = "ongoing"
	LegLeft       LegState = "left"
)

type leg struct {
	user  string
	state LegState
	conn  string // bound connection id, empty until the leg is answered
}

// session is the engine's in-memory view of a live call.
type session struct {
	rec    domain.CallSession
	setKey string
	legs   map[string]*leg
	timer  clock.Timer // ring timeout

	negotiate clock.Timer // connect timeout, set while connecting

	// reports[pair][user] is set once user has reported media with the
	// other member of pair.
	reports map[string]map[string]bool
}

func newSession(rec domain.CallSession, setKey, callerConn string) *session {
	s := &session{
		rec:     rec,
		setKey:  setKey,
		legs:    make(map[string]*leg, len(rec.ParticipantIDs)),
		reports: make(map[string]map[string]bool),
	}
	for _, p := range rec.ParticipantIDs {
		s.legs[p] = &leg{user: p, state: LegRinging}
	}
	s.legs[rec.InitiatorID].state = LegCalling
	s.legs[rec.InitiatorID].conn = callerConn
	return s
}

// active returns the participants that have not left, in participant order.
func (s *session) active() []string {
	var out []string
	for _, p := range s.rec.ParticipantIDs {
		if s.legs[p].state != LegLeft {
			out = append(out, p)
		}
	}
	return out
}

func (s *session) activeExcept(user string) []string {
	var out []string
	for _, p := range s.active() {
		if p != user {
			out = append(out, p)
		}
	}
	return out
}

func (s *session) ringing() []string {
	var out []string
	for _, p := range s.rec.ParticipantIDs {
		if s.legs[p].state == LegRinging {
			out = append(out, p)
		}
	}
	return out
}

// live returns the leg of user if it has not left.
func (s *session) live(user string) (*leg, bool) {
	l, ok := s.legs[user]
	if !ok || l.state == LegLeft {
		return nil, false
	}
	return l, true
}

// report records that from sees media from peer and reports whether both
// sides of the pair have now reported.
func (s *session) report(from, peer string) bool {
	k := pairKey(from, peer)
	r := s.reports[k]
	if r == nil {
		r = make(map[string]bool, 2)
		s.reports[k] = r
	}
	r[from] = true
	return r[from] && r[peer]
}

func pairKey(a, b string) string {
	if domain.CompareUserIDs(a, b) > 0 {
		a, b = b, a
	}
	return a + "|" + b
}

// participantKey identifies an unordered participant set.
func participantKey(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return domain.CompareUserIDs(sorted[i], sorted[j]) < 0 })
	return strings.Join(sorted, ",")
}

// closeStatus picks the terminal status for a session closing for reason.
// Sessions that never had media fail; ones that did simply end.
func closeStatus(rec domain.CallSession, reason domain.EndReason) domain.CallStatus {
	switch reason {
	case domain.ReasonHangup:
		return domain.CallEnded
	case domain.ReasonRejected, domain.ReasonGlare:
		if rec.AnsweredAt == nil {
			return domain.CallRejected
		}
		return domain.CallEnded
	default:
		if rec.AnsweredAt == nil {
			return domain.CallFailed
		}
		return domain.CallEnded
	}
}
