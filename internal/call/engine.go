// Package call implements the call signaling state machine. It relays opaque
// session descriptions and ICE candidates between participants and never
// inspects them.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soyeahso/parley/internal/clock"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/hooks"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/registry"
)

// Recorder persists call sessions. It is called on every transition that
// changes a persisted field.
type Recorder interface {
	OnStatusChange(ctx context.Context, s domain.CallSession) error
}

// Options configure the engine.
type Options struct {
	RingTimeout     time.Duration
	// ConnectTimeout bounds how long an answered session may stay
	// connecting before it fails.
	ConnectTimeout  time.Duration
	MaxParticipants int // including the initiator; 0 means unlimited
}

// InitiateRequest starts a call from the requesting connection's user.
type InitiateRequest struct {
	CalleeIDs          []string
	Kind               domain.CallKind
	SessionDescription json.RawMessage
}

// Engine owns every live call session.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	reg    *registry.Registry
	rec    Recorder
	hooks  *hooks.Manager
	clock  clock.Clock
	opts   Options
	cancel func()
	log    *logging.Logger
}

// NewEngine creates an engine and subscribes it to connection removals so
// calls are torn down when a participant disconnects. hooks may be nil.
func NewEngine(reg *registry.Registry, rec Recorder, h *hooks.Manager, clk clock.Clock, opts Options, log *logging.Logger) *Engine {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 45 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = time.Minute
	}
	e := &Engine{
		sessions: make(map[string]*session),
		reg:      reg,
		rec:      rec,
		hooks:    h,
		clock:    clk,
		opts:     opts,
		log:      log.Sub("call"),
	}
	e.cancel = reg.OnUnregister("call", e.onUnregister)
	return e
}

// Initiate creates a ringing session and rings every callee connection.
//
// A second Initiate for a participant set that already has a live session
// fails with ErrCallAlreadyActive, unless it is glare: the existing session
// is still ringing and was started by someone else. Then the smaller
// initiator id wins. A losing new call is recorded as rejected and
// ErrGlare is returned with it; a losing existing call is rejected with
// reason glare and the new call proceeds.
func (e *Engine) Initiate(ctx context.Context, conn registry.Conn, req InitiateRequest) (domain.CallSession, error) {
	caller := conn.UserID()
	if !req.Kind.Valid() {
		return domain.CallSession{}, domain.Validationf("unknown call type %q", req.Kind)
	}
	participants, err := e.participants(caller, req.CalleeIDs)
	if err != nil {
		return domain.CallSession{}, err
	}
	setKey := participantKey(participants)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.CallSession{}, domain.Wrap(domain.KindTransport, "call engine is shut down", nil)
	}
	now := e.clock.Now()

	if existing := e.liveBySet(setKey); existing != nil {
		if existing.rec.Status != domain.CallRinging || existing.rec.InitiatorID == caller {
			return domain.CallSession{}, fmt.Errorf("call %s: %w", existing.rec.ID, domain.ErrCallAlreadyActive)
		}

		if domain.CompareUserIDs(existing.rec.InitiatorID, caller) < 0 {
			lost := newRecord(caller, participants, req.Kind, now)
			lost.Finish(domain.CallRejected, domain.ReasonGlare, now)
			if err := e.rec.OnStatusChange(ctx, lost.Clone()); err != nil {
				return domain.CallSession{}, fmt.Errorf("recording call %s: %w", lost.ID, err)
			}
			e.publish(lost)
			e.log.Info().Str("session", lost.ID).Str("winner", existing.rec.ID).Msg("glare: new call rejected")
			return lost, fmt.Errorf("call %s lost to %s: %w", lost.ID, existing.rec.ID, domain.ErrGlare)
		}

		e.log.Info().Str("session", existing.rec.ID).Str("caller", caller).Msg("glare: existing call rejected")
		if err := e.finish(ctx, existing, domain.CallRejected, domain.ReasonGlare, caller, true); err != nil {
			return domain.CallSession{}, err
		}
	}

	rec := newRecord(caller, participants, req.Kind, now)
	if err := e.rec.OnStatusChange(ctx, rec.Clone()); err != nil {
		return domain.CallSession{}, fmt.Errorf("recording call %s: %w", rec.ID, err)
	}

	s := newSession(rec, setKey, conn.ID())
	e.sessions[rec.ID] = s
	id := rec.ID
	s.timer = e.clock.AfterFunc(e.opts.RingTimeout, func() { e.ringTimeout(id) })
	e.publish(rec)

	e.reg.EmitToUsers(EventIncomingCall, IncomingCall{
		SessionID:          rec.ID,
		From:               caller,
		Type:               rec.Kind,
		Topology:           rec.Topology,
		Participants:       rec.ParticipantIDs,
		SessionDescription: req.SessionDescription,
	}, participants[1:]...)

	e.log.Info().
		Str("session", rec.ID).
		Str("caller", caller).
		Strs("callees", participants[1:]).
		Str("type", string(rec.Kind)).
		Msg("call initiated")
	return rec.Clone(), nil
}

// Accept answers a ringing leg and relays the answer to the caller, or to to
// when given. On a leg that already answered it relays a mesh or
// renegotiation answer to to without changing state.
func (e *Engine) Accept(ctx context.Context, conn registry.Conn, sessionID, to string, sdp json.RawMessage) (domain.CallSession, error) {
	user := conn.UserID()

	e.mu.Lock()
	defer e.mu.Unlock()

	s, l, err := e.lookup(sessionID, user)
	if err != nil {
		return domain.CallSession{}, err
	}
	answer := Description{SessionID: sessionID, From: user, SessionDescription: sdp}

	if l.state != LegRinging {
		if to == "" || to == user {
			return domain.CallSession{}, domain.Validationf("answer on an established leg needs a peer")
		}
		if err := e.relay(s, to, EventCallAnswered, answer); err != nil {
			return domain.CallSession{}, err
		}
		return s.rec.Clone(), nil
	}

	if to == "" {
		to = s.rec.InitiatorID
	}
	if _, ok := s.live(to); !ok || to == user {
		return domain.CallSession{}, domain.NotFoundf("participant %s is not in call %s", to, sessionID)
	}

	if s.rec.Status == domain.CallRinging {
		next := s.rec.Clone()
		next.Status = domain.CallConnecting
		if err := e.commit(ctx, s, next, true); err != nil {
			return domain.CallSession{}, err
		}
		s.negotiate = e.clock.AfterFunc(e.opts.ConnectTimeout, func() { e.connectTimeout(sessionID) })
	}
	l.state = LegConnecting
	l.conn = conn.ID()
	e.stopTimerIfSettled(s)

	if err := e.relay(s, to, EventCallAnswered, answer); err != nil {
		e.log.Warn().Err(err).Str("session", sessionID).Msg("answer relay failed")
	}

	// Other tabs of the callee stop ringing.
	var others []registry.Conn
	for _, c := range e.reg.ConnectionsFor(user) {
		if c.ID() != conn.ID() {
			others = append(others, c)
		}
	}
	e.reg.Emit(others, EventCallAnswered, Description{SessionID: sessionID, From: user})

	e.log.Info().Str("session", sessionID).Str("user", user).Msg("call accepted")
	return s.rec.Clone(), nil
}

// Reject declines a ringing leg. A pairwise session becomes rejected; a group
// session loses the leg and is rejected only when fewer than two remain.
func (e *Engine) Reject(ctx context.Context, conn registry.Conn, sessionID string) (domain.CallSession, error) {
	user := conn.UserID()

	e.mu.Lock()
	defer e.mu.Unlock()

	s, l, err := e.lookup(sessionID, user)
	if err != nil {
		return domain.CallSession{}, err
	}
	if l.state != LegRinging {
		return domain.CallSession{}, domain.Conflictf("call %s is not ringing for %s", sessionID, user)
	}

	if e.closesSession(s, user) {
		if err := e.finish(ctx, s, closeStatus(s.rec, domain.ReasonRejected), domain.ReasonRejected, user, true); err != nil {
			return domain.CallSession{}, err
		}
		return s.rec.Clone(), nil
	}

	if err := e.relay(s, s.rec.InitiatorID, EventCallRejected, Closed{
		SessionID: sessionID, From: user, Reason: domain.ReasonRejected,
	}); err != nil {
		e.log.Warn().Err(err).Str("session", sessionID).Msg("reject relay failed")
	}
	e.removeLeg(s, user, domain.ReasonRejected)
	return s.rec.Clone(), nil
}

// Candidate relays an ICE candidate to the addressed participant only.
func (e *Engine) Candidate(ctx context.Context, conn registry.Conn, sessionID, to string, candidate json.RawMessage) error {
	return e.relayFrom(conn, sessionID, to, EventICECandidate, Candidate{
		SessionID: sessionID, From: conn.UserID(), Candidate: candidate,
	})
}

// Offer relays an offer to the addressed participant only. Used for mesh
// pairs in group calls and for renegotiation; never changes state.
func (e *Engine) Offer(ctx context.Context, conn registry.Conn, sessionID, to string, sdp json.RawMessage) error {
	return e.relayFrom(conn, sessionID, to, EventCallOffer, Description{
		SessionID: sessionID, From: conn.UserID(), SessionDescription: sdp,
	})
}

func (e *Engine) relayFrom(conn registry.Conn, sessionID, to, event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, _, err := e.lookup(sessionID, conn.UserID())
	if err != nil {
		return err
	}
	if to == "" || to == conn.UserID() {
		return domain.Validationf("%s needs a peer", event)
	}
	return e.relay(s, to, event, payload)
}

// Connected records that the requesting user has media flowing with peer.
// Once both sides of a pair have reported, their legs become ongoing and the
// session becomes ongoing, recording answered_at the first time.
func (e *Engine) Connected(ctx context.Context, conn registry.Conn, sessionID, peer string) (domain.CallSession, error) {
	user := conn.UserID()

	e.mu.Lock()
	defer e.mu.Unlock()

	s, l, err := e.lookup(sessionID, user)
	if err != nil {
		return domain.CallSession{}, err
	}
	p, ok := s.live(peer)
	if !ok || peer == user {
		return domain.CallSession{}, domain.NotFoundf("participant %s is not in call %s", peer, sessionID)
	}
	if l.state == LegRinging || p.state == LegRinging {
		return domain.CallSession{}, domain.Conflictf("call %s has not been answered by both %s and %s", sessionID, user, peer)
	}

	if !s.report(user, peer) {
		return s.rec.Clone(), nil
	}

	if s.rec.Status != domain.CallOngoing {
		next := s.rec.Clone()
		next.Status = domain.CallOngoing
		if next.AnsweredAt == nil {
			at := e.clock.Now()
			next.AnsweredAt = &at
		}
		if err := e.commit(ctx, s, next, true); err != nil {
			return domain.CallSession{}, err
		}
		if s.negotiate != nil {
			s.negotiate.Stop()
			s.negotiate = nil
		}
	}
	l.state = LegOngoing
	p.state = LegOngoing

	msg := Connected{SessionID: sessionID, Peers: [2]string{user, peer}}
	for _, u := range []string{user, peer} {
		if err := e.relay(s, u, EventCallConnected, msg); err != nil {
			e.log.Warn().Err(err).Str("session", sessionID).Msg("connected relay failed")
		}
	}

	e.log.Info().Str("session", sessionID).Str("a", user).Str("b", peer).Msg("call pair connected")
	return s.rec.Clone(), nil
}

// Hangup leaves a session. A pairwise session ends; a group session loses
// the leg and ends only when fewer than two participants remain.
func (e *Engine) Hangup(ctx context.Context, conn registry.Conn, sessionID string) (domain.CallSession, error) {
	user := conn.UserID()

	e.mu.Lock()
	defer e.mu.Unlock()

	s, _, err := e.lookup(sessionID, user)
	if err != nil {
		return domain.CallSession{}, err
	}
	if err := e.drop(ctx, s, user, domain.ReasonHangup, true); err != nil {
		return domain.CallSession{}, err
	}
	return s.rec.Clone(), nil
}

// HangupPeer hangs up the most recently started live session shared with peer.
func (e *Engine) HangupPeer(ctx context.Context, conn registry.Conn, peer string) (domain.CallSession, error) {
	e.mu.Lock()
	var found *session
	for _, s := range e.sessions {
		if _, ok := s.live(conn.UserID()); !ok {
			continue
		}
		if _, ok := s.live(peer); !ok {
			continue
		}
		if found == nil || s.rec.StartedAt.After(found.rec.StartedAt) {
			found = s
		}
	}
	e.mu.Unlock()

	if found == nil {
		return domain.CallSession{}, domain.NotFoundf("no live call with %s", peer)
	}
	return e.Hangup(ctx, conn, found.rec.ID)
}

// Active reports whether a session is live.
func (e *Engine) Active(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[sessionID]
	return ok
}

// Session returns a copy of a live session.
func (e *Engine) Session(sessionID string) (domain.CallSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return domain.CallSession{}, false
	}
	return s.rec.Clone(), true
}

// Leg returns a participant's leg state in a live session.
func (e *Engine) Leg(sessionID, userID string) (LegState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return "", false
	}
	l, ok := s.legs[userID]
	if !ok {
		return "", false
	}
	return l.state, true
}

// SessionsFor returns the live sessions the user is still part of, oldest first.
func (e *Engine) SessionsFor(userID string) []domain.CallSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.CallSession
	for _, s := range e.sessions {
		if _, ok := s.live(userID); ok {
			out = append(out, s.rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveCount returns the number of live sessions.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Close stops all timers, closes every live session with reason abandoned
// and releases the registry subscription. Later Initiate calls fail.
func (e *Engine) Close() {
	e.cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true

	for _, s := range e.sortedSessions() {
		_ = e.finish(context.Background(), s, closeStatus(s.rec, domain.ReasonAbandoned), domain.ReasonAbandoned, "", false)
	}
}

func (e *Engine) onUnregister(c registry.Conn, last bool) {
	user := c.UserID()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range e.sortedSessions() {
		l, ok := s.live(user)
		if !ok {
			continue
		}
		// Bound legs follow their connection; unbound ringing legs follow the user.
		if l.conn == c.ID() || (last && l.conn == "") {
			e.log.Info().Str("session", s.rec.ID).Str("user", user).Str("connId", c.ID()).Msg("participant disconnected")
			_ = e.drop(context.Background(), s, user, domain.ReasonDisconnected, false)
		}
	}
}

func (e *Engine) ringTimeout(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return
	}
	ctx := context.Background()

	if s.rec.Status == domain.CallRinging {
		e.log.Info().Str("session", sessionID).Msg("call timed out")
		_ = e.finish(ctx, s, domain.CallFailed, domain.ReasonTimeout, "", false)
		return
	}
	for _, u := range s.ringing() {
		if _, live := e.sessions[sessionID]; !live {
			return
		}
		_ = e.drop(ctx, s, u, domain.ReasonTimeout, false)
	}
}

// connectTimeout fails a session that was answered but never reached ongoing.
func (e *Engine) connectTimeout(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok || s.rec.Status != domain.CallConnecting {
		return
	}
	e.log.Info().Str("session", sessionID).Msg("call negotiation timed out")
	_ = e.finish(context.Background(), s, domain.CallFailed, domain.ReasonTimeout, "", false)
}

// drop removes user from s, closing the whole session when it cannot go on.
func (e *Engine) drop(ctx context.Context, s *session, user string, reason domain.EndReason, strict bool) error {
	if e.closesSession(s, user) {
		return e.finish(ctx, s, closeStatus(s.rec, reason), reason, user, strict)
	}
	e.removeLeg(s, user, reason)
	return nil
}

// closesSession reports whether user leaving ends s for everyone: always for
// pairwise calls, for groups when fewer than two would remain or the
// initiator leaves before anyone answered.
func (e *Engine) closesSession(s *session, user string) bool {
	if s.rec.Topology == domain.TopologyPairwise {
		return true
	}
	if len(s.activeExcept(user)) < 2 {
		return true
	}
	return user == s.rec.InitiatorID && s.rec.Status == domain.CallRinging
}

// removeLeg takes user out of a group session that continues without them.
func (e *Engine) removeLeg(s *session, user string, reason domain.EndReason) {
	l := s.legs[user]
	l.state = LegLeft
	l.conn = ""
	remaining := s.active()

	e.reg.EmitToUsers(EventParticipantLeft, ParticipantLeft{
		SessionID:    s.rec.ID,
		UserID:       user,
		Reason:       reason,
		Participants: remaining,
	}, append(remaining, user)...)
	e.stopTimerIfSettled(s)

	e.log.Info().Str("session", s.rec.ID).Str("user", user).Str("reason", string(reason)).Int("remaining", len(remaining)).Msg("participant left")
}

// finish closes s with a terminal status and notifies every participant
// still in it. strict transitions abort on storage errors; others log and
// proceed.
func (e *Engine) finish(ctx context.Context, s *session, status domain.CallStatus, reason domain.EndReason, from string, strict bool) error {
	next := s.rec.Clone()
	next.Finish(status, reason, e.clock.Now())
	notify := s.active()

	if err := e.commit(ctx, s, next, strict); err != nil {
		return err
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.negotiate != nil {
		s.negotiate.Stop()
	}
	delete(e.sessions, s.rec.ID)
	for _, l := range s.legs {
		l.state = LegLeft
		l.conn = ""
	}

	event := EventCallEnded
	if status == domain.CallRejected {
		event = EventCallRejected
	}
	e.reg.EmitToUsers(event, Closed{SessionID: s.rec.ID, From: from, Reason: reason}, notify...)

	e.log.Info().
		Str("session", s.rec.ID).
		Str("status", string(status)).
		Str("reason", string(reason)).
		Int64("duration", next.DurationSeconds).
		Msg("call closed")
	return nil
}

// commit persists next and installs it as the session record.
func (e *Engine) commit(ctx context.Context, s *session, next domain.CallSession, strict bool) error {
	if err := e.rec.OnStatusChange(ctx, next.Clone()); err != nil {
		if strict {
			return fmt.Errorf("recording call %s: %w", next.ID, err)
		}
		e.log.Error().Err(err).Str("session", next.ID).Str("status", string(next.Status)).Msg("failed to record call transition")
	}
	s.rec = next
	e.publish(next)
	return nil
}

// relay sends an event to the addressed participant's bound connection, or
// to all of their connections while the leg is unbound.
func (e *Engine) relay(s *session, to, event string, payload any) error {
	l, ok := s.live(to)
	if !ok {
		return domain.NotFoundf("participant %s is not in call %s", to, s.rec.ID)
	}
	conns := e.reg.ConnectionsFor(to)
	if l.conn != "" {
		for _, c := range conns {
			if c.ID() == l.conn {
				conns = []registry.Conn{c}
				break
			}
		}
	}
	e.reg.Emit(conns, event, payload)
	return nil
}

func (e *Engine) stopTimerIfSettled(s *session) {
	if s.timer != nil && len(s.ringing()) == 0 {
		s.timer.Stop()
		s.timer = nil
	}
}

func (e *Engine) lookup(sessionID, user string) (*session, *leg, error) {
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, nil, domain.NotFoundf("call %s not found", sessionID)
	}
	l, ok := s.live(user)
	if !ok {
		return nil, nil, domain.NotFoundf("call %s not found", sessionID)
	}
	return s, l, nil
}

func (e *Engine) liveBySet(setKey string) *session {
	for _, s := range e.sessions {
		if s.setKey == setKey {
			return s
		}
	}
	return nil
}

func (e *Engine) sortedSessions() []*session {
	out := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rec.ID < out[j].rec.ID })
	return out
}

func (e *Engine) participants(caller string, callees []string) ([]string, error) {
	if !domain.ValidUserID(caller) {
		return nil, domain.Validationf("invalid caller id %q", caller)
	}
	out := []string{caller}
	seen := map[string]bool{caller: true}
	for _, id := range callees {
		id = strings.TrimSpace(id)
		if !domain.ValidUserID(id) {
			return nil, domain.Validationf("invalid callee id %q", id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) < 2 {
		return nil, domain.Validationf("a call needs at least one other participant")
	}
	if limit := e.opts.MaxParticipants; limit > 0 && len(out) > limit {
		return nil, domain.Validationf("a call may have at most %d participants", limit)
	}
	return out, nil
}

func (e *Engine) publish(rec domain.CallSession) {
	if e.hooks == nil {
		return
	}
	e.hooks.EmitAsync(context.Background(), hooks.EventCallStatus, rec.Clone(), map[string]any{
		"session_id": rec.ID,
		"status":     string(rec.Status),
		"reason":     string(rec.EndReason),
	})
}

func newRecord(caller string, participants []string, kind domain.CallKind, now time.Time) domain.CallSession {
	topology := domain.TopologyPairwise
	if len(participants) > 2 {
		topology = domain.TopologyGroup
	}
	return domain.CallSession{
		ID:             uuid.NewString(),
		InitiatorID:    caller,
		ParticipantIDs: append([]string(nil), participants...),
		Kind:           kind,
		Topology:       topology,
		Status:         domain.CallRinging,
		StartedAt:      now,
	}
}
