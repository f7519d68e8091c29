// Package history persists call sessions and serves the call-history REST
// operations.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
)

// Store is the persistence the recorder needs. *store.DB implements it.
type Store interface {
	UpsertCall(ctx context.Context, s domain.CallSession) error
	GetCall(ctx context.Context, id string) (domain.CallSession, error)
	LatestCallBetween(ctx context.Context, userA, userB string) (domain.CallSession, error)
	ListCalls(ctx context.Context, userID, peerID string, limit int) ([]domain.CallSession, error)
}

// ActiveChecker reports whether the signaling engine still owns a session.
type ActiveChecker interface {
	Active(sessionID string) bool
}

// DefaultListLimit caps ListFor when no limit is given.
const DefaultListLimit = 100

// Recorder is the only writer of call rows.
type Recorder struct {
	store  Store
	active ActiveChecker
	now    func() time.Time
	log    *logging.Logger
}

// NewRecorder creates a recorder over store.
func NewRecorder(store Store, log *logging.Logger) *Recorder {
	return &Recorder{
		store: store,
		now:   time.Now,
		log:   log.Sub("history"),
	}
}

// SetActiveChecker wires the engine in after construction, since the engine
// itself is built with the recorder.
func (r *Recorder) SetActiveChecker(a ActiveChecker) {
	r.active = a
}

// SetClock overrides the time source used for client-driven patches.
func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

// OnStatusChange upserts the persisted fields of s.
func (r *Recorder) OnStatusChange(ctx context.Context, s domain.CallSession) error {
	if err := validate(s); err != nil {
		return err
	}
	if err := r.store.UpsertCall(ctx, s); err != nil {
		return fmt.Errorf("recording call %s: %w", s.ID, err)
	}
	r.log.Debug().
		Str("session", s.ID).
		Str("status", string(s.Status)).
		Str("reason", string(s.EndReason)).
		Msg("call recorded")
	return nil
}

// LatestQuery selects a session either by id or by participant pair.
type LatestQuery struct {
	SessionID string
	UserA     string
	UserB     string
}

// LatestFor resolves a query. An explicit session id wins; otherwise the most
// recently started non-terminal session of the pair, else the most recent
// session of the pair.
func (r *Recorder) LatestFor(ctx context.Context, q LatestQuery) (domain.CallSession, error) {
	if id := strings.TrimSpace(q.SessionID); id != "" {
		return r.store.GetCall(ctx, id)
	}
	if !domain.ValidUserID(q.UserA) || !domain.ValidUserID(q.UserB) {
		return domain.CallSession{}, domain.Validationf("latest call needs a session id or two user ids")
	}
	return r.store.LatestCallBetween(ctx, q.UserA, q.UserB)
}

// ListFor returns the calls of userID, newest first. A non-empty peerID
// restricts the list to sessions that include both.
func (r *Recorder) ListFor(ctx context.Context, userID, peerID string, limit int) ([]domain.CallSession, error) {
	if !domain.ValidUserID(userID) {
		return nil, domain.Validationf("invalid user id %q", userID)
	}
	if peerID != "" && !domain.ValidUserID(peerID) {
		return nil, domain.Validationf("invalid peer id %q", peerID)
	}
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}
	return r.store.ListCalls(ctx, userID, peerID, limit)
}

// CreateRequest logs a call that was set up outside the signaling engine.
type CreateRequest struct {
	InitiatorID    string            `json:"initiator_id"`
	ParticipantIDs []string          `json:"participant_ids"`
	Kind           domain.CallKind   `json:"type"`
	Status         domain.CallStatus `json:"status,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
}

// Create records a new session. The initiator is always a participant.
func (r *Recorder) Create(ctx context.Context, req CreateRequest) (domain.CallSession, error) {
	if !domain.ValidUserID(req.InitiatorID) {
		return domain.CallSession{}, domain.Validationf("invalid initiator id %q", req.InitiatorID)
	}
	if !req.Kind.Valid() {
		return domain.CallSession{}, domain.Validationf("unknown call type %q", req.Kind)
	}

	participants := []string{req.InitiatorID}
	seen := map[string]bool{req.InitiatorID: true}
	for _, p := range req.ParticipantIDs {
		if !domain.ValidUserID(p) {
			return domain.CallSession{}, domain.Validationf("invalid participant id %q", p)
		}
		if !seen[p] {
			seen[p] = true
			participants = append(participants, p)
		}
	}

	now := r.now().UTC()
	s := domain.CallSession{
		ID:             uuid.NewString(),
		InitiatorID:    req.InitiatorID,
		ParticipantIDs: participants,
		Kind:           req.Kind,
		Topology:       domain.TopologyPairwise,
		Status:         domain.CallRinging,
		StartedAt:      now,
	}
	if len(participants) > 2 {
		s.Topology = domain.TopologyGroup
	}
	if req.StartedAt != nil {
		s.StartedAt = req.StartedAt.UTC()
	}
	if req.Status != "" {
		if !req.Status.Valid() {
			return domain.CallSession{}, domain.Validationf("unknown call status %q", req.Status)
		}
		s.Status = req.Status
		if s.Status.Terminal() {
			s.Finish(s.Status, domain.ReasonNone, now)
		}
	}

	if err := r.OnStatusChange(ctx, s); err != nil {
		return domain.CallSession{}, err
	}
	return s, nil
}

// PatchRequest updates a session recorded through Create.
type PatchRequest struct {
	Status     domain.CallStatus `json:"status,omitempty"`
	EndReason  domain.EndReason  `json:"end_reason,omitempty"`
	AnsweredAt *time.Time        `json:"answered_at,omitempty"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
}

// Patch updates a session on behalf of requester, who must be a participant.
// Sessions still owned by the signaling engine and terminal sessions are
// refused with ErrConflict.
func (r *Recorder) Patch(ctx context.Context, requester, sessionID string, req PatchRequest) (domain.CallSession, error) {
	s, err := r.store.GetCall(ctx, sessionID)
	if err != nil {
		return domain.CallSession{}, err
	}
	return r.apply(ctx, requester, s, req)
}

// PatchLatest resolves q with LatestFor and patches the result.
func (r *Recorder) PatchLatest(ctx context.Context, requester string, q LatestQuery, req PatchRequest) (domain.CallSession, error) {
	if q.SessionID == "" && q.UserA == "" {
		q.UserA = requester
	}
	s, err := r.LatestFor(ctx, q)
	if err != nil {
		return domain.CallSession{}, err
	}
	return r.apply(ctx, requester, s, req)
}

func (r *Recorder) apply(ctx context.Context, requester string, s domain.CallSession, req PatchRequest) (domain.CallSession, error) {
	if !s.HasParticipant(requester) {
		return domain.CallSession{}, domain.NotFoundf("call %s not found", s.ID)
	}
	if r.active != nil && r.active.Active(s.ID) {
		return domain.CallSession{}, domain.Conflictf("call %s is live and owned by the signaling engine", s.ID)
	}
	if s.Status.Terminal() {
		return domain.CallSession{}, domain.Conflictf("call %s is already %s", s.ID, s.Status)
	}
	if req.Status != "" && !req.Status.Valid() {
		return domain.CallSession{}, domain.Validationf("unknown call status %q", req.Status)
	}

	now := r.now().UTC()
	if req.AnsweredAt != nil {
		at := req.AnsweredAt.UTC()
		s.AnsweredAt = &at
	}
	status := s.Status
	if req.Status != "" {
		status = req.Status
	}
	if status == domain.CallOngoing && s.AnsweredAt == nil {
		s.AnsweredAt = &now
	}
	if status.Terminal() || req.EndedAt != nil {
		if !status.Terminal() {
			status = domain.CallEnded
		}
		end := now
		if req.EndedAt != nil {
			end = req.EndedAt.UTC()
		}
		s.Finish(status, req.EndReason, end)
	} else {
		s.Status = status
	}

	if err := r.OnStatusChange(ctx, s); err != nil {
		return domain.CallSession{}, err
	}
	r.log.Info().Str("session", s.ID).Str("status", string(s.Status)).Str("by", requester).Msg("call history patched")
	return s, nil
}

func validate(s domain.CallSession) error {
	if s.ID == "" {
		return domain.Validationf("call session has no id")
	}
	if len(s.ParticipantIDs) < 2 {
		return domain.Validationf("call %s needs at least two participants", s.ID)
	}
	if !s.Status.Valid() {
		return domain.Validationf("call %s has unknown status %q", s.ID, s.Status)
	}
	if s.Status.Terminal() && s.EndedAt == nil {
		return domain.Validationf("call %s is %s without an end time", s.ID, s.Status)
	}
	return nil
}
