package history

import (
	"context"
	"testing"
	"time"

	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type activeSet map[string]bool

func (a activeSet) Active(id string) bool { return a[id] }

func newRecorder(t *testing.T) *Recorder {
	t.Helper()
	log := logging.New(nil, "silent")
	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r := NewRecorder(db, log)
	r.SetClock(func() time.Time { return t0.Add(time.Minute) })
	return r
}

func session(id string, started time.Time, status domain.CallStatus, participants ...string) domain.CallSession {
	s := domain.CallSession{
		ID:             id,
		InitiatorID:    participants[0],
		ParticipantIDs: participants,
		Kind:           domain.CallVoice,
		Topology:       domain.TopologyPairwise,
		Status:         domain.CallRinging,
		StartedAt:      started,
	}
	if status.Terminal() {
		s.Finish(status, domain.ReasonHangup, started.Add(10*time.Second))
	} else {
		s.Status = status
	}
	return s
}

func TestOnStatusChange_Upserts(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	s := session("c1", t0, domain.CallRinging, "1", "2")
	require.NoError(t, r.OnStatusChange(ctx, s))

	answered := t0.Add(3 * time.Second)
	s.Status = domain.CallOngoing
	s.AnsweredAt = &answered
	require.NoError(t, r.OnStatusChange(ctx, s))

	s.Finish(domain.CallEnded, domain.ReasonHangup, t0.Add(63*time.Second))
	require.NoError(t, r.OnStatusChange(ctx, s))

	got, err := r.LatestFor(ctx, LatestQuery{SessionID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, domain.CallEnded, got.Status)
	assert.Equal(t, int64(60), got.DurationSeconds)
	require.NotNil(t, got.AnsweredAt)
	assert.True(t, answered.Equal(*got.AnsweredAt))
}

func TestOnStatusChange_RejectsInvalid(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	tests := []struct {
		name string
		s    domain.CallSession
	}{
		{"no id", session("", t0, domain.CallRinging, "1", "2")},
		{"one participant", session("c1", t0, domain.CallRinging, "1")},
		{"bad status", session("c1", t0, "dialing", "1", "2")},
		{"terminal without end", func() domain.CallSession {
			s := session("c1", t0, domain.CallRinging, "1", "2")
			s.Status = domain.CallEnded
			return s
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, r.OnStatusChange(ctx, tt.s), domain.ErrValidation)
		})
	}
}

func TestLatestFor(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	_, err := r.LatestFor(ctx, LatestQuery{UserA: "1", UserB: "2"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, r.OnStatusChange(ctx, session("old-ended", t0, domain.CallEnded, "1", "2")))
	require.NoError(t, r.OnStatusChange(ctx, session("newer-ended", t0.Add(2*time.Minute), domain.CallEnded, "2", "1")))

	got, err := r.LatestFor(ctx, LatestQuery{UserA: "1", UserB: "2"})
	require.NoError(t, err)
	assert.Equal(t, "newer-ended", got.ID, "most recent overall when none is live")

	require.NoError(t, r.OnStatusChange(ctx, session("live", t0.Add(time.Minute), domain.CallConnecting, "1", "2")))
	got, err = r.LatestFor(ctx, LatestQuery{UserA: "2", UserB: "1"})
	require.NoError(t, err)
	assert.Equal(t, "live", got.ID, "non-terminal wins over newer terminal")

	got, err = r.LatestFor(ctx, LatestQuery{SessionID: "old-ended", UserA: "1", UserB: "2"})
	require.NoError(t, err)
	assert.Equal(t, "old-ended", got.ID, "explicit id wins")

	_, err = r.LatestFor(ctx, LatestQuery{UserA: "1"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestListFor(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	require.NoError(t, r.OnStatusChange(ctx, session("a", t0, domain.CallEnded, "1", "2")))
	require.NoError(t, r.OnStatusChange(ctx, session("b", t0.Add(time.Minute), domain.CallEnded, "1", "3")))
	require.NoError(t, r.OnStatusChange(ctx, session("c", t0.Add(2*time.Minute), domain.CallEnded, "2", "3")))

	all, err := r.ListFor(ctx, "1", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID)
	assert.Equal(t, "a", all[1].ID)

	withPeer, err := r.ListFor(ctx, "3", "2", 10)
	require.NoError(t, err)
	require.Len(t, withPeer, 1)
	assert.Equal(t, "c", withPeer[0].ID)

	_, err = r.ListFor(ctx, "", "", 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreate(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	s, err := r.Create(ctx, CreateRequest{
		InitiatorID:    "1",
		ParticipantIDs: []string{"2", "1"},
		Kind:           domain.CallVideo,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, []string{"1", "2"}, s.ParticipantIDs)
	assert.Equal(t, domain.CallRinging, s.Status)
	assert.Equal(t, domain.TopologyPairwise, s.Topology)
	assert.Equal(t, t0.Add(time.Minute), s.StartedAt)

	group, err := r.Create(ctx, CreateRequest{
		InitiatorID:    "1",
		ParticipantIDs: []string{"2", "3"},
		Kind:           domain.CallVoice,
		Status:         domain.CallFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TopologyGroup, group.Topology)
	assert.NotNil(t, group.EndedAt)

	_, err = r.Create(ctx, CreateRequest{InitiatorID: "1", Kind: domain.CallVoice})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = r.Create(ctx, CreateRequest{InitiatorID: "1", ParticipantIDs: []string{"2"}, Kind: "fax"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPatch_AnswerThenEnd(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	s, err := r.Create(ctx, CreateRequest{InitiatorID: "1", ParticipantIDs: []string{"2"}, Kind: domain.CallVoice})
	require.NoError(t, err)

	s, err = r.Patch(ctx, "2", s.ID, PatchRequest{Status: domain.CallOngoing})
	require.NoError(t, err)
	assert.Equal(t, domain.CallOngoing, s.Status)
	require.NotNil(t, s.AnsweredAt)

	end := s.AnsweredAt.Add(42 * time.Second)
	s, err = r.Patch(ctx, "1", s.ID, PatchRequest{EndedAt: &end, EndReason: domain.ReasonHangup})
	require.NoError(t, err)
	assert.Equal(t, domain.CallEnded, s.Status)
	assert.Equal(t, int64(42), s.DurationSeconds)

	_, err = r.Patch(ctx, "1", s.ID, PatchRequest{Status: domain.CallOngoing})
	assert.ErrorIs(t, err, domain.ErrConflict, "terminal sessions are immutable")
}

func TestPatch_RefusesEngineOwnedSessions(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()
	require.NoError(t, r.OnStatusChange(ctx, session("live", t0, domain.CallRinging, "1", "2")))
	r.SetActiveChecker(activeSet{"live": true})

	_, err := r.Patch(ctx, "1", "live", PatchRequest{Status: domain.CallEnded})
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := r.LatestFor(ctx, LatestQuery{SessionID: "live"})
	require.NoError(t, err)
	assert.Equal(t, domain.CallRinging, got.Status)
}

func TestPatch_NonParticipant(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()
	require.NoError(t, r.OnStatusChange(ctx, session("c1", t0, domain.CallRinging, "1", "2")))

	_, err := r.Patch(ctx, "9", "c1", PatchRequest{Status: domain.CallEnded})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = r.Patch(ctx, "1", "missing", PatchRequest{Status: domain.CallEnded})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = r.Patch(ctx, "1", "c1", PatchRequest{Status: "paused"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPatchLatest(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()
	require.NoError(t, r.OnStatusChange(ctx, session("done", t0, domain.CallEnded, "1", "2")))
	require.NoError(t, r.OnStatusChange(ctx, session("open", t0.Add(-time.Minute), domain.CallRinging, "1", "2")))

	got, err := r.PatchLatest(ctx, "2", LatestQuery{UserB: "1"}, PatchRequest{Status: domain.CallRejected, EndReason: domain.ReasonRejected})
	require.NoError(t, err)
	assert.Equal(t, "open", got.ID)
	assert.Equal(t, domain.CallRejected, got.Status)
	assert.Equal(t, domain.ReasonRejected, got.EndReason)
	assert.Zero(t, got.DurationSeconds)
}
