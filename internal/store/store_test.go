package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"duel/internal/match"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newWaitingMatch(id string) *match.Match {
	return &match.Match{
		ID:           id,
		Status:       match.StatusWaiting,
		CreatorID:    "alice",
		Symbol:       "BTC-USD",
		DurationBars: 120,
		TickInterval: 5 * time.Second,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestCreateAndGetMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := newWaitingMatch("m1")
	require.NoError(t, s.CreateMatch(ctx, m))

	got, err := s.GetMatch(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, match.StatusWaiting, got.Status)
	require.Equal(t, "alice", got.CreatorID)
	require.Equal(t, "BTC-USD", got.Symbol)
	require.Equal(t, 120, got.DurationBars)
	require.Equal(t, 5*time.Second, got.TickInterval)
	require.Empty(t, got.OpponentID)
}

func TestGetMatchNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetMatch(context.Background(), "nope")
	require.ErrorIs(t, err, match.ErrNotFound)
}

func TestActivateMatchWinsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateMatch(ctx, newWaitingMatch("m1")))

	rows, err := s.ActivateMatch(ctx, "m1", "bob", time.Now().UTC())
	require.NoError(t, err)
	require.EqualValues(t, 1, rows)

	// A second activation finds the match no longer WAITING
	rows, err = s.ActivateMatch(ctx, "m1", "carol", time.Now().UTC())
	require.NoError(t, err)
	require.EqualValues(t, 0, rows)

	got, err := s.GetMatch(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, match.StatusActive, got.Status)
	require.Equal(t, "bob", got.OpponentID)
	require.False(t, got.StartedAt.IsZero())
}

func TestFinalizeMatchWritesResultsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateMatch(ctx, newWaitingMatch("m1")))
	_, err := s.ActivateMatch(ctx, "m1", "bob", time.Now().UTC())
	require.NoError(t, err)

	m, err := s.GetMatch(ctx, "m1")
	require.NoError(t, err)
	m.Status = match.StatusFinished
	m.EndReason = match.ReasonCompleted
	m.BarIndex = 120
	m.EndedAt = time.Now().UTC()

	results := []match.Result{
		{MatchID: "m1", ParticipantID: "alice", StartEquity: 100, FinalEquity: 120, Score: 60, Won: true},
		{MatchID: "m1", ParticipantID: "bob", StartEquity: 100, FinalEquity: 90, Score: 40},
	}

	rows, err := s.FinalizeMatch(ctx, m, results)
	require.NoError(t, err)
	require.EqualValues(t, 1, rows)

	// Repeat finalization is absorbed without touching the record
	rows, err = s.FinalizeMatch(ctx, m, results)
	require.NoError(t, err)
	require.EqualValues(t, 0, rows)

	got, err := s.GetMatch(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, match.StatusFinished, got.Status)
	require.Equal(t, match.ReasonCompleted, got.EndReason)
	require.Equal(t, 120, got.BarIndex)

	stored, err := s.ResultsForMatch(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Equal(t, "alice", stored[0].ParticipantID, "ordered by score")
	require.True(t, stored[0].Won)
	require.False(t, stored[1].Won)
}

func TestFinalizeMatchSkipsWaiting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateMatch(ctx, newWaitingMatch("m1")))

	m, err := s.GetMatch(ctx, "m1")
	require.NoError(t, err)
	m.Status = match.StatusAbandoned
	m.EndReason = match.ReasonAbandoned
	m.EndedAt = time.Now().UTC()

	// Only ACTIVE matches may be finalized
	rows, err := s.FinalizeMatch(ctx, m, nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, rows)

	got, err := s.GetMatch(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, match.StatusWaiting, got.Status)
}

func TestActiveMatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMatch(ctx, newWaitingMatch("m1")))
	require.NoError(t, s.CreateMatch(ctx, newWaitingMatch("m2")))
	_, err := s.ActivateMatch(ctx, "m1", "bob", time.Now().UTC())
	require.NoError(t, err)

	active, err := s.ActiveMatches(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "m1", active[0].ID)
	require.Equal(t, match.StatusActive, active[0].Status)
}

func TestListOpenAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1 := newWaitingMatch("m1")
	m1.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	require.NoError(t, s.CreateMatch(ctx, m1))

	m2 := newWaitingMatch("m2")
	m2.CreatedAt = time.Now().UTC().Add(-1 * time.Minute)
	require.NoError(t, s.CreateMatch(ctx, m2))

	open, err := s.ListOpenMatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 2)
	require.Equal(t, "m2", open[0].ID, "newest first")

	// Finish m1 and verify the lists partition by status
	_, err = s.ActivateMatch(ctx, "m1", "bob", time.Now().UTC())
	require.NoError(t, err)
	done, err := s.GetMatch(ctx, "m1")
	require.NoError(t, err)
	done.Status = match.StatusFinished
	done.EndReason = match.ReasonCompleted
	done.EndedAt = time.Now().UTC()
	_, err = s.FinalizeMatch(ctx, done, nil)
	require.NoError(t, err)

	open, err = s.ListOpenMatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)

	recent, err := s.RecentMatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "m1", recent[0].ID)
}

func TestHistoryForParticipant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		require.NoError(t, s.CreateMatch(ctx, newWaitingMatch(id)))
		_, err := s.ActivateMatch(ctx, id, "bob", time.Now().UTC())
		require.NoError(t, err)
		m, err := s.GetMatch(ctx, id)
		require.NoError(t, err)
		m.Status = match.StatusFinished
		m.EndReason = match.ReasonCompleted
		m.EndedAt = time.Now().UTC()
		_, err = s.FinalizeMatch(ctx, m, []match.Result{
			{MatchID: id, ParticipantID: "alice", Score: 50},
			{MatchID: id, ParticipantID: "bob", Score: 50},
		})
		require.NoError(t, err)
	}

	hist, err := s.HistoryForParticipant(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)

	hist, err = s.HistoryForParticipant(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, "u1", "alice", "hash"))

	u, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, u)
	require.Equal(t, "u1", u.ID)
	require.Equal(t, "hash", u.PasswordHash)

	u, err = s.GetUserByUsername(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, u)

	require.Error(t, s.CreateUser(ctx, "u2", "alice", "hash2"), "usernames are unique")
}
