package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultPointTable(t *testing.T) {
	table := DefaultPointTable()
	for activityType, want := range map[ActivityType]int{
		ActivityGymVisit:      25,
		ActivityHealthyMeal:   15,
		ActivityClinicCheckin: 30,
		ActivityStorePurchase: 10,
	} {
		got, ok := table.Lookup(activityType)
		require.True(t, ok)
		require.Equal(t, want, got, activityType)
	}

	_, ok := table.Lookup("yoga")
	require.False(t, ok)
}

func TestNewPointTableOverrides(t *testing.T) {
	table, err := NewPointTable(map[string]int{" Gym_Visit ": 40})
	require.NoError(t, err)

	pts, _ := table.Lookup(ActivityGymVisit)
	require.Equal(t, 40, pts)
	pts, _ = table.Lookup(ActivityHealthyMeal)
	require.Equal(t, 15, pts)

	_, err = NewPointTable(map[string]int{"yoga": 5})
	require.ErrorIs(t, err, ErrUnknownActivityType)

	_, err = NewPointTable(map[string]int{"healthy_meal": 0})
	require.Error(t, err)
}

func TestPointTableEntriesAreSorted(t *testing.T) {
	entries := DefaultPointTable().Entries()
	require.Len(t, entries, 4)
	require.Equal(t, ActivityClinicCheckin, entries[0].Type)
	require.Equal(t, ActivityStorePurchase, entries[3].Type)

	var zero PointTable
	require.Len(t, zero.Entries(), 4)
}

func TestParticipationProgress(t *testing.T) {
	p := Participation{TotalScore: 50}
	require.InDelta(t, 0.5, p.Progress(100), 1e-9)
	require.InDelta(t, 1.0, Participation{TotalScore: 250}.Progress(100), 1e-9)
	require.Zero(t, p.Progress(0))
}

func TestCompleteIfEligibleIsMonotonic(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := Participation{TotalScore: 100}

	require.True(t, p.CompleteIfEligible(100, at))
	require.False(t, p.CompleteIfEligible(100, at.Add(time.Hour)))
	require.Equal(t, at, *p.CompletedAt)

	p.TotalScore = 0
	require.False(t, p.CompleteIfEligible(100, at))
	require.True(t, p.IsCompleted)
}

func TestChallengeActiveAt(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := Challenge{IsActive: true, StartsAt: start, EndsAt: start.Add(24 * time.Hour)}

	require.False(t, c.ActiveAt(start.Add(-time.Second)))
	require.True(t, c.ActiveAt(start))
	require.False(t, c.ActiveAt(start.Add(24*time.Hour)))

	c.EndsAt = time.Time{}
	require.True(t, c.ActiveAt(start.AddDate(5, 0, 0)))

	c.IsActive = false
	require.False(t, c.ActiveAt(start))
}

func TestRankLeaderboardBreaksTies(t *testing.T) {
	joined := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	entries := []LeaderboardEntry{
		{ParticipationID: "b", TotalScore: 10, JoinedAt: joined},
		{ParticipationID: "a", TotalScore: 10, JoinedAt: joined},
		{ParticipationID: "c", TotalScore: 10, JoinedAt: joined.Add(-time.Minute)},
		{ParticipationID: "d", TotalScore: 40, JoinedAt: joined.Add(time.Hour)},
	}
	RankLeaderboard(entries)

	order := make([]string, 0, len(entries))
	for i, e := range entries {
		order = append(order, e.ParticipationID)
		require.Equal(t, i+1, e.Rank)
	}
	require.Equal(t, []string{"d", "c", "a", "b"}, order)
}
