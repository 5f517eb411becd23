package domain

import (
	"sort"
	"time"
)

// User is the public profile of a participant.
type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// LeaderboardEntry is a ranked participation enriched with the owner's public profile.
type LeaderboardEntry struct {
	Rank            int
	ParticipationID string
	UserID          string
	DisplayName     string
	AvatarURL       string
	TotalScore      int
	IsCompleted     bool
	JoinedAt        time.Time
}

// RankLeaderboard orders entries by score descending, then earlier join, then participation ID,
// and assigns 1-based ranks in place.
func RankLeaderboard(entries []LeaderboardEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.TotalScore != b.TotalScore {
			return a.TotalScore > b.TotalScore
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.ParticipationID < b.ParticipationID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
}
