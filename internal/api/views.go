package api

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"example.com/wellness/internal/domain"
)

const (
	statusActive     = "active"
	statusComingSoon = "coming_soon"

	maxDescriptionRunes = 500
)

// RecordActivityRequest is the body of POST /v1/challenges/active/activities.
type RecordActivityRequest struct {
	ActivityType string `json:"activity_type"`
	Description  string `json:"description"`
}

// Validate performs shape checks. Activity type membership is decided by the point table.
func (r RecordActivityRequest) Validate() error {
	if strings.TrimSpace(r.ActivityType) == "" {
		return errors.New("activity_type is required")
	}
	if utf8.RuneCountInString(r.Description) > maxDescriptionRunes {
		return fmt.Errorf("description must be at most %d characters", maxDescriptionRunes)
	}
	return nil
}

// CreateChallengeRequest is the body of POST /v1/challenges.
type CreateChallengeRequest struct {
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Season       string     `json:"season"`
	Year         int        `json:"year"`
	StartsAt     time.Time  `json:"starts_at"`
	EndsAt       *time.Time `json:"ends_at,omitempty"`
	PointsReward int        `json:"points_reward"`
	Activate     bool       `json:"activate"`
}

type ChallengeView struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Season       string     `json:"season"`
	Year         int        `json:"year"`
	StartsAt     time.Time  `json:"starts_at"`
	EndsAt       *time.Time `json:"ends_at,omitempty"`
	IsActive     bool       `json:"is_active"`
	PointsReward int        `json:"points_reward"`
}

type ParticipationView struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"user_id"`
	ChallengeID          string     `json:"challenge_id"`
	JoinedAt             time.Time  `json:"joined_at"`
	GymVisits            int        `json:"gym_visits"`
	HealthyMeals         int        `json:"healthy_meals"`
	ClinicCheckins       int        `json:"clinic_checkins"`
	StoreHealthPurchases int        `json:"store_health_purchases"`
	TotalScore           int        `json:"total_score"`
	Progress             float64    `json:"progress"`
	IsCompleted          bool       `json:"is_completed"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

type ActivityView struct {
	ID           string    `json:"id"`
	ActivityType string    `json:"activity_type"`
	Points       int       `json:"points"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type LeaderboardEntryView struct {
	Rank            int    `json:"rank"`
	ParticipationID string `json:"participation_id"`
	UserID          string `json:"user_id"`
	DisplayName     string `json:"display_name,omitempty"`
	AvatarURL       string `json:"avatar_url,omitempty"`
	TotalScore      int    `json:"total_score"`
	IsCompleted     bool   `json:"is_completed"`
}

type ActivityTypeView struct {
	ActivityType string `json:"activity_type"`
	Points       int    `json:"points"`
}

type ActiveChallengeResponse struct {
	Status        string             `json:"status"`
	Challenge     ChallengeView      `json:"challenge"`
	Participation *ParticipationView `json:"participation,omitempty"`
}

type ComingSoonResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ParticipationResponse struct {
	Joined        bool               `json:"joined"`
	Participation *ParticipationView `json:"participation,omitempty"`
	Message       string             `json:"message,omitempty"`
}

type JoinResponse struct {
	Participation ParticipationView `json:"participation"`
	AlreadyJoined bool              `json:"already_joined"`
	Message       string            `json:"message"`
}

type RecordActivityResponse struct {
	Activity      ActivityView      `json:"activity"`
	PointsAwarded int               `json:"points_awarded"`
	TotalScore    int               `json:"total_score"`
	Completed     bool              `json:"completed"`
	Participation ParticipationView `json:"participation"`
	Message       string            `json:"message"`
}

type ListActivitiesResponse struct {
	Items      []ActivityView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type LeaderboardResponse struct {
	ChallengeID string                 `json:"challenge_id"`
	Entries     []LeaderboardEntryView `json:"entries"`
}

type ActivityTypesResponse struct {
	Items []ActivityTypeView `json:"items"`
}

func toChallengeView(c domain.Challenge) ChallengeView {
	view := ChallengeView{
		ID:           c.ID,
		Title:        c.Title,
		Description:  c.Description,
		Season:       string(c.Season),
		Year:         c.Year,
		StartsAt:     c.StartsAt,
		IsActive:     c.IsActive,
		PointsReward: c.PointsReward,
	}
	if !c.EndsAt.IsZero() {
		endsAt := c.EndsAt
		view.EndsAt = &endsAt
	}
	return view
}

func toParticipationView(p domain.Participation, reward int) ParticipationView {
	return ParticipationView{
		ID:                   p.ID,
		UserID:               p.UserID,
		ChallengeID:          p.ChallengeID,
		JoinedAt:             p.JoinedAt,
		GymVisits:            p.GymVisits,
		HealthyMeals:         p.HealthyMeals,
		ClinicCheckins:       p.ClinicCheckins,
		StoreHealthPurchases: p.StoreHealthPurchases,
		TotalScore:           p.TotalScore,
		Progress:             p.Progress(reward),
		IsCompleted:          p.IsCompleted,
		CompletedAt:          p.CompletedAt,
	}
}

func toActivityView(a domain.Activity) ActivityView {
	return ActivityView{
		ID:           a.ID,
		ActivityType: string(a.Type),
		Points:       a.Points,
		Description:  a.Description,
		CreatedAt:    a.CreatedAt,
	}
}

func toLeaderboardEntryView(e domain.LeaderboardEntry) LeaderboardEntryView {
	return LeaderboardEntryView{
		Rank:            e.Rank,
		ParticipationID: e.ParticipationID,
		UserID:          e.UserID,
		DisplayName:     e.DisplayName,
		AvatarURL:       e.AvatarURL,
		TotalScore:      e.TotalScore,
		IsCompleted:     e.IsCompleted,
	}
}
