package domain

import (
	"fmt"
	"strings"
	"time"
)

// Season names the quarter of the year a challenge runs in.
type Season string

const (
	SeasonSpring Season = "spring"
	SeasonSummer Season = "summer"
	SeasonFall   Season = "fall"
	SeasonWinter Season = "winter"
)

// ParseSeason normalises a season name.
func ParseSeason(raw string) (Season, error) {
	switch s := Season(strings.ToLower(strings.TrimSpace(raw))); s {
	case SeasonSpring, SeasonSummer, SeasonFall, SeasonWinter:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown season %q", ErrInvalidChallenge, raw)
	}
}

// Challenge is a seasonal wellness challenge definition.
type Challenge struct {
	ID           string
	Title        string
	Description  string
	Season       Season
	Year         int
	StartsAt     time.Time
	EndsAt       time.Time
	IsActive     bool
	PointsReward int
	CreatedAt    time.Time
}

// ActiveAt reports whether the challenge is flagged active and now falls in [StartsAt, EndsAt).
// A zero EndsAt leaves the window open ended.
func (c Challenge) ActiveAt(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	if !c.StartsAt.IsZero() && now.Before(c.StartsAt) {
		return false
	}
	if !c.EndsAt.IsZero() && !now.Before(c.EndsAt) {
		return false
	}
	return true
}

// CreateChallengeInput captures an administrative challenge definition.
type CreateChallengeInput struct {
	Title        string
	Description  string
	Season       string
	Year         int
	StartsAt     time.Time
	EndsAt       time.Time
	PointsReward int
}

func (in CreateChallengeInput) validate() (Season, error) {
	if strings.TrimSpace(in.Title) == "" {
		return "", fmt.Errorf("%w: title is required", ErrInvalidChallenge)
	}
	season, err := ParseSeason(in.Season)
	if err != nil {
		return "", err
	}
	if in.Year < 2000 || in.Year > 9999 {
		return "", fmt.Errorf("%w: year %d out of range", ErrInvalidChallenge, in.Year)
	}
	if in.StartsAt.IsZero() {
		return "", fmt.Errorf("%w: starts_at is required", ErrInvalidChallenge)
	}
	if !in.EndsAt.IsZero() && !in.EndsAt.After(in.StartsAt) {
		return "", fmt.Errorf("%w: ends_at must be after starts_at", ErrInvalidChallenge)
	}
	if in.PointsReward <= 0 {
		return "", fmt.Errorf("%w: points_reward must be > 0", ErrInvalidChallenge)
	}
	return season, nil
}
