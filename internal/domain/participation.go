package domain

import "time"

// Participation is a user's enrollment in a challenge together with its running tallies.
type Participation struct {
	ID                   string
	UserID               string
	ChallengeID          string
	JoinedAt             time.Time
	GymVisits            int
	HealthyMeals         int
	ClinicCheckins       int
	StoreHealthPurchases int
	TotalScore           int
	IsCompleted          bool
	CompletedAt          *time.Time
}

// ParticipationRef locates a participation either by ID or by its (user, challenge) pair.
type ParticipationRef struct {
	ID          string
	UserID      string
	ChallengeID string
}

// Apply folds an activity into the counters and score. Unknown types only add points.
func (p *Participation) Apply(a Activity) {
	switch a.Type {
	case ActivityGymVisit:
		p.GymVisits++
	case ActivityHealthyMeal:
		p.HealthyMeals++
	case ActivityClinicCheckin:
		p.ClinicCheckins++
	case ActivityStorePurchase:
		p.StoreHealthPurchases++
	}
	p.TotalScore += a.Points
}

// CompleteIfEligible flips IsCompleted once TotalScore reaches reward and reports whether the
// transition happened on this call. Completion is never reverted.
func (p *Participation) CompleteIfEligible(reward int, at time.Time) bool {
	if p.IsCompleted || p.TotalScore < reward {
		return false
	}
	p.IsCompleted = true
	completedAt := at.UTC()
	p.CompletedAt = &completedAt
	return true
}

// Count returns the counter matching t.
func (p Participation) Count(t ActivityType) int {
	switch t {
	case ActivityGymVisit:
		return p.GymVisits
	case ActivityHealthyMeal:
		return p.HealthyMeals
	case ActivityClinicCheckin:
		return p.ClinicCheckins
	case ActivityStorePurchase:
		return p.StoreHealthPurchases
	}
	return 0
}

// Progress returns the score as a fraction of reward, clamped to [0, 1].
func (p Participation) Progress(reward int) float64 {
	if reward <= 0 {
		return 0
	}
	ratio := float64(p.TotalScore) / float64(reward)
	if ratio > 1 {
		return 1
	}
	if ratio < 0 {
		return 0
	}
	return ratio
}
