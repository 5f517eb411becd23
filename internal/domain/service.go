// Package domain defines the business logic for wellness challenges: the catalog, the
// participation ledger, the activity recorder and the leaderboard projection.
package domain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"example.com/wellness/internal/observability"
)

const (
	// DefaultLeaderboardLimit bounds leaderboard reads when the caller passes no limit.
	DefaultLeaderboardLimit = 50
	// MaxLeaderboardLimit caps leaderboard reads.
	MaxLeaderboardLimit = 500
)

// Mutation is applied to a locked participation and its challenge inside a single storage
// transaction. A non-nil Activity is appended to the participation's log. Returning an error
// aborts the transaction without side effects.
type Mutation func(p *Participation, c Challenge) (*Activity, error)

// ChallengeStore persists challenge definitions.
type ChallengeStore interface {
	// ActiveChallenge returns the challenge flagged active, or nil when none is.
	ActiveChallenge(ctx context.Context) (*Challenge, error)
	// GetChallenge returns nil when the challenge does not exist.
	GetChallenge(ctx context.Context, challengeID string) (*Challenge, error)
	CreateChallenge(ctx context.Context, challenge Challenge) error
	// ActivateChallenge flags challengeID active and clears the flag on every other challenge.
	ActivateChallenge(ctx context.Context, challengeID string) (*Challenge, error)
}

// ParticipationStore persists participations and their activity log.
type ParticipationStore interface {
	// CreateParticipation returns ErrAlreadyJoined when (user, challenge) already exists.
	CreateParticipation(ctx context.Context, participation Participation) error
	// FindParticipation returns nil when the user has not joined.
	FindParticipation(ctx context.Context, userID, challengeID string) (*Participation, error)
	// UpdateParticipation serialises mutate against every other update of the same row.
	// A missing row yields ErrNotJoined (lookup by user/challenge) or ErrParticipationNotFound (by ID).
	UpdateParticipation(ctx context.Context, ref ParticipationRef, mutate Mutation) (*Participation, *Activity, error)
	ListActivities(ctx context.Context, participationID string, cursor *Cursor, limit int) ([]Activity, *Cursor, error)
	// Leaderboard returns up to limit entries for the challenge in ranking order.
	Leaderboard(ctx context.Context, challengeID string, limit int) ([]LeaderboardEntry, error)
}

// UserStore persists the public profiles joined into leaderboard rows.
type UserStore interface {
	UpsertUser(ctx context.Context, user User) error
}

// Store is the full persistence contract of the service.
type Store interface {
	ChallengeStore
	ParticipationStore
	UserStore
}

// LeaderboardCache memoises leaderboard projections between writes. Invalidate bumps the
// challenge's generation, and Set stores a projection only while the generation it was computed
// under is still current, so a read that raced a write cannot publish the older ranking.
// Errors are advisory: a failed Get reads through to the store and Set or Invalidate failures
// are not surfaced to callers, so implementations log their own failures.
type LeaderboardCache interface {
	Get(ctx context.Context, challengeID string, limit int) ([]LeaderboardEntry, bool, error)
	Generation(ctx context.Context, challengeID string) (int64, error)
	Set(ctx context.Context, challengeID string, limit int, generation int64, entries []LeaderboardEntry) error
	Invalidate(ctx context.Context, challengeID string) error
}

type noopCache struct{}

func (noopCache) Get(context.Context, string, int) ([]LeaderboardEntry, bool, error) {
	return nil, false, nil
}
func (noopCache) Generation(context.Context, string) (int64, error)                 { return 0, nil }
func (noopCache) Set(context.Context, string, int, int64, []LeaderboardEntry) error { return nil }
func (noopCache) Invalidate(context.Context, string) error                          { return nil }

// Cursor models the activity pagination token.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// RecordResult describes the outcome of RecordActivity.
type RecordResult struct {
	PointsAwarded int
	TotalScore    int
	// Completed is true only on the call that crossed the reward threshold.
	Completed     bool
	Participation Participation
	Activity      Activity
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithLeaderboardCache installs a leaderboard cache.
func WithLeaderboardCache(cache LeaderboardCache) Option {
	return func(s *Service) {
		if cache != nil {
			s.cache = cache
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service orchestrates challenge workflows. It holds no per-user state between calls.
type Service struct {
	store  Store
	points PointTable
	cache  LeaderboardCache
	now    func() time.Time
	group  singleflight.Group
}

// NewService constructs a Service.
func NewService(store Store, points PointTable, opts ...Option) *Service {
	s := &Service{
		store:  store,
		points: points,
		cache:  noopCache{},
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PointTable exposes the configured reward schedule.
func (s *Service) PointTable() PointTable {
	return s.points
}

// SaveProfile records the caller's display name and avatar for leaderboard enrichment.
func (s *Service) SaveProfile(ctx context.Context, user User) error {
	if strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("save profile: user id is required")
	}
	user.DisplayName = strings.TrimSpace(user.DisplayName)
	user.AvatarURL = strings.TrimSpace(user.AvatarURL)
	return s.store.UpsertUser(ctx, user)
}

// GetActiveChallenge returns the running challenge or ErrNoActiveChallenge.
func (s *Service) GetActiveChallenge(ctx context.Context) (*Challenge, error) {
	challenge, err := s.store.ActiveChallenge(ctx)
	if err != nil {
		return nil, err
	}
	if challenge == nil || !challenge.ActiveAt(s.now()) {
		return nil, ErrNoActiveChallenge
	}
	return challenge, nil
}

// GetChallenge fetches by ID.
func (s *Service) GetChallenge(ctx context.Context, challengeID string) (*Challenge, error) {
	challenge, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if challenge == nil {
		return nil, ErrChallengeNotFound
	}
	return challenge, nil
}

// CreateChallenge validates and stores a new, inactive challenge.
func (s *Service) CreateChallenge(ctx context.Context, input CreateChallengeInput) (*Challenge, error) {
	season, err := input.validate()
	if err != nil {
		return nil, err
	}
	challenge := Challenge{
		ID:           uuid.NewString(),
		Title:        strings.TrimSpace(input.Title),
		Description:  strings.TrimSpace(input.Description),
		Season:       season,
		Year:         input.Year,
		StartsAt:     input.StartsAt.UTC(),
		PointsReward: input.PointsReward,
		CreatedAt:    s.now(),
	}
	if !input.EndsAt.IsZero() {
		challenge.EndsAt = input.EndsAt.UTC()
	}
	if err := s.store.CreateChallenge(ctx, challenge); err != nil {
		return nil, err
	}
	return &challenge, nil
}

// ActivateChallenge makes challengeID the single active challenge.
func (s *Service) ActivateChallenge(ctx context.Context, challengeID string) (*Challenge, error) {
	return s.store.ActivateChallenge(ctx, challengeID)
}

// Join enrolls userID in challengeID. When the user already joined, the existing participation
// is returned alongside ErrAlreadyJoined.
func (s *Service) Join(ctx context.Context, userID, challengeID string) (*Participation, error) {
	if _, err := s.GetChallenge(ctx, challengeID); err != nil {
		return nil, err
	}

	participation := Participation{
		ID:          uuid.NewString(),
		UserID:      userID,
		ChallengeID: challengeID,
		JoinedAt:    s.now(),
	}
	if err := s.store.CreateParticipation(ctx, participation); err != nil {
		if errors.Is(err, ErrAlreadyJoined) {
			existing, findErr := s.store.FindParticipation(ctx, userID, challengeID)
			if findErr != nil {
				return nil, findErr
			}
			return existing, ErrAlreadyJoined
		}
		return nil, err
	}

	observability.RecordJoin()
	s.invalidate(ctx, challengeID)
	return &participation, nil
}

// GetParticipation returns the caller's participation or ErrNotJoined.
func (s *Service) GetParticipation(ctx context.Context, userID, challengeID string) (*Participation, error) {
	participation, err := s.store.FindParticipation(ctx, userID, challengeID)
	if err != nil {
		return nil, err
	}
	if participation == nil {
		return nil, ErrNotJoined
	}
	return participation, nil
}

// RecordActivity appends an activity to the caller's participation and updates its tallies
// atomically, completing the participation when the reward threshold is crossed.
func (s *Service) RecordActivity(ctx context.Context, userID, challengeID string, activityType ActivityType, description string) (*RecordResult, error) {
	var completed bool
	mutate := func(p *Participation, c Challenge) (*Activity, error) {
		points, ok := s.points.Lookup(activityType)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownActivityType, activityType)
		}
		now := s.now()
		activity := Activity{
			ID:              uuid.NewString(),
			ParticipationID: p.ID,
			Type:            activityType,
			Points:          points,
			Description:     strings.TrimSpace(description),
			CreatedAt:       now,
		}
		p.Apply(activity)
		completed = p.CompleteIfEligible(c.PointsReward, now)
		return &activity, nil
	}

	participation, activity, err := s.store.UpdateParticipation(ctx, ParticipationRef{UserID: userID, ChallengeID: challengeID}, mutate)
	if err != nil {
		return nil, err
	}
	if activity == nil {
		return nil, fmt.Errorf("record activity: store returned no activity")
	}

	observability.RecordActivity(string(activity.Type), activity.Points, activity.CreatedAt)
	if completed {
		observability.RecordCompletion()
	}
	s.invalidate(ctx, challengeID)

	return &RecordResult{
		PointsAwarded: activity.Points,
		TotalScore:    participation.TotalScore,
		Completed:     completed,
		Participation: *participation,
		Activity:      *activity,
	}, nil
}

// MarkCompleted completes a participation whose score reached the challenge reward. Completing
// an already completed participation is a no-op.
func (s *Service) MarkCompleted(ctx context.Context, participationID string) (*Participation, error) {
	var completed bool
	mutate := func(p *Participation, c Challenge) (*Activity, error) {
		if p.IsCompleted {
			return nil, nil
		}
		if !p.CompleteIfEligible(c.PointsReward, s.now()) {
			return nil, fmt.Errorf("%w: score %d of %d", ErrCompletionThresholdNotMet, p.TotalScore, c.PointsReward)
		}
		completed = true
		return nil, nil
	}

	participation, _, err := s.store.UpdateParticipation(ctx, ParticipationRef{ID: participationID}, mutate)
	if err != nil {
		return nil, err
	}
	if completed {
		observability.RecordCompletion()
		s.invalidate(ctx, participation.ChallengeID)
	}
	return participation, nil
}

// ListActivities returns the caller's activity log, newest first.
func (s *Service) ListActivities(ctx context.Context, userID, challengeID string, cursor *Cursor, limit int) ([]Activity, *Cursor, error) {
	participation, err := s.GetParticipation(ctx, userID, challengeID)
	if err != nil {
		return nil, nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListActivities(ctx, participation.ID, cursor, limit)
}

// GetLeaderboard projects the ranking for challengeID. Concurrent cache misses for the same
// key share a single store read.
func (s *Service) GetLeaderboard(ctx context.Context, challengeID string, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}
	if limit > MaxLeaderboardLimit {
		limit = MaxLeaderboardLimit
	}
	if _, err := s.GetChallenge(ctx, challengeID); err != nil {
		return nil, err
	}

	if cached, ok, err := s.cache.Get(ctx, challengeID, limit); err == nil && ok {
		return cached, nil
	}

	key := challengeID + ":" + strconv.Itoa(limit)
	value, err, _ := s.group.Do(key, func() (interface{}, error) {
		// The generation is read before the store so a write committed in between is detected.
		generation, genErr := s.cache.Generation(ctx, challengeID)
		entries, err := s.store.Leaderboard(ctx, challengeID, limit)
		if err != nil {
			return nil, err
		}
		RankLeaderboard(entries)
		if genErr == nil {
			_ = s.cache.Set(ctx, challengeID, limit, generation, entries)
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}

	shared := value.([]LeaderboardEntry)
	out := make([]LeaderboardEntry, len(shared))
	copy(out, shared)
	return out, nil
}

func (s *Service) invalidate(ctx context.Context, challengeID string) {
	_ = s.cache.Invalidate(ctx, challengeID)
}
