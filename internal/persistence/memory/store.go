// Package memory provides a mutex-guarded Store for local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"example.com/wellness/internal/domain"
)

var _ domain.Store = (*Store)(nil)

type participationKey struct {
	userID      string
	challengeID string
}

// Store keeps challenges, participations and activities in memory. A single mutex serialises
// every write, which gives UpdateParticipation the same per-row atomicity a row lock does.
type Store struct {
	mu             sync.RWMutex
	challenges     map[string]domain.Challenge
	participations map[string]domain.Participation
	byUser         map[participationKey]string
	activities     map[string][]domain.Activity
	users          map[string]domain.User
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		challenges:     make(map[string]domain.Challenge),
		participations: make(map[string]domain.Participation),
		byUser:         make(map[participationKey]string),
		activities:     make(map[string][]domain.Activity),
		users:          make(map[string]domain.User),
	}
}

// UpsertUser implements domain.UserStore.
func (s *Store) UpsertUser(ctx context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	return nil
}

// ActiveChallenge implements domain.ChallengeStore.
func (s *Store) ActiveChallenge(ctx context.Context) (*domain.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.challenges {
		if c.IsActive {
			challenge := c
			return &challenge, nil
		}
	}
	return nil, nil
}

// GetChallenge implements domain.ChallengeStore.
func (s *Store) GetChallenge(ctx context.Context, challengeID string) (*domain.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.challenges[challengeID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// CreateChallenge implements domain.ChallengeStore. New challenges start inactive.
func (s *Store) CreateChallenge(ctx context.Context, challenge domain.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	challenge.IsActive = false
	s.challenges[challenge.ID] = challenge
	return nil
}

// ActivateChallenge implements domain.ChallengeStore.
func (s *Store) ActivateChallenge(ctx context.Context, challengeID string) (*domain.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.challenges[challengeID]
	if !ok {
		return nil, domain.ErrChallengeNotFound
	}
	for id, c := range s.challenges {
		if c.IsActive && id != challengeID {
			c.IsActive = false
			s.challenges[id] = c
		}
	}
	target.IsActive = true
	s.challenges[challengeID] = target
	return &target, nil
}

// CreateParticipation implements domain.ParticipationStore.
func (s *Store) CreateParticipation(ctx context.Context, participation domain.Participation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := participationKey{userID: participation.UserID, challengeID: participation.ChallengeID}
	if _, exists := s.byUser[key]; exists {
		return domain.ErrAlreadyJoined
	}
	if _, ok := s.challenges[participation.ChallengeID]; !ok {
		return domain.ErrChallengeNotFound
	}
	s.participations[participation.ID] = participation
	s.byUser[key] = participation.ID
	return nil
}

// FindParticipation implements domain.ParticipationStore.
func (s *Store) FindParticipation(ctx context.Context, userID, challengeID string) (*domain.Participation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUser[participationKey{userID: userID, challengeID: challengeID}]
	if !ok {
		return nil, nil
	}
	p := s.participations[id]
	return &p, nil
}

// UpdateParticipation implements domain.ParticipationStore. The mutation runs on a copy, so a
// failing mutation leaves no trace.
func (s *Store) UpdateParticipation(ctx context.Context, ref domain.ParticipationRef, mutate domain.Mutation) (*domain.Participation, *domain.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := ref.ID
	if id == "" {
		var ok bool
		id, ok = s.byUser[participationKey{userID: ref.UserID, challengeID: ref.ChallengeID}]
		if !ok {
			return nil, nil, domain.ErrNotJoined
		}
	}
	current, ok := s.participations[id]
	if !ok {
		return nil, nil, domain.ErrParticipationNotFound
	}
	challenge, ok := s.challenges[current.ChallengeID]
	if !ok {
		return nil, nil, domain.ErrChallengeNotFound
	}

	updated := current
	if current.CompletedAt != nil {
		completedAt := *current.CompletedAt
		updated.CompletedAt = &completedAt
	}
	activity, err := mutate(&updated, challenge)
	if err != nil {
		return nil, nil, err
	}

	s.participations[id] = updated
	if activity != nil {
		s.activities[id] = append(s.activities[id], *activity)
	}

	out := updated
	return &out, activity, nil
}

// ListActivities implements domain.ParticipationStore.
func (s *Store) ListActivities(ctx context.Context, participationID string, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.activities[participationID]
	ordered := make([]domain.Activity, len(log))
	copy(ordered, log)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
		}
		return ordered[i].ID > ordered[j].ID
	})

	results := make([]domain.Activity, 0, limit)
	for _, a := range ordered {
		if cursor != nil && !afterCursor(a, *cursor) {
			continue
		}
		results = append(results, a)
		if len(results) == limit {
			break
		}
	}

	var next *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return results, next, nil
}

// afterCursor reports whether a sorts strictly after the cursor position in newest-first order.
func afterCursor(a domain.Activity, c domain.Cursor) bool {
	if a.CreatedAt.Equal(c.CreatedAt) {
		return a.ID < c.ID
	}
	return a.CreatedAt.Before(c.CreatedAt)
}

// Leaderboard implements domain.ParticipationStore.
func (s *Store) Leaderboard(ctx context.Context, challengeID string, limit int) ([]domain.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.LeaderboardEntry, 0)
	for _, p := range s.participations {
		if p.ChallengeID != challengeID {
			continue
		}
		user := s.users[p.UserID]
		entries = append(entries, domain.LeaderboardEntry{
			ParticipationID: p.ID,
			UserID:          p.UserID,
			DisplayName:     user.DisplayName,
			AvatarURL:       user.AvatarURL,
			TotalScore:      p.TotalScore,
			IsCompleted:     p.IsCompleted,
			JoinedAt:        p.JoinedAt,
		})
	}
	domain.RankLeaderboard(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
