package domain

import "errors"

var (
	// ErrNoActiveChallenge indicates no challenge is currently running. It is an empty state, not a failure.
	ErrNoActiveChallenge = errors.New("no active challenge")
	// ErrChallengeNotFound is returned when a challenge cannot be located.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrInvalidChallenge wraps validation failures on challenge definitions.
	ErrInvalidChallenge = errors.New("invalid challenge")
	// ErrAlreadyJoined indicates the user already has a participation for the challenge.
	ErrAlreadyJoined = errors.New("already joined challenge")
	// ErrNotJoined is returned when a user acts on a challenge they have not joined.
	ErrNotJoined = errors.New("not joined challenge")
	// ErrParticipationNotFound is returned when a participation ID does not exist.
	ErrParticipationNotFound = errors.New("participation not found")
	// ErrUnknownActivityType is returned for activity types outside the point table.
	ErrUnknownActivityType = errors.New("unknown activity type")
	// ErrCompletionThresholdNotMet is returned when completion is requested below the reward target.
	ErrCompletionThresholdNotMet = errors.New("completion threshold not met")
)
