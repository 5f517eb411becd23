// Package events defines the event payloads published through the outbox.
package events

import "time"

// Event type names as stored in the outbox and carried in the Kafka event_type header.
const (
	TypeParticipationJoined    = "participation.joined"
	TypeActivityRecorded       = "activity.recorded"
	TypeParticipationCompleted = "participation.completed"
)

// Kafka topics the outbox publishes to.
const (
	TopicParticipation = "challenge_participation_events"
	TopicActivity      = "challenge_activity_events"
)

// ParticipationJoined is emitted when a user enrolls in a challenge.
type ParticipationJoined struct {
	ParticipationID string    `json:"participation_id"`
	ChallengeID     string    `json:"challenge_id"`
	UserID          string    `json:"user_id"`
	JoinedAt        time.Time `json:"joined_at"`
}

// ActivityRecorded is emitted for every activity appended to a participation.
type ActivityRecorded struct {
	ActivityID      string    `json:"activity_id"`
	ParticipationID string    `json:"participation_id"`
	ChallengeID     string    `json:"challenge_id"`
	UserID          string    `json:"user_id"`
	ActivityType    string    `json:"activity_type"`
	Points          int       `json:"points"`
	TotalScore      int       `json:"total_score"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// ParticipationCompleted is emitted once per participation when it reaches the reward target.
type ParticipationCompleted struct {
	ParticipationID string    `json:"participation_id"`
	ChallengeID     string    `json:"challenge_id"`
	UserID          string    `json:"user_id"`
	TotalScore      int       `json:"total_score"`
	PointsReward    int       `json:"points_reward"`
	CompletedAt     time.Time `json:"completed_at"`
}
