package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"example.com/wellness/internal/events"
	"example.com/wellness/internal/logger"
)

// Fanout invokes every handler in order and stops at the first error.
func Fanout(handlers ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, msg Message) error {
		for _, h := range handlers {
			if err := h.Handle(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

// CompletionAnnouncer logs every participation that reached its challenge reward.
type CompletionAnnouncer struct {
	log *logger.Logger
}

// NewCompletionAnnouncer constructs a CompletionAnnouncer.
func NewCompletionAnnouncer(log *logger.Logger) *CompletionAnnouncer {
	if log == nil {
		log = logger.NewNop()
	}
	return &CompletionAnnouncer{log: log}
}

// Handle ignores every event except participation.completed.
func (a *CompletionAnnouncer) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.TypeParticipationCompleted {
		return nil
	}
	var completed events.ParticipationCompleted
	if err := json.Unmarshal(msg.Payload, &completed); err != nil {
		return fmt.Errorf("decode %s: %w", msg.EventType, err)
	}
	completionsSeen.Inc()
	a.log.Info("participation completed",
		"participation_id", completed.ParticipationID,
		"challenge_id", completed.ChallengeID,
		"user_id", completed.UserID,
		"total_score", completed.TotalScore,
		"points_reward", completed.PointsReward,
	)
	return nil
}
