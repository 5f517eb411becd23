package consumer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/wellness/internal/events"
	"example.com/wellness/internal/logger"
)

func framed(schemaID int, payload []byte) []byte {
	value := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(value[1:5], uint32(schemaID))
	copy(value[5:], payload)
	return value
}

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := []byte(`{"participation_id":"p-1"}`)
	msg := kafka.Message{
		Topic:     "challenge_participation_events",
		Partition: 0,
		Offset:    10,
		Time:      time.Now().UTC(),
		Value:     framed(42, payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(events.TypeParticipationJoined)},
			{Key: "aggregate_id", Value: []byte("p-1")},
			{Key: "schema_subject", Value: []byte("challenge_participation_events-participation.joined")},
		},
	}

	reader := &stubReader{messages: []kafka.Message{msg}, after: contextCanceled}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithLogger(logger.NewNop()))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, events.TypeParticipationJoined, handler.last.EventType)
	require.Equal(t, "p-1", handler.last.AggregateID)
	require.Equal(t, 42, handler.last.SchemaID)
	require.JSONEq(t, string(payload), string(handler.last.Payload))
}

func TestProcessorSkipsCommitOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := kafka.Message{
		Topic: "challenge_activity_events",
		Value: framed(99, []byte(`{"activity_id":"a-1"}`)),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(events.TypeActivityRecorded)},
		},
	}

	reader := &stubReader{messages: []kafka.Message{msg}, after: contextCanceled}
	handler := &stubHandler{err: errors.New("boom")}

	before := testutil.ToFloat64(handlerErrorCounter.WithLabelValues("challenge_activity_events", events.TypeActivityRecorded))
	err := NewProcessor(reader, handler).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 0, reader.commitCalls)
	require.InDelta(t, before+1, testutil.ToFloat64(handlerErrorCounter.WithLabelValues("challenge_activity_events", events.TypeActivityRecorded)), 0.0001)
}

func TestProcessorCommitsUndecodableMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{
		messages: []kafka.Message{
			{Topic: "challenge_activity_events", Value: []byte{0, 1}},
			{Topic: "challenge_activity_events", Value: framed(1, []byte(`{}`))}, // no event_type header
		},
		after: contextCanceled,
	}
	handler := &stubHandler{}

	err := NewProcessor(reader, handler).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, handler.calls)
	require.Equal(t, 2, reader.commitCalls)
}

func TestProcessorRetriesFetchErrorsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	reader := &stubReader{after: func() error {
		cancel()
		return errors.New("broker unavailable")
	}}

	err := NewProcessor(reader, &stubHandler{}, WithFetchBackoff(time.Hour)).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCompletionAnnouncerCountsCompletions(t *testing.T) {
	payload, err := json.Marshal(events.ParticipationCompleted{
		ParticipationID: "p-1",
		ChallengeID:     "c-1",
		UserID:          "u-1",
		TotalScore:      100,
		PointsReward:    100,
		CompletedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)

	announcer := NewCompletionAnnouncer(logger.NewNop())
	before := testutil.ToFloat64(completionsSeen)

	require.NoError(t, announcer.Handle(context.Background(), Message{EventType: events.TypeActivityRecorded, Payload: payload}))
	require.InDelta(t, before, testutil.ToFloat64(completionsSeen), 0.0001)

	require.NoError(t, announcer.Handle(context.Background(), Message{EventType: events.TypeParticipationCompleted, Payload: payload}))
	require.InDelta(t, before+1, testutil.ToFloat64(completionsSeen), 0.0001)

	err = announcer.Handle(context.Background(), Message{EventType: events.TypeParticipationCompleted, Payload: json.RawMessage(`[]`)})
	require.Error(t, err)
}

func TestFanoutStopsAtFirstError(t *testing.T) {
	first := &stubHandler{err: errors.New("nope")}
	second := &stubHandler{}

	err := Fanout(first, second).Handle(context.Background(), Message{})
	require.Error(t, err)
	require.Equal(t, 1, first.calls)
	require.Zero(t, second.calls)
}

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
	after       func() error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		if r.after != nil {
			return kafka.Message{}, r.after()
		}
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

func contextCanceled() error { return context.Canceled }

type stubHandler struct {
	calls int
	err   error
	last  Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	return h.err
}
