package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/wellness/internal/domain"
	"example.com/wellness/internal/events"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	participationUserChallengeKey = "participations_user_challenge_key"
	activationLockKey             = "challenges.activate"
)

var _ domain.Store = (*Repository)(nil)

// Repository provides Postgres-backed persistence for challenges, participations, activities
// and their outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const challengeColumns = `c.challenge_id, c.title, c.description, c.season, c.year, c.starts_at, c.ends_at, c.is_active, c.points_reward, c.created_at`

const participationColumns = `p.participation_id, p.user_id, p.challenge_id, p.joined_at, p.gym_visits, p.healthy_meals, p.clinic_checkins, p.store_health_purchases, p.total_score, p.is_completed, p.completed_at`

type challengeRow struct {
	challenge domain.Challenge
	season    string
	endsAt    *time.Time
}

func (r *challengeRow) dest() []any {
	c := &r.challenge
	return []any{&c.ID, &c.Title, &c.Description, &r.season, &c.Year, &c.StartsAt, &r.endsAt, &c.IsActive, &c.PointsReward, &c.CreatedAt}
}

func (r *challengeRow) value() domain.Challenge {
	c := r.challenge
	c.Season = domain.Season(r.season)
	if r.endsAt != nil {
		c.EndsAt = r.endsAt.UTC()
	}
	c.StartsAt = c.StartsAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return c
}

func participationDest(p *domain.Participation) []any {
	return []any{&p.ID, &p.UserID, &p.ChallengeID, &p.JoinedAt, &p.GymVisits, &p.HealthyMeals, &p.ClinicCheckins, &p.StoreHealthPurchases, &p.TotalScore, &p.IsCompleted, &p.CompletedAt}
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// ActiveChallenge returns the challenge carrying the active flag.
func (r *Repository) ActiveChallenge(ctx context.Context) (*domain.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM challenges c WHERE c.is_active`

	var row challengeRow
	if err := r.pool.QueryRow(ctx, query).Scan(row.dest()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("active challenge: %w", err)
	}
	challenge := row.value()
	return &challenge, nil
}

// GetChallenge retrieves a challenge by ID.
func (r *Repository) GetChallenge(ctx context.Context, challengeID string) (*domain.Challenge, error) {
	if !validID(challengeID) {
		return nil, nil
	}
	query := `SELECT ` + challengeColumns + ` FROM challenges c WHERE c.challenge_id = $1`

	var row challengeRow
	if err := r.pool.QueryRow(ctx, query, challengeID).Scan(row.dest()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	challenge := row.value()
	return &challenge, nil
}

// CreateChallenge inserts an inactive challenge.
func (r *Repository) CreateChallenge(ctx context.Context, challenge domain.Challenge) error {
	const stmt = `INSERT INTO challenges (challenge_id, title, description, season, year, starts_at, ends_at, is_active, points_reward, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,FALSE,$8,$9)`

	var endsAt *time.Time
	if !challenge.EndsAt.IsZero() {
		endsAt = &challenge.EndsAt
	}
	_, err := r.pool.Exec(ctx, stmt,
		challenge.ID,
		challenge.Title,
		challenge.Description,
		string(challenge.Season),
		challenge.Year,
		challenge.StartsAt,
		endsAt,
		challenge.PointsReward,
		challenge.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create challenge: %w", err)
	}
	return nil
}

// ActivateChallenge clears the active flag everywhere and sets it on challengeID in one
// transaction. An advisory lock serialises concurrent activations.
func (r *Repository) ActivateChallenge(ctx context.Context, challengeID string) (*domain.Challenge, error) {
	if !validID(challengeID) {
		return nil, domain.ErrChallengeNotFound
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, activationLockKey); err != nil {
		return nil, fmt.Errorf("activate challenge: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE challenges SET is_active = FALSE WHERE is_active AND challenge_id <> $1`, challengeID); err != nil {
		return nil, fmt.Errorf("activate challenge: %w", err)
	}

	query := `UPDATE challenges c SET is_active = TRUE WHERE c.challenge_id = $1 RETURNING ` + challengeColumns
	var row challengeRow
	if err := tx.QueryRow(ctx, query, challengeID).Scan(row.dest()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("activate challenge: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	challenge := row.value()
	return &challenge, nil
}

// UpsertUser records the public profile shown on leaderboards.
func (r *Repository) UpsertUser(ctx context.Context, user domain.User) error {
	const stmt = `INSERT INTO users (user_id, display_name, avatar_url) VALUES ($1,$2,$3)
        ON CONFLICT (user_id) DO UPDATE SET display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url`

	if _, err := r.pool.Exec(ctx, stmt, user.ID, user.DisplayName, nullIfEmpty(user.AvatarURL)); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// CreateParticipation inserts the participation and its joined event. The unique constraint on
// (user_id, challenge_id) turns racing duplicate joins into ErrAlreadyJoined.
func (r *Repository) CreateParticipation(ctx context.Context, participation domain.Participation) (err error) {
	if !validID(participation.ChallengeID) {
		return domain.ErrChallengeNotFound
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const stmt = `INSERT INTO participations (participation_id, user_id, challenge_id, joined_at)
        VALUES ($1,$2,$3,$4)`

	if _, err = tx.Exec(ctx, stmt, participation.ID, participation.UserID, participation.ChallengeID, participation.JoinedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == participationUserChallengeKey:
				return domain.ErrAlreadyJoined
			case pgErr.Code == pgForeignKeyViolation:
				return domain.ErrChallengeNotFound
			}
		}
		return fmt.Errorf("create participation: %w", err)
	}

	if err = insertOutbox(ctx, tx, events.TypeParticipationJoined, participation.ID, events.ParticipationJoined{
		ParticipationID: participation.ID,
		ChallengeID:     participation.ChallengeID,
		UserID:          participation.UserID,
		JoinedAt:        participation.JoinedAt,
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// FindParticipation retrieves the participation for (userID, challengeID).
func (r *Repository) FindParticipation(ctx context.Context, userID, challengeID string) (*domain.Participation, error) {
	if !validID(challengeID) {
		return nil, nil
	}
	query := `SELECT ` + participationColumns + ` FROM participations p WHERE p.user_id = $1 AND p.challenge_id = $2`

	var p domain.Participation
	if err := r.pool.QueryRow(ctx, query, userID, challengeID).Scan(participationDest(&p)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find participation: %w", err)
	}
	normalizeParticipation(&p)
	return &p, nil
}

// UpdateParticipation locks the participation row with SELECT ... FOR UPDATE, applies mutate,
// and writes the appended activity, the new tallies and the resulting outbox events before
// committing. Concurrent updates of the same participation queue on the row lock, so no
// increment is lost.
func (r *Repository) UpdateParticipation(ctx context.Context, ref domain.ParticipationRef, mutate domain.Mutation) (_ *domain.Participation, _ *domain.Activity, err error) {
	missing := domain.ErrNotJoined
	where := `p.user_id = $1 AND p.challenge_id = $2`
	args := []any{ref.UserID, ref.ChallengeID}
	lookupID := ref.ChallengeID
	if ref.ID != "" {
		missing = domain.ErrParticipationNotFound
		where = `p.participation_id = $1`
		args = []any{ref.ID}
		lookupID = ref.ID
	}
	if !validID(lookupID) {
		return nil, nil, missing
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	query := `SELECT ` + participationColumns + `, ` + challengeColumns + `
        FROM participations p
        JOIN challenges c ON c.challenge_id = p.challenge_id
        WHERE ` + where + `
        FOR UPDATE OF p`

	var current domain.Participation
	var crow challengeRow
	if err = tx.QueryRow(ctx, query, args...).Scan(append(participationDest(&current), crow.dest()...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = missing
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("lock participation: %w", err)
	}
	normalizeParticipation(&current)
	challenge := crow.value()

	updated := current
	activity, err := mutate(&updated, challenge)
	if err != nil {
		return nil, nil, err
	}

	if activity != nil {
		const insertActivity = `INSERT INTO activities (activity_id, participation_id, activity_type, points, description, created_at)
            VALUES ($1,$2,$3,$4,$5,$6)`
		if _, err = tx.Exec(ctx, insertActivity,
			activity.ID,
			updated.ID,
			string(activity.Type),
			activity.Points,
			activity.Description,
			activity.CreatedAt,
		); err != nil {
			return nil, nil, fmt.Errorf("insert activity: %w", err)
		}
	}

	const update = `UPDATE participations
        SET gym_visits = $2, healthy_meals = $3, clinic_checkins = $4, store_health_purchases = $5,
            total_score = $6, is_completed = $7, completed_at = $8
        WHERE participation_id = $1`
	if _, err = tx.Exec(ctx, update,
		updated.ID,
		updated.GymVisits,
		updated.HealthyMeals,
		updated.ClinicCheckins,
		updated.StoreHealthPurchases,
		updated.TotalScore,
		updated.IsCompleted,
		updated.CompletedAt,
	); err != nil {
		return nil, nil, fmt.Errorf("update participation: %w", err)
	}

	if activity != nil {
		if err = insertOutbox(ctx, tx, events.TypeActivityRecorded, updated.ID, events.ActivityRecorded{
			ActivityID:      activity.ID,
			ParticipationID: updated.ID,
			ChallengeID:     updated.ChallengeID,
			UserID:          updated.UserID,
			ActivityType:    string(activity.Type),
			Points:          activity.Points,
			TotalScore:      updated.TotalScore,
			RecordedAt:      activity.CreatedAt,
		}); err != nil {
			return nil, nil, err
		}
	}

	if !current.IsCompleted && updated.IsCompleted && updated.CompletedAt != nil {
		if err = insertOutbox(ctx, tx, events.TypeParticipationCompleted, updated.ID, events.ParticipationCompleted{
			ParticipationID: updated.ID,
			ChallengeID:     updated.ChallengeID,
			UserID:          updated.UserID,
			TotalScore:      updated.TotalScore,
			PointsReward:    challenge.PointsReward,
			CompletedAt:     *updated.CompletedAt,
		}); err != nil {
			return nil, nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return &updated, activity, nil
}

// ListActivities returns a participation's activities newest first with keyset pagination.
func (r *Repository) ListActivities(ctx context.Context, participationID string, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	args := []any{participationID, limit}
	query := `SELECT activity_id, participation_id, activity_type, points, description, created_at
        FROM activities WHERE participation_id = $1`

	if cursor != nil {
		query += ` AND (created_at, activity_id) < ($3, $4)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}

	query += ` ORDER BY created_at DESC, activity_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	results := make([]domain.Activity, 0, limit)
	for rows.Next() {
		var a domain.Activity
		var activityType string
		if err := rows.Scan(&a.ID, &a.ParticipationID, &activityType, &a.Points, &a.Description, &a.CreatedAt); err != nil {
			return nil, nil, err
		}
		a.Type = domain.ActivityType(activityType)
		a.CreatedAt = a.CreatedAt.UTC()
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return results, nextCursor, nil
}

// Leaderboard projects the ranking directly from the ledger, joined with user profiles.
func (r *Repository) Leaderboard(ctx context.Context, challengeID string, limit int) ([]domain.LeaderboardEntry, error) {
	if !validID(challengeID) {
		return nil, nil
	}
	const query = `SELECT p.participation_id, p.user_id, COALESCE(u.display_name, ''), COALESCE(u.avatar_url, ''),
            p.total_score, p.is_completed, p.joined_at
        FROM participations p
        LEFT JOIN users u ON u.user_id = p.user_id
        WHERE p.challenge_id = $1
        ORDER BY p.total_score DESC, p.joined_at ASC, p.participation_id ASC
        LIMIT $2`

	rows, err := r.pool.Query(ctx, query, challengeID, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.LeaderboardEntry, 0, limit)
	for rows.Next() {
		var e domain.LeaderboardEntry
		if err := rows.Scan(&e.ParticipationID, &e.UserID, &e.DisplayName, &e.AvatarURL, &e.TotalScore, &e.IsCompleted, &e.JoinedAt); err != nil {
			return nil, err
		}
		e.JoinedAt = e.JoinedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func normalizeParticipation(p *domain.Participation) {
	p.JoinedAt = p.JoinedAt.UTC()
	if p.CompletedAt != nil {
		completedAt := p.CompletedAt.UTC()
		p.CompletedAt = &completedAt
	}
}

func insertOutbox(ctx context.Context, tx pgx.Tx, eventType, aggregateID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	dedupeKey := fmt.Sprintf("%s:%s", aggregateID, eventType)
	if eventType == events.TypeActivityRecorded {
		if recorded, ok := payload.(events.ActivityRecorded); ok {
			dedupeKey = fmt.Sprintf("%s:%s", recorded.ActivityID, eventType)
		}
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = tx.Exec(ctx, stmt,
		"participation",
		aggregateID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		aggregateID,
		body,
		dedupeKey,
	)
	if err != nil {
		return fmt.Errorf("insert outbox %s: %w", eventType, err)
	}
	return nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

// EventMetadata describes how to route an outbox event. Every event is keyed by participation
// so consumers see a participation's history in order. Subjects follow the topic-record naming
// strategy because a topic carries more than one event shape.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	events.TypeParticipationJoined: {
		Topic:         events.TopicParticipation,
		SchemaSubject: events.TopicParticipation + "-" + events.TypeParticipationJoined,
	},
	events.TypeParticipationCompleted: {
		Topic:         events.TopicParticipation,
		SchemaSubject: events.TopicParticipation + "-" + events.TypeParticipationCompleted,
	},
	events.TypeActivityRecorded: {
		Topic:         events.TopicActivity,
		SchemaSubject: events.TopicActivity + "-" + events.TypeActivityRecorded,
	},
}
