//go:build integration

package postgres

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/wellness/internal/domain"
	"example.com/wellness/internal/events"
	"example.com/wellness/internal/logger"
)

func TestRepositoryChallengeLifecycle(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)
	svc := domain.NewService(NewRepository(pool), domain.DefaultPointTable())

	spring := createChallenge(t, ctx, svc, "Spring Reset", 100)
	summer := createChallenge(t, ctx, svc, "Summer Moves", 200)

	_, err := svc.GetActiveChallenge(ctx)
	require.ErrorIs(t, err, domain.ErrNoActiveChallenge)

	_, err = svc.ActivateChallenge(ctx, spring.ID)
	require.NoError(t, err)
	_, err = svc.ActivateChallenge(ctx, summer.ID)
	require.NoError(t, err)

	active, err := svc.GetActiveChallenge(ctx)
	require.NoError(t, err)
	require.Equal(t, summer.ID, active.ID)

	var activeCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM challenges WHERE is_active`).Scan(&activeCount))
	require.Equal(t, 1, activeCount)

	_, err = svc.ActivateChallenge(ctx, "not-a-uuid")
	require.ErrorIs(t, err, domain.ErrChallengeNotFound)
}

func TestRepositoryJoinIsUnique(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)
	svc := domain.NewService(NewRepository(pool), domain.DefaultPointTable())
	challenge := createChallenge(t, ctx, svc, "Spring Reset", 100)

	first, err := svc.Join(ctx, "user-1", challenge.ID)
	require.NoError(t, err)

	again, err := svc.Join(ctx, "user-1", challenge.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyJoined)
	require.Equal(t, first.ID, again.ID)

	var joinedEvents int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE event_type = $1`, events.TypeParticipationJoined).Scan(&joinedEvents))
	require.Equal(t, 1, joinedEvents)
}

func TestRepositoryConcurrentRecordsKeepEveryIncrement(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)
	svc := domain.NewService(NewRepository(pool), domain.DefaultPointTable())
	challenge := createChallenge(t, ctx, svc, "Spring Reset", 1000)

	_, err := svc.Join(ctx, "user-1", challenge.ID)
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordActivity(ctx, "user-1", challenge.ID, domain.ActivityHealthyMeal, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	participation, err := svc.GetParticipation(ctx, "user-1", challenge.ID)
	require.NoError(t, err)
	require.Equal(t, workers, participation.HealthyMeals)
	require.Equal(t, workers*15, participation.TotalScore)

	var recorded int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE event_type = $1`, events.TypeActivityRecorded).Scan(&recorded))
	require.Equal(t, workers, recorded)
}

func TestRepositoryCompletionAndLeaderboard(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)
	repo := NewRepository(pool)
	svc := domain.NewService(repo, domain.DefaultPointTable())
	challenge := createChallenge(t, ctx, svc, "Spring Reset", 100)

	require.NoError(t, svc.SaveProfile(ctx, domain.User{ID: "alice", DisplayName: "Alice"}))

	_, err := svc.Join(ctx, "alice", challenge.ID)
	require.NoError(t, err)
	_, err = svc.Join(ctx, "bob", challenge.ID)
	require.NoError(t, err)

	var last *domain.RecordResult
	for i := 0; i < 4; i++ {
		last, err = svc.RecordActivity(ctx, "alice", challenge.ID, domain.ActivityGymVisit, "leg day")
		require.NoError(t, err)
	}
	require.True(t, last.Completed)
	require.True(t, last.Participation.IsCompleted)
	require.NotNil(t, last.Participation.CompletedAt)

	_, err = svc.RecordActivity(ctx, "bob", challenge.ID, domain.ActivityClinicCheckin, "")
	require.NoError(t, err)

	_, err = svc.RecordActivity(ctx, "carol", challenge.ID, domain.ActivityGymVisit, "")
	require.ErrorIs(t, err, domain.ErrNotJoined)

	board, err := svc.GetLeaderboard(ctx, challenge.ID, 10)
	require.NoError(t, err)
	require.Len(t, board, 2)
	require.Equal(t, "alice", board[0].UserID)
	require.Equal(t, "Alice", board[0].DisplayName)
	require.Equal(t, 100, board[0].TotalScore)
	require.True(t, board[0].IsCompleted)
	require.Equal(t, 2, board[1].Rank)
	require.Equal(t, 30, board[1].TotalScore)

	var completedEvents int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE event_type = $1`, events.TypeParticipationCompleted).Scan(&completedEvents))
	require.Equal(t, 1, completedEvents)

	page, next, err := svc.ListActivities(ctx, "alice", challenge.ID, nil, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.NotNil(t, next)
	rest, _, err := svc.ListActivities(ctx, "alice", challenge.ID, next, 3)
	require.NoError(t, err)
	require.Len(t, rest, 1)
}

func createChallenge(t *testing.T, ctx context.Context, svc *domain.Service, title string, reward int) *domain.Challenge {
	t.Helper()
	challenge, err := svc.CreateChallenge(ctx, domain.CreateChallengeInput{
		Title:        title,
		Season:       "spring",
		Year:         2026,
		StartsAt:     time.Now().Add(-time.Hour),
		PointsReward: reward,
	})
	require.NoError(t, err)
	return challenge
}

func setupPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("wellness"),
		postgrescontainer.WithUsername("wellness"),
		postgrescontainer.WithPassword("wellness"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	require.NoError(t, Migrate(connStr, filepath.Join(filepath.Dir(file), "../../../db/postgres/migrations"), logger.NewNop()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
