// Package cache memoises leaderboard projections in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"example.com/wellness/internal/domain"
	"example.com/wellness/internal/logger"
)

var lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "wellness",
	Subsystem: "leaderboard_cache",
	Name:      "lookups_total",
	Help:      "Leaderboard cache lookups by result (hit, miss, error).",
}, []string{"result"})

var writes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "wellness",
	Subsystem: "leaderboard_cache",
	Name:      "writes_total",
	Help:      "Leaderboard cache writes by result (stored, stale, error).",
}, []string{"result"})

func init() {
	prometheus.MustRegister(lookups, writes)
}

var _ domain.LeaderboardCache = (*RedisLeaderboardCache)(nil)

// NewRedisClient dials Redis and verifies the connection with a PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// RedisLeaderboardCache stores each challenge's projections in one hash keyed by limit, so a
// single DEL drops every cached page of a challenge. A counter key per challenge carries the
// generation that Set compares under WATCH.
type RedisLeaderboardCache struct {
	rdb goredis.UniversalClient
	ttl time.Duration
	log *logger.Logger
}

// NewRedisLeaderboardCache constructs a cache with the given entry TTL.
func NewRedisLeaderboardCache(rdb goredis.UniversalClient, ttl time.Duration, log *logger.Logger) *RedisLeaderboardCache {
	if log == nil {
		log = logger.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLeaderboardCache{rdb: rdb, ttl: ttl, log: log.With("component", "leaderboard_cache")}
}

func key(challengeID string) string {
	return "leaderboard:" + challengeID
}

func generationKey(challengeID string) string {
	return "leaderboard:gen:" + challengeID
}

// Get implements domain.LeaderboardCache.
func (c *RedisLeaderboardCache) Get(ctx context.Context, challengeID string, limit int) ([]domain.LeaderboardEntry, bool, error) {
	raw, err := c.rdb.HGet(ctx, key(challengeID), strconv.Itoa(limit)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			lookups.WithLabelValues("miss").Inc()
			return nil, false, nil
		}
		lookups.WithLabelValues("error").Inc()
		c.log.Warn("leaderboard cache read failed", "challenge_id", challengeID, "error", err)
		return nil, false, err
	}
	entries, err := decodeEntries(raw)
	if err != nil {
		lookups.WithLabelValues("error").Inc()
		return nil, false, err
	}
	lookups.WithLabelValues("hit").Inc()
	return entries, true, nil
}

// Generation implements domain.LeaderboardCache. A missing counter is generation zero.
func (c *RedisLeaderboardCache) Generation(ctx context.Context, challengeID string) (int64, error) {
	gen, err := c.rdb.Get(ctx, generationKey(challengeID)).Int64()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		c.log.Warn("leaderboard cache generation read failed", "challenge_id", challengeID, "error", err)
		return 0, err
	}
	return gen, nil
}

// Set implements domain.LeaderboardCache. The write is skipped when the challenge was
// invalidated after generation was read.
func (c *RedisLeaderboardCache) Set(ctx context.Context, challengeID string, limit int, generation int64, entries []domain.LeaderboardEntry) error {
	raw, err := encodeEntries(entries)
	if err != nil {
		writes.WithLabelValues("error").Inc()
		return err
	}
	k, gk := key(challengeID), generationKey(challengeID)

	stale := false
	err = c.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, gk).Int64()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		if current != generation {
			stale = true
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, k, strconv.Itoa(limit), raw)
			pipe.Expire(ctx, k, c.ttl)
			return nil
		})
		return err
	}, gk)

	switch {
	case errors.Is(err, goredis.TxFailedErr):
		stale = true
	case err != nil:
		writes.WithLabelValues("error").Inc()
		c.log.Warn("leaderboard cache write failed", "challenge_id", challengeID, "error", err)
		return err
	}
	if stale {
		writes.WithLabelValues("stale").Inc()
		c.log.Debug("leaderboard cache write skipped", "challenge_id", challengeID, "generation", generation)
		return nil
	}
	writes.WithLabelValues("stored").Inc()
	return nil
}

// Invalidate implements domain.LeaderboardCache. It bumps the generation and drops every
// cached page in one MULTI.
func (c *RedisLeaderboardCache) Invalidate(ctx context.Context, challengeID string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(challengeID))
		pipe.Del(ctx, key(challengeID))
		return nil
	})
	if err != nil {
		c.log.Warn("leaderboard cache invalidation failed", "challenge_id", challengeID, "error", err)
		return err
	}
	return nil
}

type cachedEntry struct {
	Rank            int       `json:"rank"`
	ParticipationID string    `json:"participation_id"`
	UserID          string    `json:"user_id"`
	DisplayName     string    `json:"display_name,omitempty"`
	AvatarURL       string    `json:"avatar_url,omitempty"`
	TotalScore      int       `json:"total_score"`
	IsCompleted     bool      `json:"is_completed"`
	JoinedAt        time.Time `json:"joined_at"`
}

func encodeEntries(entries []domain.LeaderboardEntry) ([]byte, error) {
	out := make([]cachedEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, cachedEntry(e))
	}
	return json.Marshal(out)
}

func decodeEntries(raw []byte) ([]domain.LeaderboardEntry, error) {
	var cached []cachedEntry
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("decode cached leaderboard: %w", err)
	}
	out := make([]domain.LeaderboardEntry, 0, len(cached))
	for _, e := range cached {
		out = append(out, domain.LeaderboardEntry(e))
	}
	return out, nil
}
