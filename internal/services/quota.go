package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/postly/chat-backend/internal/generation"
	"github.com/postly/chat-backend/internal/platform/envutil"
	"github.com/postly/chat-backend/internal/platform/logger"
)

// QuotaService gates generation runs per user. Allow returns a
// generation.Error of kind QuotaExceeded when the daily budget is spent.
type QuotaService interface {
	Allow(ctx context.Context, userID uuid.UUID) error
}

type redisQuota struct {
	log   *logger.Logger
	rdb   *goredis.Client
	limit int64
}

func NewRedisQuota(log *logger.Logger) (QuotaService, error) {
	addr := envutil.String("REDIS_ADDR", "")
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	limit := int64(envutil.Int("CHAT_DAILY_GENERATION_LIMIT", 100))

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisQuota{
		log:   log.With("service", "RedisQuota"),
		rdb:   rdb,
		limit: limit,
	}, nil
}

func (q *redisQuota) Allow(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return fmt.Errorf("missing user_id")
	}
	key := fmt.Sprintf("chat:quota:%s:%s", userID, time.Now().UTC().Format("20060102"))

	count, err := q.rdb.Incr(ctx, key).Result()
	if err != nil {
		// Quota accounting being down should not block chat.
		q.log.Warn("Quota check failed (allowing)", "error", err)
		return nil
	}
	if count == 1 {
		_ = q.rdb.Expire(ctx, key, 24*time.Hour).Err()
	}
	if count > q.limit {
		return generation.NewError(generation.KindQuotaExceeded,
			fmt.Errorf("daily generation limit of %d reached", q.limit))
	}
	return nil
}

type noopQuota struct{}

// NewNoopQuota is used when no Redis is configured.
func NewNoopQuota() QuotaService { return noopQuota{} }

func (noopQuota) Allow(context.Context, uuid.UUID) error { return nil }
