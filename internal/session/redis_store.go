package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
	"github.com/angelmondragon/kluret-checkout/pkg/redis"
)

const defaultSlotTTL = 24 * time.Hour

type redisClient interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	GetDel(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRangeByScore(ctx context.Context, key string, max float64, offset, limit int64) ([]string, error)
	PaymentSessionKey(userID string) string
	ReturnContextKey(userID string) string
	ActiveSessionsKey() string
}

// RedisStore keeps each user's slot as a JSON document and indexes
// non-terminal sessions in a sorted set scored by creation time.
type RedisStore struct {
	client redisClient
	ttl    time.Duration
}

func NewRedisStore(client redisClient, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if ttl <= 0 {
		ttl = defaultSlotTTL
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (r *RedisStore) Save(ctx context.Context, s *PaymentSession) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode payment session")
	}
	if err := r.client.Set(ctx, r.client.PaymentSessionKey(s.UserID), payload, r.ttl); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save payment session")
	}
	index := r.client.ActiveSessionsKey()
	if s.IsActive() {
		err = r.client.ZAdd(ctx, index, float64(s.CreatedAt.Unix()), s.UserID)
	} else {
		err = r.client.ZRem(ctx, index, s.UserID)
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "index payment session")
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, userID string) (*PaymentSession, error) {
	raw, err := r.client.Get(ctx, r.client.PaymentSessionKey(userID))
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment session")
	}
	var s PaymentSession
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode payment session")
	}
	return &s, nil
}

func (r *RedisStore) Clear(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, r.client.PaymentSessionKey(userID)); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear payment session")
	}
	if err := r.client.ZRem(ctx, r.client.ActiveSessionsKey(), userID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "unindex payment session")
	}
	return nil
}

func (r *RedisStore) SaveReturnContext(ctx context.Context, userID, location string) error {
	if err := r.client.Set(ctx, r.client.ReturnContextKey(userID), location, r.ttl); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save return context")
	}
	return nil
}

func (r *RedisStore) TakeReturnContext(ctx context.Context, userID string) (string, error) {
	location, err := r.client.GetDel(ctx, r.client.ReturnContextKey(userID))
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "take return context")
	}
	return location, nil
}

func (r *RedisStore) ListStale(ctx context.Context, createdBefore time.Time, offset, limit int) (StalePage, error) {
	index := r.client.ActiveSessionsKey()
	userIDs, err := r.client.ZRangeByScore(ctx, index, float64(createdBefore.Unix()), int64(offset), int64(limit))
	if err != nil {
		return StalePage{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list stale sessions")
	}
	page := StalePage{Sessions: make([]*PaymentSession, 0, len(userIDs))}
	for _, userID := range userIDs {
		s, err := r.Load(ctx, userID)
		if pkgerrors.IsCode(err, pkgerrors.CodeInternal) {
			page.Skipped = append(page.Skipped, userID)
			continue
		}
		if err != nil {
			return page, err
		}
		// slot expired or already terminal: drop the dangling index entry
		if s == nil || !s.IsActive() {
			if err := r.client.ZRem(ctx, index, userID); err != nil {
				return page, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "unindex payment session")
			}
			continue
		}
		page.Sessions = append(page.Sessions, s)
	}
	return page, nil
}
