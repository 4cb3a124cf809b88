package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const (
	fcmKeyPrefix = "push:fcm:"
	subKeyPrefix = "push:sub:"
)

// RedisStore shares push targets between server instances. FCM tokens are
// kept in a set per user; subscriptions in a hash keyed by endpoint.
type RedisStore struct {
	rdb redis.Cmdable
}

func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) AddFCMToken(ctx context.Context, userID, token string) error {
	return s.rdb.SAdd(ctx, fcmKeyPrefix+userID, token).Err()
}

func (s *RedisStore) FCMTokens(ctx context.Context, userID string) ([]string, error) {
	tokens, err := s.rdb.SMembers(ctx, fcmKeyPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("load fcm tokens: %w", err)
	}
	sort.Strings(tokens)
	return tokens, nil
}

func (s *RedisStore) RemoveFCMToken(ctx context.Context, userID, token string) error {
	return s.rdb.SRem(ctx, fcmKeyPrefix+userID, token).Err()
}

func (s *RedisStore) AddSubscription(ctx context.Context, userID string, sub Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, subKeyPrefix+userID, sub.Endpoint, raw).Err()
}

func (s *RedisStore) Subscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	all, err := s.rdb.HGetAll(ctx, subKeyPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	out := make([]Subscription, 0, len(all))
	for endpoint, raw := range all {
		var sub Subscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			return nil, fmt.Errorf("decode subscription %s: %w", endpoint, err)
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out, nil
}

func (s *RedisStore) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	return s.rdb.HDel(ctx, subKeyPrefix+userID, endpoint).Err()
}
