package statistics

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	CacheKeyUsersTotal      = "statistics:users:total"
	CacheKeyUsersSubscribed = "statistics:users:subscribed"
	CacheExpiration         = 5 * time.Minute
)

// UserCounter is the part of the user repository the summary needs.
type UserCounter interface {
	Count() (int64, error)
	CountSubscribed() (int64, error)
}

// Summary holds the user counters shown on the admin dashboard.
type Summary struct {
	TotalUsers      int64 `json:"total_users"`
	SubscribedUsers int64 `json:"subscribed_users"`
}

// Statistics reads user counters through Redis. Without a client every call
// goes to the database.
type Statistics struct {
	users  UserCounter
	client *redis.Client
}

func New(users UserCounter, client *redis.Client) *Statistics {
	return &Statistics{users: users, client: client}
}

// GetSummary returns the cached counters, recounting whichever is missing.
func (s *Statistics) GetSummary(ctx context.Context) (Summary, error) {
	total, err := s.cached(ctx, CacheKeyUsersTotal, s.users.Count)
	if err != nil {
		return Summary{}, err
	}
	subscribed, err := s.cached(ctx, CacheKeyUsersSubscribed, s.users.CountSubscribed)
	if err != nil {
		return Summary{}, err
	}
	return Summary{TotalUsers: total, SubscribedUsers: subscribed}, nil
}

// Invalidate drops the cached counters, e.g. after an entitlement change.
func (s *Statistics) Invalidate(ctx context.Context) {
	if s.client == nil {
		return
	}
	if err := s.client.Del(ctx, CacheKeyUsersTotal, CacheKeyUsersSubscribed).Err(); err != nil {
		log.Warnf("[Statistics] Invalidating cache failed: %v", err)
	}
}

func (s *Statistics) cached(ctx context.Context, key string, count func() (int64, error)) (int64, error) {
	if s.client != nil {
		val, err := s.client.Get(ctx, key).Result()
		if err == nil {
			if n, perr := strconv.ParseInt(val, 10, 64); perr == nil {
				return n, nil
			}
		} else if err != redis.Nil {
			log.Warnf("[Statistics] Reading %s from cache failed: %v", key, err)
		}
	}

	n, err := count()
	if err != nil {
		return 0, err
	}

	if s.client != nil {
		if err := s.client.Set(ctx, key, strconv.FormatInt(n, 10), CacheExpiration).Err(); err != nil {
			log.Warnf("[Statistics] Caching %s failed: %v", key, err)
		}
	}
	return n, nil
}
