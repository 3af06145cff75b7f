package counter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/SubSync/app/models"
)

const eventsKey = "billing:counters:events"

// EventCounter buffers webhook ingestion outcomes in a Redis hash and flushes
// them into billing_event_stats.
type EventCounter struct {
	client *redis.Client
	db     *gorm.DB
	now    func() time.Time
}

func NewEventCounter(client *redis.Client, db *gorm.DB) *EventCounter {
	return &EventCounter{client: client, db: db, now: time.Now}
}

// Incr implements billing.EventCounter. Counting never fails the caller.
func (c *EventCounter) Incr(ctx context.Context, provider, outcome string) {
	if c.client == nil {
		return
	}
	if err := c.client.HIncrBy(ctx, eventsKey, provider+":"+outcome, 1).Err(); err != nil {
		log.Warnf("[Counter] Failed to count %s/%s: %v", provider, outcome, err)
	}
}

// Flush drains the Redis hash and adds the counts to today's rows.
func (c *EventCounter) Flush(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	data, err := c.drain(ctx)
	if err != nil || len(data) == 0 {
		return err
	}
	return Apply(c.db, c.now(), data)
}

// drain atomically moves the hash to a temp key so increments arriving during
// the flush land in a fresh hash.
func (c *EventCounter) drain(ctx context.Context) (map[string]string, error) {
	tmpKey := fmt.Sprintf("%s:tmp:%d", eventsKey, time.Now().UnixNano())
	if err := c.client.Rename(ctx, eventsKey, tmpKey).Err(); err != nil {
		if errors.Is(err, redis.Nil) || strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return nil, nil
		}
		return nil, err
	}
	defer c.client.Del(ctx, tmpKey)

	return c.client.HGetAll(ctx, tmpKey).Result()
}

type stat struct {
	provider string
	outcome  string
	inc      int64
}

func parseStats(data map[string]string) []stat {
	out := make([]stat, 0, len(data))
	for field, v := range data {
		provider, outcome, ok := strings.Cut(field, ":")
		if !ok || provider == "" || outcome == "" {
			continue
		}
		inc, err := strconv.ParseInt(v, 10, 64)
		if err != nil || inc == 0 {
			continue
		}
		out = append(out, stat{provider: provider, outcome: outcome, inc: inc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].provider != out[j].provider {
			return out[i].provider < out[j].provider
		}
		return out[i].outcome < out[j].outcome
	})
	return out
}

// Apply adds drained "provider:outcome" counts to the rows of the UTC day of at.
func Apply(db *gorm.DB, at time.Time, data map[string]string) error {
	stats := parseStats(data)
	if len(stats) == 0 {
		return nil
	}
	day := at.UTC().Truncate(24 * time.Hour)

	return db.Transaction(func(tx *gorm.DB) error {
		for _, s := range stats {
			row := models.BillingEventStat{Day: day, Provider: s.provider, Outcome: s.outcome, Count: s.inc}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "day"}, {Name: "provider"}, {Name: "outcome"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"count":      gorm.Expr("billing_event_stats.count + ?", s.inc),
					"updated_at": time.Now().UTC(),
				}),
			}).Create(&row).Error
			if err != nil {
				return fmt.Errorf("flush %s/%s: %w", s.provider, s.outcome, err)
			}
		}
		return nil
	})
}
