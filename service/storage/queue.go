package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"AgentChat/logger"
	"AgentChat/module/chat/model"
	"AgentChat/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ===== keys =====
//
// queue:<action>          ready ZSET, score = priority*1e15 - enqueueMillis
// delayed_queue:messages  ZSET, score = dueMillis
// dead_letter_queue       ZSET, score = failedAtMillis
// facebook_responses      ZSET, score = enqueueMillis (plain FIFO)
//
// Ready scores order ZPOPMAX by priority first and, within one priority,
// oldest first. Priorities sit 1e15 apart while timestamps stay below
// ~1.8e12, and both fit exactly in a float64.

const (
	queuePrefix     = "queue:"
	delayedQueueKey = "delayed_queue:messages"
	deadLetterKey   = "dead_letter_queue"
	fbResponseKey   = "facebook_responses"
)

type QueueConfig struct {
	MaxRetries int
	RetryDelay time.Duration // base delay, scaled linearly per attempt
	MaxAge     time.Duration // cleanup horizon for delayed + dead letter
}

// QueueEngine is the redis-backed work queue between the webhook intake,
// the routing pipeline and the external senders.
type QueueEngine struct {
	rdb  *redis.Client
	conf QueueConfig
}

func NewQueueEngine(rdb *redis.Client, conf QueueConfig) *QueueEngine {
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = 3
	}
	if conf.RetryDelay <= 0 {
		conf.RetryDelay = 60 * time.Second
	}
	if conf.MaxAge <= 0 {
		conf.MaxAge = 7 * 24 * time.Hour
	}
	return &QueueEngine{rdb: rdb, conf: conf}
}

func queueKey(action model.QueueAction) string { return queuePrefix + string(action) }

func readyScore(p model.Priority, at time.Time) float64 {
	return float64(p)*1e15 - float64(at.UnixMilli())
}

// Enqueue stages an item for processing; delay > 0 parks it in the
// delayed queue until due.
func (q *QueueEngine) Enqueue(ctx context.Context, item *model.QueueItem, delay time.Duration) error {
	now := time.Now()
	if item.MaxRetries <= 0 {
		item.MaxRetries = q.conf.MaxRetries
	}
	item.ScheduledAt = now.Add(delay)

	raw, err := json.Marshal(item)
	if err != nil {
		return errs.ErrInvalidPayload.WithDetail(err.Error())
	}

	return withRetry(ctx, func() error {
		if delay > 0 {
			return q.rdb.ZAdd(ctx, delayedQueueKey, redis.Z{
				Score:  float64(item.ScheduledAt.UnixMilli()),
				Member: raw,
			}).Err()
		}
		return q.rdb.ZAdd(ctx, queueKey(item.Action), redis.Z{
			Score:  readyScore(item.Priority, now),
			Member: raw,
		}).Err()
	})
}

// Dequeue pops the highest-priority ready item, nil when the queue is
// empty. ZPOPMAX makes claim and removal one atomic step, so concurrent
// workers never double-claim.
func (q *QueueEngine) Dequeue(ctx context.Context, action model.QueueAction) (*model.QueueItem, error) {
	zs, err := q.rdb.ZPopMax(ctx, queueKey(action), 1).Result()
	if err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}
	if len(zs) == 0 {
		return nil, nil
	}

	raw, _ := zs[0].Member.(string)
	var item model.QueueItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		logger.Log.Error("dropping undecodable queue item",
			zap.String("action", string(action)), zap.Error(err))
		return nil, nil
	}
	return &item, nil
}

// PromoteDelayedDue moves due delayed items onto their ready queues. The
// ZREM claim makes promotion idempotent when several sweepers race: only
// the remover that got 1 back owns the item.
func (q *QueueEngine) PromoteDelayedDue(ctx context.Context, now time.Time) (int, error) {
	members, err := q.rdb.ZRangeByScore(ctx, delayedQueueKey, &redis.ZRangeBy{
		Min: "0",
		Max: formatMillis(now),
	}).Result()
	if err != nil {
		return 0, errs.ErrDependency.WithDetail(err.Error())
	}

	promoted := 0
	for _, raw := range members {
		removed, err := q.rdb.ZRem(ctx, delayedQueueKey, raw).Result()
		if err != nil {
			return promoted, errs.ErrDependency.WithDetail(err.Error())
		}
		if removed == 0 {
			continue
		}

		var item model.QueueItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			logger.Log.Error("dropping undecodable delayed item", zap.Error(err))
			continue
		}
		if err := q.rdb.ZAdd(ctx, queueKey(item.Action), redis.Z{
			Score:  readyScore(item.Priority, now),
			Member: raw,
		}).Err(); err != nil {
			return promoted, errs.ErrDependency.WithDetail(err.Error())
		}
		promoted++
	}
	return promoted, nil
}

// Fail records a processing failure and reschedules the item with a
// linearly growing delay, or parks it in the dead-letter queue once the
// retry budget is spent. Returns true when the item was dead-lettered.
func (q *QueueEngine) Fail(ctx context.Context, item *model.QueueItem, cause string) (bool, error) {
	item.RetryCount++
	item.LastError = cause

	if item.RetryCount >= item.MaxRetries {
		raw, err := json.Marshal(item)
		if err != nil {
			return false, errs.ErrInvalidPayload.WithDetail(err.Error())
		}
		if err := withRetry(ctx, func() error {
			return q.rdb.ZAdd(ctx, deadLetterKey, redis.Z{
				Score:  float64(time.Now().UnixMilli()),
				Member: raw,
			}).Err()
		}); err != nil {
			return false, err
		}
		logger.Log.Warn("queue item moved to dead letter",
			zap.String("messageId", item.MessageID),
			zap.String("action", string(item.Action)),
			zap.Int("retries", item.RetryCount),
			zap.String("lastError", cause))
		return true, nil
	}

	delay := q.conf.RetryDelay * time.Duration(item.RetryCount)
	return false, q.Enqueue(ctx, item, delay)
}

// EnqueueResponse stages an outbound platform response, FIFO.
func (q *QueueEngine) EnqueueResponse(ctx context.Context, item *model.QueueItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return errs.ErrInvalidPayload.WithDetail(err.Error())
	}
	return withRetry(ctx, func() error {
		return q.rdb.ZAdd(ctx, fbResponseKey, redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: raw,
		}).Err()
	})
}

// DequeueResponses pops up to count staged responses, oldest first.
func (q *QueueEngine) DequeueResponses(ctx context.Context, count int) ([]*model.QueueItem, error) {
	if count <= 0 {
		count = 10
	}
	zs, err := q.rdb.ZPopMin(ctx, fbResponseKey, int64(count)).Result()
	if err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}

	out := make([]*model.QueueItem, 0, len(zs))
	for _, z := range zs {
		raw, _ := z.Member.(string)
		var item model.QueueItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			logger.Log.Error("dropping undecodable response item", zap.Error(err))
			continue
		}
		out = append(out, &item)
	}
	return out, nil
}

// ListDeadLetter pages through dead-lettered items, oldest first.
func (q *QueueEngine) ListDeadLetter(ctx context.Context, offset, limit int64) ([]*model.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	members, err := q.rdb.ZRange(ctx, deadLetterKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}

	out := make([]*model.QueueItem, 0, len(members))
	for _, raw := range members {
		var item model.QueueItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue
		}
		out = append(out, &item)
	}
	return out, nil
}

// RequeueFromDeadLetter resets an item's retry budget and puts it back on
// its ready queue. Returns false when no dead-lettered item carries the
// message id.
func (q *QueueEngine) RequeueFromDeadLetter(ctx context.Context, messageID string) (bool, error) {
	members, err := q.rdb.ZRange(ctx, deadLetterKey, 0, -1).Result()
	if err != nil {
		return false, errs.ErrDependency.WithDetail(err.Error())
	}

	for _, raw := range members {
		var item model.QueueItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue
		}
		if item.MessageID != messageID {
			continue
		}

		removed, err := q.rdb.ZRem(ctx, deadLetterKey, raw).Result()
		if err != nil {
			return false, errs.ErrDependency.WithDetail(err.Error())
		}
		if removed == 0 {
			continue
		}

		item.RetryCount = 0
		item.LastError = ""
		if err := q.Enqueue(ctx, &item, 0); err != nil {
			return false, err
		}
		logger.Log.Info("requeued dead-lettered item",
			zap.String("messageId", messageID),
			zap.String("action", string(item.Action)))
		return true, nil
	}
	return false, nil
}

// CleanupOld drops delayed and dead-lettered items older than the
// configured horizon.
func (q *QueueEngine) CleanupOld(ctx context.Context, now time.Time) (int64, error) {
	cutoff := formatMillis(now.Add(-q.conf.MaxAge))

	var cleaned int64
	for _, key := range []string{deadLetterKey, delayedQueueKey} {
		n, err := q.rdb.ZRemRangeByScore(ctx, key, "0", cutoff).Result()
		if err != nil {
			return cleaned, errs.ErrDependency.WithDetail(err.Error())
		}
		cleaned += n
	}
	if cleaned > 0 {
		logger.Log.Info("cleaned up old queue items", zap.Int64("count", cleaned))
	}
	return cleaned, nil
}

// Stats snapshots every queue depth for the admin endpoints.
func (q *QueueEngine) Stats(ctx context.Context) (*model.QueueStats, error) {
	stats := &model.QueueStats{
		QueueSizes:  make(map[model.QueueAction]int64, len(model.AllQueueActions)),
		CollectedAt: time.Now(),
	}
	for _, action := range model.AllQueueActions {
		n, err := q.rdb.ZCard(ctx, queueKey(action)).Result()
		if err != nil {
			return nil, errs.ErrDependency.WithDetail(err.Error())
		}
		stats.QueueSizes[action] = n
	}

	var err error
	if stats.Delayed, err = q.rdb.ZCard(ctx, delayedQueueKey).Result(); err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}
	if stats.DeadLetter, err = q.rdb.ZCard(ctx, deadLetterKey).Result(); err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}
	return stats, nil
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
