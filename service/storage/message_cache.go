package storage

import (
	"context"
	"encoding/json"
	"time"

	"AgentChat/module/chat/model"
	"AgentChat/tools/errs"

	"github.com/redis/go-redis/v9"
)

// ===== keys =====
//
// message:<id>             JSON message, 24h TTL
// conversation_msgs:<id>   LIST of recent message ids, newest first

const (
	messagePrefix  = "message:"
	convMsgsPrefix = "conversation_msgs:"

	messageTTL = 24 * time.Hour
	recentKeep = 100
)

// MessageCache keeps the hot copy of recent messages so the realtime path
// never reads the durable store. A miss is not an error, callers fall
// back to the store.
type MessageCache struct {
	rdb *redis.Client
}

func NewMessageCache(rdb *redis.Client) *MessageCache {
	return &MessageCache{rdb: rdb}
}

func messageKey(id string) string  { return messagePrefix + id }
func convMsgsKey(id string) string { return convMsgsPrefix + id }

func (c *MessageCache) Put(ctx context.Context, msg *model.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return errs.ErrInvalidPayload.WithDetail(err.Error())
	}
	return withRetry(ctx, func() error {
		pipe := c.rdb.TxPipeline()
		pipe.Set(ctx, messageKey(msg.ID), raw, messageTTL)
		pipe.LPush(ctx, convMsgsKey(msg.ConversationID), msg.ID)
		pipe.LTrim(ctx, convMsgsKey(msg.ConversationID), 0, recentKeep-1)
		pipe.Expire(ctx, convMsgsKey(msg.ConversationID), messageTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Get returns (nil, nil) on a cache miss.
func (c *MessageCache) Get(ctx context.Context, messageID string) (*model.Message, error) {
	raw, err := c.rdb.Get(ctx, messageKey(messageID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}

	var msg model.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, errs.ErrInvalidPayload.WithDetail(err.Error())
	}
	return &msg, nil
}

// Refresh rewrites the cached copy after a status transition; misses are
// ignored, the next Put repopulates.
func (c *MessageCache) Refresh(ctx context.Context, msg *model.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return errs.ErrInvalidPayload.WithDetail(err.Error())
	}
	return withRetry(ctx, func() error {
		return c.rdb.Set(ctx, messageKey(msg.ID), raw, messageTTL).Err()
	})
}

// RecentIDs lists the most recent message ids for a conversation, newest
// first.
func (c *MessageCache) RecentIDs(ctx context.Context, conversationID string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := c.rdb.LRange(ctx, convMsgsKey(conversationID), 0, limit-1).Result()
	if err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}
	return ids, nil
}

func (c *MessageCache) Delete(ctx context.Context, messageID string) error {
	return c.rdb.Del(ctx, messageKey(messageID)).Err()
}

// UpdateStatus applies a status transition to the cached copy. Returns
// false on a miss without creating one; the durable store owns truth.
func (c *MessageCache) UpdateStatus(ctx context.Context, messageID string, status model.MessageStatus, patch func(*model.Message)) (bool, error) {
	msg, err := c.Get(ctx, messageID)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	msg.Status = status
	if patch != nil {
		patch(msg)
	}
	msg.UpdatedAt = time.Now()
	if err := c.Refresh(ctx, msg); err != nil {
		return false, err
	}
	return true, nil
}

// ListByStatus scans cached messages and filters by status. Unindexed,
// fine at cache scale.
func (c *MessageCache) ListByStatus(ctx context.Context, status model.MessageStatus) ([]*model.Message, error) {
	var out []*model.Message
	iter := c.rdb.Scan(ctx, 0, messagePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := c.rdb.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, errs.ErrDependency.WithDetail(err.Error())
		}
		var msg model.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		if msg.Status == status {
			out = append(out, &msg)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}
	return out, nil
}

// ExpireOlderThan drops cached messages created before now-maxAge and
// returns the count removed. TTLs already bound the cache; this is the
// cooperative path for a tighter horizon.
func (c *MessageCache) ExpireOlderThan(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	cutoff := now.Add(-maxAge)
	var removed int64
	iter := c.rdb.Scan(ctx, 0, messagePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := c.rdb.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return removed, errs.ErrDependency.WithDetail(err.Error())
		}
		var msg model.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		if msg.CreatedAt.Before(cutoff) {
			if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
				return removed, errs.ErrDependency.WithDetail(err.Error())
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, errs.ErrDependency.WithDetail(err.Error())
	}
	return removed, nil
}
