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
// conversation:<id>              JSON conversation, 7d TTL
// customer_conversations:<id>    string -> open conversation id
// reviewer_assignments:<convId>  JSON assignment, 24h TTL
// reviewer_assignments_due       ZSET convId by timeoutAtMillis
// reviewer_assignments_rev:<uid> SET of convIds held by one reviewer
//
// The due ZSET and per-reviewer sets exist so timeout sweeps and load
// counting never have to KEYS-scan the assignment blobs.

const (
	convPrefix      = "conversation:"
	custConvPrefix  = "customer_conversations:"
	assignPrefix    = "reviewer_assignments:"
	assignDueKey    = "reviewer_assignments_due"
	assignRevPrefix = "reviewer_assignments_rev:"

	conversationTTL = 7 * 24 * time.Hour
	assignmentTTL   = 24 * time.Hour
)

// ConversationCache mirrors open conversations and reviewer assignments.
type ConversationCache struct {
	rdb *redis.Client
}

func NewConversationCache(rdb *redis.Client) *ConversationCache {
	return &ConversationCache{rdb: rdb}
}

func convKey(id string) string       { return convPrefix + id }
func custConvKey(id string) string   { return custConvPrefix + id }
func assignKey(convID string) string { return assignPrefix + convID }
func assignRevKey(uid string) string { return assignRevPrefix + uid }

func (c *ConversationCache) Put(ctx context.Context, conv *model.Conversation) error {
	raw, err := json.Marshal(conv)
	if err != nil {
		return errs.ErrInvalidPayload.WithDetail(err.Error())
	}
	return withRetry(ctx, func() error {
		pipe := c.rdb.TxPipeline()
		pipe.Set(ctx, convKey(conv.ID), raw, conversationTTL)
		if conv.Open() {
			pipe.Set(ctx, custConvKey(conv.CustomerID), conv.ID, conversationTTL)
		} else {
			pipe.Del(ctx, custConvKey(conv.CustomerID))
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Get returns (nil, nil) on a cache miss.
func (c *ConversationCache) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	raw, err := c.rdb.Get(ctx, convKey(conversationID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}

	var conv model.Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		return nil, errs.ErrInvalidPayload.WithDetail(err.Error())
	}
	return &conv, nil
}

// OpenConversationID returns the cached open conversation for a customer,
// "" on a miss.
func (c *ConversationCache) OpenConversationID(ctx context.Context, customerID string) (string, error) {
	id, err := c.rdb.Get(ctx, custConvKey(customerID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errs.ErrDependency.WithDetail(err.Error())
	}
	return id, nil
}

// Assign records a reviewer assignment with its timeout, replacing any
// previous assignment for the conversation.
func (c *ConversationCache) Assign(ctx context.Context, a *model.ReviewerAssignment) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return errs.ErrInvalidPayload.WithDetail(err.Error())
	}
	prev, err := c.GetAssignment(ctx, a.ConversationID)
	if err != nil {
		return err
	}

	// The cached snapshot flips to in_review; the durable row stays
	// active so the open-conversation lookup keeps matching it.
	var snapshot []byte
	if conv, err := c.Get(ctx, a.ConversationID); err == nil && conv != nil {
		conv.Status = model.ConversationInReview
		conv.AssignedReviewerID = a.ReviewerID
		if raw, merr := json.Marshal(conv); merr == nil {
			snapshot = raw
		}
	}

	return withRetry(ctx, func() error {
		pipe := c.rdb.TxPipeline()
		if prev != nil && prev.ReviewerID != a.ReviewerID {
			pipe.SRem(ctx, assignRevKey(prev.ReviewerID), a.ConversationID)
		}
		if snapshot != nil {
			pipe.Set(ctx, convKey(a.ConversationID), snapshot, conversationTTL)
		}
		pipe.Set(ctx, assignKey(a.ConversationID), raw, assignmentTTL)
		pipe.ZAdd(ctx, assignDueKey, redis.Z{
			Score:  float64(a.TimeoutAt.UnixMilli()),
			Member: a.ConversationID,
		})
		pipe.SAdd(ctx, assignRevKey(a.ReviewerID), a.ConversationID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// GetAssignment returns (nil, nil) when the conversation has none.
func (c *ConversationCache) GetAssignment(ctx context.Context, conversationID string) (*model.ReviewerAssignment, error) {
	raw, err := c.rdb.Get(ctx, assignKey(conversationID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}

	var a model.ReviewerAssignment
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, errs.ErrInvalidPayload.WithDetail(err.Error())
	}
	return &a, nil
}

func (c *ConversationCache) ClearAssignment(ctx context.Context, conversationID string) error {
	a, err := c.GetAssignment(ctx, conversationID)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		pipe := c.rdb.TxPipeline()
		pipe.Del(ctx, assignKey(conversationID))
		pipe.ZRem(ctx, assignDueKey, conversationID)
		if a != nil {
			pipe.SRem(ctx, assignRevKey(a.ReviewerID), conversationID)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// ListTimedOut returns assignments whose timeout passed. Entries whose
// blob expired are pruned from the due index on the way.
func (c *ConversationCache) ListTimedOut(ctx context.Context, now time.Time) ([]*model.ReviewerAssignment, error) {
	convIDs, err := c.rdb.ZRangeByScore(ctx, assignDueKey, &redis.ZRangeBy{
		Min: "0",
		Max: formatMillis(now),
	}).Result()
	if err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}

	var out []*model.ReviewerAssignment
	for _, convID := range convIDs {
		a, err := c.GetAssignment(ctx, convID)
		if err != nil {
			return out, err
		}
		if a == nil {
			_ = c.rdb.ZRem(ctx, assignDueKey, convID).Err()
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// CountByReviewer reports live assignment counts for each reviewer.
func (c *ConversationCache) CountByReviewer(ctx context.Context, reviewerIDs []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(reviewerIDs))
	for _, uid := range reviewerIDs {
		n, err := c.rdb.SCard(ctx, assignRevKey(uid)).Result()
		if err != nil {
			return nil, errs.ErrDependency.WithDetail(err.Error())
		}
		counts[uid] = n
	}
	return counts, nil
}

// ListByReviewer lists conversation ids currently assigned to a reviewer.
func (c *ConversationCache) ListByReviewer(ctx context.Context, reviewerID string) ([]string, error) {
	ids, err := c.rdb.SMembers(ctx, assignRevKey(reviewerID)).Result()
	if err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}
	return ids, nil
}
