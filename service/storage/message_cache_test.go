package storage

import (
	"context"
	"testing"
	"time"

	"AgentChat/module/chat/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestMsgCache(t *testing.T) *MessageCache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewMessageCache(rdb)
}

func TestMessageCachePutGet(t *testing.T) {
	ctx := context.Background()
	cache := newTestMsgCache(t)

	msg := &model.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderType:     model.SenderCustomer,
		Content:        "hello",
		Status:         model.MessageReceived,
	}
	require.NoError(t, cache.Put(ctx, msg))

	got, err := cache.Get(ctx, "msg-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "hello", got.Content)
	require.Equal(t, model.MessageReceived, got.Status)

	miss, err := cache.Get(ctx, "msg-unknown")
	require.NoError(t, err)
	require.Nil(t, miss)
}

func TestMessageCacheRefresh(t *testing.T) {
	ctx := context.Background()
	cache := newTestMsgCache(t)

	msg := &model.Message{ID: "msg-1", ConversationID: "conv-1", Status: model.MessageReceived}
	require.NoError(t, cache.Put(ctx, msg))

	msg.Status = model.MessageAIDoneAuto
	require.NoError(t, cache.Refresh(ctx, msg))

	got, err := cache.Get(ctx, "msg-1")
	require.NoError(t, err)
	require.Equal(t, model.MessageAIDoneAuto, got.Status)
}

func TestMessageCacheRecentIDs(t *testing.T) {
	ctx := context.Background()
	cache := newTestMsgCache(t)

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, cache.Put(ctx, &model.Message{ID: id, ConversationID: "conv-1"}))
	}

	// Newest first.
	ids, err := cache.RecentIDs(ctx, "conv-1", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"m3", "m2"}, ids)

	require.NoError(t, cache.Delete(ctx, "m3"))
	got, err := cache.Get(ctx, "m3")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMessageCacheUpdateStatus(t *testing.T) {
	ctx := context.Background()
	cache := newTestMsgCache(t)

	require.NoError(t, cache.Put(ctx, &model.Message{
		ID:             "m1",
		ConversationID: "conv-1",
		Status:         model.MessageReceived,
	}))

	ok, err := cache.UpdateStatus(ctx, "m1", model.MessageAutoResponseDone, func(m *model.Message) {
		m.AutoResponse = "answered"
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := cache.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, model.MessageAutoResponseDone, got.Status)
	require.Equal(t, "answered", got.AutoResponse)

	// A miss stays a miss, no phantom entry.
	ok, err = cache.UpdateStatus(ctx, "ghost", model.MessageEscalated, nil)
	require.NoError(t, err)
	require.False(t, ok)
	got, err = cache.Get(ctx, "ghost")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMessageCacheListByStatus(t *testing.T) {
	ctx := context.Background()
	cache := newTestMsgCache(t)

	require.NoError(t, cache.Put(ctx, &model.Message{ID: "m1", ConversationID: "c", Status: model.MessageReceived}))
	require.NoError(t, cache.Put(ctx, &model.Message{ID: "m2", ConversationID: "c", Status: model.MessageSentToReviewer}))
	require.NoError(t, cache.Put(ctx, &model.Message{ID: "m3", ConversationID: "c", Status: model.MessageReceived}))

	got, err := cache.ListByStatus(ctx, model.MessageReceived)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, m := range got {
		require.Equal(t, model.MessageReceived, m.Status)
	}
}

func TestMessageCacheExpireOlderThan(t *testing.T) {
	ctx := context.Background()
	cache := newTestMsgCache(t)
	now := time.Now()

	require.NoError(t, cache.Put(ctx, &model.Message{ID: "old", ConversationID: "c", CreatedAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, cache.Put(ctx, &model.Message{ID: "fresh", ConversationID: "c", CreatedAt: now}))

	removed, err := cache.ExpireOlderThan(ctx, now, time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	got, err := cache.Get(ctx, "old")
	require.NoError(t, err)
	require.Nil(t, got)
	got, err = cache.Get(ctx, "fresh")
	require.NoError(t, err)
	require.NotNil(t, got)
}
