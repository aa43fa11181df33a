package store

import (
	"context"
	"sync"
	"testing"

	"AgentChat/module/chat/model"
	"AgentChat/tools/errs"

	"github.com/stretchr/testify/require"
)

func TestFindOrCreateCustomer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	c1, created, err := s.FindOrCreateCustomer(ctx, model.CustomerUpsert{
		FacebookID: "fb-1",
		Name:       "Alice",
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, c1.ID)

	c2, created, err := s.FindOrCreateCustomer(ctx, model.CustomerUpsert{FacebookID: "fb-1"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, c1.ID, c2.ID)
	require.Equal(t, "Alice", c2.FacebookName)
}

func TestSingleOpenConversationPerCustomer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	conv1, created, err := s.FindOrCreateOpenConversation(ctx, "cust-1")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, model.ConversationActive, conv1.Status)

	conv2, created, err := s.FindOrCreateOpenConversation(ctx, "cust-1")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, conv1.ID, conv2.ID)

	// Resolving lifts the constraint.
	require.NoError(t, s.ResolveConversation(ctx, conv1.ID))
	conv3, created, err := s.FindOrCreateOpenConversation(ctx, "cust-1")
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, conv1.ID, conv3.ID)
}

func TestInsertMessageDuplicateExternalID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	msg := &model.Message{
		ConversationID:    "conv-1",
		Content:           "hello",
		SenderType:        model.SenderCustomer,
		Status:            model.MessageReceived,
		FacebookMessageID: "fb-msg-1",
	}
	inserted, err := s.InsertMessage(ctx, msg)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NotEmpty(t, msg.ID)

	dupe := &model.Message{
		ConversationID:    "conv-1",
		Content:           "hello again",
		FacebookMessageID: "fb-msg-1",
	}
	inserted, err = s.InsertMessage(ctx, dupe)
	require.NoError(t, err)
	require.False(t, inserted)

	got, err := s.GetMessageByExternalID(ctx, "fb-msg-1")
	require.NoError(t, err)
	require.Equal(t, msg.ID, got.ID)
	require.Equal(t, "hello", got.Content)
}

func TestUpdateMessageStatusWithPatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	msg := &model.Message{ConversationID: "conv-1", Status: model.MessageReceived}
	_, err := s.InsertMessage(ctx, msg)
	require.NoError(t, err)

	answer := "the answer"
	score := 0.93
	require.NoError(t, s.UpdateMessageStatus(ctx, msg.ID, model.MessageAIDoneAuto, &MessagePatch{
		AutoResponse:    &answer,
		ConfidenceScore: &score,
	}))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, model.MessageAIDoneAuto, got.Status)
	require.Equal(t, "the answer", got.AutoResponse)
	require.NotNil(t, got.ConfidenceScore)
	require.InDelta(t, 0.93, *got.ConfidenceScore, 1e-9)

	require.ErrorIs(t,
		s.UpdateMessageStatus(ctx, "unknown", model.MessageAIDoneAuto, nil),
		errs.ErrRecordNotFound)
}

func TestLatestMessageWithStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, st := range []model.MessageStatus{
		model.MessageAutoResponseDone,
		model.MessageSentToReviewer,
		model.MessageSentToReviewer,
	} {
		_, err := s.InsertMessage(ctx, &model.Message{ConversationID: "conv-1", Status: st})
		require.NoError(t, err)
	}

	msgs, err := s.ListConversationMessages(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	latest, err := s.LatestMessageWithStatus(ctx, "conv-1", model.MessageSentToReviewer)
	require.NoError(t, err)
	require.Equal(t, model.MessageSentToReviewer, latest.Status)

	_, err = s.LatestMessageWithStatus(ctx, "conv-1", model.MessageEscalated)
	require.ErrorIs(t, err, errs.ErrRecordNotFound)
}

func TestConcurrentInboundKeepsOneOpenConversation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const workers = 16
	type result struct {
		id  string
		err error
	}
	results := make(chan result, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, _, err := s.FindOrCreateOpenConversation(ctx, "cust-1")
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{id: conv.ID}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	for r := range results {
		require.NoError(t, r.err)
		seen[r.id] = true
	}
	require.Len(t, seen, 1)
}
