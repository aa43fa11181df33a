package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"AgentChat/module/chat/ai"
	"AgentChat/module/chat/model"
	"AgentChat/module/chat/store"
	"AgentChat/service/storage"
	"AgentChat/tools/errs"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	userID string
	ev     *model.ServerEvent
}

type fakeTransport struct {
	mu     sync.Mutex
	events []sentEvent
}

func (f *fakeTransport) SendEvent(userID string, ev *model.ServerEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{userID: userID, ev: ev})
	return nil
}

func (f *fakeTransport) Broadcast(ev *model.ServerEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{ev: ev})
}

func (f *fakeTransport) eventsFor(userID string) []*model.ServerEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.ServerEvent
	for _, e := range f.events {
		if e.userID == userID {
			out = append(out, e.ev)
		}
	}
	return out
}

type stubClassifier struct {
	result *ai.Result
	err    error
}

func (s *stubClassifier) Analyze(_ context.Context, _ ai.Request) (*ai.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.result
	return &cp, nil
}

type routerHarness struct {
	router     *Router
	store      *store.MemoryStore
	sessions   *storage.SessionRegistry
	queue      *storage.QueueEngine
	convCache  *storage.ConversationCache
	transport  *fakeTransport
	classifier *stubClassifier
}

func newRouterHarness(t *testing.T, conf RouterConfig) *routerHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.NewMemoryStore()
	sessions := storage.NewSessionRegistry(rdb, storage.SessionConfig{})
	queue := storage.NewQueueEngine(rdb, storage.QueueConfig{
		MaxRetries: conf.MaxRetries,
		RetryDelay: conf.RetryDelay,
	})
	msgCache := storage.NewMessageCache(rdb)
	convCache := storage.NewConversationCache(rdb)
	transport := &fakeTransport{}
	classifier := &stubClassifier{result: &ai.Result{
		Answer:       "auto answer",
		Confidence:   0.5,
		CustomerType: model.CustomerIndividual,
		Topic:        "general_inquiry",
	}}

	router := NewRouter(conf, st, classifier, transport, sessions, queue, msgCache, convCache)
	return &routerHarness{
		router:     router,
		store:      st,
		sessions:   sessions,
		queue:      queue,
		convCache:  convCache,
		transport:  transport,
		classifier: classifier,
	}
}

func inbound(externalID, content, facebookID string) *model.InboundPayload {
	return &model.InboundPayload{
		ExternalMessageID: externalID,
		Content:           content,
		Customer: model.CustomerUpsert{
			FacebookID: facebookID,
			Name:       "Test Customer",
		},
	}
}

func TestInboundHighConfidenceAutoRoutes(t *testing.T) {
	ctx := context.Background()
	h := newRouterHarness(t, RouterConfig{ConfidenceThreshold: 0.9})
	h.classifier.result.Confidence = 0.95

	res, err := h.router.HandleInboundMessage(ctx, inbound("fb-1", "loan question", "cust-fb-1"))
	require.NoError(t, err)
	require.Equal(t, model.RoutedAuto, res.RoutedTo)
	require.InDelta(t, 0.95, res.Confidence, 1e-9)

	msg, err := h.store.GetMessage(ctx, res.MessageID)
	require.NoError(t, err)
	require.Equal(t, model.MessageAIDoneAuto, msg.Status)
	require.Equal(t, "auto answer", msg.AutoResponse)
	require.NotNil(t, msg.ProcessedAt)

	item, err := h.queue.Dequeue(ctx, model.ActionSendToFacebook)
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, res.MessageID, item.MessageID)
	require.Equal(t, "cust-fb-1", item.ExternalID)
	require.Equal(t, "auto answer", item.Content)
}

func TestInboundLowConfidenceGoesToLeastLoadedReviewer(t *testing.T) {
	ctx := context.Background()
	h := newRouterHarness(t, RouterConfig{ConfidenceThreshold: 0.9})
	h.classifier.result.Confidence = 0.4

	require.NoError(t, h.sessions.SetOnline(ctx, "r1", "sock-1"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, h.sessions.SetOnline(ctx, "r2", "sock-2"))

	// r1 already carries a conversation.
	now := time.Now()
	require.NoError(t, h.convCache.Assign(ctx, &model.ReviewerAssignment{
		ConversationID: "other-conv",
		ReviewerID:     "r1",
		AssignedAt:     now,
		TimeoutAt:      now.Add(time.Hour),
	}))

	res, err := h.router.HandleInboundMessage(ctx, inbound("fb-2", "complicated question", "cust-fb-2"))
	require.NoError(t, err)
	require.Equal(t, model.RoutedReviewer, res.RoutedTo)

	conv, err := h.store.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	require.Equal(t, "r2", conv.AssignedReviewerID)
	// The durable row stays active and open; in_review is cache-level.
	require.Equal(t, model.ConversationActive, conv.Status)
	require.True(t, conv.Open())

	cached, err := h.convCache.Get(ctx, res.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Equal(t, model.ConversationInReview, cached.Status)

	msg, err := h.store.GetMessage(ctx, res.MessageID)
	require.NoError(t, err)
	require.Equal(t, model.MessageSentToReviewer, msg.Status)

	events := h.transport.eventsFor("r2")
	require.Len(t, events, 1)
	require.Equal(t, model.EventReceiveMessage, events[0].Event)
	require.Empty(t, h.transport.eventsFor("r1"))
}

func TestInboundNoReviewersParksConversation(t *testing.T) {
	ctx := context.Background()
	h := newRouterHarness(t, RouterConfig{ConfidenceThreshold: 0.9, RetryDelay: time.Second})
	h.classifier.result.Confidence = 0.3

	res, err := h.router.HandleInboundMessage(ctx, inbound("fb-3", "help me", "cust-fb-3"))
	require.NoError(t, err)
	require.Equal(t, model.RoutedQueued, res.RoutedTo)

	conv, err := h.store.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	require.Equal(t, model.ConversationActive, conv.Status)
	require.Empty(t, conv.AssignedReviewerID)

	// Nothing goes out externally on this branch.
	item, err := h.queue.Dequeue(ctx, model.ActionSendToFacebook)
	require.NoError(t, err)
	require.Nil(t, item)

	// The assignment retry is parked until due.
	item, err = h.queue.Dequeue(ctx, model.ActionAssignToReviewer)
	require.NoError(t, err)
	require.Nil(t, item)

	n, err := h.queue.PromoteDelayedDue(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	item, err = h.queue.Dequeue(ctx, model.ActionAssignToReviewer)
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, res.MessageID, item.MessageID)
}

func TestWebhookReplayReturnsOriginalVerdict(t *testing.T) {
	ctx := context.Background()
	h := newRouterHarness(t, RouterConfig{})
	h.classifier.result.Confidence = 0.95

	first, err := h.router.HandleInboundMessage(ctx, inbound("fb-dup", "loan question", "cust-fb-4"))
	require.NoError(t, err)

	second, err := h.router.HandleInboundMessage(ctx, inbound("fb-dup", "loan question", "cust-fb-4"))
	require.NoError(t, err)
	require.Equal(t, first.MessageID, second.MessageID)
	require.Equal(t, first.ConversationID, second.ConversationID)
	require.Equal(t, model.RoutedAuto, second.RoutedTo)

	msgs, err := h.store.ListConversationMessages(ctx, first.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Only the first delivery staged a send.
	item, err := h.queue.Dequeue(ctx, model.ActionSendToFacebook)
	require.NoError(t, err)
	require.NotNil(t, item)
	item, err = h.queue.Dequeue(ctx, model.ActionSendToFacebook)
	require.NoError(t, err)
	require.Nil(t, item)
}

func TestInboundRejectsBadPayload(t *testing.T) {
	ctx := context.Background()
	h := newRouterHarness(t, RouterConfig{})

	_, err := h.router.HandleInboundMessage(ctx, nil)
	require.ErrorIs(t, err, errs.ErrInvalidPayload)

	_, err = h.router.HandleInboundMessage(ctx, &model.InboundPayload{Content: "hi"})
	require.ErrorIs(t, err, errs.ErrInvalidPayload)

	_, err = h.router.HandleInboundMessage(ctx, &model.InboundPayload{
		Customer: model.CustomerUpsert{FacebookID: "x"},
	})
	require.ErrorIs(t, err, errs.ErrInvalidPayload)
}

func TestClassifierFailureRoutesManual(t *testing.T) {
	ctx := context.Background()
	h := newRouterHarness(t, RouterConfig{})
	h.classifier.err = errs.ErrDependency.WithDetail("model down")

	require.NoError(t, h.sessions.SetOnline(ctx, "r1", "sock-1"))

	res, err := h.router.HandleInboundMessage(ctx, inbound("fb-5", "anything", "cust-fb-5"))
	require.NoError(t, err)
	require.Equal(t, model.RoutedReviewer, res.RoutedTo)
	require.Zero(t, res.Confidence)
}

func TestReviewerReplyAdvancesPendingMessage(t *testing.T) {
	ctx := context.Background()
	h := newRouterHarness(t, RouterConfig{})
	h.classifier.result.Confidence = 0.2

	require.NoError(t, h.sessions.SetOnline(ctx, "r1", "sock-1"))
	res, err := h.router.HandleInboundMessage(ctx, inbound("fb-6", "needs a human", "cust-fb-6"))
	require.NoError(t, err)
	require.Equal(t, model.RoutedReviewer, res.RoutedTo)

	reply, err := h.router.HandleReviewerMessage(ctx, "r1", &model.SendMessagePayload{
		ConversationID: res.ConversationID,
		Content:        "here is your answer",
	})
	require.NoError(t, err)
	require.Equal(t, model.SenderReviewer, reply.SenderType)

	pending, err := h.store.GetMessage(ctx, res.MessageID)
	require.NoError(t, err)
	require.Equal(t, model.MessageReviewerReplied, pending.Status)
	require.NotNil(t, pending.RespondedAt)

	item, err := h.queue.Dequeue(ctx, model.ActionSendToFacebook)
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, res.MessageID, item.MessageID)
	require.Equal(t, "here is your answer", item.Content)
	require.Equal(t, model.PriorityHigh, item.Priority)

	conv, err := h.store.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	require.EqualValues(t, 2, conv.TotalMessages)
	require.EqualValues(t, 1, conv.ManualMessages)
}

func TestReviewerReplyIdentityMismatch(t *testing.T) {
	ctx := context.Background()
	h := newRouterHarness(t, RouterConfig{})

	_, err := h.router.HandleReviewerMessage(ctx, "r1", &model.SendMessagePayload{
		ConversationID: "conv-x",
		SenderID:       "imposter",
		Content:        "hi",
	})
	require.ErrorIs(t, err, errs.ErrIdentityMismatch)
}

func TestReviewerReplyRequiresAssignment(t *testing.T) {
	ctx := context.Background()
	h := newRouterHarness(t, RouterConfig{})
	h.classifier.result.Confidence = 0.2

	require.NoError(t, h.sessions.SetOnline(ctx, "r1", "sock-1"))
	res, err := h.router.HandleInboundMessage(ctx, inbound("fb-7", "needs a human", "cust-fb-7"))
	require.NoError(t, err)

	_, err = h.router.HandleReviewerMessage(ctx, "r2", &model.SendMessagePayload{
		ConversationID: res.ConversationID,
		Content:        "not mine",
	})
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestResolveConversationClosesCase(t *testing.T) {
	ctx := context.Background()
	h := newRouterHarness(t, RouterConfig{})
	h.classifier.result.Confidence = 0.2

	require.NoError(t, h.sessions.SetOnline(ctx, "r1", "sock-1"))
	res, err := h.router.HandleInboundMessage(ctx, inbound("fb-8", "needs a human", "cust-fb-8"))
	require.NoError(t, err)

	require.ErrorIs(t,
		h.router.ResolveConversation(ctx, "r2", res.ConversationID),
		errs.ErrUnauthorized)

	require.NoError(t, h.router.ResolveConversation(ctx, "r1", res.ConversationID))

	conv, err := h.store.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	require.True(t, conv.CaseResolved)
	require.Equal(t, model.ConversationResolved, conv.Status)

	a, err := h.convCache.GetAssignment(ctx, res.ConversationID)
	require.NoError(t, err)
	require.Nil(t, a)

	// The next message from the same customer opens a fresh conversation.
	next, err := h.router.HandleInboundMessage(ctx, inbound("fb-9", "another question", "cust-fb-8"))
	require.NoError(t, err)
	require.NotEqual(t, res.ConversationID, next.ConversationID)
}

func TestFollowUpStaysWithAssignedReviewer(t *testing.T) {
	ctx := context.Background()
	h := newRouterHarness(t, RouterConfig{ConfidenceThreshold: 0.9})
	h.classifier.result.Confidence = 0.4

	require.NoError(t, h.sessions.SetOnline(ctx, "r1", "sock-1"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, h.sessions.SetOnline(ctx, "r2", "sock-2"))

	first, err := h.router.HandleInboundMessage(ctx, inbound("fb-f1", "first question", "cust-fb-f"))
	require.NoError(t, err)
	require.Equal(t, model.RoutedReviewer, first.RoutedTo)

	conv, err := h.store.GetConversation(ctx, first.ConversationID)
	require.NoError(t, err)
	require.Equal(t, "r1", conv.AssignedReviewerID)

	// The follow-up lands in the same conversation and goes to r1, even
	// though r2 now carries less load.
	second, err := h.router.HandleInboundMessage(ctx, inbound("fb-f2", "one more thing", "cust-fb-f"))
	require.NoError(t, err)
	require.Equal(t, first.ConversationID, second.ConversationID)
	require.Equal(t, model.RoutedReviewer, second.RoutedTo)

	conv, err = h.store.GetConversation(ctx, second.ConversationID)
	require.NoError(t, err)
	require.Equal(t, "r1", conv.AssignedReviewerID)
	require.Len(t, h.transport.eventsFor("r1"), 2)
	require.Empty(t, h.transport.eventsFor("r2"))
}

func TestFollowUpWhileParkedReusesConversation(t *testing.T) {
	ctx := context.Background()
	h := newRouterHarness(t, RouterConfig{ConfidenceThreshold: 0.9, RetryDelay: time.Second})
	h.classifier.result.Confidence = 0.3

	first, err := h.router.HandleInboundMessage(ctx, inbound("fb-p1", "anyone there", "cust-fb-p"))
	require.NoError(t, err)
	require.Equal(t, model.RoutedQueued, first.RoutedTo)

	second, err := h.router.HandleInboundMessage(ctx, inbound("fb-p2", "still waiting", "cust-fb-p"))
	require.NoError(t, err)
	require.Equal(t, first.ConversationID, second.ConversationID)
	require.Equal(t, model.RoutedQueued, second.RoutedTo)

	// Parking sends nothing externally.
	item, err := h.queue.Dequeue(ctx, model.ActionSendToFacebook)
	require.NoError(t, err)
	require.Nil(t, item)
}

func TestConcurrentInboundSharesOneConversation(t *testing.T) {
	ctx := context.Background()
	h := newRouterHarness(t, RouterConfig{ConfidenceThreshold: 0.9})
	h.classifier.result.Confidence = 0.95

	const burst = 8
	type verdict struct {
		convID string
		err    error
	}
	results := make(chan verdict, burst)
	var wg sync.WaitGroup
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.router.HandleInboundMessage(ctx,
				inbound(fmt.Sprintf("fb-burst-%d", i), "hello", "cust-fb-burst"))
			if err != nil {
				results <- verdict{err: err}
				return
			}
			results <- verdict{convID: res.ConversationID}
		}(i)
	}
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	for v := range results {
		require.NoError(t, v.err)
		seen[v.convID] = true
	}
	require.Len(t, seen, 1)
}

func TestColdCacheLoadCountsFallBackToStore(t *testing.T) {
	ctx := context.Background()
	h := newRouterHarness(t, RouterConfig{ConfidenceThreshold: 0.9})
	h.classifier.result.Confidence = 0.4

	require.NoError(t, h.sessions.SetOnline(ctx, "r1", "sock-1"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, h.sessions.SetOnline(ctx, "r2", "sock-2"))

	// r1 holds a durable assignment the cache knows nothing about.
	other, _, err := h.store.FindOrCreateOpenConversation(ctx, "other-customer")
	require.NoError(t, err)
	require.NoError(t, h.store.AssignReviewer(ctx, other.ID, "r1"))

	res, err := h.router.HandleInboundMessage(ctx, inbound("fb-cold", "question", "cust-fb-cold"))
	require.NoError(t, err)
	require.Equal(t, model.RoutedReviewer, res.RoutedTo)

	conv, err := h.store.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	require.Equal(t, "r2", conv.AssignedReviewerID)
	require.Len(t, h.transport.eventsFor("r2"), 1)
}
