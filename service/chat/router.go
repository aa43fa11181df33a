package chat

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"AgentChat/logger"
	"AgentChat/module/chat/ai"
	"AgentChat/module/chat/model"
	"AgentChat/module/chat/store"
	"AgentChat/service/storage"
	"AgentChat/tools/errs"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const lockStripes = 64

// Transport pushes server events to connected reviewers.
type Transport interface {
	SendEvent(userID string, ev *model.ServerEvent) error
	Broadcast(ev *model.ServerEvent)
}

type RouterConfig struct {
	ConfidenceThreshold float64
	AssignTimeout       time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
}

// Router is the message orchestrator: it takes normalized inbound
// messages, classifies them, and either answers automatically or hands
// the conversation to the least-loaded online reviewer.
type Router struct {
	conf       RouterConfig
	store      store.Store
	classifier ai.Classifier
	transport  Transport
	sessions   *storage.SessionRegistry
	queue      *storage.QueueEngine
	msgCache   *storage.MessageCache
	convCache  *storage.ConversationCache

	// Per-customer striped locks serialize the find-or-create window so
	// two concurrent webhooks for one customer cannot race the open
	// conversation. The store upsert is the durable guard; the lock
	// keeps the common path free of upsert conflicts.
	custLocks [lockStripes]sync.Mutex
}

func NewRouter(
	conf RouterConfig,
	st store.Store,
	classifier ai.Classifier,
	transport Transport,
	sessions *storage.SessionRegistry,
	queue *storage.QueueEngine,
	msgCache *storage.MessageCache,
	convCache *storage.ConversationCache,
) *Router {
	if conf.ConfidenceThreshold <= 0 {
		conf.ConfidenceThreshold = 0.9
	}
	if conf.AssignTimeout <= 0 {
		conf.AssignTimeout = 30 * time.Minute
	}
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = 3
	}
	if conf.RetryDelay <= 0 {
		conf.RetryDelay = 60 * time.Second
	}
	return &Router{
		conf:       conf,
		store:      st,
		classifier: classifier,
		transport:  transport,
		sessions:   sessions,
		queue:      queue,
		msgCache:   msgCache,
		convCache:  convCache,
	}
}

func (r *Router) lockFor(customerKey string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(customerKey))
	return &r.custLocks[h.Sum32()%lockStripes]
}

// HandleInboundMessage runs the full intake pipeline for one webhook
// message. Replayed deliveries (same external id) return the original
// verdict without reprocessing.
func (r *Router) HandleInboundMessage(ctx context.Context, in *model.InboundPayload) (*model.InboundResult, error) {
	if in == nil || in.Content == "" || in.Customer.FacebookID == "" {
		return nil, errs.ErrInvalidPayload
	}

	mu := r.lockFor(in.Customer.FacebookID)
	mu.Lock()
	defer mu.Unlock()

	if in.ExternalMessageID != "" {
		existing, err := r.store.GetMessageByExternalID(ctx, in.ExternalMessageID)
		if err == nil {
			logger.Log.Info("replayed webhook delivery",
				zap.String("externalId", in.ExternalMessageID),
				zap.String("messageId", existing.ID))
			return resultFromMessage(existing), nil
		}
		if !errors.Is(err, errs.ErrRecordNotFound) {
			return nil, err
		}
	}

	customer, _, err := r.store.FindOrCreateCustomer(ctx, in.Customer)
	if err != nil {
		return nil, err
	}

	conv, convNew, err := r.store.FindOrCreateOpenConversation(ctx, customer.ID)
	if err != nil {
		return nil, err
	}
	if convNew {
		if err := r.store.IncrementCustomerStats(ctx, customer.ID, 0, 1); err != nil {
			logger.Log.Warn("conversation stat bump failed", zap.Error(err))
		}
	}

	now := time.Now()
	createdAt := in.Timestamp
	if createdAt.IsZero() {
		createdAt = now
	}
	msg := &model.Message{
		ConversationID:    conv.ID,
		CustomerID:        customer.ID,
		SenderID:          customer.FacebookID,
		SenderType:        model.SenderCustomer,
		Content:           in.Content,
		Status:            model.MessageReceived,
		FacebookMessageID: in.ExternalMessageID,
		MaxRetries:        r.conf.MaxRetries,
		CreatedAt:         createdAt,
	}
	inserted, err := r.store.InsertMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := r.store.GetMessageByExternalID(ctx, in.ExternalMessageID)
		if err != nil {
			return nil, err
		}
		return resultFromMessage(existing), nil
	}

	if err := r.msgCache.Put(ctx, msg); err != nil {
		logger.Log.Warn("message cache put failed", zap.Error(err))
	}
	if err := r.store.IncrementCustomerStats(ctx, customer.ID, 1, 0); err != nil {
		logger.Log.Warn("message stat bump failed", zap.Error(err))
	}
	if err := r.store.BumpConversationCounters(ctx, conv.ID, model.CounterDelta{Total: 1}); err != nil {
		logger.Log.Warn("conversation counter bump failed", zap.Error(err))
	}

	verdict, err := r.classifier.Analyze(ctx, ai.Request{Question: in.Content})
	if err != nil {
		// Unclassifiable messages always go to a human.
		logger.Log.Error("classifier failed, routing to manual", zap.Error(err))
		verdict = nil
	}

	confidence := 0.0
	if verdict != nil {
		confidence = verdict.Confidence
		if err := r.store.UpdateCustomerAnalysis(ctx, customer.ID, model.CustomerAnalysis{
			CustomerType: verdict.CustomerType,
			Topic:        verdict.Topic,
			Query:        verdict.ClarifiedQuery,
			Confidence:   verdict.Confidence,
		}); err != nil {
			logger.Log.Warn("customer analysis update failed",
				zap.String("customerId", customer.ID), zap.Error(err))
		}
		customer.CustomerType = verdict.CustomerType
	}

	var routed model.RoutedTo
	if verdict != nil && verdict.Confidence >= r.conf.ConfidenceThreshold {
		routed, err = r.routeAuto(ctx, customer, conv, msg, verdict)
	} else {
		routed, err = r.routeManual(ctx, customer, conv, msg, verdict)
	}
	if err != nil {
		return nil, err
	}

	r.refreshConversationCache(ctx, conv.ID)

	logger.Log.Info("inbound message routed",
		zap.String("messageId", msg.ID),
		zap.String("conversationId", conv.ID),
		zap.String("routedTo", string(routed)),
		zap.Float64("confidence", confidence))

	return &model.InboundResult{
		ConversationID: conv.ID,
		CustomerID:     customer.ID,
		MessageID:      msg.ID,
		RoutedTo:       routed,
		Confidence:     confidence,
	}, nil
}

func (r *Router) routeAuto(ctx context.Context, customer *model.Customer, conv *model.Conversation, msg *model.Message, verdict *ai.Result) (model.RoutedTo, error) {
	now := time.Now()
	if err := r.store.UpdateMessageStatus(ctx, msg.ID, model.MessageAIDoneAuto, &store.MessagePatch{
		AutoResponse:    &verdict.Answer,
		ConfidenceScore: &verdict.Confidence,
		ProcessedAt:     &now,
	}); err != nil {
		return "", err
	}
	r.refreshMessageCache(ctx, msg.ID)

	err := r.queue.Enqueue(ctx, &model.QueueItem{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		CustomerID:     customer.ID,
		Action:         model.ActionSendToFacebook,
		Priority:       priorityFor(customer.CustomerType),
		MaxRetries:     r.conf.MaxRetries,
		ExternalID:     customer.FacebookID,
		Content:        verdict.Answer,
	}, 0)
	if err != nil {
		return "", err
	}
	return model.RoutedAuto, nil
}

func (r *Router) routeManual(ctx context.Context, customer *model.Customer, conv *model.Conversation, msg *model.Message, verdict *ai.Result) (model.RoutedTo, error) {
	now := time.Now()
	patch := &store.MessagePatch{ProcessedAt: &now}
	if verdict != nil {
		patch.AutoResponse = &verdict.Answer
		patch.ConfidenceScore = &verdict.Confidence
	}
	if err := r.store.UpdateMessageStatus(ctx, msg.ID, model.MessageAIDoneNeedManual, patch); err != nil {
		return "", err
	}

	// A conversation already in review keeps its reviewer; follow-up
	// messages go to them, not to whoever is least loaded now.
	if conv.AssignedReviewerID != "" {
		online, oerr := r.sessions.IsOnline(ctx, conv.AssignedReviewerID)
		if oerr == nil && online {
			if err := r.assign(ctx, customer, conv, msg, conv.AssignedReviewerID); err != nil {
				return "", err
			}
			return model.RoutedReviewer, nil
		}
	}

	reviewerID, err := r.pickReviewer(ctx, "")
	if err != nil {
		return "", err
	}
	if reviewerID == "" {
		return r.parkWaiting(ctx, customer, conv, msg)
	}

	if err := r.assign(ctx, customer, conv, msg, reviewerID); err != nil {
		return "", err
	}
	return model.RoutedReviewer, nil
}

// parkWaiting holds the message for later assignment. Nothing is sent
// externally on this branch; the customer hears back when a reviewer
// picks the conversation up.
func (r *Router) parkWaiting(ctx context.Context, customer *model.Customer, conv *model.Conversation, msg *model.Message) (model.RoutedTo, error) {
	if err := r.queue.Enqueue(ctx, &model.QueueItem{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		CustomerID:     customer.ID,
		Action:         model.ActionAssignToReviewer,
		Priority:       priorityFor(customer.CustomerType),
		MaxRetries:     r.conf.MaxRetries,
	}, r.conf.RetryDelay); err != nil {
		return "", err
	}
	return model.RoutedQueued, nil
}

// assign binds the conversation to a reviewer and pushes the message to
// their socket.
func (r *Router) assign(ctx context.Context, customer *model.Customer, conv *model.Conversation, msg *model.Message, reviewerID string) error {
	now := time.Now()
	if err := r.store.AssignReviewer(ctx, conv.ID, reviewerID); err != nil {
		return err
	}
	if err := r.convCache.Assign(ctx, &model.ReviewerAssignment{
		ConversationID: conv.ID,
		CustomerID:     customer.ID,
		ReviewerID:     reviewerID,
		CustomerType:   customer.CustomerType,
		AssignedAt:     now,
		TimeoutAt:      now.Add(r.conf.AssignTimeout),
		Priority:       priorityFor(customer.CustomerType),
	}); err != nil {
		return err
	}
	if err := r.store.UpdateMessageStatus(ctx, msg.ID, model.MessageSentToReviewer, nil); err != nil {
		return err
	}
	r.refreshMessageCache(ctx, msg.ID)

	if full, err := r.store.GetMessage(ctx, msg.ID); err == nil {
		msg = full
	}
	confidence := 0.0
	if msg.ConfidenceScore != nil {
		confidence = *msg.ConfidenceScore
	}

	ev := model.NewServerEvent(model.EventReceiveMessage, &model.ReceiveMessageEvent{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		CustomerID:     customer.ID,
		Content:        msg.Content,
		AutoResponse:   msg.AutoResponse,
		Confidence:     confidence,
		CustomerName:   customer.FacebookName,
		CustomerType:   customer.CustomerType,
		CreatedAt:      msg.CreatedAt,
	})
	if err := r.transport.SendEvent(reviewerID, ev); err != nil {
		// The reviewer may sit on another node; the assignment stands.
		logger.Log.Debug("reviewer not reachable on this node",
			zap.String("reviewerId", reviewerID), zap.Error(err))
	}
	return nil
}

// pickReviewer returns the online reviewer with the fewest live
// assignments, ties broken by who connected first. Registry errors mean
// nobody is picked: offline by default.
func (r *Router) pickReviewer(ctx context.Context, exclude string) (string, error) {
	sessions, err := r.sessions.ListOnline(ctx)
	if err != nil {
		logger.Log.Warn("session registry unavailable, treating all reviewers offline", zap.Error(err))
		return "", nil
	}
	if len(sessions) == 0 {
		return "", nil
	}

	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if s.UserID == exclude {
			continue
		}
		ids = append(ids, s.UserID)
	}
	if len(ids) == 0 {
		return "", nil
	}

	loads, err := r.convCache.CountByReviewer(ctx, ids)
	if err != nil {
		logger.Log.Warn("cached load counts unavailable, using store", zap.Error(err))
		if loads, err = r.store.CountActiveByReviewer(ctx, ids); err != nil {
			return "", err
		}
	} else if allZero(loads) {
		// A freshly started cache reports no load for anyone; cross-check
		// durable assignments before treating every reviewer as idle.
		if fromStore, serr := r.store.CountActiveByReviewer(ctx, ids); serr == nil {
			loads = fromStore
		}
	}

	best := ""
	var bestLoad int64
	for _, uid := range ids { // ids keep ListOnline's connect order
		load := loads[uid]
		if best == "" || load < bestLoad {
			best, bestLoad = uid, load
		}
	}
	return best, nil
}

func allZero(loads map[string]int64) bool {
	for _, n := range loads {
		if n != 0 {
			return false
		}
	}
	return true
}

// HandleReviewerMessage relays a reviewer's reply to the customer and
// advances the pending customer message.
func (r *Router) HandleReviewerMessage(ctx context.Context, reviewerID string, p *model.SendMessagePayload) (*model.Message, error) {
	if err := checkSenderIdentity(reviewerID, p.SenderID); err != nil {
		return nil, err
	}
	if p.Content == "" || p.ConversationID == "" {
		return nil, errs.ErrInvalidPayload
	}

	conv, err := r.getConversation(ctx, p.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.AssignedReviewerID != reviewerID {
		return nil, errs.ErrUnauthorized.WithDetail("conversation not assigned to sender")
	}

	customer, err := r.store.GetCustomer(ctx, conv.CustomerID)
	if err != nil {
		return nil, err
	}

	reply := &model.Message{
		ConversationID: conv.ID,
		CustomerID:     conv.CustomerID,
		SenderID:       reviewerID,
		SenderType:     model.SenderReviewer,
		Content:        p.Content,
		Status:         model.MessageReviewerReplied,
		MaxRetries:     r.conf.MaxRetries,
	}
	if _, err := r.store.InsertMessage(ctx, reply); err != nil {
		return nil, err
	}
	if err := r.msgCache.Put(ctx, reply); err != nil {
		logger.Log.Warn("message cache put failed", zap.Error(err))
	}

	// Advance the customer message this reply answers.
	now := time.Now()
	sendFor := reply.ID
	pending, err := r.store.LatestMessageWithStatus(ctx, conv.ID,
		model.MessageSentToReviewer, model.MessageEscalated)
	switch {
	case err == nil:
		if uerr := r.store.UpdateMessageStatus(ctx, pending.ID, model.MessageReviewerReplied, &store.MessagePatch{
			RespondedAt: &now,
		}); uerr != nil {
			logger.Log.Warn("pending message transition failed",
				zap.String("messageId", pending.ID), zap.Error(uerr))
		} else {
			r.refreshMessageCache(ctx, pending.ID)
			sendFor = pending.ID
		}
	case !errors.Is(err, errs.ErrRecordNotFound):
		return nil, err
	}

	if err := r.queue.Enqueue(ctx, &model.QueueItem{
		MessageID:      sendFor,
		ConversationID: conv.ID,
		CustomerID:     conv.CustomerID,
		Action:         model.ActionSendToFacebook,
		Priority:       model.PriorityHigh,
		MaxRetries:     r.conf.MaxRetries,
		ExternalID:     customer.FacebookID,
		Content:        p.Content,
	}, 0); err != nil {
		return nil, err
	}

	if err := r.store.BumpConversationCounters(ctx, conv.ID, model.CounterDelta{Total: 1, Manual: 1}); err != nil {
		logger.Log.Warn("conversation counter bump failed", zap.Error(err))
	}
	if err := r.sessions.Touch(ctx, reviewerID); err != nil {
		logger.Log.Debug("session touch failed", zap.Error(err))
	}
	r.refreshConversationCache(ctx, conv.ID)

	return reply, nil
}

// ResolveConversation closes the case; only the assigned reviewer may.
func (r *Router) ResolveConversation(ctx context.Context, reviewerID, conversationID string) error {
	conv, err := r.getConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.AssignedReviewerID != "" && conv.AssignedReviewerID != reviewerID {
		return errs.ErrUnauthorized.WithDetail("conversation not assigned to sender")
	}

	if err := r.store.ResolveConversation(ctx, conversationID); err != nil {
		return err
	}
	if err := r.convCache.ClearAssignment(ctx, conversationID); err != nil {
		logger.Log.Warn("assignment clear failed", zap.Error(err))
	}
	r.refreshConversationCache(ctx, conversationID)

	if updated, err := r.store.GetConversation(ctx, conversationID); err == nil {
		r.transport.Broadcast(model.NewServerEvent(model.EventConversationUpdated, updated))
	}
	return nil
}

func (r *Router) getConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	if conv, err := r.convCache.Get(ctx, conversationID); err == nil && conv != nil {
		return conv, nil
	}
	return r.store.GetConversation(ctx, conversationID)
}

func (r *Router) refreshConversationCache(ctx context.Context, conversationID string) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return
	}
	// The cached copy carries the review overlay the durable row does not.
	if conv.AssignedReviewerID != "" && conv.Open() {
		conv.Status = model.ConversationInReview
	}
	if err := r.convCache.Put(ctx, conv); err != nil {
		logger.Log.Warn("conversation cache put failed", zap.Error(err))
	}
}

func (r *Router) refreshMessageCache(ctx context.Context, messageID string) {
	msg, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return
	}
	if err := r.msgCache.Refresh(ctx, msg); err != nil {
		logger.Log.Warn("message cache refresh failed", zap.Error(err))
	}
}

func resultFromMessage(msg *model.Message) *model.InboundResult {
	confidence := 0.0
	if msg.ConfidenceScore != nil {
		confidence = *msg.ConfidenceScore
	}
	return &model.InboundResult{
		ConversationID: msg.ConversationID,
		CustomerID:     msg.CustomerID,
		MessageID:      msg.ID,
		RoutedTo:       routedFromStatus(msg.Status),
		Confidence:     confidence,
	}
}

func routedFromStatus(s model.MessageStatus) model.RoutedTo {
	switch s {
	case model.MessageAIDoneAuto, model.MessageAutoResponseDone:
		return model.RoutedAuto
	case model.MessageSentToReviewer, model.MessageReviewerReplied,
		model.MessageManualResponseDone, model.MessageEscalated:
		return model.RoutedReviewer
	default:
		return model.RoutedQueued
	}
}

func priorityFor(t model.CustomerType) model.Priority {
	switch t {
	case model.CustomerPartner, model.CustomerBusiness:
		return model.PriorityHigh
	default:
		return model.PriorityNormal
	}
}
