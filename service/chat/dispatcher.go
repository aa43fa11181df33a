package chat

import (
	"context"
	"time"

	"AgentChat/logger"
	"AgentChat/module/chat/model"
	"AgentChat/module/chat/store"
	"AgentChat/tools/errs"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Dispatcher drains the work queues the router fills: outbound sends,
// deferred reviewer assignment and timed-out assignments. The sweeper
// drives it on a fixed cadence; every step is idempotent so overlapping
// runs are harmless.
type Dispatcher struct {
	router *Router
	sender ExternalSender
}

func NewDispatcher(router *Router, sender ExternalSender) *Dispatcher {
	return &Dispatcher{router: router, sender: sender}
}

// ProcessSendQueues drains the outbound path in two steps: claim items
// off the priority queue into the FIFO response queue, then deliver the
// staged responses oldest first. Items staged by a run that crashed
// before delivering are picked up by the next drain.
func (d *Dispatcher) ProcessSendQueues(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 20
	}
	for staged := 0; staged < limit; staged++ {
		item, err := d.router.queue.Dequeue(ctx, model.ActionSendToFacebook)
		if err != nil {
			return 0, err
		}
		if item == nil {
			break
		}
		if err := d.router.queue.EnqueueResponse(ctx, item); err != nil {
			return 0, err
		}
	}

	items, err := d.router.queue.DequeueResponses(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		d.deliver(ctx, item)
	}
	return len(items), nil
}

func (d *Dispatcher) deliver(ctx context.Context, item *model.QueueItem) {
	externalMsgID, err := d.sender.Send(ctx, item.ExternalID, item.Content)
	if err != nil {
		d.handleSendFailure(ctx, item, err)
		return
	}

	if item.MessageID == "" {
		return
	}

	msg, err := d.router.store.GetMessage(ctx, item.MessageID)
	if err != nil {
		logger.Log.Warn("sent message missing from store",
			zap.String("messageId", item.MessageID), zap.Error(err))
		return
	}

	now := time.Now()
	next := model.MessageAutoResponseDone
	delta := model.CounterDelta{Total: 1, Auto: 1}
	sender := model.SenderBot
	senderID := ""
	if msg.Status == model.MessageReviewerReplied {
		next = model.MessageManualResponseDone
		delta = model.CounterDelta{}
		sender = model.SenderReviewer
	}

	if err := d.router.store.UpdateMessageStatus(ctx, msg.ID, next, &store.MessagePatch{
		RespondedAt: &now,
	}); err != nil {
		logger.Log.Warn("post-send transition failed",
			zap.String("messageId", msg.ID), zap.Error(err))
	} else {
		d.router.refreshMessageCache(ctx, msg.ID)
	}

	// The reviewer reply is already in history; record bot answers here.
	if sender == model.SenderBot {
		outbound := &model.Message{
			ConversationID:    item.ConversationID,
			CustomerID:        item.CustomerID,
			SenderID:          senderID,
			SenderType:        sender,
			Content:           item.Content,
			Status:            model.MessageAutoResponseDone,
			FacebookMessageID: externalMsgID,
			RespondedAt:       &now,
		}
		if _, err := d.router.store.InsertMessage(ctx, outbound); err != nil {
			logger.Log.Warn("outbound record insert failed", zap.Error(err))
		} else if err := d.router.msgCache.Put(ctx, outbound); err != nil {
			logger.Log.Warn("message cache put failed", zap.Error(err))
		}
		if err := d.router.store.BumpConversationCounters(ctx, item.ConversationID, delta); err != nil {
			logger.Log.Warn("conversation counter bump failed", zap.Error(err))
		}
	}
	d.router.refreshConversationCache(ctx, item.ConversationID)
}

func (d *Dispatcher) handleSendFailure(ctx context.Context, item *model.QueueItem, cause error) {
	logger.Log.Warn("external send failed",
		zap.String("messageId", item.MessageID),
		zap.Int("retryCount", item.RetryCount),
		zap.Error(cause))

	deadLettered, err := d.router.queue.Fail(ctx, item, cause.Error())
	if err != nil {
		logger.Log.Error("retry scheduling failed",
			zap.String("messageId", item.MessageID), zap.Error(err))
		return
	}
	if !deadLettered || item.MessageID == "" {
		return
	}

	if err := d.router.store.UpdateMessageStatus(ctx, item.MessageID, model.MessageFailedToSend, nil); err != nil {
		logger.Log.Warn("failed-to-send transition failed",
			zap.String("messageId", item.MessageID), zap.Error(err))
	} else {
		d.router.refreshMessageCache(ctx, item.MessageID)
	}
}

// ProcessAssignQueue retries reviewer assignment for conversations parked
// while nobody was online.
func (d *Dispatcher) ProcessAssignQueue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 20
	}
	assigned := 0
	for i := 0; i < limit; i++ {
		item, err := d.router.queue.Dequeue(ctx, model.ActionAssignToReviewer)
		if err != nil {
			return assigned, err
		}
		if item == nil {
			break
		}

		ok, err := d.tryAssign(ctx, item)
		if err != nil {
			logger.Log.Warn("deferred assignment failed",
				zap.String("conversationId", item.ConversationID), zap.Error(err))
			if _, ferr := d.router.queue.Fail(ctx, item, err.Error()); ferr != nil {
				logger.Log.Error("retry scheduling failed", zap.Error(ferr))
			}
			continue
		}
		if !ok {
			if _, ferr := d.router.queue.Fail(ctx, item, "no reviewers online"); ferr != nil {
				logger.Log.Error("retry scheduling failed", zap.Error(ferr))
			}
			continue
		}
		assigned++
	}
	return assigned, nil
}

func (d *Dispatcher) tryAssign(ctx context.Context, item *model.QueueItem) (bool, error) {
	conv, err := d.router.store.GetConversation(ctx, item.ConversationID)
	if err != nil {
		if errors.Is(err, errs.ErrRecordNotFound) {
			return true, nil // conversation gone, nothing to assign
		}
		return false, err
	}
	if conv.CaseResolved || conv.AssignedReviewerID != "" {
		return true, nil
	}

	reviewerID, err := d.router.pickReviewer(ctx, "")
	if err != nil {
		return false, err
	}
	if reviewerID == "" {
		return false, nil
	}

	customer, err := d.router.store.GetCustomer(ctx, conv.CustomerID)
	if err != nil {
		return false, err
	}
	msg, err := d.router.store.GetMessage(ctx, item.MessageID)
	if err != nil {
		return false, err
	}

	if err := d.router.assign(ctx, customer, conv, msg, reviewerID); err != nil {
		return false, err
	}
	d.router.refreshConversationCache(ctx, conv.ID)
	return true, nil
}

// ReassignTimedOut pulls conversations back from reviewers who let the
// assignment window lapse and hands them to someone else.
func (d *Dispatcher) ReassignTimedOut(ctx context.Context, now time.Time) (int, error) {
	stale, err := d.router.convCache.ListTimedOut(ctx, now)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, a := range stale {
		conv, err := d.router.store.GetConversation(ctx, a.ConversationID)
		if err != nil || conv.CaseResolved {
			_ = d.router.convCache.ClearAssignment(ctx, a.ConversationID)
			continue
		}

		pending, perr := d.router.store.LatestMessageWithStatus(ctx, conv.ID, model.MessageSentToReviewer)
		if perr != nil {
			// Nothing waiting on the reviewer anymore; drop the timer.
			_ = d.router.convCache.ClearAssignment(ctx, a.ConversationID)
			continue
		}

		if err := d.router.store.UpdateMessageStatus(ctx, pending.ID, model.MessageEscalated, nil); err != nil {
			logger.Log.Warn("escalation transition failed",
				zap.String("messageId", pending.ID), zap.Error(err))
			continue
		}

		customer, err := d.router.store.GetCustomer(ctx, conv.CustomerID)
		if err != nil {
			continue
		}

		next, err := d.router.pickReviewer(ctx, a.ReviewerID)
		if err != nil {
			return moved, err
		}
		if next == "" {
			// Nobody else to take it; park and let the assign queue retry.
			if err := d.router.convCache.ClearAssignment(ctx, a.ConversationID); err != nil {
				logger.Log.Warn("assignment clear failed", zap.Error(err))
			}
			_ = d.router.queue.Enqueue(ctx, &model.QueueItem{
				MessageID:      pending.ID,
				ConversationID: conv.ID,
				CustomerID:     conv.CustomerID,
				Action:         model.ActionAssignToReviewer,
				Priority:       a.Priority,
				MaxRetries:     d.router.conf.MaxRetries,
			}, d.router.conf.RetryDelay)
			continue
		}

		if err := d.router.assign(ctx, customer, conv, pending, next); err != nil {
			logger.Log.Warn("reassignment failed",
				zap.String("conversationId", conv.ID), zap.Error(err))
			continue
		}
		logger.Log.Info("assignment reassigned after timeout",
			zap.String("conversationId", conv.ID),
			zap.String("from", a.ReviewerID),
			zap.String("to", next))
		moved++
	}
	return moved, nil
}
