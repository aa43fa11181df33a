package chat

import (
	"context"
	"time"

	"AgentChat/logger"
	"AgentChat/module/chat/model"
	"AgentChat/service/storage"

	"go.uber.org/zap"
)

// Cached messages older than this are dropped by the hourly cleanup,
// tighter than the 24h key TTL.
const messageCacheHorizon = 12 * time.Hour

// Sweeper is the single background loop: it promotes due delayed items,
// drains the send and assignment queues, reassigns lapsed assignments and
// evicts idle sessions. Queue cleanup runs on a much slower tick.
type Sweeper struct {
	router     *Router
	dispatcher *Dispatcher
	sessions   *storage.SessionRegistry
	transport  Transport

	every        time.Duration
	cleanupEvery time.Duration
}

func NewSweeper(router *Router, dispatcher *Dispatcher, sessions *storage.SessionRegistry, transport Transport, every time.Duration) *Sweeper {
	if every <= 0 {
		every = 10 * time.Second
	}
	return &Sweeper{
		router:       router,
		dispatcher:   dispatcher,
		sessions:     sessions,
		transport:    transport,
		every:        every,
		cleanupEvery: time.Hour,
	}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	tick := time.NewTicker(s.every)
	defer tick.Stop()
	cleanup := time.NewTicker(s.cleanupEvery)
	defer cleanup.Stop()

	logger.Log.Info("sweeper started", zap.Duration("every", s.every))
	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("sweeper stopped")
			return
		case now := <-tick.C:
			s.sweepOnce(ctx, now)
		case now := <-cleanup.C:
			if _, err := s.router.queue.CleanupOld(ctx, now); err != nil {
				logger.Log.Warn("queue cleanup failed", zap.Error(err))
			}
			if n, err := s.router.msgCache.ExpireOlderThan(ctx, now, messageCacheHorizon); err != nil {
				logger.Log.Warn("message cache cleanup failed", zap.Error(err))
			} else if n > 0 {
				logger.Log.Debug("expired cached messages", zap.Int64("count", n))
			}
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context, now time.Time) {
	if n, err := s.router.queue.PromoteDelayedDue(ctx, now); err != nil {
		logger.Log.Warn("delayed promotion failed", zap.Error(err))
	} else if n > 0 {
		logger.Log.Debug("promoted delayed items", zap.Int("count", n))
	}

	if _, err := s.dispatcher.ProcessSendQueues(ctx, 50); err != nil {
		logger.Log.Warn("send queue drain failed", zap.Error(err))
	}
	if _, err := s.dispatcher.ProcessAssignQueue(ctx, 50); err != nil {
		logger.Log.Warn("assign queue drain failed", zap.Error(err))
	}
	if n, err := s.dispatcher.ReassignTimedOut(ctx, now); err != nil {
		logger.Log.Warn("timeout reassignment failed", zap.Error(err))
	} else if n > 0 {
		logger.Log.Info("reassigned timed-out conversations", zap.Int("count", n))
	}

	evicted, err := s.sessions.SweepIdle(ctx, now)
	if err != nil {
		logger.Log.Warn("idle session sweep failed", zap.Error(err))
		return
	}
	if len(evicted) > 0 {
		logger.Log.Info("evicted idle reviewers", zap.Strings("userIds", evicted))
		s.broadcastOnline(ctx)
	}
}

func (s *Sweeper) broadcastOnline(ctx context.Context) {
	sessions, err := s.sessions.ListOnline(ctx)
	if err != nil {
		return
	}
	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		ids = append(ids, sess.UserID)
	}
	s.transport.Broadcast(model.NewServerEvent(model.EventOnlineReviewers, map[string]any{
		"reviewerIds": ids,
		"count":       len(ids),
	}))
}
