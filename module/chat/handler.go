package chat

import (
	"net/http"
	"strconv"
	"time"

	"AgentChat/global/config"
	"AgentChat/logger"
	"AgentChat/middleware"
	midsec "AgentChat/middleware/security"
	"AgentChat/module/chat/model"
	"AgentChat/module/chat/store"
	chatsvc "AgentChat/service/chat"
	"AgentChat/service/storage"
	"AgentChat/tools/errs"

	"github.com/gin-gonic/gin"
)

const (
	// ScopeAdmin gates the ops endpoints.
	ScopeAdmin = "admin"

	defaultMessagePage = 50
	maxMessagePage     = 200
)

// webhookPayload mirrors the page-integration push format: one message per
// request, customer display fields inline. Signature validation happens at
// the integration edge, not here.
type webhookPayload struct {
	MessageID    string              `json:"messageId" binding:"required"`
	Content      string              `json:"content" binding:"required"`
	Timestamp    string              `json:"timestamp"`
	CustomerInfo webhookCustomerInfo `json:"customerInfo" binding:"required"`
}

type webhookCustomerInfo struct {
	FacebookID   string `json:"facebookId" binding:"required"`
	FacebookName string `json:"facebookName"`
	AvatarURL    string `json:"avatarUrl"`
	ProfileURL   string `json:"profileUrl"`
}

// Handler exposes the HTTP surface: webhook intake, reviewer reads and the
// admin/ops endpoints.
type Handler struct {
	router   *chatsvc.Router
	ws       *chatsvc.WsServer
	store    store.Store
	queue    *storage.QueueEngine
	sessions *storage.SessionRegistry

	verifyToken string
}

func NewHandler(router *chatsvc.Router, ws *chatsvc.WsServer, st store.Store, queue *storage.QueueEngine, sessions *storage.SessionRegistry, fb config.FacebookConfig) *Handler {
	return &Handler{
		router:      router,
		ws:          ws,
		store:       st,
		queue:       queue,
		sessions:    sessions,
		verifyToken: fb.VerifyToken,
	}
}

// RegisterRoutes wires the handler into the engine. Reviewer routes require
// the reviewer scope, admin routes the admin scope; the webhook is public
// apart from the subscription handshake token.
func (h *Handler) RegisterRoutes(r *gin.Engine, auth midsec.Options) {
	middleware.GET(r, "/healthz", h.Healthz, middleware.RouteOpt{})

	middleware.GET(r, "/webhook/facebook", h.VerifyWebhook, middleware.RouteOpt{})
	middleware.POST(r, "/webhook/facebook", h.HandleWebhook, middleware.RouteOpt{})

	reviewer := middleware.RouteOpt{Auth: &auth, Scope: chatsvc.ScopeReviewer}
	middleware.GET(r, "/conversations/:id/messages", h.ListMessages, reviewer)
	middleware.GET(r, "/conversations/:id", h.GetConversation, reviewer)
	middleware.POST(r, "/conversations/:id/resolve", h.ResolveConversation, reviewer)

	admin := middleware.RouteOpt{Auth: &auth, Scope: ScopeAdmin}
	middleware.GET(r, "/admin/queues/stats", h.QueueStats, admin)
	middleware.GET(r, "/admin/queues/dead-letter", h.ListDeadLetter, admin)
	middleware.POST(r, "/admin/queues/dead-letter/:messageId/requeue", h.RequeueDeadLetter, admin)
	middleware.GET(r, "/admin/reviewers/online", h.OnlineReviewers, admin)

	r.GET("/ws", h.ws.HandleWS)
}

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ts": time.Now().UnixMilli()})
}

// VerifyWebhook answers the page-platform subscription handshake: echo the
// challenge when the verify token matches.
func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" || h.verifyToken == "" || token != h.verifyToken {
		c.String(http.StatusForbidden, "verification failed")
		return
	}
	c.String(http.StatusOK, challenge)
}

func (h *Handler) HandleWebhook(c *gin.Context) {
	var payload webhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "msg": "invalid webhook payload"})
		return
	}

	ts := time.Now()
	if payload.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, payload.Timestamp); err == nil {
			ts = parsed
		}
	}

	in := &model.InboundPayload{
		ExternalMessageID: payload.MessageID,
		Content:           payload.Content,
		Timestamp:         ts,
		Customer: model.CustomerUpsert{
			FacebookID: payload.CustomerInfo.FacebookID,
			Name:       payload.CustomerInfo.FacebookName,
			AvatarURL:  payload.CustomerInfo.AvatarURL,
			ProfileURL: payload.CustomerInfo.ProfileURL,
		},
	}

	result, err := h.router.HandleInboundMessage(c.Request.Context(), in)
	if err != nil {
		logger.Errorf("webhook %s failed: %v", payload.MessageID, err)
		if errs.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "msg": "invalid webhook payload"})
			return
		}
		// The platform retries on non-2xx; keep transient failures retryable.
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "rejected"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted", "data": result})
}

func (h *Handler) GetConversation(c *gin.Context) {
	conv, err := h.store.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": conv})
}

func (h *Handler) ListMessages(c *gin.Context) {
	limit := queryInt64(c, "limit", defaultMessagePage)
	if limit <= 0 || limit > maxMessagePage {
		limit = defaultMessagePage
	}

	msgs, err := h.store.ListConversationMessages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": msgs, "count": len(msgs)})
}

// ResolveConversation closes the case; only the assigned reviewer may.
func (h *Handler) ResolveConversation(c *gin.Context) {
	identity := midsec.Identity(c)
	if identity == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": errs.CodeAuth, "msg": "missing identity"})
		return
	}

	conversationID := c.Param("id")
	if err := h.router.ResolveConversation(c.Request.Context(), identity.UserID, conversationID); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"conversationId": conversationID, "resolved": true}})
}

func (h *Handler) QueueStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (h *Handler) ListDeadLetter(c *gin.Context) {
	offset := queryInt64(c, "offset", 0)
	limit := queryInt64(c, "limit", 20)
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	items, err := h.queue.ListDeadLetter(c.Request.Context(), offset, limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items, "count": len(items)})
}

func (h *Handler) RequeueDeadLetter(c *gin.Context) {
	messageID := c.Param("messageId")
	requeued, err := h.queue.RequeueFromDeadLetter(c.Request.Context(), messageID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if !requeued {
		c.JSON(http.StatusNotFound, gin.H{"code": errs.CodeNotFound, "msg": "message not in dead letter queue"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"messageId": messageID, "requeued": true}})
}

func (h *Handler) OnlineReviewers(c *gin.Context) {
	sessions, err := h.sessions.ListOnline(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sessions, "count": len(sessions)})
}

func (h *Handler) renderError(c *gin.Context, err error) {
	code := errs.CodeOf(err)
	switch code {
	case errs.CodeNotFound:
		c.JSON(http.StatusNotFound, gin.H{"code": code, "msg": "not found"})
	case errs.CodeValidation:
		c.JSON(http.StatusBadRequest, gin.H{"code": code, "msg": "invalid request"})
	case errs.CodeAuth, errs.CodeSecurity:
		c.JSON(http.StatusForbidden, gin.H{"code": code, "msg": "forbidden"})
	default:
		logger.Errorf("request %s %s failed: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": code, "msg": "internal error"})
	}
}

func queryInt64(c *gin.Context, key string, def int64) int64 {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
