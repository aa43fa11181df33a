package chat

import (
	"context"
	"net/http"
	"time"

	"AgentChat/logger"
	"AgentChat/module/chat/model"
	"AgentChat/service/storage"
	"AgentChat/tools/errs"
	"AgentChat/tools/ids"
	"AgentChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	authWindow  = 10 * time.Second
	pongWait    = 60 * time.Second
	maxStrikes  = 3
	maxFrameLen = 64 * 1024

	// ScopeReviewer is the JWT scope a websocket session must carry.
	ScopeReviewer = "reviewer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WsServer accepts reviewer websocket connections. The first frame must
// be an auth frame; everything after it runs under that identity, and a
// session that repeatedly fakes another sender is dropped.
type WsServer struct {
	jwt      security.Options
	registry *ConnRegistry
	sessions *storage.SessionRegistry
	router   *Router
}

func NewWsServer(jwt security.Options, registry *ConnRegistry, sessions *storage.SessionRegistry, router *Router) *WsServer {
	return &WsServer{jwt: jwt, registry: registry, sessions: sessions, router: router}
}

func (s *WsServer) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxFrameLen)

	identity, err := s.authenticate(ws)
	if err != nil {
		writeEventDirect(ws, model.NewServerEvent(model.EventAuthError, gin.H{"reason": err.Error()}))
		_ = ws.Close()
		return
	}

	socketID := ids.GenerateString()
	cn := newConn(socketID, identity.UserID, ws)
	if prev := s.registry.Bind(cn); prev != nil {
		prev.close()
	}
	go cn.writePump()

	ctx := c.Request.Context()
	if err := s.sessions.SetOnline(ctx, identity.UserID, socketID); err != nil {
		logger.Log.Error("session registration failed",
			zap.String("userId", identity.UserID), zap.Error(err))
		writeEventDirect(ws, model.NewServerEvent(model.EventError, gin.H{"reason": "session registration failed"}))
		s.registry.Remove(socketID)
		cn.close()
		return
	}

	_ = s.registry.SendEvent(identity.UserID, model.NewServerEvent(model.EventConnected, gin.H{
		"userId":   identity.UserID,
		"socketId": socketID,
	}))
	s.broadcastOnline(ctx)

	logger.Log.Info("reviewer connected",
		zap.String("userId", identity.UserID),
		zap.String("socketId", socketID))

	s.readLoop(ctx, cn, identity)

	// Disconnect: drop local state first, then the shared registry.
	owned := s.registry.Remove(socketID)
	cn.close()
	if uid, err := s.sessions.RemoveSocket(context.Background(), socketID); err != nil {
		logger.Log.Warn("socket removal failed", zap.Error(err))
	} else if uid != "" && owned {
		logger.Log.Info("reviewer disconnected", zap.String("userId", uid))
		s.broadcastOnline(context.Background())
	}
}

// authenticate reads the first frame, which must carry a valid reviewer
// token inside the auth window.
func (s *WsServer) authenticate(ws *websocket.Conn) (*security.Identity, error) {
	_ = ws.SetReadDeadline(time.Now().Add(authWindow))
	defer ws.SetReadDeadline(time.Time{})

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, errs.ErrUnauthorized.WithDetail("no auth frame")
	}
	frame, err := ParseFrame(raw)
	if err != nil || frame.Type != model.FrameAuth {
		return nil, errs.ErrUnauthorized.WithDetail("first frame must be auth")
	}
	p, err := decodePayload[model.AuthPayload](frame)
	if err != nil {
		return nil, err
	}

	identity, err := security.Verify(s.jwt, p.Token)
	if err != nil {
		return nil, errs.ErrUnauthorized.WithDetail("invalid token")
	}
	if !identity.HasScope(ScopeReviewer) {
		return nil, errs.ErrUnauthorized.WithDetail("missing reviewer scope")
	}
	return identity, nil
}

func (s *WsServer) readLoop(ctx context.Context, cn *conn, identity *security.Identity) {
	// The read deadline is refreshed on every inbound frame; clients keep
	// the session alive with ping frames. All writes go through the pump,
	// the server never pings on its own.
	ws := cn.ws
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))

	strikes := 0
	for {
		mt, raw, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				logger.Log.Debug("ws read ended",
					zap.String("socketId", cn.socketID), zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := ParseFrame(raw)
		if err != nil {
			s.sendError(identity.UserID, err)
			continue
		}

		switch frame.Type {
		case model.FramePing:
			_ = s.sessions.Touch(ctx, identity.UserID)

		case model.FrameTyping:
			_ = s.sessions.Touch(ctx, identity.UserID)

		case model.FrameSendMessage:
			p, err := decodePayload[model.SendMessagePayload](frame)
			if err != nil {
				s.sendError(identity.UserID, err)
				continue
			}
			reply, err := s.router.HandleReviewerMessage(ctx, identity.UserID, p)
			if err != nil {
				if errs.CodeOf(err) == errs.CodeSecurity {
					strikes++
					logger.Log.Warn("sender identity mismatch",
						zap.String("userId", identity.UserID),
						zap.String("claimed", p.SenderID),
						zap.Int("strikes", strikes))
					if strikes >= maxStrikes {
						logger.Log.Warn("dropping session after repeated identity mismatches",
							zap.String("userId", identity.UserID))
						return
					}
				}
				s.sendError(identity.UserID, err)
				continue
			}
			_ = s.registry.SendEvent(identity.UserID, model.NewServerEvent(model.EventMessageSent, reply))

		case model.FrameAuth:
			// Re-auth on a live session is not supported.
			s.sendError(identity.UserID, errs.ErrInvalidPayload.WithDetail("already authenticated"))
		}
	}
}

func (s *WsServer) sendError(userID string, err error) {
	_ = s.registry.SendEvent(userID, model.NewServerEvent(model.EventError, gin.H{
		"code":   errs.CodeOf(err),
		"reason": err.Error(),
	}))
}

func (s *WsServer) broadcastOnline(ctx context.Context) {
	sessions, err := s.sessions.ListOnline(ctx)
	if err != nil {
		return
	}
	uids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		uids = append(uids, sess.UserID)
	}
	s.registry.Broadcast(model.NewServerEvent(model.EventOnlineReviewers, gin.H{
		"reviewerIds": uids,
		"count":       len(uids),
	}))
}

// writeEventDirect is for pre-registration failures where no write pump
// exists yet.
func writeEventDirect(ws *websocket.Conn, ev *model.ServerEvent) {
	_ = ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = ws.WriteJSON(ev)
}
