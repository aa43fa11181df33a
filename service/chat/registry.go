package chat

import (
	"encoding/json"
	"sync"
	"time"

	"AgentChat/logger"
	"AgentChat/module/chat/model"
	"AgentChat/tools/errs"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendQueueSize = 64
	writeDeadline = 5 * time.Second
)

// conn is one reviewer websocket. Writes go through the send channel and
// a single write pump, gorilla conns do not allow concurrent writers.
type conn struct {
	socketID string
	userID   string

	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(socketID, userID string, ws *websocket.Conn) *conn {
	return &conn{
		socketID: socketID,
		userID:   userID,
		ws:       ws,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}
}

// writePump drains the send queue onto the socket. It exits when the
// queue closes or a write fails; the read loop notices via done.
func (c *conn) writePump() {
	defer close(c.done)
	for data := range c.send {
		if err := c.ws.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
			return
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Log.Debug("ws write failed",
				zap.String("socketId", c.socketID), zap.Error(err))
			return
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		_ = c.ws.Close()
	})
}

// enqueue drops the frame when the client cannot keep up; a reviewer UI
// that lags behind resyncs on reconnect.
func (c *conn) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// ConnRegistry indexes live reviewer sockets on this node. One socket per
// reviewer: a rebind closes the previous socket.
type ConnRegistry struct {
	mu       sync.RWMutex
	bySocket map[string]*conn
	byUser   map[string]*conn
}

func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{
		bySocket: make(map[string]*conn),
		byUser:   make(map[string]*conn),
	}
}

// Bind registers an authenticated socket and returns the conn it
// replaced, if any.
func (r *ConnRegistry) Bind(c *conn) *conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.byUser[c.userID]
	if prev != nil {
		delete(r.bySocket, prev.socketID)
	}
	r.bySocket[c.socketID] = c
	r.byUser[c.userID] = c
	return prev
}

// Remove unregisters a socket; it reports whether the socket still owned
// the user entry (false after a rebind replaced it).
func (r *ConnRegistry) Remove(socketID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.bySocket[socketID]
	if !ok {
		return false
	}
	delete(r.bySocket, socketID)
	if cur := r.byUser[c.userID]; cur == c {
		delete(r.byUser, c.userID)
		return true
	}
	return false
}

func (r *ConnRegistry) getByUser(userID string) *conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID]
}

func (r *ConnRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySocket)
}

// SendEvent pushes a server event to one reviewer. Reviewers connected to
// another node (or offline) yield ErrRecordNotFound, callers decide
// whether that demotes the reviewer.
func (r *ConnRegistry) SendEvent(userID string, ev *model.ServerEvent) error {
	c := r.getByUser(userID)
	if c == nil {
		return errs.ErrRecordNotFound
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return errs.ErrInvalidPayload.WithDetail(err.Error())
	}
	if !c.enqueue(data) {
		logger.Log.Warn("dropping event, send queue full",
			zap.String("userId", userID), zap.String("event", ev.Event))
	}
	return nil
}

// Broadcast fans an event out to every connected reviewer.
func (r *ConnRegistry) Broadcast(ev *model.ServerEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	r.mu.RLock()
	conns := make([]*conn, 0, len(r.byUser))
	for _, c := range r.byUser {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.enqueue(data)
	}
}

func (r *ConnRegistry) Close() {
	r.mu.Lock()
	conns := make([]*conn, 0, len(r.bySocket))
	for _, c := range r.bySocket {
		conns = append(conns, c)
	}
	r.bySocket = make(map[string]*conn)
	r.byUser = make(map[string]*conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
