package model

import (
	"encoding/json"
	"time"
)

// Frame is the single typed envelope decoded once at the websocket
// boundary. Anything that fails decoding is rejected, never re-interpreted
// by runtime type.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type FrameType string

const (
	FrameAuth        FrameType = "auth"
	FrameSendMessage FrameType = "send_message"
	FrameTyping      FrameType = "typing"
	FramePing        FrameType = "ping"
)

type AuthPayload struct {
	Token string `json:"token"`
}

type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId,omitempty"`
	Content        string `json:"content"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// ServerEvent is the outbound envelope pushed to reviewer clients.
type ServerEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
	Ts    int64       `json:"ts"`
}

func NewServerEvent(event string, data interface{}) *ServerEvent {
	return &ServerEvent{Event: event, Data: data, Ts: time.Now().UnixMilli()}
}

// Event names pushed over the realtime channel.
const (
	EventConnected           = "connected"
	EventAuthError           = "auth_error"
	EventReceiveMessage      = "receive_message"
	EventMessageSent         = "message_sent"
	EventConversationUpdated = "conversation_updated"
	EventOnlineReviewers     = "online_reviewers_updated"
	EventError               = "error"
)

// ReceiveMessageEvent is what an assigned reviewer gets for one routed
// message: the original text plus the AI suggestion.
type ReceiveMessageEvent struct {
	MessageID      string       `json:"messageId"`
	ConversationID string       `json:"conversationId"`
	CustomerID     string       `json:"customerId"`
	Content        string       `json:"content"`
	AutoResponse   string       `json:"autoResponse,omitempty"`
	Confidence     float64      `json:"confidence"`
	CustomerName   string       `json:"customerName,omitempty"`
	CustomerType   CustomerType `json:"customerType,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// InboundPayload is one normalized webhook message; signature and shape
// validation of the raw webhook body happen in the web layer above.
type InboundPayload struct {
	ExternalMessageID string
	Content           string
	Customer          CustomerUpsert
	Timestamp         time.Time
}

// InboundResult is the orchestrator's verdict surfaced to the webhook
// handler; callers above see accepted/rejected only, never dependency
// internals.
type InboundResult struct {
	ConversationID string   `json:"conversationId"`
	CustomerID     string   `json:"customerId"`
	MessageID      string   `json:"messageId"`
	RoutedTo       RoutedTo `json:"routedTo"`
	Confidence     float64  `json:"confidence"`
}
