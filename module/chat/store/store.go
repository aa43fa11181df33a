// Package store is the durable record of customers, conversations and
// messages. Redis holds hot copies; this layer is the source of truth the
// caches are rebuilt from.
package store

import (
	"context"
	"time"

	"AgentChat/module/chat/model"
)

// MessagePatch carries the optional fields a status transition may set
// alongside the status itself.
type MessagePatch struct {
	AutoResponse      *string
	ConfidenceScore   *float64
	FacebookMessageID *string
	RetryCount        *int
	ProcessedAt       *time.Time
	RespondedAt       *time.Time
}

// Store is the durable persistence surface for the routing core.
//
// FindOrCreateOpenConversation must be a conditional upsert: concurrent
// calls for one customer resolve to the same open conversation, never two.
type Store interface {
	FindOrCreateCustomer(ctx context.Context, up model.CustomerUpsert) (*model.Customer, bool, error)
	GetCustomer(ctx context.Context, customerID string) (*model.Customer, error)
	UpdateCustomerAnalysis(ctx context.Context, customerID string, a model.CustomerAnalysis) error
	IncrementCustomerStats(ctx context.Context, customerID string, messages, conversations int64) error

	FindOrCreateOpenConversation(ctx context.Context, customerID string) (*model.Conversation, bool, error)
	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
	AssignReviewer(ctx context.Context, conversationID, reviewerID string) error
	ResolveConversation(ctx context.Context, conversationID string) error
	BumpConversationCounters(ctx context.Context, conversationID string, d model.CounterDelta) error

	// InsertMessage reports false without error when a message with the
	// same external id already exists.
	InsertMessage(ctx context.Context, msg *model.Message) (bool, error)
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)
	GetMessageByExternalID(ctx context.Context, externalID string) (*model.Message, error)
	UpdateMessageStatus(ctx context.Context, messageID string, status model.MessageStatus, patch *MessagePatch) error
	LatestMessageWithStatus(ctx context.Context, conversationID string, statuses ...model.MessageStatus) (*model.Message, error)
	ListConversationMessages(ctx context.Context, conversationID string, limit int64) ([]*model.Message, error)

	CountActiveByReviewer(ctx context.Context, reviewerIDs []string) (map[string]int64, error)
}
