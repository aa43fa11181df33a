package model

import "time"

// Message is one inbound or outbound unit. Content is immutable; status
// mutates in place as the message moves through the pipeline. The external
// message id makes webhook replay idempotent.
type Message struct {
	ID             string        `bson:"_id" json:"id"`
	ConversationID string        `bson:"conversation_id" json:"conversationId"`
	CustomerID     string        `bson:"customer_id" json:"customerId"`
	SenderID       string        `bson:"sender_id,omitempty" json:"senderId,omitempty"`
	SenderType     SenderType    `bson:"sender_type" json:"senderType"`
	Content        string        `bson:"content" json:"content"`
	Status         MessageStatus `bson:"status" json:"status"`

	AutoResponse    string   `bson:"auto_response,omitempty" json:"autoResponse,omitempty"`
	ConfidenceScore *float64 `bson:"confidence_score,omitempty" json:"confidenceScore,omitempty"`

	FacebookMessageID string `bson:"facebook_message_id,omitempty" json:"facebookMessageId,omitempty"`

	RetryCount int `bson:"retry_count" json:"retryCount"`
	MaxRetries int `bson:"max_retries" json:"maxRetries"`

	ProcessedAt *time.Time `bson:"processed_at,omitempty" json:"processedAt,omitempty"`
	RespondedAt *time.Time `bson:"responded_at,omitempty" json:"respondedAt,omitempty"`
	CreatedAt   time.Time  `bson:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updatedAt"`
}

// Terminal reports whether the status admits no further transitions.
func (s MessageStatus) Terminal() bool {
	switch s {
	case MessageAutoResponseDone, MessageManualResponseDone,
		MessageFailedToSend, MessageEscalated:
		return true
	}
	return false
}
