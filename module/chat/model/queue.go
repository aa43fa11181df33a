package model

import "time"

// QueueItem is the unit moved between the per-action priority queues, the
// delayed queue and the dead-letter queue.
type QueueItem struct {
	MessageID      string      `json:"messageId"`
	ConversationID string      `json:"conversationId"`
	CustomerID     string      `json:"customerId"`
	Action         QueueAction `json:"action"`
	Priority       Priority    `json:"priority"`
	RetryCount     int         `json:"retryCount"`
	MaxRetries     int         `json:"maxRetries"`
	ScheduledAt    time.Time   `json:"scheduledAt"`
	LastError      string      `json:"lastError,omitempty"`

	// Payload for external sends staged through the queue.
	ExternalID string `json:"externalId,omitempty"`
	Content    string `json:"content,omitempty"`
}

// QueueStats is the ops snapshot served by the admin endpoints.
type QueueStats struct {
	QueueSizes  map[QueueAction]int64 `json:"queueSizes"`
	Delayed     int64                 `json:"delayed"`
	DeadLetter  int64                 `json:"deadLetter"`
	CollectedAt time.Time             `json:"collectedAt"`
}
