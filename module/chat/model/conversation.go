package model

import "time"

// Conversation groups messages between one customer and at most one
// assigned reviewer. Invariant: a customer has at most one conversation
// with status active and caseResolved=false at any time; all routing goes
// through find-or-create against that invariant.
type Conversation struct {
	ID                 string             `bson:"_id" json:"id"`
	CustomerID         string             `bson:"customer_id" json:"customerId"`
	AssignedReviewerID string             `bson:"assigned_reviewer_id,omitempty" json:"assignedReviewerId,omitempty"`
	Status             ConversationStatus `bson:"status" json:"status"`
	CaseResolved       bool               `bson:"case_resolved" json:"caseResolved"`

	TotalMessages  int64 `bson:"total_messages" json:"totalMessages"`
	AutoMessages   int64 `bson:"auto_messages" json:"autoMessages"`
	ManualMessages int64 `bson:"manual_messages" json:"manualMessages"`

	StartedAt     time.Time  `bson:"started_at" json:"startedAt"`
	LastMessageAt time.Time  `bson:"last_message_at" json:"lastMessageAt"`
	ResolvedAt    *time.Time `bson:"resolved_at,omitempty" json:"resolvedAt,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// Open reports whether this conversation blocks creation of a new one for
// the same customer. Durable rows stay active while assigned; in_review
// appears only on cached copies and is just as open.
func (c *Conversation) Open() bool {
	return (c.Status == ConversationActive || c.Status == ConversationInReview) && !c.CaseResolved
}

// CounterDelta is applied atomically with the message write it belongs to;
// a partial counter update is a correctness bug, so appliers must retry
// the whole delta.
type CounterDelta struct {
	Total  int64
	Auto   int64
	Manual int64
}
