package model

import "time"

// ReviewerSession is cache-only ephemeral state; the online set derived
// from it is the authoritative online membership, not the durable store.
type ReviewerSession struct {
	UserID       string    `json:"userId"`
	SocketID     string    `json:"socketId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	Online       bool      `json:"online"`
}

// ReviewerAssignment links a conversation to a reviewer with a timeout;
// per-reviewer load and stale-assignment detection both read these.
type ReviewerAssignment struct {
	ConversationID string       `json:"conversationId"`
	CustomerID     string       `json:"customerId"`
	ReviewerID     string       `json:"reviewerId"`
	CustomerType   CustomerType `json:"customerType"`
	AssignedAt     time.Time    `json:"assignedAt"`
	TimeoutAt      time.Time    `json:"timeoutAt"`
	Priority       Priority     `json:"priority"`
}

func (a *ReviewerAssignment) TimedOut(now time.Time) bool {
	return now.After(a.TimeoutAt)
}
