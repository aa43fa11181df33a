// Package ai classifies inbound customer messages and drafts an answer.
// The confidence score drives routing: high enough and the draft goes
// straight back to the customer, otherwise a human reviewer takes over.
package ai

import (
	"context"

	"AgentChat/module/chat/model"
)

// Request carries one customer question into a classifier.
type Request struct {
	Question string
	Model    string
	APIKey   string
}

// Result is the classifier verdict for a single message.
type Result struct {
	Answer         string             `json:"answer"`
	Confidence     float64            `json:"confidence"`
	ClarifiedQuery string             `json:"clarified_query"`
	CustomerType   model.CustomerType `json:"customer_type"`
	KeyInformation string             `json:"key_information"`
	Topic          string             `json:"main_topic"`
	Question       string             `json:"question"`
}

// Classifier analyzes a message. Implementations must return a usable
// low-confidence fallback rather than an error when the upstream model
// misbehaves; an error means the message could not be analyzed at all.
type Classifier interface {
	Analyze(ctx context.Context, req Request) (*Result, error)
}
