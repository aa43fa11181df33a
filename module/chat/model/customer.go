package model

import "time"

// Customer is the stable identity behind an external platform id. Created
// on first inbound message, display fields refreshed on later ones, never
// deleted by the routing core.
type Customer struct {
	ID                 string       `bson:"_id" json:"id"`
	FacebookID         string       `bson:"facebook_id" json:"facebookId"`
	FacebookName       string       `bson:"facebook_name,omitempty" json:"facebookName,omitempty"`
	FacebookAvatarURL  string       `bson:"facebook_avatar_url,omitempty" json:"facebookAvatarUrl,omitempty"`
	FacebookProfileURL string       `bson:"facebook_profile_url,omitempty" json:"facebookProfileUrl,omitempty"`
	CustomerType       CustomerType `bson:"customer_type" json:"customerType"`

	// Last classifier verdict for this customer.
	IntentTopic      string  `bson:"intent_topic,omitempty" json:"intentTopic,omitempty"`
	IntentQuery      string  `bson:"intent_query,omitempty" json:"intentQuery,omitempty"`
	IntentConfidence float64 `bson:"intent_confidence,omitempty" json:"intentConfidence,omitempty"`

	TotalMessages      int64 `bson:"total_messages" json:"totalMessages"`
	TotalConversations int64 `bson:"total_conversations" json:"totalConversations"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// CustomerUpsert carries the display fields arriving with a webhook event.
type CustomerUpsert struct {
	FacebookID string
	Name       string
	AvatarURL  string
	ProfileURL string
}

// CustomerAnalysis is the non-blocking patch applied after classification.
type CustomerAnalysis struct {
	CustomerType CustomerType
	Topic        string
	Query        string
	Confidence   float64
}
