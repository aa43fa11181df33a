package model

// MessageStatus is the inbound-message pipeline state machine. The flow is
// linear with two branch points: auto-response when the classifier is
// confident, reviewer hand-off otherwise.
type MessageStatus string

const (
	MessageReceived           MessageStatus = "received"
	MessageWaitAIAgent        MessageStatus = "wait_ai_agent"
	MessageAIDoneAuto         MessageStatus = "ai_agent_done_auto"
	MessageAIDoneNeedManual   MessageStatus = "ai_agent_done_need_manual"
	MessageSentToReviewer     MessageStatus = "sent_to_reviewer"
	MessageReviewerReplied    MessageStatus = "reviewer_replied"
	MessageAutoResponseDone   MessageStatus = "auto_response_done"
	MessageManualResponseDone MessageStatus = "manual_response_done"
	MessageEscalated          MessageStatus = "escalated"
	MessageFailedToSend       MessageStatus = "failed_to_send"
)

type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderBot      SenderType = "bot"
	SenderReviewer SenderType = "reviewer"
)

type CustomerType string

const (
	CustomerIndividual        CustomerType = "individual"
	CustomerBusiness          CustomerType = "business"
	CustomerHouseholdBusiness CustomerType = "household_business"
	CustomerPartner           CustomerType = "partner"
)

type ConversationStatus string

// in_review is a cache-level view: durable rows keep active while a
// reviewer holds the conversation.
const (
	ConversationActive   ConversationStatus = "active"
	ConversationInReview ConversationStatus = "in_review"
	ConversationResolved ConversationStatus = "resolved"
	ConversationClosed   ConversationStatus = "closed"
)

// QueueAction names one per-action priority queue in the queue engine.
type QueueAction string

const (
	ActionSendToFacebook    QueueAction = "send_to_facebook"
	ActionProcessAIResponse QueueAction = "process_ai_response"
	ActionAssignToReviewer  QueueAction = "assign_to_reviewer"
	ActionRetryProcessing   QueueAction = "retry_processing"
)

// AllQueueActions is used by stats and cleanup scans.
var AllQueueActions = []QueueAction{
	ActionSendToFacebook,
	ActionProcessAIResponse,
	ActionAssignToReviewer,
	ActionRetryProcessing,
}

type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// RoutedTo is the orchestrator's verdict for one inbound message.
type RoutedTo string

const (
	RoutedAuto     RoutedTo = "auto"
	RoutedReviewer RoutedTo = "reviewer"
	RoutedQueued   RoutedTo = "queued"
)
