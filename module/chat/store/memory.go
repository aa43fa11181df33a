package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"AgentChat/module/chat/model"
	"AgentChat/tools/errs"
	"AgentChat/tools/ids"
)

// MemoryStore is an in-process Store for tests and local runs without
// mongo. It enforces the same one-open-conversation rule the partial
// unique index enforces in mongo.
type MemoryStore struct {
	mu            sync.Mutex
	customers     map[string]*model.Customer // by id
	byFacebookID  map[string]string
	conversations map[string]*model.Conversation
	messages      map[string]*model.Message
	byExternalID  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		customers:     make(map[string]*model.Customer),
		byFacebookID:  make(map[string]string),
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string]*model.Message),
		byExternalID:  make(map[string]string),
	}
}

func (s *MemoryStore) FindOrCreateCustomer(_ context.Context, up model.CustomerUpsert) (*model.Customer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if id, ok := s.byFacebookID[up.FacebookID]; ok {
		c := s.customers[id]
		if up.Name != "" {
			c.FacebookName = up.Name
		}
		if up.AvatarURL != "" {
			c.FacebookAvatarURL = up.AvatarURL
		}
		if up.ProfileURL != "" {
			c.FacebookProfileURL = up.ProfileURL
		}
		c.UpdatedAt = now
		cp := *c
		return &cp, false, nil
	}

	c := &model.Customer{
		ID:                 ids.GenerateString(),
		FacebookID:         up.FacebookID,
		FacebookName:       up.Name,
		FacebookAvatarURL:  up.AvatarURL,
		FacebookProfileURL: up.ProfileURL,
		CustomerType:       model.CustomerIndividual,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	s.customers[c.ID] = c
	s.byFacebookID[up.FacebookID] = c.ID
	cp := *c
	return &cp, true, nil
}

func (s *MemoryStore) GetCustomer(_ context.Context, customerID string) (*model.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[customerID]
	if !ok {
		return nil, errs.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpdateCustomerAnalysis(_ context.Context, customerID string, a model.CustomerAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[customerID]
	if !ok {
		return errs.ErrRecordNotFound
	}
	c.CustomerType = a.CustomerType
	c.IntentTopic = a.Topic
	c.IntentQuery = a.Query
	c.IntentConfidence = a.Confidence
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) IncrementCustomerStats(_ context.Context, customerID string, messages, conversations int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[customerID]
	if !ok {
		return errs.ErrRecordNotFound
	}
	c.TotalMessages += messages
	c.TotalConversations += conversations
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) FindOrCreateOpenConversation(_ context.Context, customerID string) (*model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conv := range s.conversations {
		if conv.CustomerID == customerID && conv.Open() {
			cp := *conv
			return &cp, false, nil
		}
	}

	now := time.Now()
	conv := &model.Conversation{
		ID:            ids.GenerateString(),
		CustomerID:    customerID,
		Status:        model.ConversationActive,
		StartedAt:     now,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.conversations[conv.ID] = conv
	cp := *conv
	return &cp, true, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, conversationID string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, errs.ErrRecordNotFound
	}
	cp := *conv
	return &cp, nil
}

// AssignReviewer leaves status active so the conversation keeps matching
// the open-conversation lookup; review state is cache-level.
func (s *MemoryStore) AssignReviewer(_ context.Context, conversationID, reviewerID string) error {
	return s.mutateConversation(conversationID, func(c *model.Conversation) {
		c.AssignedReviewerID = reviewerID
	})
}

func (s *MemoryStore) ResolveConversation(_ context.Context, conversationID string) error {
	now := time.Now()
	return s.mutateConversation(conversationID, func(c *model.Conversation) {
		c.Status = model.ConversationResolved
		c.CaseResolved = true
		c.ResolvedAt = &now
	})
}

func (s *MemoryStore) BumpConversationCounters(_ context.Context, conversationID string, d model.CounterDelta) error {
	return s.mutateConversation(conversationID, func(c *model.Conversation) {
		c.TotalMessages += d.Total
		c.AutoMessages += d.Auto
		c.ManualMessages += d.Manual
		c.LastMessageAt = time.Now()
	})
}

func (s *MemoryStore) mutateConversation(conversationID string, fn func(*model.Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return errs.ErrRecordNotFound
	}
	fn(conv)
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg *model.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.FacebookMessageID != "" {
		if _, ok := s.byExternalID[msg.FacebookMessageID]; ok {
			return false, nil
		}
	}

	now := time.Now()
	if msg.ID == "" {
		msg.ID = ids.GenerateString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	cp := *msg
	s.messages[msg.ID] = &cp
	if msg.FacebookMessageID != "" {
		s.byExternalID[msg.FacebookMessageID] = msg.ID
	}
	return true, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, messageID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, errs.ErrRecordNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMessageByExternalID(_ context.Context, externalID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExternalID[externalID]
	if !ok {
		return nil, errs.ErrRecordNotFound
	}
	cp := *s.messages[id]
	return &cp, nil
}

func (s *MemoryStore) UpdateMessageStatus(_ context.Context, messageID string, status model.MessageStatus, patch *MessagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return errs.ErrRecordNotFound
	}
	m.Status = status
	if patch != nil {
		if patch.AutoResponse != nil {
			m.AutoResponse = *patch.AutoResponse
		}
		if patch.ConfidenceScore != nil {
			m.ConfidenceScore = patch.ConfidenceScore
		}
		if patch.FacebookMessageID != nil {
			m.FacebookMessageID = *patch.FacebookMessageID
			s.byExternalID[*patch.FacebookMessageID] = m.ID
		}
		if patch.RetryCount != nil {
			m.RetryCount = *patch.RetryCount
		}
		if patch.ProcessedAt != nil {
			m.ProcessedAt = patch.ProcessedAt
		}
		if patch.RespondedAt != nil {
			m.RespondedAt = patch.RespondedAt
		}
	}
	m.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) LatestMessageWithStatus(_ context.Context, conversationID string, statuses ...model.MessageStatus) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[model.MessageStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*model.Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if len(want) > 0 && !want[m.Status] {
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, errs.ErrRecordNotFound
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	cp := *out[0]
	return &cp, nil
}

func (s *MemoryStore) ListConversationMessages(_ context.Context, conversationID string, limit int64) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*model.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountActiveByReviewer(_ context.Context, reviewerIDs []string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int64, len(reviewerIDs))
	for _, id := range reviewerIDs {
		counts[id] = 0
	}
	for _, conv := range s.conversations {
		if _, ok := counts[conv.AssignedReviewerID]; !ok {
			continue
		}
		if conv.Open() {
			counts[conv.AssignedReviewerID]++
		}
	}
	return counts, nil
}
