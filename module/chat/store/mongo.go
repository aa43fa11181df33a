package store

import (
	"context"
	"math/rand"
	"time"

	"AgentChat/global/config"
	"AgentChat/logger"
	"AgentChat/module/chat/model"
	"AgentChat/tools/errs"
	"AgentChat/tools/ids"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	collCustomers     = "customers"
	collConversations = "conversations"
	collMessages      = "messages"
)

// Connect dials mongo with exponential backoff and returns the database
// handle once a ping succeeds.
func Connect(ctx context.Context, cfg config.MongoConfig) (*mongo.Database, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}

	const (
		baseBackoff = 200 * time.Millisecond
		maxBackoff  = 5 * time.Second
		maxAttempts = 7
	)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cli, err := mongo.Connect(ctx, opts)
		if err == nil {
			if err = cli.Ping(ctx, nil); err == nil {
				return cli.Database(cfg.Database), nil
			}
			_ = cli.Disconnect(context.Background())
		}
		lastErr = err
		logger.Log.Warn("mongo connect failed, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))

		backoff := baseBackoff << attempt
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		jitter := time.Duration(rand.Int63n(int64(backoff / 5)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff - jitter/2):
		}
	}
	return nil, errors.Wrap(lastErr, "mongo connect")
}

// MongoStore implements Store on a mongo database.
type MongoStore struct {
	db *mongo.Database
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

// EnsureIndexes creates the indexes the conditional upserts rely on. The
// partial unique index on open conversations is what makes the one-open-
// conversation-per-customer rule hold under concurrent upserts.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collCustomers).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "facebook_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errors.Wrap(err, "customers index")
	}

	_, err = s.db.Collection(collConversations).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "customer_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.D{
				{Key: "status", Value: string(model.ConversationActive)},
				{Key: "case_resolved", Value: false},
			}),
		},
		{Keys: bson.D{{Key: "assigned_reviewer_id", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return errors.Wrap(err, "conversations indexes")
	}

	_, err = s.db.Collection(collMessages).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "facebook_message_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	return errors.Wrap(err, "messages indexes")
}

func (s *MongoStore) FindOrCreateCustomer(ctx context.Context, up model.CustomerUpsert) (*model.Customer, bool, error) {
	now := time.Now()
	set := bson.M{"updated_at": now}
	if up.Name != "" {
		set["facebook_name"] = up.Name
	}
	if up.AvatarURL != "" {
		set["facebook_avatar_url"] = up.AvatarURL
	}
	if up.ProfileURL != "" {
		set["facebook_profile_url"] = up.ProfileURL
	}

	res, err := s.db.Collection(collCustomers).UpdateOne(ctx,
		bson.M{"facebook_id": up.FacebookID},
		bson.M{
			"$set": set,
			"$setOnInsert": bson.M{
				"_id":                 ids.GenerateString(),
				"facebook_id":         up.FacebookID,
				"customer_type":       model.CustomerIndividual,
				"total_messages":      int64(0),
				"total_conversations": int64(0),
				"created_at":          now,
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return nil, false, errs.ErrDependency.WithDetail(err.Error())
	}

	var doc model.Customer
	if err := s.db.Collection(collCustomers).
		FindOne(ctx, bson.M{"facebook_id": up.FacebookID}).Decode(&doc); err != nil {
		return nil, false, errs.ErrDependency.WithDetail(err.Error())
	}
	return &doc, res.UpsertedCount > 0, nil
}

func (s *MongoStore) GetCustomer(ctx context.Context, customerID string) (*model.Customer, error) {
	var doc model.Customer
	err := s.db.Collection(collCustomers).FindOne(ctx, bson.M{"_id": customerID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrRecordNotFound
	}
	if err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}
	return &doc, nil
}

func (s *MongoStore) UpdateCustomerAnalysis(ctx context.Context, customerID string, a model.CustomerAnalysis) error {
	_, err := s.db.Collection(collCustomers).UpdateOne(ctx,
		bson.M{"_id": customerID},
		bson.M{"$set": bson.M{
			"customer_type":     a.CustomerType,
			"intent_topic":      a.Topic,
			"intent_query":      a.Query,
			"intent_confidence": a.Confidence,
			"updated_at":        time.Now(),
		}},
	)
	if err != nil {
		return errs.ErrDependency.WithDetail(err.Error())
	}
	return nil
}

func (s *MongoStore) IncrementCustomerStats(ctx context.Context, customerID string, messages, conversations int64) error {
	_, err := s.db.Collection(collCustomers).UpdateOne(ctx,
		bson.M{"_id": customerID},
		bson.M{
			"$inc": bson.M{"total_messages": messages, "total_conversations": conversations},
			"$set": bson.M{"updated_at": time.Now()},
		},
	)
	if err != nil {
		return errs.ErrDependency.WithDetail(err.Error())
	}
	return nil
}

func (s *MongoStore) FindOrCreateOpenConversation(ctx context.Context, customerID string) (*model.Conversation, bool, error) {
	now := time.Now()
	filter := bson.M{
		"customer_id":   customerID,
		"status":        model.ConversationActive,
		"case_resolved": false,
	}

	res, err := s.db.Collection(collConversations).UpdateOne(ctx,
		filter,
		bson.M{
			"$set": bson.M{"updated_at": now},
			"$setOnInsert": bson.M{
				"_id":             ids.GenerateString(),
				"customer_id":     customerID,
				"status":          model.ConversationActive,
				"case_resolved":   false,
				"total_messages":  int64(0),
				"auto_messages":   int64(0),
				"manual_messages": int64(0),
				"started_at":      now,
				"last_message_at": now,
				"created_at":      now,
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		// A concurrent upsert can trip the partial unique index; the open
		// conversation exists at that point, so fall through to the find.
		if !mongo.IsDuplicateKeyError(err) {
			return nil, false, errs.ErrDependency.WithDetail(err.Error())
		}
		res = &mongo.UpdateResult{}
	}

	var doc model.Conversation
	if err := s.db.Collection(collConversations).FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, false, errs.ErrDependency.WithDetail(err.Error())
	}
	return &doc, res.UpsertedCount > 0, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var doc model.Conversation
	err := s.db.Collection(collConversations).FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrRecordNotFound
	}
	if err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}
	return &doc, nil
}

// AssignReviewer binds the conversation without leaving status active:
// the durable row must keep matching the open-conversation filter so a
// follow-up message lands in the same conversation. Review state lives
// in the cache assignment record.
func (s *MongoStore) AssignReviewer(ctx context.Context, conversationID, reviewerID string) error {
	return s.updateConversation(ctx, conversationID, bson.M{"$set": bson.M{
		"assigned_reviewer_id": reviewerID,
		"updated_at":           time.Now(),
	}})
}

func (s *MongoStore) ResolveConversation(ctx context.Context, conversationID string) error {
	now := time.Now()
	return s.updateConversation(ctx, conversationID, bson.M{"$set": bson.M{
		"status":        model.ConversationResolved,
		"case_resolved": true,
		"resolved_at":   now,
		"updated_at":    now,
	}})
}

func (s *MongoStore) BumpConversationCounters(ctx context.Context, conversationID string, d model.CounterDelta) error {
	now := time.Now()
	return s.updateConversation(ctx, conversationID, bson.M{
		"$inc": bson.M{
			"total_messages":  d.Total,
			"auto_messages":   d.Auto,
			"manual_messages": d.Manual,
		},
		"$set": bson.M{"last_message_at": now, "updated_at": now},
	})
}

func (s *MongoStore) updateConversation(ctx context.Context, conversationID string, update bson.M) error {
	res, err := s.db.Collection(collConversations).UpdateOne(ctx, bson.M{"_id": conversationID}, update)
	if err != nil {
		return errs.ErrDependency.WithDetail(err.Error())
	}
	if res.MatchedCount == 0 {
		return errs.ErrRecordNotFound
	}
	return nil
}

func (s *MongoStore) InsertMessage(ctx context.Context, msg *model.Message) (bool, error) {
	now := time.Now()
	if msg.ID == "" {
		msg.ID = ids.GenerateString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	if msg.FacebookMessageID == "" {
		if _, err := s.db.Collection(collMessages).InsertOne(ctx, msg); err != nil {
			return false, errs.ErrDependency.WithDetail(err.Error())
		}
		return true, nil
	}

	// Replayed webhook deliveries carry the same external id; the upsert
	// makes the second delivery a no-op.
	res, err := s.db.Collection(collMessages).UpdateOne(ctx,
		bson.M{"facebook_message_id": msg.FacebookMessageID},
		bson.M{"$setOnInsert": msg},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, errs.ErrDependency.WithDetail(err.Error())
	}
	return res.UpsertedCount > 0, nil
}

func (s *MongoStore) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	return s.findMessage(ctx, bson.M{"_id": messageID})
}

func (s *MongoStore) GetMessageByExternalID(ctx context.Context, externalID string) (*model.Message, error) {
	return s.findMessage(ctx, bson.M{"facebook_message_id": externalID})
}

func (s *MongoStore) findMessage(ctx context.Context, filter bson.M) (*model.Message, error) {
	var doc model.Message
	err := s.db.Collection(collMessages).FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrRecordNotFound
	}
	if err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}
	return &doc, nil
}

func (s *MongoStore) UpdateMessageStatus(ctx context.Context, messageID string, status model.MessageStatus, patch *MessagePatch) error {
	set := bson.M{"status": status, "updated_at": time.Now()}
	if patch != nil {
		if patch.AutoResponse != nil {
			set["auto_response"] = *patch.AutoResponse
		}
		if patch.ConfidenceScore != nil {
			set["confidence_score"] = *patch.ConfidenceScore
		}
		if patch.FacebookMessageID != nil {
			set["facebook_message_id"] = *patch.FacebookMessageID
		}
		if patch.RetryCount != nil {
			set["retry_count"] = *patch.RetryCount
		}
		if patch.ProcessedAt != nil {
			set["processed_at"] = *patch.ProcessedAt
		}
		if patch.RespondedAt != nil {
			set["responded_at"] = *patch.RespondedAt
		}
	}

	res, err := s.db.Collection(collMessages).UpdateOne(ctx, bson.M{"_id": messageID}, bson.M{"$set": set})
	if err != nil {
		return errs.ErrDependency.WithDetail(err.Error())
	}
	if res.MatchedCount == 0 {
		return errs.ErrRecordNotFound
	}
	return nil
}

func (s *MongoStore) LatestMessageWithStatus(ctx context.Context, conversationID string, statuses ...model.MessageStatus) (*model.Message, error) {
	filter := bson.M{"conversation_id": conversationID}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}
	var doc model.Message
	err := s.db.Collection(collMessages).
		FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrRecordNotFound
	}
	if err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}
	return &doc, nil
}

func (s *MongoStore) ListConversationMessages(ctx context.Context, conversationID string, limit int64) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	cur, err := s.db.Collection(collMessages).Find(ctx,
		bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit),
	)
	if err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}
	defer cur.Close(ctx)

	var out []*model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}
	return out, nil
}

func (s *MongoStore) CountActiveByReviewer(ctx context.Context, reviewerIDs []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(reviewerIDs))
	for _, id := range reviewerIDs {
		counts[id] = 0
	}
	if len(reviewerIDs) == 0 {
		return counts, nil
	}

	cur, err := s.db.Collection(collConversations).Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"assigned_reviewer_id": bson.M{"$in": reviewerIDs},
			"status":               model.ConversationActive,
			"case_resolved":        false,
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$assigned_reviewer_id",
			"count": bson.M{"$sum": 1},
		}}},
	})
	if err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}
	defer cur.Close(ctx)

	var rows []struct {
		ID    string `bson:"_id"`
		Count int64  `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errs.ErrDependency.WithDetail(err.Error())
	}
	for _, r := range rows {
		counts[r.ID] = r.Count
	}
	return counts, nil
}
