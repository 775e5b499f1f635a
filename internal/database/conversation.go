package repository

import (
	"FunnelBot/entity"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// OpenConversation returns the user's non-closed conversation, creating one if needed.
func (m *MongoDB) OpenConversation(ctx context.Context, user *entity.ConversationUser) (*entity.Conversation, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(conversationsCollection)

	now := time.Now()
	filter := bson.M{
		"conversation_user_id": user.ID,
		"status":               bson.M{"$ne": entity.ConversationClosed},
	}
	update := bson.M{"$setOnInsert": bson.M{
		"id":         uuid.NewString(),
		"tenant_id":  user.TenantID,
		"bot_id":     user.BotID,
		"status":     entity.ConversationActive,
		"started_at": now,
		"updated_at": now,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var conv entity.Conversation
	err = collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&conv)
	if err != nil {
		return nil, fmt.Errorf("mongodb upsert error: %w", err)
	}
	return &conv, nil
}

func (m *MongoDB) GetConversation(ctx context.Context, id string) (*entity.Conversation, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(conversationsCollection)

	var conv entity.Conversation
	err = collection.FindOne(ctx, bson.D{{Key: "id", Value: id}}).Decode(&conv)
	if err != nil {
		return nil, m.findError(err)
	}
	return &conv, nil
}

func (m *MongoDB) UpdateConversationStatus(ctx context.Context, id string, status entity.ConversationStatus, operatorID, reason string) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(conversationsCollection)

	now := time.Now()
	set := bson.M{
		"status":         status,
		"operator_id":    operatorID,
		"handoff_reason": reason,
		"updated_at":     now,
	}
	if status == entity.ConversationClosed {
		set["closed_at"] = now
	}
	_, err = collection.UpdateOne(ctx, bson.D{{Key: "id", Value: id}}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mongodb update error: %w", err)
	}
	return nil
}
