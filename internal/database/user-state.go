package repository

import (
	"FunnelBot/bot/funnel"
	"FunnelBot/entity"
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func (m *MongoDB) LoadUserState(ctx context.Context, conversationUserID string) (*entity.UserState, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(statesCollection)

	var state entity.UserState
	err = collection.FindOne(ctx, bson.D{{Key: "conversation_user_id", Value: conversationUserID}}).Decode(&state)
	if err != nil {
		return nil, m.findError(err)
	}
	return &state, nil
}

// SaveUserState is a compare-and-swap on version. The first write inserts and
// relies on the unique index to lose a concurrent first write.
func (m *MongoDB) SaveUserState(ctx context.Context, state *entity.UserState, expected int64) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(statesCollection)

	next := *state
	next.Version = expected + 1

	if expected == 0 {
		_, err = collection.InsertOne(ctx, &next)
		if mongo.IsDuplicateKeyError(err) {
			return funnel.ErrStateConflict
		}
		if err != nil {
			return fmt.Errorf("mongodb insert error: %w", err)
		}
		state.Version = next.Version
		return nil
	}

	filter := bson.D{{Key: "conversation_user_id", Value: state.ConversationUserID}, {Key: "version", Value: expected}}
	res, err := collection.ReplaceOne(ctx, filter, &next)
	if err != nil {
		return fmt.Errorf("mongodb replace error: %w", err)
	}
	if res.MatchedCount == 0 {
		return funnel.ErrStateConflict
	}
	state.Version = next.Version
	return nil
}

func (m *MongoDB) SetLastBotMessage(ctx context.Context, conversationUserID, messageID string) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(statesCollection)
	filter := bson.D{{Key: "conversation_user_id", Value: conversationUserID}}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "last_bot_message_id", Value: messageID}}}}
	_, err = collection.UpdateOne(ctx, filter, update)
	return err
}
