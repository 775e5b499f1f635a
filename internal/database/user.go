package repository

import (
	"FunnelBot/entity"
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// UpsertConversationUser creates the user on first contact and refreshes the
// profile afterwards. A user writing to the bot has unblocked it.
func (m *MongoDB) UpsertConversationUser(ctx context.Context, user *entity.ConversationUser) (*entity.ConversationUser, bool, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, false, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(usersCollection)

	now := time.Now()
	set := bson.M{
		"chat_id":      user.ChatID,
		"username":     user.Username,
		"first_name":   user.FirstName,
		"last_name":    user.LastName,
		"is_blocked":   false,
		"last_seen_at": now,
	}
	if user.Locale != "" {
		set["locale"] = user.Locale
	}
	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"id":            user.ID,
			"tenant_id":     user.TenantID,
			"bot_id":        user.BotID,
			"external_id":   user.ExternalID,
			"is_subscribed": false,
			"first_seen_at": now,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var stored entity.ConversationUser
	err = collection.FindOneAndUpdate(ctx, bson.D{{Key: "id", Value: user.ID}}, update, opts).Decode(&stored)
	if mongo.IsDuplicateKeyError(err) {
		// lost a concurrent first contact; the row exists now
		err = collection.FindOneAndUpdate(ctx, bson.D{{Key: "id", Value: user.ID}}, update, opts).Decode(&stored)
	}
	if err != nil {
		return nil, false, fmt.Errorf("mongodb upsert error: %w", err)
	}
	created := stored.FirstSeenAt.Equal(stored.LastSeenAt)
	return &stored, created, nil
}

func (m *MongoDB) GetConversationUser(ctx context.Context, id string) (*entity.ConversationUser, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(usersCollection)

	var user entity.ConversationUser
	err = collection.FindOne(ctx, bson.D{{Key: "id", Value: id}}).Decode(&user)
	if err != nil {
		return nil, m.findError(err)
	}
	return &user, nil
}

func (m *MongoDB) updateUser(ctx context.Context, id string, update bson.M) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(usersCollection)
	_, err = collection.UpdateOne(ctx, bson.D{{Key: "id", Value: id}}, update)
	if err != nil {
		return fmt.Errorf("mongodb update error: %w", err)
	}
	return nil
}

func (m *MongoDB) AddUserTags(ctx context.Context, id string, tags []string) error {
	return m.updateUser(ctx, id, bson.M{"$addToSet": bson.M{"tags": bson.M{"$each": tags}}})
}

func (m *MongoDB) SetUserSubscribed(ctx context.Context, id string, subscribed bool) error {
	return m.updateUser(ctx, id, bson.M{"$set": bson.M{"is_subscribed": subscribed}})
}

func (m *MongoDB) SetUserBlocked(ctx context.Context, id string, blocked bool) error {
	return m.updateUser(ctx, id, bson.M{"$set": bson.M{"is_blocked": blocked}})
}

func (m *MongoDB) SetUserLead(ctx context.Context, id, leadID string) error {
	return m.updateUser(ctx, id, bson.M{"$set": bson.M{"lead_id": leadID}})
}

// MergeUserAttributes sets each key separately so concurrent merges of
// different keys do not overwrite each other.
func (m *MongoDB) MergeUserAttributes(ctx context.Context, id string, attrs map[string]any) error {
	if len(attrs) == 0 {
		return nil
	}
	set := bson.M{}
	for k, v := range attrs {
		set["attributes."+k] = v
	}
	return m.updateUser(ctx, id, bson.M{"$set": set})
}

// FindAudience returns users of a bot matching the filter. Locale prefixes are
// checked by the caller.
func (m *MongoDB) FindAudience(ctx context.Context, tenantID, botID string, filter entity.TargetFilter) ([]*entity.ConversationUser, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(usersCollection)

	query := bson.M{
		"tenant_id":  tenantID,
		"bot_id":     botID,
		"is_blocked": false,
	}
	tags := bson.M{}
	if len(filter.Tags) > 0 {
		tags["$all"] = filter.Tags
	}
	if len(filter.ExcludeTags) > 0 {
		tags["$nin"] = filter.ExcludeTags
	}
	if len(tags) > 0 {
		query["tags"] = tags
	}
	if filter.SubscribedOnly {
		query["is_subscribed"] = true
	}
	if filter.SeenAfter != nil {
		query["last_seen_at"] = bson.M{"$gte": *filter.SeenAfter}
	}

	cursor, err := collection.Find(ctx, query, options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb find error: %w", err)
	}
	defer cursor.Close(ctx)

	var users []*entity.ConversationUser
	if err = cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("mongodb decode error: %w", err)
	}
	return users, nil
}
