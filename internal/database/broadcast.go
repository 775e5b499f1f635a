package repository

import (
	"FunnelBot/entity"
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var counterFields = map[entity.RecipientStatus]string{
	entity.RecipientSent:    "sent_count",
	entity.RecipientFailed:  "failed_count",
	entity.RecipientBlocked: "blocked_count",
}

func (m *MongoDB) GetBroadcast(ctx context.Context, id string) (*entity.Broadcast, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(broadcastsCollection)

	var b entity.Broadcast
	err = collection.FindOne(ctx, bson.D{{Key: "id", Value: id}}).Decode(&b)
	if err != nil {
		return nil, m.findError(err)
	}
	return &b, nil
}

func (m *MongoDB) SetBroadcastStatus(ctx context.Context, id string, from []entity.BroadcastStatus, to entity.BroadcastStatus, at time.Time) (bool, error) {
	connection, err := m.connect()
	if err != nil {
		return false, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(broadcastsCollection)

	set := bson.M{"status": to, "updated_at": at}
	switch to {
	case entity.BroadcastCompleted, entity.BroadcastCancelled:
		set["completed_at"] = at
	}
	filter := bson.M{"id": id, "status": bson.M{"$in": from}}
	res, err := collection.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("mongodb update error: %w", err)
	}
	if res.ModifiedCount == 0 {
		return false, nil
	}
	if to == entity.BroadcastSending {
		_, err = collection.UpdateOne(ctx,
			bson.M{"id": id, "started_at": bson.M{"$exists": false}},
			bson.M{"$set": bson.M{"started_at": at}},
		)
		if err != nil {
			return true, fmt.Errorf("mongodb update error: %w", err)
		}
	}
	return true, nil
}

func (m *MongoDB) findBroadcasts(ctx context.Context, filter bson.M) ([]*entity.Broadcast, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(broadcastsCollection)
	cursor, err := collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb find error: %w", err)
	}
	defer cursor.Close(ctx)

	var list []*entity.Broadcast
	if err = cursor.All(ctx, &list); err != nil {
		return nil, fmt.Errorf("mongodb decode error: %w", err)
	}
	return list, nil
}

func (m *MongoDB) ListDueBroadcasts(ctx context.Context, now time.Time) ([]*entity.Broadcast, error) {
	return m.findBroadcasts(ctx, bson.M{
		"status":       entity.BroadcastScheduled,
		"scheduled_at": bson.M{"$lte": now},
	})
}

func (m *MongoDB) ListBroadcastsByStatus(ctx context.Context, status entity.BroadcastStatus) ([]*entity.Broadcast, error) {
	return m.findBroadcasts(ctx, bson.M{"status": status})
}

// SaveRecipients inserts the snapshot and flags the broadcast. Rows already
// present from an interrupted snapshot are kept.
func (m *MongoDB) SaveRecipients(ctx context.Context, broadcastID string, recipients []*entity.BroadcastRecipient) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	db := connection.Database(m.database)

	if len(recipients) > 0 {
		docs := make([]interface{}, len(recipients))
		for i, r := range recipients {
			docs[i] = r
		}
		_, err = db.Collection(recipientsCollection).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
		if err != nil && !mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("mongodb insert error: %w", err)
		}
	}

	filter := bson.M{"id": broadcastID, "snapshotted": bson.M{"$ne": true}}
	update := bson.M{"$set": bson.M{
		"snapshotted":      true,
		"total_recipients": len(recipients),
		"updated_at":       time.Now(),
	}}
	_, err = db.Collection(broadcastsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongodb update error: %w", err)
	}
	return nil
}

func (m *MongoDB) ClaimRecipients(ctx context.Context, broadcastID string, limit int) ([]*entity.BroadcastRecipient, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(recipientsCollection)

	filter := bson.M{"broadcast_id": broadcastID, "status": entity.RecipientPending}
	update := bson.M{"$set": bson.M{"status": entity.RecipientSending, "updated_at": time.Now()}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "ordinal", Value: 1}}).
		SetReturnDocument(options.After)

	var claimed []*entity.BroadcastRecipient
	for len(claimed) < limit {
		var r entity.BroadcastRecipient
		err = collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&r)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return claimed, fmt.Errorf("mongodb claim error: %w", err)
		}
		claimed = append(claimed, &r)
	}
	return claimed, nil
}

func (m *MongoDB) FinishRecipient(ctx context.Context, broadcastID string, ordinal int, status entity.RecipientStatus, errText string) (bool, error) {
	field, ok := counterFields[status]
	if !ok {
		return false, fmt.Errorf("status %s is not final", status)
	}

	connection, err := m.connect()
	if err != nil {
		return false, err
	}
	defer m.disconnect(connection)

	db := connection.Database(m.database)

	filter := bson.M{"broadcast_id": broadcastID, "ordinal": ordinal, "status": entity.RecipientSending}
	update := bson.M{"$set": bson.M{"status": status, "error": errText, "updated_at": time.Now()}}
	res, err := db.Collection(recipientsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("mongodb update error: %w", err)
	}
	if res.ModifiedCount == 0 {
		return false, nil
	}

	_, err = db.Collection(broadcastsCollection).UpdateOne(ctx,
		bson.M{"id": broadcastID},
		bson.M{"$inc": bson.M{field: 1}},
	)
	if err != nil {
		return true, fmt.Errorf("mongodb counter error: %w", err)
	}
	return true, nil
}

func (m *MongoDB) ReleaseRecipient(ctx context.Context, broadcastID string, ordinal int) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(recipientsCollection)
	filter := bson.M{"broadcast_id": broadcastID, "ordinal": ordinal, "status": entity.RecipientSending}
	update := bson.M{"$set": bson.M{"status": entity.RecipientPending, "updated_at": time.Now()}}
	_, err = collection.UpdateOne(ctx, filter, update)
	return err
}

func (m *MongoDB) FailStaleRecipients(ctx context.Context, broadcastID string) (int, error) {
	connection, err := m.connect()
	if err != nil {
		return 0, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(recipientsCollection)
	filter := bson.M{"broadcast_id": broadcastID, "status": entity.RecipientSending}
	update := bson.M{"$set": bson.M{
		"status":     entity.RecipientFailed,
		"error":      "interrupted while sending",
		"updated_at": time.Now(),
	}}
	res, err := collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("mongodb update error: %w", err)
	}
	return int(res.ModifiedCount), nil
}

// RecountBroadcast rebuilds the counters from recipient rows, repairing any
// increment lost between a recipient update and its counter update.
func (m *MongoDB) RecountBroadcast(ctx context.Context, broadcastID string) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	db := connection.Database(m.database)

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "broadcast_id", Value: broadcastID}}}},
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$status"}, {Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
	}
	cursor, err := db.Collection(recipientsCollection).Aggregate(ctx, pipeline)
	if err != nil {
		return fmt.Errorf("mongodb aggregate error: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Status entity.RecipientStatus `bson:"_id"`
		Count  int                    `bson:"count"`
	}
	if err = cursor.All(ctx, &rows); err != nil {
		return fmt.Errorf("mongodb decode error: %w", err)
	}

	set := bson.M{"sent_count": 0, "failed_count": 0, "blocked_count": 0}
	total := 0
	for _, r := range rows {
		total += r.Count
		if field, ok := counterFields[r.Status]; ok {
			set[field] = r.Count
		}
	}
	set["total_recipients"] = total
	_, err = db.Collection(broadcastsCollection).UpdateOne(ctx, bson.M{"id": broadcastID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mongodb update error: %w", err)
	}
	return nil
}
