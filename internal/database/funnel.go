package repository

import (
	"FunnelBot/bot/funnel"
	"FunnelBot/entity"
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (m *MongoDB) ListFunnels(ctx context.Context, tenantID, botID string) ([]*entity.Funnel, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(funnelsCollection)
	filter := bson.D{{Key: "tenant_id", Value: tenantID}, {Key: "bot_id", Value: botID}}
	cursor, err := collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb find error: %w", err)
	}
	defer cursor.Close(ctx)

	var funnels []*entity.Funnel
	if err = cursor.All(ctx, &funnels); err != nil {
		return nil, fmt.Errorf("mongodb decode error: %w", err)
	}
	return funnels, nil
}

func (m *MongoDB) GetFunnel(ctx context.Context, id string) (*entity.Funnel, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(funnelsCollection)
	var f entity.Funnel
	err = collection.FindOne(ctx, bson.D{{Key: "id", Value: id}}).Decode(&f)
	if err != nil {
		return nil, m.findError(err)
	}
	return &f, nil
}

func (m *MongoDB) ListSteps(ctx context.Context, funnelID string) ([]*entity.Step, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(stepsCollection)
	cursor, err := collection.Find(ctx, bson.D{{Key: "funnel_id", Value: funnelID}}, options.Find().SetSort(bson.D{{Key: "position", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb find error: %w", err)
	}
	defer cursor.Close(ctx)

	var steps []*entity.Step
	if err = cursor.All(ctx, &steps); err != nil {
		return nil, fmt.Errorf("mongodb decode error: %w", err)
	}
	return steps, nil
}

func (m *MongoDB) ListTriggers(ctx context.Context, tenantID, botID string) ([]*entity.Trigger, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(triggersCollection)
	filter := bson.D{{Key: "tenant_id", Value: tenantID}, {Key: "bot_id", Value: botID}}
	cursor, err := collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb find error: %w", err)
	}
	defer cursor.Close(ctx)

	var triggers []*entity.Trigger
	if err = cursor.All(ctx, &triggers); err != nil {
		return nil, fmt.Errorf("mongodb decode error: %w", err)
	}
	return triggers, nil
}

func (m *MongoDB) SetFunnelActive(ctx context.Context, id string, active bool) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(funnelsCollection)
	update := bson.M{"$set": bson.M{"is_active": active, "updated_at": time.Now()}}
	res, err := collection.UpdateOne(ctx, bson.D{{Key: "id", Value: id}}, update)
	if err != nil {
		return fmt.Errorf("mongodb update error: %w", err)
	}
	if res.MatchedCount == 0 {
		return funnel.ErrFunnelNotFound
	}
	return nil
}
