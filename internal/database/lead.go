package repository

import (
	"FunnelBot/entity"
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// UpsertLead keys leads by their deterministic id, so a replayed create_lead
// updates the same record.
func (m *MongoDB) UpsertLead(ctx context.Context, lead *entity.Lead) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(leadsCollection)

	update := bson.M{
		"$set": bson.M{
			"fields":     lead.Fields,
			"updated_at": time.Now(),
		},
		"$setOnInsert": bson.M{
			"tenant_id":            lead.TenantID,
			"bot_id":               lead.BotID,
			"conversation_user_id": lead.ConversationUserID,
			"funnel_id":            lead.FunnelID,
			"created_at":           lead.CreatedAt,
		},
	}
	_, err = collection.UpdateOne(ctx, bson.D{{Key: "id", Value: lead.ID}}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb upsert error: %w", err)
	}
	return nil
}

func (m *MongoDB) SaveExecution(ctx context.Context, exec *entity.ActionExecution) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(executionsCollection)

	update := bson.M{
		"$set": bson.M{
			"tenant_id":            exec.TenantID,
			"bot_id":               exec.BotID,
			"conversation_user_id": exec.ConversationUserID,
			"funnel_id":            exec.FunnelID,
			"step_id":              exec.StepID,
			"event_id":             exec.EventID,
			"action":               exec.Action,
			"data":                 exec.Data,
			"status":               exec.Status,
			"attempts":             exec.Attempts,
			"last_error":           exec.LastError,
			"updated_at":           exec.UpdatedAt,
		},
		"$setOnInsert": bson.M{"created_at": exec.CreatedAt},
	}
	_, err = collection.UpdateOne(ctx, bson.D{{Key: "id", Value: exec.ID}}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb upsert error: %w", err)
	}
	return nil
}

func (m *MongoDB) GetExecution(ctx context.Context, id string) (*entity.ActionExecution, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(executionsCollection)

	var exec entity.ActionExecution
	err = collection.FindOne(ctx, bson.D{{Key: "id", Value: id}}).Decode(&exec)
	if err != nil {
		return nil, m.findError(err)
	}
	return &exec, nil
}
