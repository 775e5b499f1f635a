package repository

import (
	"FunnelBot/internal/config"
	"FunnelBot/internal/lib/sl"
	"context"
	"errors"
	"fmt"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"log/slog"
)

const (
	funnelsCollection       = "funnels"
	stepsCollection         = "funnel_steps"
	triggersCollection      = "triggers"
	usersCollection         = "conversation_users"
	statesCollection        = "user_states"
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
	leadsCollection         = "leads"
	executionsCollection    = "action_executions"
	jobsCollection          = "jobs"
	broadcastsCollection    = "broadcasts"
	recipientsCollection    = "broadcast_recipients"
	apiKeysCollection       = "api-keys"
)

type MongoDB struct {
	ctx           context.Context
	clientOptions *options.ClientOptions
	database      string
	log           *slog.Logger
}

func NewMongoClient(conf *config.Config, logger *slog.Logger) (*MongoDB, error) {
	if !conf.Mongo.Enabled {
		return nil, nil
	}
	connectionUri := fmt.Sprintf("mongodb://%s:%s", conf.Mongo.Host, conf.Mongo.Port)
	clientOptions := options.Client().ApplyURI(connectionUri)
	if conf.Mongo.User != "" {
		clientOptions.SetAuth(options.Credential{
			Username:   conf.Mongo.User,
			Password:   conf.Mongo.Password,
			AuthSource: conf.Mongo.Database,
		})
	}
	client := &MongoDB{
		ctx:           context.Background(),
		clientOptions: clientOptions,
		database:      conf.Mongo.Database,
		log:           logger.With(sl.Module("mongodb")),
	}
	return client, nil
}

func (m *MongoDB) connect() (*mongo.Client, error) {
	connection, err := mongo.Connect(m.ctx, m.clientOptions)
	if err != nil {
		return nil, fmt.Errorf("mongodb connect error: %w", err)
	}
	return connection, nil
}

func (m *MongoDB) disconnect(connection *mongo.Client) {
	_ = connection.Disconnect(m.ctx)
}

func (m *MongoDB) findError(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	return fmt.Errorf("mongodb find error: %w", err)
}

// EnsureIndexes creates the unique keys the repositories rely on.
func (m *MongoDB) EnsureIndexes(ctx context.Context) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	db := connection.Database(m.database)
	unique := options.Index().SetUnique(true)
	indexes := map[string][]mongo.IndexModel{
		funnelsCollection: {
			{Keys: bson.D{{Key: "id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "bot_id", Value: 1}}},
		},
		stepsCollection: {
			{Keys: bson.D{{Key: "funnel_id", Value: 1}, {Key: "id", Value: 1}}, Options: unique},
		},
		triggersCollection: {
			{Keys: bson.D{{Key: "id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "bot_id", Value: 1}}},
		},
		usersCollection: {
			{Keys: bson.D{{Key: "id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "bot_id", Value: 1}, {Key: "external_id", Value: 1}}, Options: unique},
		},
		statesCollection: {
			{Keys: bson.D{{Key: "conversation_user_id", Value: 1}}, Options: unique},
		},
		conversationsCollection: {
			{Keys: bson.D{{Key: "id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "conversation_user_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		messagesCollection: {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		leadsCollection: {
			{Keys: bson.D{{Key: "id", Value: 1}}, Options: unique},
		},
		executionsCollection: {
			{Keys: bson.D{{Key: "id", Value: 1}}, Options: unique},
		},
		jobsCollection: {
			{Keys: bson.D{{Key: "id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "run_at", Value: 1}}},
			{Keys: bson.D{{Key: "dedupe_key", Value: 1}, {Key: "status", Value: 1}}},
		},
		broadcastsCollection: {
			{Keys: bson.D{{Key: "id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduled_at", Value: 1}}},
		},
		recipientsCollection: {
			{Keys: bson.D{{Key: "broadcast_id", Value: 1}, {Key: "ordinal", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "broadcast_id", Value: 1}, {Key: "status", Value: 1}, {Key: "ordinal", Value: 1}}},
		},
	}
	for name, models := range indexes {
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", name, err)
		}
	}
	m.log.Info("indexes ensured", slog.Int("collections", len(indexes)))
	return nil
}

// CheckApiKey returns the operator owning key, or an empty name.
func (m *MongoDB) CheckApiKey(key string) (string, error) {
	connection, err := m.connect()
	if err != nil {
		return "", err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(apiKeysCollection)
	filter := bson.D{{Key: "key", Value: key}}

	var result struct {
		Username string `bson:"username"`
		Key      string `bson:"key"`
	}
	err = collection.FindOne(m.ctx, filter).Decode(&result)
	if err != nil {
		return "", m.findError(err)
	}

	return result.Username, nil
}
