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

// EnqueueJob inserts a job unless a live job with the same dedupe key exists.
func (m *MongoDB) EnqueueJob(ctx context.Context, job *entity.Job) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(jobsCollection)

	if job.DedupeKey == "" {
		_, err = collection.InsertOne(ctx, job)
		if err != nil {
			return fmt.Errorf("mongodb insert error: %w", err)
		}
		return nil
	}

	filter := bson.M{
		"dedupe_key": job.DedupeKey,
		"status":     bson.M{"$in": []entity.JobStatus{entity.JobPending, entity.JobRunning}},
	}
	update := bson.M{"$setOnInsert": job}
	_, err = collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb upsert error: %w", err)
	}
	return nil
}

// ClaimDueJobs claims jobs one at a time with findOneAndUpdate, so two runners
// never receive the same job.
func (m *MongoDB) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*entity.Job, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(jobsCollection)

	filter := bson.M{"status": entity.JobPending, "run_at": bson.M{"$lte": now}}
	update := bson.M{"$set": bson.M{"status": entity.JobRunning, "locked_at": now, "updated_at": now}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "run_at", Value: 1}}).
		SetReturnDocument(options.After)

	var jobs []*entity.Job
	for len(jobs) < limit {
		var job entity.Job
		err = collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&job)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return jobs, fmt.Errorf("mongodb claim error: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (m *MongoDB) setJob(ctx context.Context, id string, set bson.M) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(jobsCollection)
	set["updated_at"] = time.Now()
	update := bson.M{"$set": set, "$unset": bson.M{"locked_at": ""}}
	_, err = collection.UpdateOne(ctx, bson.D{{Key: "id", Value: id}}, update)
	if err != nil {
		return fmt.Errorf("mongodb update error: %w", err)
	}
	return nil
}

func (m *MongoDB) CompleteJob(ctx context.Context, id string) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(jobsCollection)
	update := bson.M{
		"$set":   bson.M{"status": entity.JobDone, "updated_at": time.Now()},
		"$inc":   bson.M{"attempt": 1},
		"$unset": bson.M{"locked_at": ""},
	}
	_, err = collection.UpdateOne(ctx, bson.D{{Key: "id", Value: id}}, update)
	return err
}

func (m *MongoDB) RescheduleJob(ctx context.Context, id string, runAt time.Time, attempt int, lastErr string) error {
	return m.setJob(ctx, id, bson.M{
		"status":     entity.JobPending,
		"run_at":     runAt,
		"attempt":    attempt,
		"last_error": lastErr,
	})
}

func (m *MongoDB) FailJob(ctx context.Context, id string, attempt int, lastErr string) error {
	return m.setJob(ctx, id, bson.M{
		"status":     entity.JobFailed,
		"attempt":    attempt,
		"last_error": lastErr,
	})
}

func (m *MongoDB) RequeueStaleJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	connection, err := m.connect()
	if err != nil {
		return 0, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(jobsCollection)
	filter := bson.M{"status": entity.JobRunning, "locked_at": bson.M{"$lt": staleBefore}}
	update := bson.M{
		"$set":   bson.M{"status": entity.JobPending, "updated_at": time.Now()},
		"$unset": bson.M{"locked_at": ""},
	}
	res, err := collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("mongodb update error: %w", err)
	}
	return int(res.ModifiedCount), nil
}
