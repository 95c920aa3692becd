// Package mongodb implements the collection primitives on MongoDB. Every
// primitive is atomic on the server, so several store processes may share one
// database.
package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"lightning-store/internal/collection"
	"lightning-store/pkg/schemas"
)

const (
	countersName = "counters"
	valuesName   = "values"
)

// Secondary indexes per collection, on top of partition and _ord.
var sortIndexes = map[string][]string{
	collection.RolloutsName:  {"status", "start_time"},
	collection.AttemptsName:  {"sequence_id", "status"},
	collection.SpansName:     {"attempt_id", "sequence_id"},
	collection.WorkersName:   {"status"},
	collection.ResourcesName: {"version"},
}

// Open connects to uri, prepares indexes in database and returns a shared
// backend.
func Open(ctx context.Context, uri, database string, log *zap.Logger) (*collection.Backend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	db := client.Database(database)
	if err := ensureIndexes(ctx, db); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.Info("mongo backend ready", zap.String("database", database))

	counters := NewCounter(db.Collection(countersName))
	return &collection.Backend{
		Name:         "mongo",
		Shared:       true,
		Rollouts:     NewCollection[schemas.Rollout](db.Collection(collection.RolloutsName)),
		Attempts:     NewCollection[schemas.Attempt](db.Collection(collection.AttemptsName)),
		Spans:        NewCollection[schemas.Span](db.Collection(collection.SpansName)),
		Workers:      NewCollection[schemas.Worker](db.Collection(collection.WorkersName)),
		Resources:    NewCollection[schemas.ResourcesUpdate](db.Collection(collection.ResourcesName)),
		RolloutQueue: NewQueue[string](db.Collection(collection.QueueName), counters),
		Counters:     counters,
		Values:       NewKeyValue[string](db.Collection(valuesName)),
		Ping: func(ctx context.Context) error {
			return client.Ping(ctx, readpref.Primary())
		},
		Close: client.Disconnect,
	}, nil
}

func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	for name, fields := range sortIndexes {
		models := []mongo.IndexModel{
			{Keys: bson.D{{Key: "partition", Value: 1}}},
			{Keys: bson.D{{Key: "_ord", Value: 1}}},
		}
		for _, f := range fields {
			models = append(models, mongo.IndexModel{Keys: bson.D{{Key: "doc." + f, Value: 1}}})
		}
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongo indexes %s: %w", name, err)
		}
	}
	_, err := db.Collection(collection.QueueName).Indexes().CreateOne(ctx,
		mongo.IndexModel{Keys: bson.D{{Key: "seq", Value: 1}}})
	if err != nil {
		return fmt.Errorf("mongo indexes %s: %w", collection.QueueName, err)
	}
	return nil
}
