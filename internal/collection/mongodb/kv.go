package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type KeyValue[V any] struct {
	coll *mongo.Collection
}

func NewKeyValue[V any](coll *mongo.Collection) *KeyValue[V] {
	return &KeyValue[V]{coll: coll}
}

func (kv *KeyValue[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	var rec struct {
		Value string `bson:"value"`
	}
	err := kv.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	var out V
	if err := json.Unmarshal([]byte(rec.Value), &out); err != nil {
		return zero, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return out, true, nil
}

func (kv *KeyValue[V]) Set(ctx context.Context, key string, value V) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	_, err = kv.coll.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"value": string(data)}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// Counter keeps int64 counters as {_id, value} records.
type Counter struct {
	coll *mongo.Collection
}

func NewCounter(coll *mongo.Collection) *Counter {
	return &Counter{coll: coll}
}

func (c *Counter) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return c.apply(ctx, key, bson.M{"$inc": bson.M{"value": delta}})
}

func (c *Counter) Raise(ctx context.Context, key string, atLeast int64) (int64, error) {
	return c.apply(ctx, key, bson.M{"$max": bson.M{"value": atLeast}})
}

func (c *Counter) apply(ctx context.Context, key string, update bson.M) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var rec struct {
		Value int64 `bson:"value"`
	}
	var err error
	// Two upserts racing on a missing key can collide on _id; the loser
	// retries against the now existing record.
	for try := 0; try < 3; try++ {
		err = c.coll.FindOneAndUpdate(ctx, bson.M{"_id": key}, update, opts).Decode(&rec)
		if !mongo.IsDuplicateKeyError(err) {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w", key, err)
	}
	return rec.Value, nil
}

func (c *Counter) Value(ctx context.Context, key string) (int64, error) {
	var rec struct {
		Value int64 `bson:"value"`
	}
	err := c.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w", key, err)
	}
	return rec.Value, nil
}
