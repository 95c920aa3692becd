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

// Queue is a FIFO of JSON-encoded values ordered by a counter-issued seq.
// FindOneAndDelete makes Dequeue atomic across processes.
type Queue[T any] struct {
	coll    *mongo.Collection
	counter *Counter
}

func NewQueue[T any](coll *mongo.Collection, counter *Counter) *Queue[T] {
	return &Queue[T]{coll: coll, counter: counter}
}

type queueEntry struct {
	Seq   int64  `bson:"seq"`
	Value string `bson:"value"`
}

func (q *Queue[T]) seqKey() string { return "queue_seq:" + q.coll.Name() }

func (q *Queue[T]) Enqueue(ctx context.Context, items ...T) error {
	if len(items) == 0 {
		return nil
	}
	last, err := q.counter.Increment(ctx, q.seqKey(), int64(len(items)))
	if err != nil {
		return err
	}
	first := last - int64(len(items)) + 1
	docs := make([]any, 0, len(items))
	for i, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		docs = append(docs, queueEntry{Seq: first + int64(i), Value: string(data)})
	}
	if _, err := q.coll.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("enqueue %s: %w", q.coll.Name(), err)
	}
	return nil
}

func (q *Queue[T]) Dequeue(ctx context.Context) (T, bool, error) {
	var zero T
	var entry queueEntry
	err := q.coll.FindOneAndDelete(ctx, bson.M{},
		options.FindOneAndDelete().SetSort(bson.D{{Key: "seq", Value: 1}})).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("dequeue %s: %w", q.coll.Name(), err)
	}
	var out T
	if err := json.Unmarshal([]byte(entry.Value), &out); err != nil {
		return zero, false, fmt.Errorf("dequeue %s: %w", q.coll.Name(), err)
	}
	return out, true, nil
}

func (q *Queue[T]) Len(ctx context.Context) (int64, error) {
	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("len %s: %w", q.coll.Name(), err)
	}
	return n, nil
}
