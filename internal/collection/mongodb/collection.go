package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"lightning-store/internal/collection"
)

const maxUpdateRetries = 200

// Collection stores documents of type T in one MongoDB collection. Update is
// an optimistic compare-and-swap on the per-record _rev counter.
type Collection[T collection.Document] struct {
	coll *mongo.Collection
}

func NewCollection[T collection.Document](coll *mongo.Collection) *Collection[T] {
	return &Collection[T]{coll: coll}
}

func (c *Collection[T]) newRecord(item T) (bson.D, error) {
	doc, err := encode(item)
	if err != nil {
		return nil, err
	}
	return bson.D{
		{Key: "_id", Value: item.DocumentKey()},
		{Key: "partition", Value: item.PartitionKey()},
		{Key: "_rev", Value: int64(1)},
		{Key: "_ord", Value: primitive.NewObjectID()},
		{Key: "doc", Value: doc},
	}, nil
}

// Insert writes all items or none. Without multi-document transactions the
// already written prefix of a failed batch is removed again.
func (c *Collection[T]) Insert(ctx context.Context, items ...T) error {
	if len(items) == 0 {
		return nil
	}
	docs := make([]any, 0, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		rec, err := c.newRecord(item)
		if err != nil {
			return err
		}
		docs = append(docs, rec)
		ids = append(ids, item.DocumentKey())
	}
	_, err := c.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err == nil {
		return nil
	}
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) && len(bwe.WriteErrors) > 0 && mongo.IsDuplicateKeyError(err) {
		failed := bwe.WriteErrors[0].Index
		if failed > 0 {
			if _, derr := c.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids[:failed]}}); derr != nil {
				return fmt.Errorf("insert %s: rollback: %w", c.coll.Name(), derr)
			}
		}
		return fmt.Errorf("%w: %s", collection.ErrAlreadyExists, ids[failed])
	}
	return fmt.Errorf("insert %s: %w", c.coll.Name(), err)
}

func (c *Collection[T]) Update(ctx context.Context, key string, fn collection.UpdateFunc[T]) (T, error) {
	var zero T
	for try := 0; try < maxUpdateRetries; try++ {
		var rec record
		err := c.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&rec)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return zero, fmt.Errorf("%w: %s", collection.ErrNotFound, key)
		}
		if err != nil {
			return zero, fmt.Errorf("update %s: %w", c.coll.Name(), err)
		}
		current, err := decode[T](rec.Doc)
		if err != nil {
			return zero, err
		}
		next, err := fn(current)
		if err != nil {
			return zero, err
		}
		if next.DocumentKey() != key {
			return zero, fmt.Errorf("update of %s changed the document key to %s", key, next.DocumentKey())
		}
		doc, err := encode(next)
		if err != nil {
			return zero, err
		}
		res, err := c.coll.UpdateOne(ctx,
			bson.M{"_id": key, "_rev": rec.Rev},
			bson.M{
				"$set": bson.M{"partition": next.PartitionKey(), "doc": doc},
				"$inc": bson.M{"_rev": int64(1)},
			})
		if err != nil {
			return zero, fmt.Errorf("update %s: %w", c.coll.Name(), err)
		}
		if res.MatchedCount == 1 {
			return next, nil
		}
		// Lost the race; back off a little before re-reading.
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(time.Duration(try%10) * time.Millisecond):
		}
	}
	return zero, fmt.Errorf("%w: %s", collection.ErrConflict, key)
}

func (c *Collection[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	var rec record
	err := c.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return zero, fmt.Errorf("%w: %s", collection.ErrNotFound, key)
	}
	if err != nil {
		return zero, fmt.Errorf("get %s: %w", c.coll.Name(), err)
	}
	return decode[T](rec.Doc)
}

func (c *Collection[T]) Query(ctx context.Context, q collection.Query) ([]T, error) {
	opts := options.Find()
	sort := bson.D{}
	if q.SortBy != "" {
		dir := 1
		if q.Desc {
			dir = -1
		}
		sort = append(sort, bson.E{Key: "doc." + q.SortBy, Value: dir})
	}
	sort = append(sort, bson.E{Key: "_ord", Value: 1})
	opts.SetSort(sort)
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := c.coll.Find(ctx, filter(q), opts)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", c.coll.Name(), err)
	}
	defer cur.Close(ctx)

	out := make([]T, 0)
	for cur.Next(ctx) {
		var rec record
		if err := cur.Decode(&rec); err != nil {
			return nil, fmt.Errorf("query %s: %w", c.coll.Name(), err)
		}
		item, err := decode[T](rec.Doc)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", c.coll.Name(), err)
	}
	return out, nil
}

func (c *Collection[T]) Count(ctx context.Context, q collection.Query) (int64, error) {
	n, err := c.coll.CountDocuments(ctx, filter(q))
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", c.coll.Name(), err)
	}
	return n, nil
}

func filter(q collection.Query) bson.D {
	f := bson.D{}
	for _, flt := range q.Filters {
		in := make(bson.A, 0, len(flt.In))
		for _, v := range flt.In {
			in = append(in, collection.Normalize(v))
		}
		f = append(f, bson.E{Key: "doc." + flt.Field, Value: bson.M{"$in": in}})
	}
	return f
}
