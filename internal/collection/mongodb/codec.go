package mongodb

import (
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Stored records keep the JSON form of a document under "doc" so that
// filters address the same field names as the HTTP API.
type record struct {
	ID        string   `bson:"_id"`
	Partition string   `bson:"partition"`
	Rev       int64    `bson:"_rev"`
	Doc       bson.Raw `bson:"doc"`
}

func encode(v any) (bson.D, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var d bson.D
	if err := bson.UnmarshalExtJSON(data, false, &d); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return d, nil
}

func decode[T any](raw bson.Raw) (T, error) {
	var out T
	data, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return out, fmt.Errorf("decode: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}
