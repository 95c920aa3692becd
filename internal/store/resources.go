package store

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"lightning-store/internal/collection"
	"lightning-store/pkg/schemas"
)

func bucketOrDefault(bucket string) string {
	if bucket == "" {
		return schemas.DefaultBucket
	}
	return bucket
}

// UpdateResources appends a new immutable version to bucket.
func (s *Store) UpdateResources(ctx context.Context, bucket string, resources schemas.NamedResources) (*schemas.ResourcesUpdate, error) {
	bucket = bucketOrDefault(bucket)
	version, err := s.b.Counters.Increment(ctx, "resources_version:"+bucket, 1)
	if err != nil {
		return nil, err
	}
	if resources == nil {
		resources = schemas.NamedResources{}
	}
	u := schemas.ResourcesUpdate{
		ResourcesID: schemas.ResourcesID(bucket, version),
		Bucket:      bucket,
		Version:     version,
		CreateTime:  s.timestamp(),
		Resources:   resources,
	}
	if err := s.b.Resources.Insert(ctx, u); err != nil {
		return nil, err
	}
	s.log.Info("resources updated", zap.String("resources_id", u.ResourcesID))
	return &u, nil
}

// AddResources merges resources into the bucket's latest version and
// appends the result as a new version.
func (s *Store) AddResources(ctx context.Context, bucket string, resources schemas.NamedResources) (*schemas.ResourcesUpdate, error) {
	bucket = bucketOrDefault(bucket)
	merged := schemas.NamedResources{}
	latest, err := s.GetLatestResources(ctx, bucket)
	switch {
	case err == nil:
		for name, r := range latest.Resources {
			merged[name] = r
		}
	case !errors.Is(err, ErrResourcesNotFound):
		return nil, err
	}
	for name, r := range resources {
		merged[name] = r
	}
	return s.UpdateResources(ctx, bucket, merged)
}

func (s *Store) GetResourcesByID(ctx context.Context, resourcesID string) (*schemas.ResourcesUpdate, error) {
	u, err := s.b.Resources.Get(ctx, resourcesID)
	if err != nil {
		return nil, notFound(err, ErrResourcesNotFound, resourcesID)
	}
	return &u, nil
}

func (s *Store) GetLatestResources(ctx context.Context, bucket string) (*schemas.ResourcesUpdate, error) {
	bucket = bucketOrDefault(bucket)
	got, err := s.b.Resources.Query(ctx, collection.Where(collection.Eq("bucket", bucket)).OrderBy("version", true).First(1))
	if err != nil {
		return nil, err
	}
	if len(got) == 0 {
		return nil, notFound(collection.ErrNotFound, ErrResourcesNotFound, bucket)
	}
	return &got[0], nil
}

// QueryResources lists versions oldest first, across all buckets when bucket
// is empty.
func (s *Store) QueryResources(ctx context.Context, bucket string) ([]schemas.ResourcesUpdate, error) {
	q := collection.Query{}.OrderBy("version", false)
	if bucket != "" {
		q.Filters = append(q.Filters, collection.Eq("bucket", bucket))
	}
	return s.b.Resources.Query(ctx, q)
}
