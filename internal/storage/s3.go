// Package storage archives rollout spans to S3 compatible object storage
// (AWS S3 or MinIO).
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"lightning-store/pkg/schemas"
)

const DefaultRegion = "us-east-1"

type Config struct {
	Bucket string
	// Endpoint points at a non-AWS server such as MinIO, e.g.
	// "http://localhost:9000". Path style addressing is used when set.
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	// Prefix is prepended to every object key.
	Prefix string
}

// objectAPI is the subset of *s3.Client the archive uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Client struct {
	s3     objectAPI
	bucket string
	prefix string
	log    *zap.Logger
}

// archive is the object layout of one archived rollout.
type archive struct {
	RolloutID string         `json:"rollout_id"`
	Spans     []schemas.Span `json:"spans"`
}

func New(ctx context.Context, c Config, log *zap.Logger) (*Client, error) {
	if c.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if log == nil {
		log = zap.NewNop()
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(c.Region)}
	if c.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	cli := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			endpoint := c.Endpoint
			if !strings.Contains(endpoint, "://") {
				endpoint = "http://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return newClient(cli, c.Bucket, c.Prefix, log), nil
}

func newClient(api objectAPI, bucket, prefix string, log *zap.Logger) *Client {
	return &Client{s3: api, bucket: bucket, prefix: strings.Trim(prefix, "/"), log: log}
}

func (c *Client) objectKey(rolloutID string) string {
	key := fmt.Sprintf("spans/%s/%s.json.gz", rolloutID, uuid.New().String())
	if c.prefix != "" {
		key = c.prefix + "/" + key
	}
	return key
}

// ArchiveSpans writes the spans as one gzipped JSON object and returns its
// s3:// reference.
func (c *Client) ArchiveSpans(ctx context.Context, rolloutID string, spans []schemas.Span) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(archive{RolloutID: rolloutID, Spans: spans}); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}

	key := c.objectKey(rolloutID)
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          &c.bucket,
		Key:             &key,
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
		Metadata:        map[string]string{"rollout-id": rolloutID},
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", c.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", c.bucket, key), nil
}

func parseS3Ref(ref string) (string, string, error) {
	const p = "s3://"
	if !strings.HasPrefix(ref, p) {
		return "", "", fmt.Errorf("bad s3 ref (missing s3://): %q", ref)
	}
	s := strings.TrimPrefix(ref, p)
	slash := strings.IndexByte(s, '/')
	if slash <= 0 || slash == len(s)-1 {
		return "", "", fmt.Errorf("bad s3 ref (need bucket/key): %q", ref)
	}
	return s[:slash], s[slash+1:], nil
}

// LoadSpans reads back an archive written by ArchiveSpans.
func (c *Client) LoadSpans(ctx context.Context, ref string) ([]schemas.Span, error) {
	bucket, key, err := parseS3Ref(ref)
	if err != nil {
		return nil, err
	}
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		c.log.Warn("get archived spans failed", zap.String("ref", ref), zap.Error(err))
		return nil, err
	}
	defer out.Body.Close()

	var body io.Reader = out.Body
	if strings.HasSuffix(key, ".gz") || aws.ToString(out.ContentEncoding) == "gzip" {
		zr, err := gzip.NewReader(out.Body)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", ref, err)
		}
		defer zr.Close()
		body = zr
	}
	var a archive
	if err := json.NewDecoder(body).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ref, err)
	}
	c.log.Debug("fetched archived spans", zap.String("ref", ref), zap.Int("spans", len(a.Spans)))
	return a.Spans, nil
}
