package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/uniedit/taskorch/internal/port/outbound"
)

// Config holds S3/R2 storage configuration.
type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	// PublicBaseURL, when set, is the prefix for object URLs. Otherwise URLs
	// are built path-style from Endpoint.
	PublicBaseURL string
	Prefix        string
}

// ObjectStorage implements ObjectStoragePort on an S3-compatible bucket.
type ObjectStorage struct {
	client  *s3.Client
	bucket  string
	baseURL string
	prefix  string
}

var _ outbound.ObjectStoragePort = (*ObjectStorage)(nil)

// NewObjectStorage creates an S3 client for cfg.
func NewObjectStorage(ctx context.Context, cfg Config) (*ObjectStorage, error) {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("incomplete object storage configuration")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newObjectStorage(client, cfg), nil
}

func newObjectStorage(client *s3.Client, cfg Config) *ObjectStorage {
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		endpoint := strings.TrimRight(cfg.Endpoint, "/")
		if endpoint == "" {
			endpoint = "https://s3.amazonaws.com"
		}
		base = endpoint + "/" + cfg.Bucket
	}
	return &ObjectStorage{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: base,
		prefix:  cfg.Prefix,
	}
}

func (s *ObjectStorage) objectKey(key string) string {
	return s.prefix + strings.TrimLeft(key, "/")
}

// URL returns the stable URL for key.
func (s *ObjectStorage) URL(key string) string {
	return s.baseURL + "/" + s.objectKey(key)
}

// Put uploads an object and returns its URL.
func (s *ObjectStorage) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return s.URL(key), nil
}

// Get retrieves an object.
func (s *ObjectStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, outbound.ErrObjectNotFound
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return result.Body, nil
}

// Delete removes an object.
func (s *ObjectStorage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
