// Package objectstore wraps the target S3-compatible bucket: paginated
// listing, get, put, delete, and head, used by the GC cycle and the
// restore engine.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"

	"github.com/bryonbaker/s3gc/internal/models"
)

// ErrNotFound is returned by Get and Head when the key does not exist.
var ErrNotFound = errors.New("objectstore: key not found")

// Store is the subset of Client behavior the GC cycle and restore engine
// depend on, kept as an interface so both can be driven by a mock in tests.
type Store interface {
	ListKeys(ctx context.Context) (<-chan models.ListedObject, <-chan error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
	Head(ctx context.Context, key string) (bool, error)
	Health(ctx context.Context) error
}

var _ Store = (*Client)(nil)

// Config holds the connection parameters for the target bucket.
type Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	AccessKeyID  string
	SecretKey    string
}

// Client wraps an S3-compatible object store.
type Client struct {
	bucket string
	client *s3.Client
	logger *zap.Logger
}

// New builds a Client against cfg. When cfg.Endpoint is set, requests are
// routed to that S3-compatible endpoint instead of real AWS.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if cfg.Endpoint != "" {
			return aws.Endpoint{
				URL:           cfg.Endpoint,
				PartitionID:   "aws",
				SigningRegion: cfg.Region,
			}, nil
		}
		return aws.Endpoint{}, &aws.EndpointNotFoundError{}
	})

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Client{
		bucket: cfg.Bucket,
		client: client,
		logger: logger,
	}, nil
}

// ListKeys streams every key in the bucket to the returned channel via
// paginated ListObjectsV2 calls. The listing is never materialized in
// memory; the caller drains the channel as the pipeline consumes it.
// Iteration stops and the channel is closed either when the listing is
// exhausted or when ctx is cancelled; a cancellation or listing error is
// delivered on errc before the channel closes.
func (c *Client) ListKeys(ctx context.Context) (<-chan models.ListedObject, <-chan error) {
	out := make(chan models.ListedObject)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(c.bucket),
		})

		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				errc <- fmt.Errorf("objectstore: list page: %w", err)
				return
			}
			for _, obj := range page.Contents {
				listed := models.ListedObject{Key: aws.ToString(obj.Key)}
				if obj.Size != nil {
					listed.Size = *obj.Size
				}
				if obj.LastModified != nil {
					listed.LastModified = *obj.LastModified
					listed.HasTimestamp = true
				}
				select {
				case out <- listed:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
		}
	}()

	return out, errc
}

// Get downloads the object at key.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("objectstore: get %q: %w", key, err)
	}
	return out.Body, nil
}

// Put uploads body to key.
func (c *Client) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %q: %w", key, err)
	}
	return nil
}

// Delete removes key from the bucket.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("objectstore: delete %q: %w", key, err)
	}
	return nil
}

// Head reports whether key currently exists in the bucket.
func (c *Client) Head(ctx context.Context, key string) (bool, error) {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("objectstore: head %q: %w", key, err)
	}
	return true, nil
}

// Health performs a lightweight HeadBucket request to verify reachability.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return fmt.Errorf("objectstore: health: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

// RetentionCutoff computes the point in time before which an object is
// eligible to be considered aged past the retention floor.
func RetentionCutoff(now time.Time, retentionDays int) time.Time {
	return now.AddDate(0, 0, -retentionDays)
}
