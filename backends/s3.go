package backends

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/juju/clock"
)

// s3ExpiresKey is the object user-metadata key holding the entry expiry.
// S3 returns user-metadata keys lower-cased.
const (
	s3ExpiresKey = "plugit-expires"
	s3Never      = "never"
)

// S3API is the subset of the S3 client used by the S3 backend.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3Config configures NewS3FromConfig.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // optional, for S3-compatible stores; forces path-style addressing
}

// S3 stores cache entries as objects in a bucket so several hosts can share
// one cache. Expiry is kept in object user metadata and enforced on read.
type S3 struct {
	client S3API
	bucket string
	prefix string
	clock  clock.Clock
	logger *slog.Logger
}

// NewS3FromConfig builds an S3 client from the default AWS credential chain.
func NewS3FromConfig(ctx context.Context, cfg S3Config, clk clock.Clock, logger *slog.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3(client, cfg.Bucket, cfg.Prefix, clk, logger), nil
}

// NewS3 creates an S3 backend over an existing client.
func NewS3(client S3API, bucket, prefix string, clk clock.Clock, logger *slog.Logger) *S3 {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3{
		client: client,
		bucket: bucket,
		prefix: prefix,
		clock:  clk,
		logger: logger,
	}
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, bool, error) {
	objectKey := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("failed to get object %s: %w", objectKey, err)
	}
	defer out.Body.Close()

	expiry, err := parseS3Expiry(out.Metadata[s3ExpiresKey])
	if err != nil {
		s.logger.Warn("s3 cache object has unreadable expiry, treating as miss",
			"key", key,
			"object", objectKey,
			"error", err)
		return nil, true, nil
	}
	if expired(s.clock.Now(), expiry) {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey),
		}); err != nil {
			s.logger.Warn("failed to delete expired s3 cache object", "object", objectKey, "error", err)
		}
		return nil, true, nil
	}

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read object %s: %w", objectKey, err)
	}
	return data, false, nil
}

func (s *S3) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := checkTTL(key, ttl); err != nil {
		return err
	}
	expiry := s3Never
	if at := expiresAt(s.clock.Now(), ttl); !at.IsZero() {
		expiry = at.UTC().Format(time.RFC3339Nano)
	}
	objectKey := s.objectKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(value),
		ContentLength: aws.Int64(int64(len(value))),
		Metadata:      map[string]string{s3ExpiresKey: expiry},
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", objectKey, err)
	}
	return nil
}

func (s *S3) Close() error {
	return nil
}

// Clear deletes every object under the backend's prefix.
func (s *S3) Clear() error {
	ctx := context.Background()
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				return fmt.Errorf("failed to delete object %s: %w", aws.ToString(obj.Key), err)
			}
		}
	}
	return nil
}

func (s *S3) objectKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return s.prefix + hex.EncodeToString(sum[:])
}

func parseS3Expiry(raw string) (time.Time, error) {
	if raw == "" || raw == s3Never {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}
