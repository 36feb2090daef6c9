package querypilot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3ArchiveConfig configures the S3 history archive.
type S3ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
	// over setting these directly.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // Key prefix for all objects
	UsePathStyle    bool   // Use path-style addressing

	MaxRetries int // Max retry attempts for S3 operations (default: 3)
}

// S3HistoryArchive stores exported history snapshots in S3, so a fleet of
// engines can share learned optimizations and restore after a cold start.
type S3HistoryArchive struct {
	client *s3.Client
	config S3ArchiveConfig
}

// NewS3HistoryArchive creates an archive backed by S3 or an S3-compatible
// endpoint.
func NewS3HistoryArchive(cfg S3ArchiveConfig) (*S3HistoryArchive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3HistoryArchive{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
	}, nil
}

// Upload stores an exported snapshot blob and returns its object key.
func (a *S3HistoryArchive) Upload(ctx context.Context, blob []byte) (string, error) {
	key := fmt.Sprintf("%ssnapshots/%s.qph", a.config.Prefix, time.Now().UTC().Format("20060102T150405.000000000"))

	err := a.withRetry(ctx, func() error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(a.config.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(blob),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// Restore fetches a snapshot blob by its object key.
func (a *S3HistoryArchive) Restore(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := a.withRetry(ctx, func() error {
		resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(a.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("S3 get object failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("S3 read body failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// List returns the archived snapshot keys, newest first.
func (a *S3HistoryArchive) List(ctx context.Context) ([]string, error) {
	prefix := a.config.Prefix + "snapshots/"

	var keys []string
	var token *string
	for {
		resp, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.config.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("S3 list objects failed: %w", err)
		}
		for _, obj := range resp.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		token = resp.NextContinuationToken
	}

	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys, nil
}

// Latest restores the most recently uploaded snapshot. Returns
// ErrEntryNotFound when the archive is empty.
func (a *S3HistoryArchive) Latest(ctx context.Context) ([]byte, error) {
	keys, err := a.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrEntryNotFound
	}
	return a.Restore(ctx, keys[0])
}

func (a *S3HistoryArchive) withRetry(ctx context.Context, fn func() error) error {
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < a.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
