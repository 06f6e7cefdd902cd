package taskmesh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3SnapshotConfig points snapshot storage at an S3 bucket or any
// S3-compatible service such as MinIO.
type S3SnapshotConfig struct {
	// Bucket is the target bucket. Setting it selects the S3 backend.
	Bucket string `json:"bucket" yaml:"bucket"`
	// Region is the bucket region.
	Region string `json:"region" yaml:"region"`
	// Endpoint overrides the AWS endpoint for S3-compatible services.
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// AccessKeyID and SecretAccessKey authenticate against the bucket
	// when set. Prefer environment credentials or an instance profile
	// over embedding keys in configuration files.
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"-" yaml:"secret_access_key"`
	// Prefix namespaces this device's snapshots within the bucket.
	Prefix string `json:"prefix" yaml:"prefix"`
	// UsePathStyle is required by most S3-compatible services.
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
	// MaxRetries caps retry attempts per object operation.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// S3SnapshotBackend stores snapshot blobs in object storage. Operations
// retry on transient failures, and a circuit breaker stops hammering an
// unreachable endpoint.
type S3SnapshotBackend struct {
	client  *s3.Client
	config  S3SnapshotConfig
	retryer *Retryer
	breaker *CircuitBreaker
}

// NewS3SnapshotBackend builds the client and verifies the
// configuration.
func NewS3SnapshotBackend(ctx context.Context, config S3SnapshotConfig) (*S3SnapshotBackend, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 snapshot backend requires a bucket")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
	}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
		o.UsePathStyle = config.UsePathStyle
	})

	return &S3SnapshotBackend{
		client: client,
		config: config,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:    config.MaxRetries,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			RetryIf:        IsRetryable,
		}),
		breaker: NewCircuitBreaker(5, 30*time.Second),
	}, nil
}

func (b *S3SnapshotBackend) key(name string) string {
	if b.config.Prefix == "" {
		return name
	}
	return strings.TrimSuffix(b.config.Prefix, "/") + "/" + name
}

func (b *S3SnapshotBackend) Read(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := b.breaker.Execute(func() error {
		out, err := DoWithResult(ctx, b.retryer, func(ctx context.Context) (*s3.GetObjectOutput, error) {
			return b.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(b.config.Bucket),
				Key:    aws.String(b.key(name)),
			})
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("snapshot object %s: %w", name, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("read snapshot object %s: %w", name, err)
	}
	return data, nil
}

func (b *S3SnapshotBackend) Write(ctx context.Context, name string, data []byte) error {
	err := b.breaker.Execute(func() error {
		return b.retryer.Do(ctx, func(ctx context.Context) error {
			_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket: aws.String(b.config.Bucket),
				Key:    aws.String(b.key(name)),
				Body:   bytes.NewReader(data),
			})
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("write snapshot object %s: %w", name, err)
	}
	return nil
}

func (b *S3SnapshotBackend) Delete(ctx context.Context, name string) error {
	err := b.breaker.Execute(func() error {
		return b.retryer.Do(ctx, func(ctx context.Context) error {
			_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(b.config.Bucket),
				Key:    aws.String(b.key(name)),
			})
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("delete snapshot object %s: %w", name, err)
	}
	return nil
}

func (b *S3SnapshotBackend) List(ctx context.Context) ([]string, error) {
	var names []string
	err := b.breaker.Execute(func() error {
		input := &s3.ListObjectsV2Input{Bucket: aws.String(b.config.Bucket)}
		if b.config.Prefix != "" {
			input.Prefix = aws.String(strings.TrimSuffix(b.config.Prefix, "/") + "/")
		}
		paginator := s3.NewListObjectsV2Paginator(b.client, input)
		for paginator.HasMorePages() {
			page, err := DoWithResult(ctx, b.retryer, func(ctx context.Context) (*s3.ListObjectsV2Output, error) {
				return paginator.NextPage(ctx)
			})
			if err != nil {
				return err
			}
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				if b.config.Prefix != "" {
					key = strings.TrimPrefix(key, strings.TrimSuffix(b.config.Prefix, "/")+"/")
				}
				names = append(names, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshot objects: %w", err)
	}
	return names, nil
}

func (b *S3SnapshotBackend) Close() error { return nil }
