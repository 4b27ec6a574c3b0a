package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/nextconvert/composer/internal/shared/config"
)

// S3Backend keeps published renders in an S3-compatible bucket (AWS S3,
// MinIO, etc.) and reads sources from any bucket the credentials allow.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend creates a new S3 storage backend
func NewS3Backend(ctx context.Context, cfg config.StorageConfig) (*S3Backend, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required for s3 storage backend")
	}

	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}

	// Static keys when given, the default AWS credential chain otherwise
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Backend{client: client, bucket: cfg.S3Bucket}, nil
}

// Put uploads reader as zone/filename in the configured bucket and returns
// the object key.
func (b *S3Backend) Put(ctx context.Context, zone Zone, filename string, reader io.Reader) (string, error) {
	key := path.Join(string(zone), filename)

	body, size, release, err := sizedBody(reader)
	if err != nil {
		return "", err
	}
	defer release()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		input.ContentType = aws.String(ct)
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("s3 upload of %s failed: %w", key, err)
	}
	return key, nil
}

// sizedBody returns reader with its length. PutObject needs the length up
// front, so readers that are not files are spooled to a temp file first.
func sizedBody(reader io.Reader) (io.Reader, int64, func(), error) {
	noop := func() {}
	if f, ok := reader.(*os.File); ok {
		info, err := f.Stat()
		if err != nil {
			return nil, 0, noop, err
		}
		pos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, 0, noop, err
		}
		return f, info.Size() - pos, noop, nil
	}

	tmp, err := os.CreateTemp("", "s3-upload-*")
	if err != nil {
		return nil, 0, noop, fmt.Errorf("failed to create temp file: %w", err)
	}
	release := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	n, err := io.Copy(tmp, reader)
	if err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		release()
		return nil, 0, noop, fmt.Errorf("failed to buffer upload: %w", err)
	}
	return tmp, n, release, nil
}

// Open reads an object from the configured bucket
func (b *S3Backend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return b.OpenObject(ctx, b.bucket, key)
}

// OpenObject reads an object from any bucket. Missing objects yield an
// error matching os.ErrNotExist.
func (b *S3Backend) OpenObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, os.ErrNotExist)
		}
		return nil, fmt.Errorf("s3 download of s3://%s/%s failed: %w", bucket, key, err)
	}
	return resp.Body, nil
}

func isNotFoundError(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	return strings.Contains(err.Error(), "StatusCode: 404")
}
