package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var _ Store = &S3Store{}

type S3Options struct {
	Bucket string
	// Region is discovered from the bucket when empty and no Endpoint is set.
	Region string
	// Endpoint overrides the AWS endpoint for S3 compatible servers.
	Endpoint     string
	UsePathStyle bool
	// Static credentials. When empty the default AWS chain (env, shared config, IMDS) is used.
	AccessKeyID     string
	SecretAccessKey string
}

type S3Store struct {
	bucket string
	client *s3.Client
}

func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("no bucket given")
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	client := newS3Client(cfg, opts)
	if opts.Region == "" && opts.Endpoint == "" {
		region, err := manager.GetBucketRegion(ctx, client, opts.Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to detect region of bucket `%s`: %w", opts.Bucket, err)
		}
		if region != cfg.Region {
			cfg.Region = region
			client = newS3Client(cfg, opts)
		}
	}

	return &S3Store{
		bucket: opts.Bucket,
		client: client,
	}, nil
}

func newS3Client(cfg aws.Config, opts S3Options) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
		// Objects uploaded by nix copy carry no CRC checksums, don't warn on every read.
		o.DisableLogOutputChecksumValidationSkipped = true
	})
}

// Region returns the region the client talks to.
func (s *S3Store) Region() string {
	return s.client.Options().Region
}

// Check verifies the bucket is reachable with the configured credentials.
func (s *S3Store) Check(ctx context.Context) error {
	_, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  &s.bucket,
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("failed to access S3 bucket `%s`: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, s3Error(key, err)
	}
	return &Object{
		ObjMeta: ObjMeta{
			Key:          key,
			SizeBytes:    aws.ToInt64(obj.ContentLength),
			LastModified: aws.ToTime(obj.LastModified),
		},
		Body: obj.Body,
	}, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (ObjMeta, error) {
	obj, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return ObjMeta{}, s3Error(key, err)
	}
	return ObjMeta{
		Key:          key,
		SizeBytes:    aws.ToInt64(obj.ContentLength),
		LastModified: aws.ToTime(obj.LastModified),
	}, nil
}

func (s *S3Store) GetRange(ctx context.Context, key string, off, length int64) (io.ReadCloser, error) {
	if length <= 0 {
		return nil, fmt.Errorf("invalid range length %d for %s", length, key)
	}
	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+length-1)),
	})
	if err != nil {
		return nil, s3Error(key, err)
	}
	return obj.Body, nil
}

func s3Error(key string, err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("failed to read %s from S3: %w", key, err)
}
