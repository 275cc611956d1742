package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of *s3.Client used by the S3 tier.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Uploader is implemented by *manager.Uploader.
type Uploader interface {
	Upload(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Options configures the S3 tier.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
	RequestTimeout  time.Duration
}

// S3Tier stores objects in a single bucket.
type S3Tier struct {
	client   S3API
	uploader Uploader
	bucket   string
	timeout  time.Duration
}

// NewS3 builds an S3 tier from the default AWS credential chain, or from
// static credentials when both keys are set. Endpoint points the client at an
// S3-compatible service such as MinIO or LocalStack.
func NewS3(ctx context.Context, opts S3Options) (*S3Tier, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 tier: bucket is required")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})
	return NewS3WithClient(opts.Bucket, client, manager.NewUploader(client), opts.RequestTimeout), nil
}

// NewS3WithClient wires an S3 tier around existing clients.
func NewS3WithClient(bucket string, client S3API, uploader Uploader, timeout time.Duration) *S3Tier {
	return &S3Tier{client: client, uploader: uploader, bucket: bucket, timeout: timeout}
}

// Name implements Tier.
func (s *S3Tier) Name() string { return "remote" }

// Bucket returns the configured bucket name.
func (s *S3Tier) Bucket() string { return s.bucket }

// CheckBucket verifies the bucket exists and is reachable.
func (s *S3Tier) CheckBucket(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return s.err("head", "", s3NotFound(err))
	}
	return nil
}

// Get implements Tier.
func (s *S3Tier) Get(ctx context.Context, key string) (Object, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Object{}, s.err("get", key, s3NotFound(err))
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return Object{}, s.err("get", key, err)
	}
	obj := Object{Key: key, Body: body}
	if out.LastModified != nil {
		obj.ModTime = *out.LastModified
	}
	return obj, nil
}

// Put implements Tier.
func (s *S3Tier) Put(ctx context.Context, key string, body []byte) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return s.err("put", key, err)
	}
	return nil
}

// Delete implements Tier. S3 does not report deletes of missing keys.
func (s *S3Tier) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s.err("delete", key, s3NotFound(err))
	}
	return nil
}

// List implements Tier, following continuation tokens until exhausted. The
// request timeout applies to each page, not to the whole walk.
func (s *S3Tier) List(ctx context.Context, prefix string, modifiedAfter time.Time) ([]string, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		pageCtx, cancel := s.withTimeout(ctx)
		page, err := paginator.NextPage(pageCtx)
		cancel()
		if err != nil {
			return nil, s.err("list", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			if obj.LastModified != nil && !obj.LastModified.After(modifiedAfter) {
				continue
			}
			keys = append(keys, *obj.Key)
		}
	}
	return keys, nil
}

func (s *S3Tier) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *S3Tier) err(op, key string, err error) error {
	return &TierError{Tier: s.Name(), Op: op, Key: key, Err: err}
}

func s3NotFound(err error) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return ErrNotFound
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.ErrorCode())
		}
	}
	return err
}
