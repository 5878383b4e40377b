package remote

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"snapkeep/internal/crypto"
	"snapkeep/internal/store"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type ObjectInfo struct {
	Size   int64
	Blake3 string
}

type Backend interface {
	store.Sink
	Download(ctx context.Context, id string) ([]byte, error)
	Head(ctx context.Context, id string) (*ObjectInfo, error)
	VerifyCredentials(ctx context.Context) error
}

type S3Options struct {
	Bucket           string
	Region           string
	Prefix           string
	Endpoint         string
	StorageClass     types.StorageClass
	MaxRetryAttempts int
	// Ext is appended to snapshot ids to form object names.
	Ext string
}

type S3 struct {
	client       *s3.Client
	uploader     *manager.Uploader
	bucket       string
	prefix       string
	ext          string
	storageClass types.StorageClass
}

var _ Backend = (*S3)(nil)

func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	if opts.StorageClass == "" {
		return nil, fmt.Errorf("storage class must be specified")
	}
	if err := ValidateStorageClass(string(opts.StorageClass)); err != nil {
		return nil, err
	}

	var configOpts []func(*awsconfig.LoadOptions) error
	configOpts = append(configOpts, awsconfig.WithRegion(opts.Region))

	if opts.MaxRetryAttempts > 0 {
		configOpts = append(configOpts,
			awsconfig.WithRetryMaxAttempts(opts.MaxRetryAttempts),
			awsconfig.WithRetryMode(aws.RetryModeStandard),
		)
		slog.Debug("Configured S3 retry strategy", "mode", "standard", "maxAttempts", opts.MaxRetryAttempts)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if opts.Endpoint != "" {
		if accessKey := os.Getenv("AWS_ACCESS_KEY_ID"); accessKey != "" {
			if secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY"); secretKey != "" {
				cfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
			}
		}
	}

	var client *s3.Client
	if opts.Endpoint != "" {
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
		slog.Info("S3 client initialized with custom endpoint", "endpoint", opts.Endpoint)
	} else {
		client = s3.NewFromConfig(cfg)
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenSupported
	})

	return &S3{
		client:       client,
		uploader:     uploader,
		bucket:       opts.Bucket,
		prefix:       opts.Prefix,
		ext:          opts.Ext,
		storageClass: opts.StorageClass,
	}, nil
}

func (s *S3) Name() string { return "s3:" + s.bucket }

// Key returns the object key for a snapshot id.
func (s *S3) Key(id string) string {
	return path.Join(s.prefix, "snapshots", id+s.ext)
}

// Save uploads doc and tags it with its BLAKE3 hash.
func (s *S3) Save(ctx context.Context, id string, doc []byte) error {
	key := s.Key(id)
	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(doc),
		StorageClass: s.storageClass,
		Metadata:     map[string]string{"blake3": crypto.Digest(doc)},
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	slog.Info("Uploaded to S3", "bucket", s.bucket, "key", key, "storageClass", s.storageClass)
	return nil
}

func (s *S3) Download(ctx context.Context, id string) ([]byte, error) {
	key := s.Key(id)

	buf := manager.NewWriteAtBuffer(nil)
	downloader := manager.NewDownloader(s.client)
	numBytes, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}

	slog.Info("Downloaded from S3", "bucket", s.bucket, "key", key, "bytes", numBytes)
	return buf.Bytes(), nil
}

func (s *S3) Head(ctx context.Context, id string) (*ObjectInfo, error) {
	key := s.Key(id)

	output, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to head object %s: %w", key, err)
	}

	info := &ObjectInfo{}
	if output.ContentLength != nil {
		info.Size = *output.ContentLength
	}
	if output.Metadata != nil {
		info.Blake3 = output.Metadata["blake3"]
	}
	return info, nil
}

func (s *S3) VerifyCredentials(ctx context.Context) error {
	slog.Info("Verifying AWS credentials and bucket access", "bucket", s.bucket)

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to verify AWS credentials or bucket access: %w", err)
	}

	slog.Info("AWS credentials verified successfully", "bucket", s.bucket)
	return nil
}

// ValidateStorageClass rejects classes whose objects cannot be read back
// without a restore request; imports from S3 must be immediate.
func ValidateStorageClass(storageClass string) error {
	if storageClass == "GLACIER" || storageClass == "DEEP_ARCHIVE" {
		return fmt.Errorf("storage class %s is not immediately accessible (requires restore)", storageClass)
	}
	return nil
}
