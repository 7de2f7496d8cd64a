package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used by S3Writer.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures an S3Writer.
type S3Config struct {
	// Bucket receives the manifests (required).
	Bucket string

	// Prefix is prepended to every object key.
	Prefix string

	// Region defaults to the AWS default chain, or "auto" with a custom Endpoint.
	Region string

	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint string

	// AccessKeyID and SecretAccessKey select static credentials. When empty
	// the AWS default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Writer uploads manifests to an S3 bucket.
type S3Writer struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Writer creates an S3Writer with a client built from cfg.
func NewS3Writer(ctx context.Context, cfg S3Config) (*S3Writer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	region := cfg.Region
	if region == "" && cfg.Endpoint != "" {
		region = "auto"
	}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3WriterWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3WriterWithClient creates an S3Writer over an existing client.
func NewS3WriterWithClient(client S3API, bucket, prefix string) *S3Writer {
	return &S3Writer{client: client, bucket: bucket, prefix: prefix}
}

// ObjectKey returns the key a manifest is uploaded under.
func (w *S3Writer) ObjectKey(m Manifest) string {
	if w.prefix == "" {
		return m.Key()
	}
	return path.Join(w.prefix, m.Key())
}

// Write implements Writer.
func (w *S3Writer) Write(ctx context.Context, m Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(w.ObjectKey(m)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"run-id": m.RunID,
			"status": string(m.Status),
		},
	}

	if _, err := w.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload manifest to s3://%s/%s: %w", w.bucket, w.ObjectKey(m), err)
	}
	return nil
}
