// internal/pinning/s3.go
// Package pinning provides S3-compatible staging storage for medical
// documents. Clients upload through presigned URLs; the service verifies the
// staged object before a content identifier is accepted into a record or a
// hospital registration.
package pinning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectInfo describes a staged object as reported by the store.
type ObjectInfo struct {
	Size        int64  // Object size in bytes
	ContentType string // MIME type reported at upload
	ChecksumSHA256 string // Base64 SHA-256 checksum, empty if the store did not record one
}

// Client wraps the AWS S3 client for document staging operations.
type Client struct {
	client *s3.Client
	bucket string
}

// New creates a staging client. Works with AWS S3 and S3-compatible services
// like MinIO.
func New(endpoint, region, bucket, accessKey, secretKey string) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
	})

	return &Client{
		client: client,
		bucket: bucket,
	}, nil
}

// GenerateUploadURL returns a presigned PUT URL so clients upload directly to
// the staging bucket instead of streaming through the service.
func (c *Client) GenerateUploadURL(ctx context.Context, key, contentType string, expires time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(c.client)

	presignResult, err := presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return presignResult.URL, nil
}

// Stat returns metadata for a staged object via a HEAD request.
func (c *Client) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	result, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:       aws.String(c.bucket),
		Key:          aws.String(key),
		ChecksumMode: "ENABLED",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object metadata: %w", err)
	}

	info := &ObjectInfo{}
	if result.ContentLength != nil {
		info.Size = *result.ContentLength
	}
	if result.ContentType != nil {
		info.ContentType = *result.ContentType
	}
	if result.ChecksumSHA256 != nil {
		info.ChecksumSHA256 = *result.ChecksumSHA256
	}
	return info, nil
}

// AllowedType reports whether mime appears in the allow-list. Matching is
// case-insensitive and ignores parameters such as charset.
func AllowedType(mime string, allowed []string) bool {
	mime = strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]))
	for _, a := range allowed {
		if mime == strings.ToLower(a) {
			return true
		}
	}
	return false
}
