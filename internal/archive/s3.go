// internal/archive/s3.go
// Package archive provides an S3-compatible backend for offloading blob
// ciphertext out of the relational store. It supports both AWS S3 and
// S3-compatible services like MinIO.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client stores ciphertext objects in a single bucket, keyed by study UID.
// It implements storage.ArchiveBackend.
type S3Client struct {
	client *s3.Client // AWS S3 client
	bucket string     // Bucket holding offloaded ciphertext
}

// NewS3Client creates a new S3 archive backend.
// Parameters:
//   - endpoint: S3 service endpoint URL
//   - region: AWS region (or equivalent for S3-compatible services)
//   - bucket: bucket name for ciphertext objects
//   - accessKey, secretKey: static credentials
func NewS3Client(endpoint, region, bucket, accessKey, secretKey string) (*S3Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithBaseEndpoint(endpoint),
		awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(
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

	// Path-style addressing is required for MinIO and other S3-compatible
	// services.
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &S3Client{
		client: client,
		bucket: bucket,
	}, nil
}

// Put stores ciphertext under key, replacing any existing object.
func (c *S3Client) Put(ctx context.Context, key string, ciphertext []byte) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(ciphertext),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to put archive object %s: %w", key, err)
	}
	return nil
}

// Fetch returns the ciphertext stored under key.
func (c *S3Client) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get archive object %s: %w", key, err)
	}
	defer out.Body.Close()

	ciphertext, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive object %s: %w", key, err)
	}
	return ciphertext, nil
}

// Delete removes the object under key. A missing object is not an error.
func (c *S3Client) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("failed to delete archive object %s: %w", key, err)
	}
	return nil
}
