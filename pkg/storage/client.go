// Package storage publishes build artifacts to S3.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/buildhost/ec2-builder/pkg/errors"
)

const checksumMetadataKey = "sha256"

// S3API is the subset of the S3 client used for publishing.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Client provides S3 storage operations
type Client struct {
	s3Client S3API
	bucket   string
	prefix   string
}

// NewClient creates a new S3 client using the default credential chain
func NewClient(ctx context.Context, bucket, prefix, region string) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "prefix", prefix, "region", region)

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return New(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// New wraps an existing S3 API implementation.
func New(api S3API, bucket, prefix string) *Client {
	return &Client{s3Client: api, bucket: bucket, prefix: prefix}
}

// PublishResult describes an uploaded artifact.
type PublishResult struct {
	URI     string
	Key     string
	SHA256  string
	Size    int64
	Skipped bool
}

// Key returns the object key for name under the configured prefix.
func (c *Client) Key(name string) string {
	return path.Join(c.prefix, name)
}

// Publish uploads localPath under name. If an object with the same checksum
// is already stored there the upload is skipped.
func (c *Client) Publish(ctx context.Context, localPath, name string) (*PublishResult, error) {
	key := c.Key(name)
	slog.Info("s3_publish_start", "bucket", c.bucket, "s3_key", key, "local_path", localPath)

	checksum, size, err := fileChecksum(localPath)
	if err != nil {
		return nil, err
	}

	result := &PublishResult{
		URI:    fmt.Sprintf("s3://%s/%s", c.bucket, key),
		Key:    key,
		SHA256: checksum,
		Size:   size,
	}

	existing, found, err := c.storedChecksum(ctx, key)
	if err != nil {
		return nil, err
	}
	if found && existing == checksum {
		slog.Info("s3_publish_skipped", "s3_key", key, "reason", "unchanged")
		result.Skipped = true
		return result, nil
	}

	f, err := os.Open(localPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open artifact")
	}
	defer f.Close()

	_, err = c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		Metadata:      map[string]string{checksumMetadataKey: checksum},
	})
	if err != nil {
		slog.Error("s3_put_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to upload artifact")
	}

	slog.Info("s3_publish_complete",
		"s3_key", key,
		"size_mb", size/1024/1024,
		"sha256", checksum[:16]+"...",
	)
	return result, nil
}

// Exists checks if an object exists in S3
func (c *Client) Exists(ctx context.Context, name string) (bool, error) {
	_, found, err := c.storedChecksum(ctx, c.Key(name))
	return found, err
}

func (c *Client) storedChecksum(ctx context.Context, key string) (string, bool, error) {
	out, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			slog.Debug("s3_object_not_found", "s3_key", key)
			return "", false, nil
		}
		slog.Error("s3_head_object_failed", "s3_key", key, "error", err)
		return "", false, errors.Wrap(err, "failed to check object existence")
	}
	return out.Metadata[checksumMetadataKey], true, nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var ae smithy.APIError
	return errors.As(err, &ae) && (ae.ErrorCode() == "NotFound" || ae.ErrorCode() == "NoSuchKey")
}

func fileChecksum(localPath string) (string, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to open artifact")
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, f)
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to hash artifact")
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}
