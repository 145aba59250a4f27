// Package artifacts uploads agent-produced artifacts to S3 so a run's
// final output can carry a durable URI instead of inline bytes.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the S3 uploader.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

// S3Uploader uploads run artifacts to AWS S3.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Uploader loads AWS config and prepares an uploader.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return &S3Uploader{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// UploadArtifact uploads one artifact's content and returns its s3:// URI.
func (u *S3Uploader) UploadArtifact(ctx context.Context, runID, name, contentType string, content []byte) (string, error) {
	key := u.objectKey("runs", runID, "artifacts", name)

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &u.bucket,
		Key:         &key,
		Body:        bytes.NewReader(content),
		ContentType: ptr(contentType),
	})
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}

func (u *S3Uploader) objectKey(parts ...string) string {
	if u.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{u.prefix}, parts...)...)
}

func ptr[T any](v T) *T {
	return &v
}
