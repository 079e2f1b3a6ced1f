// Package storage archives worker logs to S3 for post-mortem analysis.
// Uploads are strictly best-effort: a missing bucket or failed upload never
// affects job execution.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// LogUploader uploads per-device log files to an S3 bucket.
type LogUploader struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewLogUploader creates an uploader for the given bucket using the default
// AWS credential chain.
func NewLogUploader(ctx context.Context, bucket, prefix string) (*LogUploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg)
	return &LogUploader{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}, nil
}

// UploadLog uploads the log file at path under
// <prefix>/<phoneID>/<timestamp>-<basename>.
func (u *LogUploader) UploadLog(ctx context.Context, phoneID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening log %s: %w", path, err)
	}
	defer f.Close()

	key := fmt.Sprintf("%s/%s/%s-%s",
		u.prefix, phoneID,
		time.Now().UTC().Format("20060102150405"),
		filepath.Base(path))

	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("uploading %s to s3://%s/%s: %w", path, u.bucket, key, err)
	}
	return nil
}
