// Package archive ships compressed, rotated log files to S3-compatible
// object storage for long-term retention.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config contains credentials for an S3-compatible endpoint.
type Config struct {
	Endpoint        string // full URL, e.g. an R2 or MinIO endpoint
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// Uploader copies local .gz log files into an object bucket under logs/.
// Uploads are best effort: a failed file is logged and skipped.
type Uploader struct {
	client *s3.Client
	bucket string
	log    *slog.Logger
}

// NewUploader builds an S3 client against the configured endpoint.
func NewUploader(cfg Config, log *slog.Logger) (*Uploader, error) {
	if log == nil {
		log = slog.Default()
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Uploader{client: client, bucket: cfg.Bucket, log: log}, nil
}

// UploadFile puts one compressed log file under logs/<basename>.
func (u *Uploader) UploadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	key := "logs/" + filepath.Base(path)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(data),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	u.log.Debug("archived log file", "key", key, "size", len(data))
	return nil
}

// Sweep uploads every .gz file in dir and optionally removes the local
// copy after a successful upload. Returns how many files were shipped.
func (u *Uploader) Sweep(ctx context.Context, dir string, removeLocal bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read log directory: %w", err)
	}

	shipped := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".gz") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := u.UploadFile(ctx, path); err != nil {
			u.log.Warn("archive upload failed", "file", path, "error", err)
			continue
		}
		shipped++
		if removeLocal {
			if err := os.Remove(path); err != nil {
				u.log.Warn("failed to remove archived file", "file", path, "error", err)
			}
		}
	}
	return shipped, nil
}
